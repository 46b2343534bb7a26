package models

import (
	"time"
)

// NewsletterStatus represents the lifecycle status of a newsletter
type NewsletterStatus string

const (
	StatusCreated  NewsletterStatus = "created"
	StatusRunning  NewsletterStatus = "running"
	StatusFinished NewsletterStatus = "finished"
)

// ValidTransition reports whether a status transition is permitted.
// Allowed edges: created->running, running->finished, finished->running.
func ValidTransition(from, to NewsletterStatus) bool {
	switch from {
	case StatusCreated:
		return to == StatusRunning
	case StatusRunning:
		return to == StatusFinished
	case StatusFinished:
		return to == StatusRunning
	}
	return false
}

// Recipient is a mailing-list member
type Recipient struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	FullName  string    `json:"full_name"`
	Comment   string    `json:"comment,omitempty"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Template is a reusable message with a subject and plain-text body
type Template struct {
	ID        string    `json:"id"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Newsletter pairs one template with a set of recipients
type Newsletter struct {
	ID           string           `json:"id"`
	TemplateID   string           `json:"template_id"`
	RecipientIDs []string         `json:"recipient_ids"`
	Status       NewsletterStatus `json:"status"`
	OwnerID      string           `json:"owner_id"`
	LastRunID    string           `json:"last_run_id,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	CompletedAt  time.Time        `json:"completed_at,omitzero"`
}

// AttemptOutcome is the terminal result of one delivery attempt
type AttemptOutcome string

const (
	OutcomeSuccessful AttemptOutcome = "successful"
	OutcomeFailed     AttemptOutcome = "failed"
)

// DeliveryAttempt is an immutable record of one send outcome to one
// recipient. The email is denormalized so the audit trail survives
// recipient deletion.
type DeliveryAttempt struct {
	ID             string         `json:"id"`
	NewsletterID   string         `json:"newsletter_id"`
	RunID          string         `json:"run_id"`
	RecipientEmail string         `json:"recipient_email"`
	Outcome        AttemptOutcome `json:"outcome"`
	ErrorDetail    string         `json:"error_detail,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// UserStats holds per-user delivery counters. TotalSent is always
// Successful + Failed after an update completes.
type UserStats struct {
	UserID     string    `json:"user_id"`
	TotalSent  int64     `json:"total_sent"`
	Successful int64     `json:"successful_attempts"`
	Failed     int64     `json:"failed_attempts"`
	LastUpdate time.Time `json:"last_update"`
}

// RunResult summarizes one dispatch run
type RunResult struct {
	RunID     string             `json:"run_id"`
	Succeeded int                `json:"succeeded"`
	Failed    int                `json:"failed"`
	Attempts  []*DeliveryAttempt `json:"attempts"`
}
