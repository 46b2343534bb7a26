package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/mail"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/saltmail/bulletin/internal/dispatch"
	"github.com/saltmail/bulletin/internal/models"
)

// RecipientRequest is the request body for recipient create/update
type RecipientRequest struct {
	Email    string `json:"email"`
	FullName string `json:"full_name"`
	Comment  string `json:"comment,omitempty"`
}

// TemplateRequest is the request body for template create/update
type TemplateRequest struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// NewsletterRequest is the request body for newsletter creation
type NewsletterRequest struct {
	TemplateID   string   `json:"template_id"`
	RecipientIDs []string `json:"recipient_ids"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// canAccess reports whether the caller may touch a record owned by ownerID
func canAccess(caller *Caller, ownerID string) bool {
	return caller.Has(CapModerate) || caller.UserID == ownerID
}

// listScope returns the owner filter for list endpoints: moderators see
// everything, everyone else only their own records
func listScope(caller *Caller) string {
	if caller.Has(CapModerate) {
		return ""
	}
	return caller.UserID
}

func (s *Server) handleCreateRecipient(w http.ResponseWriter, r *http.Request) {
	var req RecipientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid email address")
		return
	}

	caller := CallerFromContext(r.Context())
	rcpt := &models.Recipient{
		Email:    req.Email,
		FullName: req.FullName,
		Comment:  req.Comment,
		OwnerID:  caller.UserID,
	}

	if err := s.store.CreateRecipient(r.Context(), rcpt); err != nil {
		if errors.Is(err, models.ErrDuplicateEmail) {
			s.sendError(w, http.StatusConflict, "recipient email already exists")
			return
		}
		s.logger.Error("failed to create recipient", "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to create recipient")
		return
	}

	s.sendJSON(w, http.StatusCreated, rcpt)
}

func (s *Server) handleListRecipients(w http.ResponseWriter, r *http.Request) {
	caller := CallerFromContext(r.Context())
	recipients, err := s.store.ListRecipients(r.Context(), listScope(caller))
	if err != nil {
		s.logger.Error("failed to list recipients", "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to list recipients")
		return
	}
	if recipients == nil {
		recipients = []*models.Recipient{}
	}
	s.sendJSON(w, http.StatusOK, recipients)
}

func (s *Server) handleGetRecipient(w http.ResponseWriter, r *http.Request) {
	rcpt, err := s.store.GetRecipient(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendStoreError(w, err, "recipient")
		return
	}
	if !canAccess(CallerFromContext(r.Context()), rcpt.OwnerID) {
		s.sendError(w, http.StatusForbidden, "not the owner")
		return
	}
	s.sendJSON(w, http.StatusOK, rcpt)
}

func (s *Server) handleUpdateRecipient(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existing, err := s.store.GetRecipient(r.Context(), id)
	if err != nil {
		s.sendStoreError(w, err, "recipient")
		return
	}
	if !canAccess(CallerFromContext(r.Context()), existing.OwnerID) {
		s.sendError(w, http.StatusForbidden, "not the owner")
		return
	}

	var req RecipientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid email address")
		return
	}

	existing.Email = req.Email
	existing.FullName = req.FullName
	existing.Comment = req.Comment

	if err := s.store.UpdateRecipient(r.Context(), existing); err != nil {
		if errors.Is(err, models.ErrDuplicateEmail) {
			s.sendError(w, http.StatusConflict, "recipient email already exists")
			return
		}
		s.sendStoreError(w, err, "recipient")
		return
	}
	s.sendJSON(w, http.StatusOK, existing)
}

func (s *Server) handleDeleteRecipient(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existing, err := s.store.GetRecipient(r.Context(), id)
	if err != nil {
		s.sendStoreError(w, err, "recipient")
		return
	}
	if !canAccess(CallerFromContext(r.Context()), existing.OwnerID) {
		s.sendError(w, http.StatusForbidden, "not the owner")
		return
	}
	if err := s.store.DeleteRecipient(r.Context(), id); err != nil {
		s.sendStoreError(w, err, "recipient")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req TemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Subject == "" {
		s.sendError(w, http.StatusBadRequest, "subject is required")
		return
	}

	tmpl := &models.Template{Subject: req.Subject, Body: req.Body}
	if err := s.store.CreateTemplate(r.Context(), tmpl); err != nil {
		s.logger.Error("failed to create template", "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to create template")
		return
	}
	s.sendJSON(w, http.StatusCreated, tmpl)
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := s.store.ListTemplates(r.Context())
	if err != nil {
		s.logger.Error("failed to list templates", "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to list templates")
		return
	}
	if templates == nil {
		templates = []*models.Template{}
	}
	s.sendJSON(w, http.StatusOK, templates)
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	tmpl, err := s.store.GetTemplate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendStoreError(w, err, "template")
		return
	}
	s.sendJSON(w, http.StatusOK, tmpl)
}

func (s *Server) handleUpdateTemplate(w http.ResponseWriter, r *http.Request) {
	var req TemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	tmpl := &models.Template{
		ID:      chi.URLParam(r, "id"),
		Subject: req.Subject,
		Body:    req.Body,
	}
	if err := s.store.UpdateTemplate(r.Context(), tmpl); err != nil {
		s.sendStoreError(w, err, "template")
		return
	}
	s.sendJSON(w, http.StatusOK, tmpl)
}

func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteTemplate(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.sendStoreError(w, err, "template")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateNewsletter(w http.ResponseWriter, r *http.Request) {
	var req NewsletterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TemplateID == "" {
		s.sendError(w, http.StatusBadRequest, "template_id is required")
		return
	}

	if _, err := s.store.GetTemplate(r.Context(), req.TemplateID); err != nil {
		s.sendStoreError(w, err, "template")
		return
	}

	caller := CallerFromContext(r.Context())
	n := &models.Newsletter{
		TemplateID:   req.TemplateID,
		RecipientIDs: req.RecipientIDs,
		OwnerID:      caller.UserID,
	}
	if err := s.store.CreateNewsletter(r.Context(), n); err != nil {
		s.logger.Error("failed to create newsletter", "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to create newsletter")
		return
	}
	s.sendJSON(w, http.StatusCreated, n)
}

func (s *Server) handleListNewsletters(w http.ResponseWriter, r *http.Request) {
	caller := CallerFromContext(r.Context())
	newsletters, err := s.store.ListNewsletters(r.Context(), listScope(caller))
	if err != nil {
		s.logger.Error("failed to list newsletters", "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to list newsletters")
		return
	}
	if newsletters == nil {
		newsletters = []*models.Newsletter{}
	}
	s.sendJSON(w, http.StatusOK, newsletters)
}

func (s *Server) handleGetNewsletter(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.GetNewsletter(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendStoreError(w, err, "newsletter")
		return
	}
	if !canAccess(CallerFromContext(r.Context()), n.OwnerID) {
		s.sendError(w, http.StatusForbidden, "not the owner")
		return
	}
	s.sendJSON(w, http.StatusOK, n)
}

func (s *Server) handleDeleteNewsletter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n, err := s.store.GetNewsletter(r.Context(), id)
	if err != nil {
		s.sendStoreError(w, err, "newsletter")
		return
	}
	if !canAccess(CallerFromContext(r.Context()), n.OwnerID) {
		s.sendError(w, http.StatusForbidden, "not the owner")
		return
	}
	if err := s.store.DeleteNewsletter(r.Context(), id); err != nil {
		s.sendStoreError(w, err, "newsletter")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDispatch runs a newsletter synchronously and returns the run result
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n, err := s.store.GetNewsletter(r.Context(), id)
	if err != nil {
		s.sendStoreError(w, err, "newsletter")
		return
	}
	if !canAccess(CallerFromContext(r.Context()), n.OwnerID) {
		s.sendError(w, http.StatusForbidden, "not the owner")
		return
	}

	opts := dispatch.Options{Resume: r.URL.Query().Get("resume") == "true"}

	result, err := s.dispatcher.Dispatch(r.Context(), id, opts)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrNotFound):
			s.sendError(w, http.StatusNotFound, "newsletter or template not found")
		case errors.Is(err, models.ErrConflict):
			s.sendError(w, http.StatusConflict, "newsletter is already running")
		case errors.Is(err, models.ErrInvalidTransition):
			s.sendError(w, http.StatusConflict, "newsletter is not in a dispatchable state")
		default:
			s.logger.Error("dispatch failed", "newsletter_id", id, "error", err)
			s.sendError(w, http.StatusInternalServerError, "dispatch failed")
		}
		return
	}

	s.sendJSON(w, http.StatusOK, result)
}

func (s *Server) handleListAttempts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n, err := s.store.GetNewsletter(r.Context(), id)
	if err != nil {
		s.sendStoreError(w, err, "newsletter")
		return
	}
	if !canAccess(CallerFromContext(r.Context()), n.OwnerID) {
		s.sendError(w, http.StatusForbidden, "not the owner")
		return
	}

	attempts, err := s.store.ListAttempts(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to list attempts", "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to list attempts")
		return
	}
	if attempts == nil {
		attempts = []*models.DeliveryAttempt{}
	}
	s.sendJSON(w, http.StatusOK, attempts)
}

func (s *Server) handleListUndelivered(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n, err := s.store.GetNewsletter(r.Context(), id)
	if err != nil {
		s.sendStoreError(w, err, "newsletter")
		return
	}
	if !canAccess(CallerFromContext(r.Context()), n.OwnerID) {
		s.sendError(w, http.StatusForbidden, "not the owner")
		return
	}

	undelivered, err := s.store.ListUndelivered(r.Context(), id)
	if err != nil {
		s.sendStoreError(w, err, "newsletter")
		return
	}
	if undelivered == nil {
		undelivered = []*models.Recipient{}
	}
	s.sendJSON(w, http.StatusOK, undelivered)
}

// handleResetNewsletter forces a stuck running newsletter back to created
func (s *Server) handleResetNewsletter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.ResetRun(r.Context(), id); err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			s.sendError(w, http.StatusConflict, "newsletter is not running")
			return
		}
		s.sendStoreError(w, err, "newsletter")
		return
	}
	n, err := s.store.GetNewsletter(r.Context(), id)
	if err != nil {
		s.sendStoreError(w, err, "newsletter")
		return
	}
	s.sendJSON(w, http.StatusOK, n)
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	caller := CallerFromContext(r.Context())
	if !caller.Has(CapModerate) && caller.UserID != userID {
		s.sendError(w, http.StatusForbidden, "not your statistics")
		return
	}

	stats, err := s.stats.Get(r.Context(), userID)
	if err != nil {
		s.sendStoreError(w, err, "statistics")
		return
	}
	s.sendJSON(w, http.StatusOK, stats)
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	ov, err := s.store.GetOverview(r.Context())
	if err != nil {
		s.logger.Error("failed to compute overview", "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to compute overview")
		return
	}
	s.sendJSON(w, http.StatusOK, ov)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Uptime: time.Since(s.startTime).String(),
	})
}

// sendStoreError maps store errors to HTTP responses
func (s *Server) sendStoreError(w http.ResponseWriter, err error, entity string) {
	if errors.Is(err, models.ErrNotFound) {
		s.sendError(w, http.StatusNotFound, entity+" not found")
		return
	}
	s.logger.Error("store error", "entity", entity, "error", err)
	s.sendError(w, http.StatusInternalServerError, "internal error")
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends a JSON error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}
