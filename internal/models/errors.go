package models

import "errors"

var (
	// ErrNotFound indicates a referenced entity does not exist
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates the newsletter is already being dispatched
	ErrConflict = errors.New("newsletter is already running")

	// ErrInvalidTransition indicates a status transition that the
	// lifecycle does not permit
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrDuplicateEmail indicates a recipient email that is already registered
	ErrDuplicateEmail = errors.New("recipient email already exists")
)
