package models

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthorized      = errors.New("unauthorized")
	ErrInvalidPayload    = errors.New("invalid payload")
	ErrForbidden         = errors.New("forbidden")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrShuttingDown      = errors.New("shutting down")
)

// InvalidPayloadError names the offending payload field
type InvalidPayloadError struct {
	Field  string
	Reason string
}

func (e *InvalidPayloadError) Error() string {
	return fmt.Sprintf("invalid payload: %s: %s", e.Field, e.Reason)
}

func (e *InvalidPayloadError) Unwrap() error {
	return ErrInvalidPayload
}

// NewInvalidPayload builds an InvalidPayloadError.
func NewInvalidPayload(field, reason string, args ...any) error {
	if len(args) > 0 {
		reason = fmt.Sprintf(reason, args...)
	}
	return &InvalidPayloadError{Field: field, Reason: reason}
}
