// Package apperrors defines the typed error codes shared across the service
// boundary. Every failure a caller is expected to branch on carries one of
// these codes; handlers translate them to transport status codes.
package apperrors

import (
	"errors"
	"fmt"
)

// Code classifies an error for callers.
type Code string

const (
	// ErrCodeInvalidTransition is returned for an illegal status edge.
	// The entity state is never coerced.
	ErrCodeInvalidTransition Code = "invalid_transition"

	// ErrCodeVersionConflict is returned when a compare-and-swap write
	// observes a stale version. The caller must refetch and retry.
	ErrCodeVersionConflict Code = "version_conflict"

	// ErrCodeStaleApproval is returned for a decision against an approval
	// step that is no longer pending (duplicate submissions included).
	ErrCodeStaleApproval Code = "stale_approval"

	// ErrCodeWorkflowInit is returned when approval chain creation failed
	// after the work request already advanced to submitted.
	ErrCodeWorkflowInit Code = "workflow_init_failed"

	// ErrCodeUnauthorized marks an actor who is neither the step's approver
	// nor its active delegate.
	ErrCodeUnauthorized Code = "unauthorized"

	// ErrCodeUnavailable marks a transient storage or infrastructure
	// failure; callers may retry with backoff.
	ErrCodeUnavailable Code = "unavailable"

	ErrCodeNotFound     Code = "not_found"
	ErrCodeInvalidInput Code = "invalid_input"
	ErrCodeConflict     Code = "conflict"
	ErrCodeInternal     Code = "internal"
)

// Error is the concrete error value returned across service boundaries.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an error with a code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an error with a code and a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates an underlying error with a code and message.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// NotFound creates a not-found error for a resource.
func NotFound(resource, id string) *Error {
	return &Error{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s %q not found", resource, id)}
}

// InvalidInput creates a validation error for a named field.
func InvalidInput(field, message string) *Error {
	return &Error{Code: ErrCodeInvalidInput, Message: fmt.Sprintf("%s: %s", field, message)}
}

// CodeOf extracts the code from an error chain, or ErrCodeInternal when the
// error carries no code.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether any error in the chain carries the given code.
func HasCode(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}
