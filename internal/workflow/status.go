// Package workflow holds the pure domain logic for work requests: the status
// state machine and the approval chain builder. Nothing here touches storage
// or performs I/O.
package workflow

import (
	"strings"

	"github.com/groundcrew/be-work-requests/internal/apperrors"
)

// Status is the lifecycle state of a work request.
type Status string

const (
	StatusDraft       Status = "draft"
	StatusSubmitted   Status = "submitted"
	StatusUnderReview Status = "under_review"
	StatusApproved    Status = "approved"
	StatusRejected    Status = "rejected"
	StatusInProgress  Status = "in_progress"
	StatusCompleted   Status = "completed"
	StatusCancelled   Status = "cancelled"
)

// ParseStatus validates a wire-level status string.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(s))
	switch st {
	case StatusDraft, StatusSubmitted, StatusUnderReview, StatusApproved,
		StatusRejected, StatusInProgress, StatusCompleted, StatusCancelled:
		return st, nil
	}
	return "", apperrors.InvalidInput("status", "unknown status "+s)
}

// allowedTransitions is the full set of legal status edges. Any pair not
// listed here is rejected, never coerced.
var allowedTransitions = map[Status][]Status{
	StatusDraft:       {StatusSubmitted, StatusCancelled},
	StatusSubmitted:   {StatusUnderReview, StatusCancelled},
	StatusUnderReview: {StatusApproved, StatusRejected, StatusCancelled},
	StatusApproved:    {StatusInProgress},
	StatusRejected:    {StatusDraft},
	StatusInProgress:  {StatusCompleted},
	StatusCompleted:   {},
	StatusCancelled:   {},
}

// TransitionContext carries the actor and reason for a transition. A reason
// is mandatory when transitioning into cancelled or rejected.
type TransitionContext struct {
	ActorID string
	Reason  string
}

// CanTransition reports whether from→to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// AllowedTransitions returns the legal next statuses for a status.
func AllowedTransitions(from Status) []Status {
	return allowedTransitions[from]
}

// Transition validates from→to and returns the resulting status. Illegal
// edges fail with an invalid-transition error and the current state is left
// untouched by callers.
func Transition(from, to Status, ctx TransitionContext) (Status, error) {
	if !CanTransition(from, to) {
		return from, apperrors.Newf(apperrors.ErrCodeInvalidTransition,
			"cannot transition work request from %q to %q", from, to)
	}
	if (to == StatusCancelled || to == StatusRejected) && strings.TrimSpace(ctx.Reason) == "" {
		return from, apperrors.Newf(apperrors.ErrCodeInvalidInput,
			"a reason is required to transition to %q", to)
	}
	return to, nil
}

// IsTerminal reports whether a status has no outgoing edges other than the
// rejected→draft resubmission path.
func IsTerminal(s Status) bool {
	return s == StatusCompleted || s == StatusCancelled
}
