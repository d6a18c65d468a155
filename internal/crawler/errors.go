package crawler

import (
	"errors"
	"fmt"
)

// Error taxonomy. Callers classify with errors.Is.
var (
	// ErrValidation marks malformed configuration or URLs at creation.
	ErrValidation = errors.New("validation error")
	// ErrStateTransition is the parent of every illegal lifecycle transition.
	ErrStateTransition = errors.New("state error")
	// ErrAlreadyRunning is returned when another task holds the run slot.
	ErrAlreadyRunning = fmt.Errorf("%w: another task is already running", ErrStateTransition)
	// ErrInvalidState is returned for transitions not allowed from the current state.
	ErrInvalidState = fmt.Errorf("%w: invalid state", ErrStateTransition)
	// ErrNotPaused is returned when a config update is attempted outside PAUSED.
	ErrNotPaused = fmt.Errorf("%w: task is not paused", ErrStateTransition)
	// ErrTaskNotFound is returned for unknown task ids.
	ErrTaskNotFound = errors.New("task not found")
	// ErrFetch marks a per-URL network failure.
	ErrFetch = errors.New("fetch error")
	// ErrScopeRejection marks a link refused by the frontier.
	ErrScopeRejection = errors.New("scope rejection")
	// ErrFatalTask drives a task to FAILED.
	ErrFatalTask = errors.New("fatal task error")
)

func validationErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// InvalidTransition builds an ErrInvalidState describing the attempted edge.
func InvalidTransition(op string, from Status) error {
	return fmt.Errorf("%w: cannot %s from %s", ErrInvalidState, op, from)
}

// RejectReason enumerates why a link was not enqueued.
type RejectReason string

// Rejection reasons reported on LinkRejected events.
const (
	RejectOutOfScope       RejectReason = "out_of_scope"
	RejectTooDeep          RejectReason = "too_deep"
	RejectAlreadyVisited   RejectReason = "already_visited"
	RejectAlreadyScheduled RejectReason = "already_scheduled"
	RejectInvalidURL       RejectReason = "invalid_url"
	RejectRobots           RejectReason = "robots_disallowed"
)

// RejectionError is returned by the frontier for refused links.
type RejectionError struct {
	URL    string
	Reason RejectReason
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("link %s rejected: %s", e.URL, e.Reason)
}

// Unwrap lets errors.Is match ErrScopeRejection.
func (e *RejectionError) Unwrap() error {
	return ErrScopeRejection
}

// Reject builds a RejectionError.
func Reject(rawURL string, reason RejectReason) error {
	return &RejectionError{URL: rawURL, Reason: reason}
}

// RejectionReason extracts the reason from err, if any.
func RejectionReason(err error) (RejectReason, bool) {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej.Reason, true
	}
	return "", false
}

// FatalError wraps err so it drives the owning task to FAILED.
func FatalError(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrFatalTask, err)
}
