package api

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrApprovalConflict is returned when a request has already been
	// resolved. The prior resolution is left untouched.
	ErrApprovalConflict = errors.New("approval request already resolved")

	// ErrApprovalPending is returned when a session already has a pending
	// approval request.
	ErrApprovalPending = errors.New("session already has a pending approval request")

	// ErrUnknownTask is returned when a step names a task that is not
	// registered.
	ErrUnknownTask = errors.New("task not registered")

	// ErrUnknownWorkflow is returned when no workflow definition is
	// registered for a workflow type.
	ErrUnknownWorkflow = errors.New("workflow type not registered")

	// ErrSessionTerminal is returned when an operation requires a session
	// that has not finished yet.
	ErrSessionTerminal = errors.New("session already terminal")
)

// ValidationError reports malformed input. No session exists when Start
// returns one.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

// IsValidationError reports whether err wraps a *ValidationError.
func IsValidationError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// TaskError wraps a failure returned by a specialist task.
type TaskError struct {
	Task     string
	Attempts int
	Err      error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s failed after %d attempt(s): %v", e.Task, e.Attempts, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

// ApprovalTimeoutError reports that no decision arrived before the deadline.
// It is surfaced as the timeout outcome, never as a session failure.
type ApprovalTimeoutError struct {
	RequestID string
	Timeout   time.Duration
}

func (e *ApprovalTimeoutError) Error() string {
	return fmt.Sprintf("approval request %s timed out after %s", e.RequestID, e.Timeout)
}

// FatalError is an unexpected internal failure. It aborts the session and is
// never retried.
type FatalError struct {
	Stage string
	Err   error
	Stack string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal error in %s: %v", e.Stage, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// NewFatalError wraps err as a FatalError unless it already is one.
func NewFatalError(stage string, err error) *FatalError {
	var f *FatalError
	if errors.As(err, &f) {
		return f
	}
	return &FatalError{Stage: stage, Err: err}
}
