// Package apperrors provides structured application errors with HTTP status mapping.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	// ErrValidation marks caller errors: malformed submissions rejected at intake.
	ErrValidation = errors.New("validation error")
	// ErrConflict marks a job submitted while another is already executing.
	ErrConflict = errors.New("conflict")
	// ErrWorkflowRejected marks a workflow graph the engine refused to accept.
	// Not retryable: resubmitting the same graph fails the same way.
	ErrWorkflowRejected = errors.New("workflow rejected")
	// ErrEngineUnavailable marks transport failures against the engine.
	ErrEngineUnavailable = errors.New("engine unavailable")
	// ErrProtocol marks unexpected or missing fields in an engine response.
	ErrProtocol = errors.New("protocol error")
	// ErrInternal marks everything else.
	ErrInternal = errors.New("internal error")
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // For validation errors (e.g., "workflow", "callback_url")
	Op       string // Operation that failed (e.g., "engine.submit")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the sentinel error for errors.Is() classification.
func (e *Error) Unwrap() error {
	return e.Sentinel
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// Conflict creates a conflict error.
func Conflict(reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  reason,
	}
}

// WorkflowRejected creates an error for a graph the engine declined to queue.
func WorkflowRejected(detail string) error {
	return &Error{
		Sentinel: ErrWorkflowRejected,
		Message:  fmt.Sprintf("workflow validation failed: %s", detail),
	}
}

// EngineUnavailable creates a transport-level error for an unreachable engine.
func EngineUnavailable(op string, cause error) error {
	return &Error{
		Sentinel: ErrEngineUnavailable,
		Message:  fmt.Sprintf("%s: engine unreachable: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Protocol creates an error for an engine response missing expected fields.
func Protocol(op, detail string) error {
	return &Error{
		Sentinel: ErrProtocol,
		Message:  fmt.Sprintf("%s: %s", op, detail),
		Op:       op,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}
