package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Transient errors. Retryable by policy.
const (
	ErrTransientSource ErrorCode = "TRANSIENT_SOURCE"
	ErrStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"
)

// State violations. The operation is refused and no state changes.
const (
	ErrInvalidTransition  ErrorCode = "INVALID_TRANSITION"
	ErrUnknownStep        ErrorCode = "UNKNOWN_STEP"
	ErrDuplicateStep      ErrorCode = "DUPLICATE_STEP"
	ErrStepNotPending     ErrorCode = "STEP_NOT_PENDING"
	ErrUnknownCorrelation ErrorCode = "UNKNOWN_CORRELATION"
	ErrDuplicateWait      ErrorCode = "DUPLICATE_WAIT"
	ErrCompletionRefused  ErrorCode = "COMPLETION_REFUSED"
	ErrInvalidAnchor      ErrorCode = "INVALID_ANCHOR"
)

// Concurrency violations.
const (
	ErrThreadBusy           ErrorCode = "THREAD_BUSY"
	ErrConcurrentResumption ErrorCode = "CONCURRENT_RESUMPTION"
)

// Orchestration errors.
const (
	ErrToolNotFound  ErrorCode = "TOOL_NOT_FOUND"
	ErrWaitTimeout   ErrorCode = "WAIT_TIMEOUT"
	ErrFatalInternal ErrorCode = "FATAL_INTERNAL"
	ErrInvalidInput  ErrorCode = "INVALID_INPUT"
	ErrNotFound      ErrorCode = "NOT_FOUND"
)

// Error is a structured error with code, message, and an optional cause.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// CodeOf extracts the error code from an error, or "" if it carries none.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}
