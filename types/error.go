package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode classifies a failure for propagation decisions: validation
// failures fail fast, transient failures are retried, process failures feed
// the health monitor, and rate-limit failures trigger the tool wrapper's own
// bounded backoff.
type ErrorCode string

const (
	// ErrValidation marks bad or missing input. Never retried.
	ErrValidation ErrorCode = "VALIDATION"
	// ErrTransient marks an API/network failure. Retried per strategy.
	ErrTransient ErrorCode = "TRANSIENT"
	// ErrProcess marks a crashed or unreachable subprocess.
	ErrProcess ErrorCode = "PROCESS"
	// ErrProtocol marks a malformed or unexpected JSON-RPC payload. Treated
	// as a failed call, not a process crash.
	ErrProtocol ErrorCode = "PROTOCOL"
	// ErrRateLimit marks a heuristically detected rate-limit rejection.
	ErrRateLimit ErrorCode = "RATE_LIMIT"
	// ErrTimeout marks a call that saw no response within its deadline.
	ErrTimeout ErrorCode = "TIMEOUT"
	// ErrNotFound marks a missing agent, server or tool.
	ErrNotFound ErrorCode = "NOT_FOUND"
	// ErrInternal marks an unclassified internal failure.
	ErrInternal ErrorCode = "INTERNAL"
)

// Error is the structured error used across the core.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	// ExitCode carries the subprocess exit status for PROCESS errors.
	ExitCode int `json:"exit_code,omitempty"`
	// RetryAfter carries the server's retry hint for RATE_LIMIT errors
	// (zero when the server gave none).
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Cause      error         `json:"-"`
}

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

// WithCause attaches a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// NewError creates an Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewValidationError creates a VALIDATION error. Validation failures are
// never retried.
func NewValidationError(format string, args ...any) *Error {
	return &Error{Code: ErrValidation, Message: fmt.Sprintf(format, args...)}
}

// NewTransientError creates a retryable TRANSIENT error.
func NewTransientError(format string, args ...any) *Error {
	return &Error{Code: ErrTransient, Message: fmt.Sprintf(format, args...), Retryable: true}
}

// NewProcessError creates a PROCESS error carrying the subprocess exit code.
func NewProcessError(exitCode int, format string, args ...any) *Error {
	return &Error{Code: ErrProcess, Message: fmt.Sprintf(format, args...), ExitCode: exitCode}
}

// NewProtocolError creates a PROTOCOL error.
func NewProtocolError(format string, args ...any) *Error {
	return &Error{Code: ErrProtocol, Message: fmt.Sprintf(format, args...)}
}

// NewRateLimitError creates a retryable RATE_LIMIT error with an optional
// retry-after hint.
func NewRateLimitError(retryAfter time.Duration, format string, args ...any) *Error {
	return &Error{
		Code:       ErrRateLimit,
		Message:    fmt.Sprintf(format, args...),
		Retryable:  true,
		RetryAfter: retryAfter,
	}
}

// NewTimeoutError creates a TIMEOUT error.
func NewTimeoutError(format string, args ...any) *Error {
	return &Error{Code: ErrTimeout, Message: fmt.Sprintf(format, args...), Retryable: true}
}

// CodeOf extracts the error code, walking the error chain. Returns
// ErrInternal for errors outside the taxonomy.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrInternal
}

// IsValidation reports whether err is a VALIDATION error.
func IsValidation(err error) bool { return CodeOf(err) == ErrValidation }

// IsProcess reports whether err is a PROCESS error.
func IsProcess(err error) bool { return CodeOf(err) == ErrProcess }

// IsRateLimit reports whether err is a RATE_LIMIT error.
func IsRateLimit(err error) bool { return CodeOf(err) == ErrRateLimit }

// IsTimeout reports whether err is a TIMEOUT error.
func IsTimeout(err error) bool { return CodeOf(err) == ErrTimeout }

// IsRetryable reports whether err may be retried. Errors outside the
// taxonomy are treated as retryable so that unknown transport failures go
// through the configured retry strategy.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return true
}

// RetryAfterOf extracts the rate-limit retry hint, or zero.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}
