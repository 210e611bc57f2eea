package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Stage worker error codes
const (
	ErrInvalidRequest     ErrorCode = "INVALID_REQUEST"
	ErrRateLimited        ErrorCode = "RATE_LIMITED"
	ErrUpstreamTimeout    ErrorCode = "UPSTREAM_TIMEOUT"
	ErrUpstreamError      ErrorCode = "UPSTREAM_ERROR"
	ErrInternalError      ErrorCode = "INTERNAL_ERROR"
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

// Flow control error codes
const (
	ErrCircuitOpen       ErrorCode = "CIRCUIT_OPEN"
	ErrLoopExceeded      ErrorCode = "LOOP_EXCEEDED"
	ErrForceStopped      ErrorCode = "FORCE_STOPPED"
	ErrValidation        ErrorCode = "VALIDATION"
	ErrStageTimeout      ErrorCode = "STAGE_TIMEOUT"
	ErrStageInProgress   ErrorCode = "STAGE_IN_PROGRESS"
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrStageFailed       ErrorCode = "STAGE_FAILED"
	ErrCheckpointFailed  ErrorCode = "CHECKPOINT_FAILED"
)

// Coded is implemented by typed errors that carry an ErrorCode.
type Coded interface {
	Code() ErrorCode
}

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Stage     string    `json:"stage,omitempty"`
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

// WithStage sets the stage the error originated from.
func (e *Error) WithStage(stage string) *Error {
	e.Stage = stage
	return e
}

// IsRetryable checks if an error is explicitly marked retryable.
// Plain errors from stage workers are not *Error and report false here;
// the retry executor treats them as transient by default.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error chain.
func GetErrorCode(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	var coded Coded
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return ""
}

// IsErrorCode reports whether err carries the given code.
func IsErrorCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}

// TypeName returns the error type reported in failure records:
// the error code when one is present, otherwise the Go type name.
func TypeName(err error) string {
	if err == nil {
		return ""
	}
	if code := GetErrorCode(err); code != "" {
		return string(code)
	}
	return fmt.Sprintf("%T", err)
}
