// Package errors provides a structured error system for datacache with error
// codes, categories, and context.
package errors

import (
	"fmt"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for datacache operations.
type ErrorCode string

// Error code constants organized by category.
const (
	// Remote tier errors
	ErrCodeRemoteUnavailable ErrorCode = "REMOTE_UNAVAILABLE"
	ErrCodeRemoteTimeout     ErrorCode = "REMOTE_TIMEOUT"

	// Validation errors
	ErrCodeValidationFailed ErrorCode = "VALIDATION_FAILED"

	// Capacity errors
	ErrCodeCapacityExceeded ErrorCode = "CAPACITY_EXCEEDED"

	// Batch errors
	ErrCodePartialBatchFailure ErrorCode = "PARTIAL_BATCH_FAILURE"
	ErrCodeBatchAborted        ErrorCode = "BATCH_ABORTED"

	// State and misuse errors
	ErrCodeComponentStopped ErrorCode = "COMPONENT_STOPPED"
	ErrCodeAlreadyStarted   ErrorCode = "ALREADY_STARTED"
	ErrCodeInvalidState     ErrorCode = "INVALID_STATE"

	// Configuration errors
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrCodeConfigLoad       ErrorCode = "CONFIG_LOAD"

	// Internal errors
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryRemote        ErrorCategory = "remote"
	CategoryValidation    ErrorCategory = "validation"
	CategoryCapacity      ErrorCategory = "capacity"
	CategoryBatch         ErrorCategory = "batch"
	CategoryState         ErrorCategory = "state"
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryInternal      ErrorCategory = "internal"
)

// Error represents a structured error with context and metadata.
type Error struct {
	Code     ErrorCode     `json:"code"`
	Category ErrorCategory `json:"category"`
	Message  string        `json:"message"`

	Cause     error     `json:"-"`
	Timestamp time.Time `json:"timestamp"`

	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`

	Retryable bool `json:"retryable"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error (for errors.Is compatibility).
func (e *Error) Is(target error) bool {
	if other, ok := target.(*Error); ok {
		return e.Code == other.Code
	}
	return false
}

// New creates a new datacache error with default values.
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Retryable: IsRetryableByDefault(code),
	}
}

// Newf creates a new datacache error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates a new datacache error wrapping an underlying cause.
func Wrap(cause error, code ErrorCode, message string) *Error {
	err := New(code, message)
	err.Cause = cause
	return err
}

// WithComponent sets the originating component name.
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// WithOperation sets the operation during which the error occurred.
func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	codeStr := string(code)
	switch {
	case strings.HasPrefix(codeStr, "REMOTE_"):
		return CategoryRemote
	case strings.HasPrefix(codeStr, "VALIDATION_"):
		return CategoryValidation
	case strings.HasPrefix(codeStr, "CAPACITY_"):
		return CategoryCapacity
	case strings.HasPrefix(codeStr, "PARTIAL_BATCH") || strings.HasPrefix(codeStr, "BATCH_"):
		return CategoryBatch
	case strings.HasPrefix(codeStr, "COMPONENT_") || strings.HasPrefix(codeStr, "ALREADY_") ||
		strings.HasPrefix(codeStr, "INVALID_STATE"):
		return CategoryState
	case strings.HasPrefix(codeStr, "CONFIG_"):
		return CategoryConfiguration
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault determines if an error is retryable by default.
func IsRetryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeRemoteUnavailable, ErrCodeRemoteTimeout, ErrCodeCapacityExceeded:
		return true
	default:
		return false
	}
}

// IsCode reports whether err carries the given datacache error code anywhere
// in its chain.
func IsCode(err error, code ErrorCode) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Code == code {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// IsRemote reports whether err is a remote-tier failure that should degrade
// to local-only handling rather than fail the overall operation.
func IsRemote(err error) bool {
	return IsCode(err, ErrCodeRemoteUnavailable) || IsCode(err, ErrCodeRemoteTimeout)
}
