// Package errors provides the error taxonomy shared by the sync engine.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
)

// ErrorCode represents a unique, stable error code surfaced to consumers.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Database errors
	ErrDatabase  ErrorCode = "DATABASE_ERROR"
	ErrMigration ErrorCode = "MIGRATION_FAILED"

	// Configuration errors
	ErrConfigInvalid ErrorCode = "CONFIG_INVALID"

	// Transient network errors, retried up to the request's retry budget
	ErrNetwork     ErrorCode = "NETWORK_ERROR"
	ErrSyncTimeout ErrorCode = "SYNC_TIMEOUT"

	// Terminal business errors, never retried automatically
	ErrBusinessRejected ErrorCode = "BUSINESS_REJECTED"

	// Queue errors
	ErrDurability ErrorCode = "DURABILITY_FAILED"
	ErrQueueFull  ErrorCode = "QUEUE_FULL"

	// Sync errors
	ErrOffline    ErrorCode = "OFFLINE"
	ErrSyncFailed ErrorCode = "SYNC_FAILED"

	// Probe errors never reach callers; the code is used for logging only
	ErrProbeFailed ErrorCode = "PROBE_FAILED"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is checks if any AppError in err's chain carries the given code.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		var appErr *AppError
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}

// CodeOf returns the code of the outermost AppError in err's chain, or
// ErrInternal when there is none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// IsNetwork reports whether err is a transient network failure: an explicit
// network or timeout code, a context deadline, or a net.Error.
func IsNetwork(err error) bool {
	if err == nil {
		return false
	}
	if Is(err, ErrNetwork) || Is(err, ErrSyncTimeout) {
		return true
	}
	if IsBusiness(err) {
		return false
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return stderrors.As(err, &netErr)
}

// IsBusiness reports whether err is a terminal business rejection.
func IsBusiness(err error) bool {
	return Is(err, ErrValidation) || Is(err, ErrBusinessRejected)
}

// IsRetryable reports whether a failed attempt may be retried automatically.
// Anything that is not recognisably a network failure is terminal.
func IsRetryable(err error) bool {
	return IsNetwork(err)
}
