// Package errors provides the error taxonomy shared by the sync and backup core.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode identifies a category of failure that callers can branch on.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Record store errors
	ErrNotFound       ErrorCode = "NOT_FOUND"
	ErrStorageFailure ErrorCode = "STORAGE_FAILURE"
	ErrMigration      ErrorCode = "MIGRATION_FAILED"

	// Conflict errors
	ErrInvariantViolation ErrorCode = "INVARIANT_VIOLATION"

	// Backup errors
	ErrPartialRecovery  ErrorCode = "PARTIAL_RECOVERY"
	ErrInvalidPassword  ErrorCode = "INVALID_PASSWORD"
	ErrCorruptedArchive ErrorCode = "CORRUPTED_ARCHIVE"

	// Remote errors
	ErrRemoteNotConfigured ErrorCode = "REMOTE_NOT_CONFIGURED"
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

// Newf creates a new AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...any) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Storage wraps a persistence error as STORAGE_FAILURE. Errors that already
// carry a code are returned unchanged so that they propagate unmodified.
func Storage(message string, err error) error {
	if err == nil {
		return nil
	}
	if CodeOf(err) != "" {
		return err
	}
	return Wrap(ErrStorageFailure, message, err)
}

// Is reports whether any error in err's chain is an AppError with code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	for err != nil {
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

// CodeOf returns the code of the outermost AppError in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}
