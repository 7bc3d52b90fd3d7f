// Package errors provides error codes and classification for the offline sync core.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
)

// ErrorCode represents a unique error code surfaced to UI collaborators.
type ErrorCode string

const (
	// General errors
	ErrInternal      ErrorCode = "INTERNAL_ERROR"
	ErrInvalid       ErrorCode = "INVALID_INPUT"
	ErrNotFound      ErrorCode = "NOT_FOUND"
	ErrNotConfigured ErrorCode = "NOT_CONFIGURED"

	// Local storage errors
	ErrStorage       ErrorCode = "STORAGE_ERROR"
	ErrMigration     ErrorCode = "MIGRATION_FAILED"
	ErrLocalSave     ErrorCode = "LOCAL_SAVE_FAILED"
	ErrQuotaExceeded ErrorCode = "QUOTA_EXCEEDED"

	// Order lifecycle errors
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"

	// Sync errors
	ErrSyncNetwork    ErrorCode = "SYNC_NETWORK"
	ErrSyncTimeout    ErrorCode = "SYNC_TIMEOUT"
	ErrSyncAuthFailed ErrorCode = "SYNC_AUTH_FAILED"
	ErrSyncRejected   ErrorCode = "SYNC_REJECTED"
	ErrSyncOffline    ErrorCode = "SYNC_OFFLINE"
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

// Is checks if an error, or any error it wraps, carries the given code.
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

// CodeOf returns the outermost error code, or ErrInternal for foreign errors.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// Class groups errors by how the reconciliation engine reacts to them.
type Class int

const (
	// ClassTransient errors are retried with backoff (timeouts, refused
	// connections, DNS failures, 5xx).
	ClassTransient Class = iota
	// ClassAuth errors halt the whole drain pass.
	ClassAuth
	// ClassValidation errors are recorded and held for operator review.
	ClassValidation
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassAuth:
		return "auth"
	case ClassValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// Classify maps an error returned by a remote attempt to its Class.
// Unknown errors are transient: retrying is bounded, dropping is not.
func Classify(err error) Class {
	switch {
	case Is(err, ErrSyncAuthFailed):
		return ClassAuth
	case Is(err, ErrSyncRejected), Is(err, ErrInvalid), Is(err, ErrNotFound):
		return ClassValidation
	case Is(err, ErrSyncTimeout), Is(err, ErrSyncNetwork):
		return ClassTransient
	}
	return ClassTransient
}

// IsTimeout reports whether err is a deadline or network timeout.
func IsTimeout(err error) bool {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return stderrors.As(err, &netErr) && netErr.Timeout()
}
