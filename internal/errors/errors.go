// Package errors provides error code definitions for the cache engine.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a unique error code surfaced to callers and logs.
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

	// Fetch errors. The retry policy keys off these classes.
	ErrFetchTransient ErrorCode = "FETCH_TRANSIENT"
	ErrFetchPermanent ErrorCode = "FETCH_PERMANENT"
	ErrFetchCancelled ErrorCode = "FETCH_CANCELLED"
	ErrQuotaExhausted ErrorCode = "QUOTA_EXHAUSTED"

	// Pipeline errors
	ErrDecodeFailed ErrorCode = "DECODE_FAILED"
	ErrEncodeFailed ErrorCode = "ENCODE_FAILED"

	// Store errors
	ErrStageFailed   ErrorCode = "STAGE_FAILED"
	ErrCommitFault   ErrorCode = "COMMIT_FAULT"
	ErrStagingClosed ErrorCode = "STAGING_CLOSED"
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

// Is checks if an error carries a specific code anywhere in its chain.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// Code returns the error code of err, or ErrInternal for unclassified errors.
func Code(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// IsTransient reports whether err is retryable under the backoff policy.
func IsTransient(err error) bool {
	return Is(err, ErrFetchTransient)
}

// IsQuotaExhausted reports whether err is a quota-admission denial.
// Quota denials are deferred outcomes, never failures.
func IsQuotaExhausted(err error) bool {
	return Is(err, ErrQuotaExhausted)
}

// IsCancelled reports whether err comes from context cancellation. Cancelled
// items are deferred, not failed, matching an explicit Cancel.
func IsCancelled(err error) bool {
	return Is(err, ErrFetchCancelled)
}
