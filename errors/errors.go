// Package errors provides error handling for drip.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - Structured details attached to errors (used for retry attempt history)
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := store.Enqueue(job); err != nil {
//	    return errors.Wrap(err, "failed to enqueue job")
//	}
//
//	// Check errors
//	if errors.Is(err, errors.ErrUnknownStep) {
//	    // handle configuration mismatch
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint       = crdb.WithHint
	WithHintf      = crdb.WithHintf
	WithDetail     = crdb.WithDetail
	WithDetailf    = crdb.WithDetailf
	GetAllDetails  = crdb.GetAllDetails
	FlattenDetails = crdb.FlattenDetails
)

// Error inspection
var (
	Is        = crdb.Is
	IsAny     = crdb.IsAny
	As        = crdb.As
	Unwrap    = crdb.Unwrap
	UnwrapAll = crdb.UnwrapAll
)

// Common sentinel errors for use across drip.
// Use these with errors.Is() for type-safe error checking.
// Wrap these with errors.Wrap() to add context while preserving the type.
var (
	// ErrNotFound indicates the requested resource does not exist
	ErrNotFound = New("not found")

	// ErrValidation indicates malformed job parameters; never retried
	ErrValidation = New("validation failed")

	// ErrUnknownStep indicates no handler is registered for a
	// (workflow type, step name) pair; fatal, signals a registry gap
	ErrUnknownStep = New("unknown workflow step")

	// ErrDuplicateJob indicates a pending or running job already exists
	// for the same lead, workflow type, step and scheduled occasion
	ErrDuplicateJob = New("duplicate job")

	// ErrAlreadySent indicates a reminder sent-flag was already set by
	// another writer; the losing sender must not record a notification
	ErrAlreadySent = New("reminder already sent")

	// ErrDispatcherStopped indicates the dispatcher is not accepting work
	ErrDispatcherStopped = New("dispatcher stopped")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsValidationError checks if an error is or wraps ErrValidation.
func IsValidationError(err error) bool {
	return err != nil && Is(err, ErrValidation)
}

// IsFatal reports whether an error must never be retried: validation
// failures and unknown-step errors indicate configuration mismatches
// rather than transient conditions.
func IsFatal(err error) bool {
	return err != nil && IsAny(err, ErrValidation, ErrUnknownStep)
}

// NewValidationError creates a validation error with a formatted message.
func NewValidationError(format string, args ...interface{}) error {
	return Wrap(ErrValidation, Newf(format, args...).Error())
}

// NewNotFoundError creates a not-found error with a formatted message.
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}
