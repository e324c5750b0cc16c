// Package errors provides error handling for Threadline.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - User-facing hints and details
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Check errors
//	if errors.Is(err, errors.ErrAgentNotFound) {
//	    // handle missing agent
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

// Sentinel errors for the job engine. Use these with errors.Is() for
// type-safe checks; wrap them with errors.Wrap() to add context while
// preserving the type.
var (
	// ErrNotFound indicates the requested resource does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates the request was malformed or invalid
	ErrInvalidRequest = New("invalid request")

	// ErrAgentNotFound indicates a named or auto-selected agent does not
	// exist or is unavailable for the tenant. Never retried.
	ErrAgentNotFound = New("agent not found")

	// ErrQuotaExceeded indicates a rate-limit rejection. Surfaced to the
	// caller with remaining/reset metadata, never retried by the engine.
	ErrQuotaExceeded = New("quota exceeded")

	// ErrTransientDispatch indicates a network or timeout failure calling
	// the orchestration endpoint. Retried with exponential backoff.
	ErrTransientDispatch = New("transient dispatch failure")
)

// IsNotFound checks if an error is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsAgentNotFound checks if an error is or wraps ErrAgentNotFound.
func IsAgentNotFound(err error) bool {
	return err != nil && Is(err, ErrAgentNotFound)
}

// IsQuotaExceeded checks if an error is or wraps ErrQuotaExceeded.
func IsQuotaExceeded(err error) bool {
	return err != nil && Is(err, ErrQuotaExceeded)
}

// IsTransient checks if an error is or wraps ErrTransientDispatch.
// The processor retries only these failures.
func IsTransient(err error) bool {
	return err != nil && Is(err, ErrTransientDispatch)
}

// NewNotFoundError creates a not-found error with a formatted message.
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}

// NewAgentNotFoundError creates an agent-not-found error for a named agent.
func NewAgentNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrAgentNotFound, Newf(format, args...).Error())
}
