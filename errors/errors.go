// Package errors provides error handling for qafila.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - Operator-facing details via WithDetail
//
// Usage:
//
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	if errors.Is(err, errors.ErrIllegalTransition) {
//	    // reject the control action
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

// Operator-facing messages and details
var (
	WithHint      = crdb.WithHint
	WithHintf     = crdb.WithHintf
	WithDetail    = crdb.WithDetail
	WithDetailf   = crdb.WithDetailf
	GetAllDetails = crdb.GetAllDetails
	GetAllHints   = crdb.GetAllHints
)

// Error inspection
var (
	Is     = crdb.Is
	IsAny  = crdb.IsAny
	As     = crdb.As
	Unwrap = crdb.Unwrap
	Join   = crdb.Join
)

// Sentinel errors used across qafila.
// Use these with errors.Is() for type-safe error checking.
// Wrap them with errors.Wrap() to add context while preserving the type.
var (
	// ErrNotFound indicates the requested resource does not exist
	ErrNotFound = New("not found")

	// ErrIllegalTransition indicates an operator action that is not valid
	// for the job's current status (e.g. pausing a completed job).
	// The job is left untouched when this is returned.
	ErrIllegalTransition = New("illegal state transition")

	// ErrUniqueConflict indicates a write hit a uniqueness constraint on a
	// natural key. The idempotent upsert helper resolves these internally;
	// callers outside record/ should never observe one.
	ErrUniqueConflict = New("unique constraint conflict")

	// ErrWriteConflictExceeded indicates the upsert retry budget was
	// exhausted resolving concurrent writes for one natural key.
	// Recorded as a per-item failure, never a pipeline abort.
	ErrWriteConflictExceeded = New("write conflict retry budget exceeded")

	// ErrUpstreamTransient marks an upstream failure worth retrying
	// (network error, 5xx, timeout).
	ErrUpstreamTransient = New("transient upstream error")

	// ErrUpstreamPermanent marks an upstream failure that will not succeed
	// on retry (4xx, malformed payload).
	ErrUpstreamPermanent = New("permanent upstream error")
)

// IsNotFound checks if an error is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsIllegalTransition checks if an error is or wraps ErrIllegalTransition.
func IsIllegalTransition(err error) bool {
	return err != nil && Is(err, ErrIllegalTransition)
}

// IsUniqueConflict checks if an error is or wraps ErrUniqueConflict.
func IsUniqueConflict(err error) bool {
	return err != nil && Is(err, ErrUniqueConflict)
}
