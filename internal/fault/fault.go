// Package fault defines the error taxonomy shared by the pipeline operations.
// Every operation returns one of these kinds wrapped with context; nothing in
// the pipeline panics across a package boundary.
package fault

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed input rejected before any state change.
	ErrValidation = errors.New("invalid input")
	// ErrAuthorization marks a caller with the wrong role or ownership.
	ErrAuthorization = errors.New("not allowed")
	// ErrNotFound marks a missing report, candidate, or solution.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks duplicate solutions, double acknowledgments, and
	// stale candidates.
	ErrConflict = errors.New("conflict")
	// ErrExternal marks an adapter failure. The retrieval chain recovers
	// from these locally; they never surface as a hard failure on their own.
	ErrExternal = errors.New("external service failure")
	// ErrPersistence marks a store write failure, surfaced to the caller.
	ErrPersistence = errors.New("persistence failure")
)

func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func Authorizationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrAuthorization, fmt.Sprintf(format, args...))
}

func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

func Conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

// External wraps an adapter error, keeping the cause in the chain.
func External(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrExternal, op, err)
}

// Persistence wraps a store error, keeping the cause in the chain.
func Persistence(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}
