package routing

import (
	"errors"
	"fmt"
)

var (
	// ErrBackendFailure marks an operational failure: timeout, transport
	// error, non-2xx or malformed response.
	ErrBackendFailure = errors.New("backend failure")

	// ErrAllFallbacksExhausted is terminal: the primary and the fallback
	// both failed.
	ErrAllFallbacksExhausted = errors.New("all fallbacks exhausted")

	ErrNoBackend = errors.New("routing: backend not configured")
)

type BackendError struct {
	BackendID string
	Attempt   int
	Err       error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s (attempt %d): %v", e.BackendID, e.Attempt, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

func (e *BackendError) Is(target error) bool { return target == ErrBackendFailure }

// ExhaustedError carries both failures of a fallback chain.
type ExhaustedError struct {
	Primary  error
	Fallback error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%v: primary: %v; fallback: %v", ErrAllFallbacksExhausted, e.Primary, e.Fallback)
}

func (e *ExhaustedError) Unwrap() []error {
	return []error{ErrAllFallbacksExhausted, e.Primary, e.Fallback}
}
