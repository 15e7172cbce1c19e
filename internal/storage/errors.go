package storage

import (
	"context"
	"errors"
)

// RepositoryError wraps an underlying persistence failure (SQL, I/O, lock
// contention). It is the only retryable error repositories return; business
// rule violations are sentinel errors owned by each repository.
type RepositoryError struct {
	Op  string
	Err error
}

func (e *RepositoryError) Error() string {
	if e.Op == "" {
		return "repository: " + e.Err.Error()
	}
	return "repository " + e.Op + ": " + e.Err.Error()
}

func (e *RepositoryError) Unwrap() error { return e.Err }

func (e *RepositoryError) Retryable() bool {
	// A cancelled caller is not going to succeed by retrying with the same context.
	return !errors.Is(e.Err, context.Canceled)
}

// Wrap returns nil for a nil err and never double-wraps.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var re *RepositoryError
	if errors.As(err, &re) {
		return err
	}
	return &RepositoryError{Op: op, Err: err}
}

// IsRetryable reports whether err (or anything it wraps) declares itself retryable.
func IsRetryable(err error) bool {
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
}
