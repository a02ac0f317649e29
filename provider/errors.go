package provider

import (
	"errors"
)

// ErrExhausted is returned when every candidate provider for a request
// has failed. Callers treat it as a critical generation failure.
var ErrExhausted = errors.New("all providers exhausted")

// TransientError marks a failure that may succeed on retry (rate limit,
// network error, 5xx).
type TransientError struct {
	err error
}

func (e *TransientError) Error() string { return e.err.Error() }
func (e *TransientError) Unwrap() error { return e.err }

// NewTransientError wraps an error as transient.
func NewTransientError(err error) error {
	return &TransientError{err: err}
}

// FatalError marks a failure that retrying the same provider cannot fix
// (auth, malformed request).
type FatalError struct {
	err error
}

func (e *FatalError) Error() string { return e.err.Error() }
func (e *FatalError) Unwrap() error { return e.err }

// NewFatalError wraps an error as fatal.
func NewFatalError(err error) error {
	return &FatalError{err: err}
}

// IsTransient reports whether the error should be retried on the same provider.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsFatal reports whether the error rules out further retries on the same provider.
func IsFatal(err error) bool {
	var f *FatalError
	return errors.As(err, &f)
}
