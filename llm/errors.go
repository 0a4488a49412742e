package llm

import (
	"errors"
	"time"
)

// Error types for classifying LLM errors.

// TransientError represents a temporary error that may succeed on retry.
// retryAfter optionally carries a provider-supplied delay hint.
type TransientError struct {
	err        error
	retryAfter time.Duration
}

func (e *TransientError) Error() string {
	return e.err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.err
}

// NewTransientError wraps an error as transient (retryable).
func NewTransientError(err error) error {
	return &TransientError{err: err}
}

// NewTransientErrorWithDelay wraps an error as transient with a
// provider-supplied minimum delay before the next attempt.
func NewTransientErrorWithDelay(err error, retryAfter time.Duration) error {
	return &TransientError{err: err, retryAfter: retryAfter}
}

// FatalError represents a permanent error that should not be retried.
type FatalError struct {
	err error
}

func (e *FatalError) Error() string {
	return e.err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.err
}

// NewFatalError wraps an error as fatal (non-retryable).
func NewFatalError(err error) error {
	return &FatalError{err: err}
}

// IsTransient returns true if the error is transient and should be retried.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// IsFatal returns true if the error is fatal and should not be retried.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}

// RetryAfterHint returns the provider-supplied retry delay attached to
// a transient error, or zero when none was given.
func RetryAfterHint(err error) time.Duration {
	var transient *TransientError
	if errors.As(err, &transient) {
		return transient.retryAfter
	}
	return 0
}
