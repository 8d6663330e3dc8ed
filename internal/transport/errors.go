package transport

import (
	"errors"
	"time"
)

// SendError carries the retry decision as data instead of error subclassing:
// retry policy becomes a pure function of the error value.
type SendError struct {
	// Retryable marks transient failures (network, timeout, rate limit).
	// Permanent failures (bad chat id, bot blocked, rejected content) are
	// not retryable.
	Retryable bool

	// RetryAfter is a provider-supplied floor for the next attempt delay
	// (Telegram flood wait). Zero when the provider gave no hint.
	RetryAfter time.Duration

	Err error
}

func (e *SendError) Error() string {
	if e.Err == nil {
		return "send failed"
	}
	return e.Err.Error()
}

func (e *SendError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable send failure.
func Transient(err error) *SendError {
	return &SendError{Retryable: true, Err: err}
}

// TransientAfter wraps err as a retryable send failure with a provider
// backoff floor.
func TransientAfter(err error, after time.Duration) *SendError {
	return &SendError{Retryable: true, RetryAfter: after, Err: err}
}

// Permanent wraps err as a non-retryable send failure.
func Permanent(err error) *SendError {
	return &SendError{Retryable: false, Err: err}
}

// Retryable reports whether err should be retried. Errors that are not
// *SendError default to retryable: retries are bounded, and treating an
// unclassified failure as permanent would finalize a recipient on what may
// be a blip.
func Retryable(err error) bool {
	var se *SendError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return true
}

// RetryAfterHint extracts the provider backoff hint, if any.
func RetryAfterHint(err error) time.Duration {
	var se *SendError
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}
