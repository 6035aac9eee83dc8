package notifications

import (
	"errors"
	"math"
	"time"
)

// RetryConfig controls how failed groups re-enter the queue.
type RetryConfig struct {
	// MaxAttempts counts the first send. One disables retries.
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the retry policy used when none is configured.
// A single attempt makes every failure final; retries are opt-in.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       1,
		InitialBackoff:    time.Minute,
		MaxBackoff:        time.Hour,
		BackoffMultiplier: 2,
	}
}

// backoff is InitialBackoff * BackoffMultiplier^(attempt-1), capped at MaxBackoff.
func (c RetryConfig) backoff(attempt int) time.Duration {
	d := float64(c.InitialBackoff) * math.Pow(c.BackoffMultiplier, float64(max(attempt-1, 0)))
	if math.IsInf(d, 0) || math.IsNaN(d) || d > float64(c.MaxBackoff) {
		return c.MaxBackoff
	}
	return time.Duration(d)
}

// nextAttempt returns when a group that failed with err should be retried,
// or nil when the failure is permanent. attempts is the highest attempt count
// among the group's entries before this failure.
func (c RetryConfig) nextAttempt(now time.Time, attempts int, err error) *time.Time {
	if !isRetryable(err) || attempts+1 >= c.MaxAttempts {
		return nil
	}
	next := now.Add(c.backoff(attempts + 1))
	return &next
}

// isRetryable treats errors that do not classify themselves as transient.
func isRetryable(err error) bool {
	var c interface{ IsRetryable() bool }
	if errors.As(err, &c) {
		return c.IsRetryable()
	}
	return true
}

// RetryableError classifies a send failure for the retry policy.
type RetryableError struct {
	Err       error
	Retryable bool
}

// NewRetryableError marks err as transient.
func NewRetryableError(err error) *RetryableError {
	return &RetryableError{Err: err, Retryable: true}
}

// NewNonRetryableError marks err as permanent.
func NewNonRetryableError(err error) *RetryableError {
	return &RetryableError{Err: err}
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }
func (e *RetryableError) IsRetryable() bool { return e.Retryable }
