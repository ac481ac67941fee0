package backoff

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Policy defines bounded retry behavior for a network operation.
type Policy struct {
	MaxRetries   int           // Retry attempts after the first call (0 = no retries)
	InitialDelay time.Duration // Delay before the first retry
	MaxDelay     time.Duration // Cap on the delay between attempts
	Multiplier   float64       // Exponential growth factor (e.g. 2.0)
}

// DefaultPolicy covers embedding and vector-store calls: a handful of quick
// retries, never more than a few seconds of total waiting.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:   3,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
	}
}

// permanentError marks an error that must not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps an error so Retry returns it immediately instead of
// retrying. Used for request errors a repeat cannot fix (4xx, bad input).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retry executes fn until it succeeds, the policy is exhausted, or the context
// is cancelled. Cancellation is never retried and is returned as ctx.Err() so
// callers can distinguish it from an exhausted transient failure.
func Retry[T any](ctx context.Context, policy Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	delay := policy.InitialDelay

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		var perm *permanentError
		if errors.As(err, &perm) {
			return zero, perm.err
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if attempt == policy.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * policy.Multiplier)
		if delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}

	return zero, fmt.Errorf("retries exhausted after %d attempts: %w", policy.MaxRetries+1, lastErr)
}
