// Package reliability provides retry helpers for transient network failures.
package reliability

import (
	"context"
	"errors"
	"time"
)

// Policy describes an exponential backoff retry policy.
type Policy struct {
	Attempts   int           // Total attempts, including the first
	Multiplier float64       // Growth factor between waits
	MinWait    time.Duration // Wait before the second attempt
	MaxWait    time.Duration // Ceiling for any single wait
}

// DefaultPolicy matches the API clients' retry budget: three attempts with
// exponential backoff between 2s and 10s.
var DefaultPolicy = Policy{
	Attempts:   3,
	Multiplier: 1,
	MinWait:    2 * time.Second,
	MaxWait:    10 * time.Second,
}

// permanentError wraps an error that must not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks an error as non-retryable. Retrying an invalid-credentials
// failure only burns the attempt budget.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do runs fn under the policy, sleeping between failed attempts. It returns
// the first permanent error, the context error if cancelled mid-wait, or the
// last attempt's error once the budget is exhausted.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	wait := p.MinWait
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err

		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		wait = time.Duration(float64(wait) * (1 + p.Multiplier))
		if wait > p.MaxWait {
			wait = p.MaxWait
		}
	}

	return lastErr
}
