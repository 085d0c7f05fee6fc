// Package retry provides a bounded retry combinator with pluggable backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Backoff returns how long to wait before the given attempt (1-based) is retried.
type Backoff func(attempt int) time.Duration

// Linear waits step × attempt between attempts: 2s, 4s, 6s for a 2s step.
func Linear(step time.Duration) Backoff {
	return func(attempt int) time.Duration {
		return step * time.Duration(attempt)
	}
}

// None never waits. Useful in tests.
func None() Backoff {
	return func(int) time.Duration { return 0 }
}

// Policy configures a retry loop.
type Policy struct {
	MaxAttempts int
	Backoff     Backoff
	// OnRetry is called after a failed attempt when another attempt follows.
	OnRetry func(attempt int, err error)
}

// Default is three attempts with a linear 2s backoff.
func Default() Policy {
	return Policy{MaxAttempts: 3, Backoff: Linear(2 * time.Second)}
}

// WithOnRetry returns a copy of p with the retry hook set.
func (p Policy) WithOnRetry(fn func(attempt int, err error)) Policy {
	p.OnRetry = fn
	return p
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns the wrapped error unchanged.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Do runs fn until it succeeds, returns a Permanent error, the context ends,
// or the attempt budget is spent.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	_, err := Value(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Value is Do for operations that produce a result.
func Value[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := p.Backoff
	if backoff == nil {
		backoff = None()
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return zero, perm.err
		}
		lastErr = err

		if attempt == attempts {
			break
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}
		if err := sleep(ctx, backoff(attempt)); err != nil {
			return zero, err
		}
	}

	return zero, &ExhaustedError{Attempts: attempts, Last: lastErr}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
