// Package retrier provides a bounded retry loop driven by an explicit
// policy value: attempt budget, delay function and retryable-error predicate.
package retrier

import (
	"context"
	"time"
)

const (
	defaultMaxAttempts = 4
	defaultDelay       = 1 * time.Second
)

// Policy describes how an operation is retried. The zero value retries
// every error with the package defaults.
type Policy struct {
	// MaxAttempts is the total attempt budget, including the first call.
	MaxAttempts int
	// Delay returns how long to wait after the given failed attempt
	// (1-based). Nil means a fixed default delay.
	Delay func(attempt int) time.Duration
	// Retryable reports whether the error is worth another attempt.
	// Nil means every error is retryable.
	Retryable func(err error) bool
}

// FixedDelay returns a delay function that always waits d.
func FixedDelay(d time.Duration) func(int) time.Duration {
	return func(int) time.Duration { return d }
}

// Do executes fn under the policy. It returns nil on the first success, the
// last error once the attempt budget is exhausted, the first non-retryable
// error immediately, or the context error if ctx is done while waiting.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	delay := p.Delay
	if delay == nil {
		delay = FixedDelay(defaultDelay)
	}

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if attempt == maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay(attempt)):
		}
	}

	return err
}

// DoWithData executes fn under the policy and returns its value.
func DoWithData[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := p.Do(ctx, func(ctx context.Context) error {
		var e error
		result, e = fn(ctx)
		return e
	})
	return result, err
}
