// Package retry wraps cenkalti/backoff with the retry settings used for
// transient queue, object-store, and status-store failures.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy encapsulates retry/backoff settings for transient failures
type Policy struct {
	Initial    time.Duration // first delay
	Max        time.Duration // cap for growth
	MaxRetries uint64        // retries after the first failure
}

// DefaultPolicy returns exponential backoff from 500ms capped at 10s with 3 retries
func DefaultPolicy() Policy {
	return Policy{Initial: 500 * time.Millisecond, Max: 10 * time.Second, MaxRetries: 3}
}

// NewBackOff returns an exponential backoff that never gives up on its own
func NewBackOff(initial, maxInterval time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if initial > 0 {
		b.InitialInterval = initial
	}
	if maxInterval > 0 {
		b.MaxInterval = maxInterval
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Do runs op until it succeeds, returns an error retryable rejects, the retry
// budget runs out, or ctx ends. A nil retryable treats every error as transient.
func Do(ctx context.Context, p Policy, retryable func(error) bool, op func(ctx context.Context) error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(NewBackOff(p.Initial, p.Max), p.MaxRetries), ctx)

	return backoff.Retry(func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return backoff.Permanent(err)
		}
		if retryable != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}

// Sleep waits for d or until ctx ends, reporting whether the full delay elapsed
func Sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
