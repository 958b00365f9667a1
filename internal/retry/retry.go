// Package retry provides a small exponential-backoff helper for
// idempotent calls to external backends (SSH dial, Docker daemon
// probes, miner RPC), following the same "wrap a stdlib primitive in a
// tiny policy struct" shape as infrastructure/ratelimit.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy configures exponential backoff with jitter.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64 // fraction of delay to randomize, e.g. 0.2 = ±20%
}

// DefaultPolicy is a reasonable policy for network calls: 3 attempts,
// starting at 200ms, capped at 5s, with 20% jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Jitter:      0.2,
	}
}

func (p Policy) delay(attempt int) time.Duration {
	d := p.BaseDelay * time.Duration(1<<uint(attempt))
	if d > p.MaxDelay || d <= 0 {
		d = p.MaxDelay
	}
	if p.Jitter <= 0 {
		return d
	}
	spread := float64(d) * p.Jitter
	offset := (rand.Float64()*2 - 1) * spread
	return time.Duration(float64(d) + offset)
}

// Do calls fn up to p.MaxAttempts times, sleeping with backoff between
// attempts. It returns early on success, on ctx cancellation, or if fn
// returns a non-retryable error (isRetryable returns false for it).
// A nil isRetryable treats every error as retryable.
func Do(ctx context.Context, p Policy, isRetryable func(error) bool, fn func(ctx context.Context) error) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if isRetryable != nil && !isRetryable(lastErr) {
			return lastErr
		}
		if attempt == p.MaxAttempts-1 {
			break
		}
		select {
		case <-time.After(p.delay(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}
