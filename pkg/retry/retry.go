// Package retry holds the backoff policy shared by the orchestration
// schedulers. Attempt accounting is explicit so callers can enforce exact
// invocation bounds: a handler retried under a policy with N retries runs at
// most N+1 times.
package retry

import (
	"context"
	"time"
)

// Policy decides whether a failed attempt is retried and how long to wait
// before the next one. Delays grow geometrically from InitialDelay up to
// MaxDelay.
type Policy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// Default is the stock policy: three total attempts, half a second initial
// delay, doubling up to thirty seconds.
func Default() Policy {
	return Policy{
		MaxRetries:   2,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// ShouldRetry reports whether another attempt is allowed after `attempt`
// attempts have already failed. Attempts are counted from one.
func (p Policy) ShouldRetry(attempt int) bool {
	return attempt <= p.MaxRetries
}

// Delay returns the wait before the retry that follows the given failed
// attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 1 || p.Multiplier <= 1 {
		return p.clamp(p.InitialDelay)
	}

	delay := float64(p.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= p.Multiplier
		if time.Duration(delay) >= p.MaxDelay {
			return p.clamp(p.MaxDelay)
		}
	}

	return p.clamp(time.Duration(delay))
}

func (p Policy) clamp(d time.Duration) time.Duration {
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}

	if d < 0 {
		return 0
	}

	return d
}

// Do runs fn until it succeeds or the policy is exhausted, sleeping the
// policy delay between attempts. The sleep is cancellable; a cancelled
// context returns its error immediately without another attempt.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; ; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if !p.ShouldRetry(attempt) {
			return lastErr
		}

		if err := Sleep(ctx, p.Delay(attempt)); err != nil {
			return err
		}
	}
}

// Sleep blocks for the given duration or until the context is done, whichever
// comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
