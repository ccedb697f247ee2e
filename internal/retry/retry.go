// Package retry re-runs calls that fail transiently: optimistic-lock
// conflicts on user device contexts and audit broker writes.
package retry

import (
	"context"
	"math/rand/v2"
	"time"
)

// Backoff describes a retry schedule.
type Backoff struct {
	Attempts  int           // total calls, including the first
	BaseDelay time.Duration // delay before the second call
	MaxDelay  time.Duration // cap on a single delay; zero means uncapped

	// Retryable reports whether err deserves another attempt. Nil means
	// every error does.
	Retryable func(err error) bool
	// OnRetry runs before each wait with the 1-based attempt that failed.
	OnRetry func(attempt int, err error)
}

// DefaultBackoff is three attempts starting at 100ms, capped at 2s.
var DefaultBackoff = Backoff{Attempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second}

// Do calls fn until it succeeds, fails with a non-retryable error, runs out
// of attempts, or ctx is done. The error of the last call is returned.
func Do(ctx context.Context, b Backoff, fn func(ctx context.Context) error) error {
	attempts := max(b.Attempts, 1)
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if attempt == attempts || (b.Retryable != nil && !b.Retryable(err)) {
			return err
		}
		if b.OnRetry != nil {
			b.OnRetry(attempt, err)
		}

		t := time.NewTimer(b.delay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// delay doubles BaseDelay per failed attempt and keeps the upper half of
// that window plus a random share of the lower half.
func (b Backoff) delay(attempt int) time.Duration {
	d := b.BaseDelay << (attempt - 1)
	if d <= 0 || (b.MaxDelay > 0 && d > b.MaxDelay) {
		d = b.MaxDelay
	}
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + rand.N(half+1)
}
