package backoff

import (
	"context"
	"time"
)

// Backoff implements exponential backoff with configurable parameters.
// It is used by components that reconnect to external services (etcd
// discovery, grid session) after a failure.
type Backoff struct {
	initialDelay time.Duration
	maxDelay     time.Duration
	multiplier   float64
	currentDelay time.Duration
}

// New creates a new Backoff.
// initialDelay is the delay before the first retry, maxDelay caps the delay,
// and multiplier is the factor applied after each wait.
func New(initialDelay, maxDelay time.Duration, multiplier float64) *Backoff {
	return &Backoff{
		initialDelay: initialDelay,
		maxDelay:     maxDelay,
		multiplier:   multiplier,
		currentDelay: initialDelay,
	}
}

// Wait waits for the current backoff duration, respecting context
// cancellation. Returns nil if the wait completed, or ctx.Err() if the
// context was cancelled first. A successful wait increases the next delay.
func (b *Backoff) Wait(ctx context.Context) error {
	timer := time.NewTimer(b.currentDelay)
	defer timer.Stop()

	select {
	case <-timer.C:
		b.currentDelay = time.Duration(float64(b.currentDelay) * b.multiplier)
		if b.currentDelay > b.maxDelay {
			b.currentDelay = b.maxDelay
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset restores the delay to its initial value. Call after a successful
// operation so the next failure starts from the short delay again.
func (b *Backoff) Reset() {
	b.currentDelay = b.initialDelay
}

// CurrentDelay returns the delay the next Wait call would use.
func (b *Backoff) CurrentDelay() time.Duration {
	return b.currentDelay
}
