package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes exponential delays with jitter.
type Backoff struct {
	cfg  RetryConfig
	rand func() float64
}

// NewBackoff creates a Backoff for cfg.
func NewBackoff(cfg RetryConfig) *Backoff {
	return &Backoff{cfg: cfg, rand: rand.Float64}
}

// Delay returns the wait before retry attempt (0-indexed):
// min(base*2^attempt, max) plus uniform jitter in ±JitterFactor, never negative.
func (b *Backoff) Delay(attempt int) time.Duration {
	delay := float64(b.cfg.BaseDelay) * math.Pow(2, float64(attempt))
	delay = math.Min(delay, float64(b.cfg.MaxDelay))

	spread := delay * b.cfg.JitterFactor
	delay += spread * (2*b.rand() - 1)

	if delay < 0 {
		return 0
	}

	return time.Duration(delay)
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
