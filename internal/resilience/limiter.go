package resilience

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// InflightLimiter caps the number of concurrent polls.
type InflightLimiter struct {
	sem *semaphore.Weighted
	max int
}

// NewInflightLimiter creates a limiter admitting max holders (minimum 1).
func NewInflightLimiter(maxInflight int) *InflightLimiter {
	if maxInflight < 1 {
		maxInflight = 1
	}

	return &InflightLimiter{
		sem: semaphore.NewWeighted(int64(maxInflight)),
		max: maxInflight,
	}
}

// Acquire blocks until a slot is free or ctx is done.
func (l *InflightLimiter) Acquire(ctx context.Context) error {
	return l.sem.Acquire(ctx, 1)
}

// TryAcquire takes a slot without blocking.
func (l *InflightLimiter) TryAcquire() bool {
	return l.sem.TryAcquire(1)
}

// Release frees a slot taken by Acquire or TryAcquire.
func (l *InflightLimiter) Release() {
	l.sem.Release(1)
}

// Max returns the configured capacity.
func (l *InflightLimiter) Max() int {
	return l.max
}
