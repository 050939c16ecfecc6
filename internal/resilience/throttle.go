package resilience

import (
	"context"
	"sync"
	"time"
)

// ProduceStats counts produce outcomes over a fixed window. Once the window
// has elapsed the next record resets both counters.
type ProduceStats struct {
	mu           sync.Mutex
	successCount int
	failureCount int
	windowStart  time.Time
	window       time.Duration
	now          func() time.Time
}

// NewProduceStats creates stats with the given window length.
func NewProduceStats(window time.Duration) *ProduceStats {
	return newProduceStats(window, time.Now)
}

func newProduceStats(window time.Duration, now func() time.Time) *ProduceStats {
	return &ProduceStats{window: window, now: now, windowStart: now()}
}

// RecordSuccess counts a delivered message.
func (s *ProduceStats) RecordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.maybeReset()
	s.successCount++
}

// RecordFailure counts a failed delivery.
func (s *ProduceStats) RecordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.maybeReset()
	s.failureCount++
}

// FailureRatio returns failures/total in the current window, 0 when empty.
func (s *ProduceStats) FailureRatio() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := s.successCount + s.failureCount
	if total == 0 {
		return 0
	}

	return float64(s.failureCount) / float64(total)
}

// Counts returns the current success and failure counters.
func (s *ProduceStats) Counts() (success, failure int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.successCount, s.failureCount
}

func (s *ProduceStats) maybeReset() {
	now := s.now()
	if now.Sub(s.windowStart) > s.window {
		s.successCount = 0
		s.failureCount = 0
		s.windowStart = now
	}
}

// Throttler delays produce calls while the failure ratio is above threshold.
type Throttler struct {
	cfg   ThrottleConfig
	stats *ProduceStats
	sleep func(ctx context.Context, d time.Duration) error
}

// NewThrottler creates a Throttler for cfg.
func NewThrottler(cfg ThrottleConfig) *Throttler {
	return &Throttler{
		cfg:   cfg,
		stats: NewProduceStats(cfg.Window),
		sleep: sleepCtx,
	}
}

// Stats returns the underlying counters.
func (t *Throttler) Stats() *ProduceStats {
	return t.stats
}

// Delay returns the wait for the current failure ratio. Below or at the
// threshold it is zero; above it the delay grows linearly from MinDelay at the
// threshold to MaxDelay at a ratio of 1.
func (t *Throttler) Delay() time.Duration {
	ratio := min(t.stats.FailureRatio(), 1.0)
	if ratio <= t.cfg.FailureThreshold {
		return 0
	}

	excess := (ratio - t.cfg.FailureThreshold) / (1 - t.cfg.FailureThreshold)
	excess = max(0, min(excess, 1))

	span := float64(t.cfg.MaxDelay - t.cfg.MinDelay)

	return t.cfg.MinDelay + time.Duration(span*excess)
}

// Wait sleeps for Delay and returns the time waited.
func (t *Throttler) Wait(ctx context.Context) (time.Duration, error) {
	delay := t.Delay()
	if delay == 0 {
		return 0, nil
	}

	return delay, t.sleep(ctx, delay)
}
