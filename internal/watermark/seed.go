package watermark

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// LatestFunc returns the newest persisted as_of for the feed, false when the
// sink holds no rows.
type LatestFunc func(ctx context.Context) (time.Time, bool, error)

// Seeder resolves the watermark used when nothing has been persisted.
type Seeder struct {
	log    logrus.FieldLogger
	start  time.Time
	latest LatestFunc
}

// NewSeeder builds a Seeder for cfg. latest is consulted only when the start
// watermark is "latest_db" and may be nil otherwise.
func NewSeeder(log logrus.FieldLogger, cfg Config, latest LatestFunc) *Seeder {
	s := &Seeder{
		log:   log.WithField("component", "watermark_seed"),
		start: cfg.StaticStart(),
	}

	if cfg.StartWatermark == StartLatestDB {
		s.latest = latest
	}

	return s
}

// Seed returns the default state. Sink failures fall back to the static start.
func (s *Seeder) Seed(ctx context.Context) State {
	state := State{Watermark: s.start, Seen: map[string]string{}}

	if s.latest == nil {
		return state
	}

	ts, ok, err := s.latest(ctx)
	if err != nil {
		s.log.WithError(err).Warn("Failed to read latest timestamp from sink, using static start")

		return state
	}

	if ok {
		state.Watermark = ts.UTC().Truncate(time.Second)
	}

	return state
}
