// Package sink consumes published records and upserts them into the
// time-series store. Offsets are committed only after a batch is persisted,
// and the upsert is idempotent on (fiwareid, ts), so redelivery is harmless.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/opendata-ingest/internal/bus"
	"github.com/ethpandaops/opendata-ingest/internal/feed"
	"github.com/ethpandaops/opendata-ingest/internal/metrics"
)

// Upserter persists a batch of records.
type Upserter interface {
	Upsert(ctx context.Context, records []feed.Record) (int, error)
}

// Sink moves messages from the bus into the store.
type Sink struct {
	log      logrus.FieldLogger
	cfg      Config
	table    string
	consumer bus.Consumer
	store    Upserter
	done     chan struct{}
}

// New creates a Sink. table labels metrics.
func New(log logrus.FieldLogger, cfg Config, table string, consumer bus.Consumer, store Upserter) *Sink {
	return &Sink{
		log:      log.WithFields(logrus.Fields{"component": "sink", "table": table}),
		cfg:      cfg,
		table:    table,
		consumer: consumer,
		store:    store,
		done:     make(chan struct{}),
	}
}

// Done is closed when Run returns.
func (s *Sink) Done() <-chan struct{} {
	return s.done
}

// Run consumes until ctx is cancelled. Messages of an unfinished batch are
// left uncommitted and will be redelivered.
func (s *Sink) Run(ctx context.Context) error {
	defer close(s.done)

	s.log.Info("Sink consuming")

	for {
		msgs, err := s.collect(ctx)
		if len(msgs) > 0 {
			if flushErr := s.flush(ctx, msgs); flushErr != nil {
				return flushErr
			}
		}

		if err != nil {
			if ctx.Err() != nil {
				s.log.Info("Sink stopped")

				return nil
			}

			return err
		}
	}
}

// collect gathers up to BatchSize messages, returning early once
// FlushInterval has passed.
func (s *Sink) collect(ctx context.Context) ([]kafka.Message, error) {
	batchCtx, cancel := context.WithTimeout(ctx, s.cfg.FlushInterval)
	defer cancel()

	msgs := make([]kafka.Message, 0, s.cfg.BatchSize)

	for len(msgs) < s.cfg.BatchSize {
		msg, err := s.consumer.FetchMessage(batchCtx)
		if err != nil {
			if ctx.Err() != nil {
				return msgs, ctx.Err()
			}

			if errors.Is(err, context.DeadlineExceeded) {
				return msgs, nil
			}

			metrics.SinkErrors.WithLabelValues(s.table, "fetch").Inc()
			s.log.WithError(err).Warn("Fetch failed")

			if sleepErr := sleep(ctx, s.cfg.RetryBackoff); sleepErr != nil {
				return msgs, sleepErr
			}

			return msgs, nil
		}

		msgs = append(msgs, msg)
	}

	return msgs, nil
}

// flush persists msgs, retrying until it succeeds, then commits them.
func (s *Sink) flush(ctx context.Context, msgs []kafka.Message) error {
	records := Decode(s.log, msgs)

	for len(records) > 0 {
		n, err := s.store.Upsert(ctx, records)
		if err == nil {
			s.log.WithField("count", n).Debug("Upserted batch")

			break
		}

		metrics.SinkErrors.WithLabelValues(s.table, "upsert").Inc()
		s.log.WithError(err).WithField("count", len(records)).Error("Upsert failed, retrying batch")

		if sleepErr := sleep(ctx, s.cfg.RetryBackoff); sleepErr != nil {
			return nil //nolint:nilerr // shutdown; batch stays uncommitted
		}
	}

	// Commit on a context that survives shutdown so persisted work is not
	// replayed needlessly.
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := s.consumer.CommitMessages(commitCtx, msgs...); err != nil {
		metrics.SinkErrors.WithLabelValues(s.table, "commit").Inc()

		return fmt.Errorf("commit offsets: %w", err)
	}

	return nil
}

// Decode parses message values into records. Messages that are not valid
// records are logged and skipped.
func Decode(log logrus.FieldLogger, msgs []kafka.Message) []feed.Record {
	records := make([]feed.Record, 0, len(msgs))

	for _, msg := range msgs {
		var rec feed.Record
		if err := json.Unmarshal(msg.Value, &rec); err != nil {
			log.WithError(err).WithField("key", string(msg.Key)).Warn("Skipping undecodable message")

			continue
		}

		if rec.EntityID == "" || rec.AsOf.IsZero() {
			log.WithField("key", string(msg.Key)).Warn("Skipping message without entity_id or as_of")

			continue
		}

		rec.AsOf = rec.AsOf.UTC()
		records = append(records, rec)
	}

	return records
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
