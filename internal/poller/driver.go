// Package poller runs the per-feed poll loop: reconcile the upstream snapshot
// against the committed watermark, publish what changed, then commit.
package poller

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/opendata-ingest/internal/feed"
	"github.com/ethpandaops/opendata-ingest/internal/leader"
	"github.com/ethpandaops/opendata-ingest/internal/metrics"
	"github.com/ethpandaops/opendata-ingest/internal/reconcile"
	"github.com/ethpandaops/opendata-ingest/internal/resilience"
	"github.com/ethpandaops/opendata-ingest/internal/watermark"
)

// Phase is the driver lifecycle state.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseBootstrapping
	PhasePolling
	PhaseSleeping
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseBootstrapping:
		return "bootstrapping"
	case PhasePolling:
		return "polling"
	case PhaseSleeping:
		return "sleeping"
	case PhaseStopped:
		return "stopped"
	default:
		return fmt.Sprintf("phase(%d)", int32(p))
	}
}

// Poll outcomes, used as metric labels.
const (
	OutcomeEmitted  = "emitted"
	OutcomeEmpty    = "empty"
	OutcomeError    = "error"
	OutcomeFollower = "follower"
)

// Reconciler decides which records to emit for a committed state.
type Reconciler interface {
	Reconcile(ctx context.Context, state watermark.State) (reconcile.Result, error)
}

// Publisher hands records to the bus.
type Publisher interface {
	PublishAll(ctx context.Context, records []feed.Record) (int, error)
}

// Producer is the delivery side of the publisher.
type Producer interface {
	RetryDLQ(ctx context.Context) (int, error)
	Flush(ctx context.Context, timeout time.Duration) (int, error)
	DLQDepth() int
}

// BootstrapFunc resolves the upstream schema and returns a ready reconciler.
type BootstrapFunc func(ctx context.Context) (Reconciler, error)

// Deps bundles the collaborators of a Driver.
type Deps struct {
	Bootstrap    BootstrapFunc
	Store        watermark.Store
	Publisher    Publisher
	Producer     Producer
	Limiter      *resilience.InflightLimiter
	Elector      leader.Elector
	FlushTimeout time.Duration
}

// Driver runs the poll loop of one feed.
type Driver struct {
	log   logrus.FieldLogger
	cfg   Config
	feed  string
	deps  Deps
	phase atomic.Int32

	reconciler Reconciler
	state      watermark.State
}

// PollResult summarises one poll.
type PollResult struct {
	Outcome   string
	Emitted   int
	Dropped   int
	Retried   int
	Flushed   int
	Watermark time.Time
	Partial   bool
}

// NewDriver creates a Driver for feedName.
func NewDriver(log logrus.FieldLogger, cfg Config, feedName string, deps Deps) *Driver {
	if deps.Elector == nil {
		deps.Elector = leader.NewStandalone()
	}

	if deps.Limiter == nil {
		deps.Limiter = resilience.NewInflightLimiter(1)
	}

	return &Driver{
		log:  log.WithFields(logrus.Fields{"component": "poller", "feed": feedName}),
		cfg:  cfg,
		feed: feedName,
		deps: deps,
	}
}

// Phase returns the current lifecycle state.
func (d *Driver) Phase() Phase {
	return Phase(d.phase.Load())
}

// State returns a copy of the committed state.
func (d *Driver) State() watermark.State {
	return d.state.Clone()
}

func (d *Driver) setPhase(p Phase) {
	d.phase.Store(int32(p))
}

// Run bootstraps and then polls until ctx is cancelled. Only bootstrap
// failures are returned; poll errors are logged and the loop carries on.
func (d *Driver) Run(ctx context.Context) error {
	defer d.stop()

	if err := d.bootstrap(ctx); err != nil {
		return err
	}

	for ctx.Err() == nil {
		d.setPhase(PhasePolling)

		if d.deps.Elector.IsLeader() {
			d.Poll(ctx)
		} else {
			metrics.PollsTotal.WithLabelValues(d.feed, OutcomeFollower).Inc()
			d.log.Debug("Not leader, skipping poll")
		}

		d.setPhase(PhaseSleeping)
		d.sleep(ctx)
	}

	return nil
}

func (d *Driver) bootstrap(ctx context.Context) error {
	d.setPhase(PhaseBootstrapping)

	reconciler, err := d.deps.Bootstrap(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	state, err := d.deps.Store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	d.reconciler = reconciler
	d.state = state

	d.log.WithFields(logrus.Fields{
		"watermark": feed.FormatTimestamp(state.Watermark),
		"seen":      len(state.Seen),
	}).Info("Starting poll loop")

	return nil
}

// Poll runs one iteration. Committed state only changes after records were
// handed off and the new state was persisted.
func (d *Driver) Poll(ctx context.Context) PollResult {
	start := time.Now()
	res := d.poll(ctx)

	metrics.PollsTotal.WithLabelValues(d.feed, res.Outcome).Inc()
	metrics.PollDuration.WithLabelValues(d.feed).Observe(time.Since(start).Seconds())
	metrics.Watermark.WithLabelValues(d.feed).Set(float64(d.state.Watermark.Unix()))

	d.log.WithFields(logrus.Fields{
		"outcome":   res.Outcome,
		"records":   res.Emitted,
		"dropped":   res.Dropped,
		"watermark": feed.FormatTimestamp(d.state.Watermark),
		"seen":      len(d.state.Seen),
		"dlq_depth": d.deps.Producer.DLQDepth(),
	}).Info("Poll complete")

	return res
}

func (d *Driver) poll(ctx context.Context) PollResult {
	res := PollResult{Outcome: OutcomeError, Watermark: d.state.Watermark}

	retried, err := d.deps.Producer.RetryDLQ(ctx)
	if err != nil {
		d.log.WithError(err).Warn("DLQ retry failed")
	}

	res.Retried = retried

	if err := d.deps.Limiter.Acquire(ctx); err != nil {
		return res
	}
	defer d.deps.Limiter.Release()

	result, err := d.reconciler.Reconcile(ctx, d.state.Clone())
	res.Dropped = result.Dropped
	res.Partial = result.Partial

	if result.Dropped > 0 {
		metrics.RecordsDropped.WithLabelValues(d.feed).Add(float64(result.Dropped))
	}

	if err != nil {
		d.log.WithError(err).Error("Reconcile failed")

		return res
	}

	if len(result.Records) == 0 {
		res.Outcome = OutcomeEmpty

		return res
	}

	sent, err := d.deps.Publisher.PublishAll(ctx, result.Records)
	res.Emitted = sent

	if sent > 0 {
		metrics.RecordsEmitted.WithLabelValues(d.feed).Add(float64(sent))
	}

	if err != nil {
		d.log.WithError(err).Error("Publish failed, state not committed")

		return res
	}

	flushed, err := d.deps.Producer.Flush(ctx, d.deps.FlushTimeout)
	res.Flushed = flushed

	if err != nil {
		d.log.WithError(err).Error("Flush failed, state not committed")

		return res
	}

	next := result.State()
	if err := d.deps.Store.Save(ctx, next); err != nil {
		d.log.WithError(err).Error("Failed to persist state")

		return res
	}

	d.state = next
	res.Watermark = next.Watermark
	res.Outcome = OutcomeEmitted

	return res
}

// sleep waits for the poll interval in SleepStep increments so cancellation
// is noticed promptly.
func (d *Driver) sleep(ctx context.Context) {
	deadline := time.Now().Add(d.cfg.Interval)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}

		step := min(d.cfg.SleepStep, remaining)

		select {
		case <-ctx.Done():
			return
		case <-time.After(step):
		}
	}
}

func (d *Driver) stop() {
	if d.deps.Producer != nil && d.Phase() != PhaseIdle {
		ctx, cancel := context.WithTimeout(context.Background(), d.deps.FlushTimeout+time.Second)
		defer cancel()

		if n, err := d.deps.Producer.Flush(ctx, d.deps.FlushTimeout); err != nil {
			d.log.WithError(err).Error("Final flush failed")
		} else if n > 0 {
			d.log.WithField("count", n).Warn("Final flush moved messages to DLQ")
		}
	}

	d.setPhase(PhaseStopped)
	d.log.Info("Poll loop stopped")
}
