// Package reconcile turns an overwrite-style snapshot API into an ordered,
// deduplicated change stream. Each run pages every row at or after the
// committed watermark and emits the rows that are new or whose fingerprint
// changed, returning the next watermark and the fingerprints seen at it.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/opendata-ingest/internal/feed"
	"github.com/ethpandaops/opendata-ingest/internal/watermark"
)

// Source serves pages of raw rows ordered by timestamp.
type Source interface {
	// Bases lists API bases in preference order.
	Bases() []string
	// PageSize is the requested rows per page; a shorter page ends paging.
	PageSize() int
	// TimestampField names the row field holding the record timestamp.
	TimestampField() string
	FetchPage(ctx context.Context, base string, since time.Time, offset int) ([]feed.Row, error)
}

// Result is the outcome of one reconciliation run.
type Result struct {
	Records   []feed.Record
	Watermark time.Time
	Seen      map[string]string
	// Dropped counts rows missing an id, timestamp or fingerprint.
	Dropped int
	Pages   int
	// Base is the API base the records came from, empty when none.
	Base string
	// Partial is set when paging stopped on an error after rows were
	// collected.
	Partial bool
}

// State returns the state to commit once Records are published.
func (r Result) State() watermark.State {
	return watermark.State{Watermark: r.Watermark, Seen: r.Seen}
}

// Reconciler runs the watermark and fingerprint algorithm for one feed.
type Reconciler struct {
	log    logrus.FieldLogger
	def    *feed.Definition
	source Source
}

// New creates a Reconciler.
func New(log logrus.FieldLogger, def *feed.Definition, source Source) *Reconciler {
	return &Reconciler{
		log:    log.WithFields(logrus.Fields{"component": "reconciler", "feed": def.Name}),
		def:    def,
		source: source,
	}
}

// Reconcile fetches everything at or after state.Watermark and decides what
// to emit:
//   - rows strictly newer than the watermark are always emitted;
//   - rows tied with the watermark are emitted when their fingerprint differs
//     from the committed one in state.Seen;
//   - other rows tied with the running maximum are emitted when their
//     fingerprint differs from the one already recorded in this run.
//
// The running seen map starts as a copy of state.Seen and is reset whenever
// a strictly later timestamp appears. Bases are tried in order until one
// yields records. An error is returned only when every base failed before
// producing anything; state is never mutated.
func (r *Reconciler) Reconcile(ctx context.Context, state watermark.State) (Result, error) {
	run := newRun(state)

	var errs []error

	for _, base := range r.source.Bases() {
		err := r.page(ctx, base, run)

		if len(run.out) > 0 {
			run.base = base

			if err != nil {
				run.partial = true

				r.log.WithError(err).WithFields(logrus.Fields{
					"base":    base,
					"records": len(run.out),
				}).Warn("Paging stopped early, returning partial result")
			}

			break
		}

		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return run.result(), ctxErr
			}

			r.log.WithError(err).WithField("base", base).Warn("Base failed, trying next")

			errs = append(errs, fmt.Errorf("%s: %w", base, err))
		}
	}

	result := run.result()

	if len(result.Records) == 0 && len(errs) > 0 && len(errs) == len(r.source.Bases()) {
		return result, fmt.Errorf("all bases failed: %w", errors.Join(errs...))
	}

	return result, nil
}

func (r *Reconciler) page(ctx context.Context, base string, run *run) error {
	tsField := r.source.TimestampField()
	size := r.source.PageSize()

	for offset := 0; ; offset += size {
		rows, err := r.source.FetchPage(ctx, base, run.watermark, offset)
		if err != nil {
			return err
		}

		run.pages++

		for _, row := range rows {
			rec, ok := r.def.Map(row, tsField)
			if !ok {
				run.dropped++

				continue
			}

			run.observe(rec)
		}

		if len(rows) < size {
			return nil
		}
	}
}

type run struct {
	watermark    time.Time
	originalSeen map[string]string
	maxTS        time.Time
	seen         map[string]string
	out          []feed.Record
	dropped      int
	pages        int
	base         string
	partial      bool
}

func newRun(state watermark.State) *run {
	cloned := state.Clone()

	return &run{
		watermark:    state.Watermark,
		originalSeen: state.Seen,
		maxTS:        state.Watermark,
		seen:         cloned.Seen,
	}
}

func (r *run) observe(rec feed.Record) {
	ts := rec.AsOf

	if ts.After(r.maxTS) {
		r.maxTS = ts
		r.seen = make(map[string]string, len(r.seen))
	}

	var emit bool

	switch {
	case ts.After(r.watermark):
		emit = true
	case ts.Equal(r.watermark):
		emit = r.originalSeen[rec.EntityID] != rec.Fingerprint
	case ts.Equal(r.maxTS):
		emit = r.seen[rec.EntityID] != rec.Fingerprint
	}

	if !emit {
		return
	}

	r.out = append(r.out, rec)

	if ts.Equal(r.maxTS) {
		r.seen[rec.EntityID] = rec.Fingerprint
	}
}

func (r *run) result() Result {
	next := r.watermark
	if r.maxTS.After(next) {
		next = r.maxTS
	}

	return Result{
		Records:   r.out,
		Watermark: next,
		Seen:      r.seen,
		Dropped:   r.dropped,
		Pages:     r.pages,
		Base:      r.base,
		Partial:   r.partial,
	}
}
