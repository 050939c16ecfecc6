package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/opendata-ingest/internal/feed"
	"github.com/ethpandaops/opendata-ingest/internal/testutil"
	"github.com/ethpandaops/opendata-ingest/internal/watermark"
)

const tsField = "fecha_carg"

var (
	t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Hour)
	t2 = t1.Add(time.Hour)
)

// fakeSource serves fixed pages per base. A non-nil entry in errs at index i
// fails the i-th page request instead.
type fakeSource struct {
	pageSize int
	bases    []string
	pages    map[string][][]feed.Row
	errs     map[string]map[int]error

	mu       sync.Mutex
	requests []request
}

type request struct {
	base   string
	since  time.Time
	offset int
}

func (f *fakeSource) Bases() []string        { return f.bases }
func (f *fakeSource) PageSize() int          { return f.pageSize }
func (f *fakeSource) TimestampField() string { return tsField }

func (f *fakeSource) FetchPage(_ context.Context, base string, since time.Time, offset int) ([]feed.Row, error) {
	f.mu.Lock()
	f.requests = append(f.requests, request{base: base, since: since, offset: offset})
	f.mu.Unlock()

	idx := offset / f.pageSize

	if err := f.errs[base][idx]; err != nil {
		return nil, err
	}

	pages := f.pages[base]
	if idx >= len(pages) {
		return nil, nil
	}

	return pages[idx], nil
}

func airDef(t *testing.T) *feed.Definition {
	t.Helper()

	def, err := feed.Lookup(feed.NameAir)
	require.NoError(t, err)

	return def
}

func row(id string, ts time.Time, no2 float64) feed.Row {
	return feed.Row{
		"fiwareid": id,
		tsField:    ts.Format(time.RFC3339),
		"no2":      no2,
	}
}

func fp(t *testing.T, r feed.Row) string {
	t.Helper()

	rec, ok := airDef(t).Map(r, tsField)
	require.True(t, ok)

	return rec.Fingerprint
}

func singleBase(size int, pages ...[]feed.Row) *fakeSource {
	return &fakeSource{
		pageSize: size,
		bases:    []string{"primary"},
		pages:    map[string][][]feed.Row{"primary": pages},
	}
}

func newReconciler(t *testing.T, src Source) *Reconciler {
	t.Helper()

	logger := testutil.NewTestLogger()

	return New(logger, airDef(t), src)
}

func ids(records []feed.Record) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.EntityID)
	}

	return out
}

func TestReconcile_NewerRowsEmitted(t *testing.T) {
	a, b := row("A", t1, 10), row("B", t1, 20)
	r := newReconciler(t, singleBase(100, []feed.Row{a, b}))

	res, err := r.Reconcile(context.Background(), watermark.State{Watermark: t0, Seen: map[string]string{}})
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "B"}, ids(res.Records))
	assert.True(t, t1.Equal(res.Watermark))
	assert.Equal(t, map[string]string{"A": fp(t, a), "B": fp(t, b)}, res.Seen)
	assert.Equal(t, "primary", res.Base)
	assert.Equal(t, 1, res.Pages)
	assert.False(t, res.Partial)
}

func TestReconcile_UnchangedTieSuppressed(t *testing.T) {
	a := row("A", t0, 10)
	r := newReconciler(t, singleBase(100, []feed.Row{a}))

	res, err := r.Reconcile(context.Background(), watermark.State{Watermark: t0, Seen: map[string]string{"A": fp(t, a)}})
	require.NoError(t, err)

	assert.Empty(t, res.Records)
	assert.True(t, t0.Equal(res.Watermark))
	assert.Equal(t, map[string]string{"A": fp(t, a)}, res.Seen)
	assert.Empty(t, res.Base)
}

func TestReconcile_ChangedTieEmitted(t *testing.T) {
	old := row("A", t0, 10)
	changed := row("A", t0, 11)
	r := newReconciler(t, singleBase(100, []feed.Row{changed}))

	state := watermark.State{Watermark: t0, Seen: map[string]string{"A": fp(t, old), "B": "fp-b"}}

	res, err := r.Reconcile(context.Background(), state)
	require.NoError(t, err)

	require.Len(t, res.Records, 1)
	assert.Equal(t, fp(t, changed), res.Records[0].Fingerprint)
	assert.True(t, t0.Equal(res.Watermark))
	assert.Equal(t, fp(t, changed), res.Seen["A"])
	assert.Equal(t, "fp-b", res.Seen["B"], "other committed entries are kept")

	// Input state is untouched.
	assert.Equal(t, fp(t, old), state.Seen["A"])
}

func TestReconcile_TieComparesAgainstCommittedSeen(t *testing.T) {
	committed := row("A", t0, 10)
	changed := row("A", t0, 11)

	// The same changed row served twice in one run is emitted both times: the
	// tied branch consults the committed map, not the running one.
	r := newReconciler(t, singleBase(100, []feed.Row{changed, changed}))

	res, err := r.Reconcile(context.Background(), watermark.State{Watermark: t0, Seen: map[string]string{"A": fp(t, committed)}})
	require.NoError(t, err)

	assert.Len(t, res.Records, 2)
}

func TestReconcile_MissingTimestampDropped(t *testing.T) {
	bad := feed.Row{"fiwareid": "A", "no2": 10.0}
	r := newReconciler(t, singleBase(100, []feed.Row{bad}))

	res, err := r.Reconcile(context.Background(), watermark.State{Watermark: t0, Seen: map[string]string{}})
	require.NoError(t, err)

	assert.Empty(t, res.Records)
	assert.Equal(t, 1, res.Dropped)
	assert.True(t, t0.Equal(res.Watermark))
}

func TestReconcile_LaterTimestampResetsSeen(t *testing.T) {
	rows := []feed.Row{
		row("A", t0, 10),
		row("B", t1, 20),
		row("C", t2, 30),
		row("D", t2, 40),
	}
	r := newReconciler(t, singleBase(100, rows))

	res, err := r.Reconcile(context.Background(), watermark.State{Watermark: t0, Seen: map[string]string{"A": "stale"}})
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "B", "C", "D"}, ids(res.Records))
	assert.True(t, t2.Equal(res.Watermark))
	assert.Equal(t, map[string]string{"C": fp(t, rows[2]), "D": fp(t, rows[3])}, res.Seen)
}

func TestReconcile_Idempotent(t *testing.T) {
	rows := []feed.Row{row("A", t0, 10), row("B", t1, 20), row("C", t1, 30)}
	r := newReconciler(t, singleBase(100, rows))

	first, err := r.Reconcile(context.Background(), watermark.State{Watermark: t0, Seen: map[string]string{}})
	require.NoError(t, err)
	assert.Len(t, first.Records, 3)

	second, err := r.Reconcile(context.Background(), first.State())
	require.NoError(t, err)

	assert.Empty(t, second.Records)
	assert.True(t, first.Watermark.Equal(second.Watermark))
	assert.Equal(t, first.Seen, second.Seen)
}

func TestReconcile_WatermarkNeverRegresses(t *testing.T) {
	tests := []struct {
		name string
		rows []feed.Row
	}{
		{name: "empty upstream"},
		{name: "only tied rows", rows: []feed.Row{row("A", t1, 1)}},
		{name: "newer rows", rows: []feed.Row{row("A", t2, 1)}},
		{name: "malformed rows", rows: []feed.Row{{"fiwareid": "A"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newReconciler(t, singleBase(100, tt.rows))

			res, err := r.Reconcile(context.Background(), watermark.State{Watermark: t1, Seen: map[string]string{}})
			require.NoError(t, err)
			assert.False(t, res.Watermark.Before(t1))
		})
	}
}

func TestReconcile_PagesUntilShortPage(t *testing.T) {
	src := singleBase(2,
		[]feed.Row{row("A", t1, 1), row("B", t1, 2)},
		[]feed.Row{row("C", t1, 3), row("D", t1, 4)},
		[]feed.Row{row("E", t2, 5)},
	)
	r := newReconciler(t, src)

	res, err := r.Reconcile(context.Background(), watermark.State{Watermark: t0, Seen: map[string]string{}})
	require.NoError(t, err)

	assert.Len(t, res.Records, 5)
	assert.Equal(t, 3, res.Pages)
	assert.True(t, t2.Equal(res.Watermark))

	require.Len(t, src.requests, 3)

	for i, req := range src.requests {
		assert.Equal(t, i*2, req.offset)
		assert.True(t, t0.Equal(req.since))
	}
}

func TestReconcile_FullLastPageFetchesEmptyPage(t *testing.T) {
	src := singleBase(2, []feed.Row{row("A", t1, 1), row("B", t1, 2)})
	r := newReconciler(t, src)

	res, err := r.Reconcile(context.Background(), watermark.State{Watermark: t0, Seen: map[string]string{}})
	require.NoError(t, err)

	assert.Len(t, res.Records, 2)
	assert.Equal(t, 2, res.Pages)
}

func TestReconcile_PartialFailureKeepsCollected(t *testing.T) {
	src := singleBase(2,
		[]feed.Row{row("A", t1, 1), row("B", t1, 2)},
		[]feed.Row{row("C", t2, 3), row("D", t2, 4)},
	)
	src.errs = map[string]map[int]error{"primary": {1: errors.New("timeout")}}

	r := newReconciler(t, src)

	res, err := r.Reconcile(context.Background(), watermark.State{Watermark: t0, Seen: map[string]string{}})
	require.NoError(t, err)

	assert.True(t, res.Partial)
	assert.Equal(t, []string{"A", "B"}, ids(res.Records))
	// The watermark covers only what was collected, so C and D are fetched
	// again next time.
	assert.True(t, t1.Equal(res.Watermark))
}

func TestReconcile_FallsThroughToNextBase(t *testing.T) {
	src := &fakeSource{
		pageSize: 100,
		bases:    []string{"v2.1", "v2"},
		pages: map[string][][]feed.Row{
			"v2": {{row("A", t1, 1)}},
		},
		errs: map[string]map[int]error{"v2.1": {0: errors.New("503")}},
	}
	r := newReconciler(t, src)

	res, err := r.Reconcile(context.Background(), watermark.State{Watermark: t0, Seen: map[string]string{}})
	require.NoError(t, err)

	assert.Equal(t, "v2", res.Base)
	assert.Len(t, res.Records, 1)
}

func TestReconcile_EmptyBaseFallsThrough(t *testing.T) {
	src := &fakeSource{
		pageSize: 100,
		bases:    []string{"v2.1", "v2"},
		pages: map[string][][]feed.Row{
			"v2.1": {{}},
			"v2":   {{row("A", t1, 1)}},
		},
	}
	r := newReconciler(t, src)

	res, err := r.Reconcile(context.Background(), watermark.State{Watermark: t0, Seen: map[string]string{}})
	require.NoError(t, err)
	assert.Equal(t, "v2", res.Base)
}

func TestReconcile_FirstBaseWins(t *testing.T) {
	src := &fakeSource{
		pageSize: 100,
		bases:    []string{"v2.1", "v2"},
		pages: map[string][][]feed.Row{
			"v2.1": {{row("A", t1, 1)}},
			"v2":   {{row("B", t1, 1)}},
		},
	}
	r := newReconciler(t, src)

	res, err := r.Reconcile(context.Background(), watermark.State{Watermark: t0, Seen: map[string]string{}})
	require.NoError(t, err)

	assert.Equal(t, []string{"A"}, ids(res.Records))

	for _, req := range src.requests {
		assert.Equal(t, "v2.1", req.base)
	}
}

func TestReconcile_AllBasesFailed(t *testing.T) {
	src := &fakeSource{
		pageSize: 100,
		bases:    []string{"v2.1", "v2"},
		errs: map[string]map[int]error{
			"v2.1": {0: errors.New("503")},
			"v2":   {0: errors.New("connection refused")},
		},
	}
	r := newReconciler(t, src)

	state := watermark.State{Watermark: t0, Seen: map[string]string{"A": "fp"}}

	res, err := r.Reconcile(context.Background(), state)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Empty(t, res.Records)
	assert.True(t, t0.Equal(res.Watermark))
	assert.Equal(t, state.Seen, res.Seen)
}

func TestReconcile_OneBaseFailedOtherEmpty(t *testing.T) {
	src := &fakeSource{
		pageSize: 100,
		bases:    []string{"v2.1", "v2"},
		errs:     map[string]map[int]error{"v2.1": {0: errors.New("503")}},
	}
	r := newReconciler(t, src)

	res, err := r.Reconcile(context.Background(), watermark.State{Watermark: t0, Seen: map[string]string{}})
	require.NoError(t, err)
	assert.Empty(t, res.Records)
}

func TestReconcile_ContextCancelled(t *testing.T) {
	src := &fakeSource{
		pageSize: 100,
		bases:    []string{"v2.1", "v2"},
		errs:     map[string]map[int]error{"v2.1": {0: context.Canceled}},
	}
	r := newReconciler(t, src)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Reconcile(ctx, watermark.State{Watermark: t0, Seen: map[string]string{}})
	require.ErrorIs(t, err, context.Canceled)
	assert.Len(t, src.requests, 1)
}
