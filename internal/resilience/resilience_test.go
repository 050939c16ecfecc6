package resilience

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/opendata-ingest/internal/testutil"
)

func TestConfig_Validate(t *testing.T) {
	cfg := Config{}
	require.NoError(t, cfg.Validate())

	assert.Equal(t, time.Second, cfg.Retry.BaseDelay)
	assert.Equal(t, 60*time.Second, cfg.Retry.MaxDelay)
	assert.Equal(t, 5, cfg.Retry.MaxRetries)
	assert.InDelta(t, 0.3, cfg.Retry.JitterFactor, 1e-9)
	assert.Equal(t, 1, cfg.MaxInflight)
	assert.Equal(t, "/state/dlq", cfg.DLQDir)
	assert.True(t, cfg.Throttle.IsEnabled())
	assert.Equal(t, 5*time.Second, cfg.Throttle.MaxDelay)
	assert.Equal(t, time.Minute, cfg.Throttle.Window)

	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "max below base", cfg: Config{Retry: RetryConfig{BaseDelay: time.Minute, MaxDelay: time.Second}}},
		{name: "jitter above one", cfg: Config{Retry: RetryConfig{JitterFactor: 1.5}}},
		{name: "threshold of one", cfg: Config{Throttle: ThrottleConfig{FailureThreshold: 1}}},
		{name: "negative inflight", cfg: Config{MaxInflight: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Error(t, tt.cfg.Validate())
		})
	}
}

func TestBackoff_NoJitter(t *testing.T) {
	b := NewBackoff(RetryConfig{BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond})

	assert.Equal(t, 100*time.Millisecond, b.Delay(0))
	assert.Equal(t, 200*time.Millisecond, b.Delay(1))
	assert.Equal(t, 300*time.Millisecond, b.Delay(2), "capped at max")
	assert.Equal(t, 300*time.Millisecond, b.Delay(10))
}

func TestBackoff_JitterBounds(t *testing.T) {
	b := NewBackoff(RetryConfig{BaseDelay: time.Second, MaxDelay: time.Minute, JitterFactor: 0.3})

	for range 200 {
		d := b.Delay(1)
		assert.GreaterOrEqual(t, d, 1400*time.Millisecond)
		assert.LessOrEqual(t, d, 2600*time.Millisecond)
	}

	b.rand = func() float64 { return 0.5 }
	assert.Equal(t, 2*time.Second, b.Delay(1))

	b.cfg.JitterFactor = 1
	assert.Equal(t, time.Duration(0), b.Delay(0), "never negative")
}

func newTestClient(maxRetries int) (*Client, *[]time.Duration) {
	var sleeps []time.Duration

	c := NewClient(testutil.NewTestLogger(), Config{
		Retry:       RetryConfig{BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second, MaxRetries: maxRetries},
		HTTPTimeout: 5 * time.Second,
	})
	c.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)

		return nil
	}

	return c, &sleeps
}

func TestClient_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)

			return
		}

		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c, sleeps := newTestClient(5)

	resp, err := c.Get(context.Background(), srv.URL)
	require.NoError(t, err)

	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, *sleeps)
}

func TestClient_RetryAfterOverridesBackoff(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)

			return
		}

		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, sleeps := newTestClient(3)

	resp, err := c.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, []time.Duration{7 * time.Second}, *sleeps)
}

func TestClient_ExhaustedReturnsStatusError(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c, sleeps := newTestClient(2)

	_, err := c.Get(context.Background(), srv.URL)
	require.Error(t, err)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadGateway, statusErr.StatusCode)
	assert.Equal(t, 3, statusErr.Attempts)
	assert.True(t, IsStatus(err, http.StatusBadGateway))
	assert.Equal(t, int32(3), calls.Load())
	assert.Len(t, *sleeps, 2)
}

func TestClient_NonRetryableStatusReturned(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c, sleeps := newTestClient(5)

	resp, err := c.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, *sleeps)
}

func TestClient_TransportErrorRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	c, sleeps := newTestClient(2)

	_, err := c.Get(context.Background(), url)
	require.Error(t, err)
	assert.Len(t, *sleeps, 2)
}

func TestClient_PermanentTransportErrorNotRetried(t *testing.T) {
	c, sleeps := newTestClient(3)

	_, err := c.Get(context.Background(), "htp://example.invalid/x")
	require.ErrorContains(t, err, "unsupported protocol scheme")
	assert.Empty(t, *sleeps)
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "connection refused", err: &url.Error{Op: "Get", URL: "u", Err: &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}}, want: true},
		{name: "connection reset", err: fmt.Errorf("read: %w", syscall.ECONNRESET), want: true},
		{name: "unexpected eof", err: &url.Error{Op: "Get", URL: "u", Err: io.ErrUnexpectedEOF}, want: true},
		{name: "eof", err: io.EOF, want: true},
		{name: "timeout", err: &url.Error{Op: "Get", URL: "u", Err: context.DeadlineExceeded}, want: true},
		{name: "unsupported scheme", err: &url.Error{Op: "Get", URL: "u", Err: errors.New(`unsupported protocol scheme "htp"`)}, want: false},
		{name: "plain error", err: errors.New("x509: certificate signed by unknown authority"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isRetryableError(tt.err))
		})
	}
}

func TestClient_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, _ := newTestClient(5)
	c.sleep = sleepCtx
	c.backoff = NewBackoff(RetryConfig{BaseDelay: time.Hour, MaxDelay: time.Hour})

	ctx := testutil.NewTestContextWithTimeout(t, 50*time.Millisecond)

	_, err := c.Get(ctx, srv.URL)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestInflightLimiter(t *testing.T) {
	l := NewInflightLimiter(0)
	assert.Equal(t, 1, l.Max())

	require.NoError(t, l.Acquire(context.Background()))
	assert.False(t, l.TryAcquire())

	ctx := testutil.NewTestContextWithTimeout(t, 20*time.Millisecond)

	require.Error(t, l.Acquire(ctx))

	l.Release()
	assert.True(t, l.TryAcquire())
	l.Release()
}

func newTestQueue(t *testing.T) *DiskQueue {
	t.Helper()

	q, err := NewDiskQueue(filepath.Join(t.TempDir(), "dlq"), "air", "vlc.air")
	require.NoError(t, err)

	return q
}

func TestDiskQueue_EnqueueDrain(t *testing.T) {
	q := newTestQueue(t)
	assert.Equal(t, "air.vlc.air.jsonl", filepath.Base(q.Path()))

	require.NoError(t, q.Enqueue([]byte("k1"), []byte(`{"a":1}`)))
	require.NoError(t, q.Enqueue([]byte("k2"), []byte(`{"a":2}`)))

	size, err := q.Size()
	require.NoError(t, err)
	assert.Equal(t, 2, size)

	entries, err := q.DequeueAll()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "k1", entries[0].Key)
	assert.JSONEq(t, `{"a":2}`, entries[1].Value)
	assert.False(t, entries[0].EnqueuedAt.IsZero())

	_, err = os.Stat(q.Path())
	assert.True(t, os.IsNotExist(err))

	entries, err = q.DequeueAll()
	require.NoError(t, err)
	assert.Empty(t, entries)

	size, err = q.Size()
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestDiskQueue_SkipsMalformedLines(t *testing.T) {
	q := newTestQueue(t)

	require.NoError(t, q.Enqueue([]byte("good"), []byte("v")))

	f, err := os.OpenFile(q.Path(), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("not json\n\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, q.Enqueue([]byte("also-good"), []byte("v")))

	entries, err := q.DequeueAll()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "also-good", entries[1].Key)
}

func TestDiskQueue_SkipsOversizedLine(t *testing.T) {
	q := newTestQueue(t)

	f, err := os.OpenFile(q.Path(), os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.Write(append(bytes.Repeat([]byte("x"), 17<<20), '\n'))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, q.Enqueue([]byte("after"), []byte("v")))

	size, err := q.Size()
	require.NoError(t, err)
	assert.Equal(t, 1, size)

	entries, err := q.DequeueAll()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "after", entries[0].Key)
}

func TestDiskQueue_EnqueueAfterTornLine(t *testing.T) {
	q := newTestQueue(t)

	require.NoError(t, q.Enqueue([]byte("first"), []byte("v")))

	f, err := os.OpenFile(q.Path(), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"key":"torn","va`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, q.Enqueue([]byte("second"), []byte("v")))

	entries, err := q.DequeueAll()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "first", entries[0].Key)
	assert.Equal(t, "second", entries[1].Key)
}

func TestDiskQueue_ConcurrentEnqueue(t *testing.T) {
	q := newTestQueue(t)

	var wg sync.WaitGroup

	for range 20 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			assert.NoError(t, q.Enqueue([]byte("k"), []byte("v")))
		}()
	}

	wg.Wait()

	size, err := q.Size()
	require.NoError(t, err)
	assert.Equal(t, 20, size)
}

func TestProduceStats_WindowReset(t *testing.T) {
	now := time.Unix(1000, 0)
	stats := newProduceStats(time.Minute, func() time.Time { return now })

	assert.Zero(t, stats.FailureRatio())

	stats.RecordSuccess()
	stats.RecordFailure()
	stats.RecordFailure()
	stats.RecordFailure()
	assert.InDelta(t, 0.75, stats.FailureRatio(), 1e-9)

	now = now.Add(61 * time.Second)
	stats.RecordSuccess()

	success, failure := stats.Counts()
	assert.Equal(t, 1, success)
	assert.Zero(t, failure)
}

func TestThrottler_Delay(t *testing.T) {
	tests := []struct {
		name     string
		success  int
		failure  int
		expected time.Duration
	}{
		{name: "no traffic", expected: 0},
		{name: "below threshold", success: 95, failure: 5, expected: 0},
		{name: "at threshold", success: 90, failure: 10, expected: 0},
		{name: "halfway", success: 45, failure: 55, expected: 1500 * time.Millisecond},
		{name: "all failures", failure: 4, expected: 3 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := ThrottleConfig{MinDelay: 0, MaxDelay: 3 * time.Second, FailureThreshold: 0.1, Window: time.Minute}
			th := NewThrottler(cfg)

			for range tt.success {
				th.Stats().RecordSuccess()
			}

			for range tt.failure {
				th.Stats().RecordFailure()
			}

			assert.InDelta(t, float64(tt.expected), float64(th.Delay()), float64(time.Millisecond))
		})
	}
}

func TestThrottler_WaitUsesSleep(t *testing.T) {
	th := NewThrottler(ThrottleConfig{MinDelay: time.Second, MaxDelay: 2 * time.Second, FailureThreshold: 0.5, Window: time.Minute})

	var slept time.Duration

	th.sleep = func(_ context.Context, d time.Duration) error {
		slept = d

		return nil
	}

	waited, err := th.Wait(context.Background())
	require.NoError(t, err)
	assert.Zero(t, waited)

	th.Stats().RecordFailure()

	waited, err = th.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, waited)
	assert.Equal(t, 2*time.Second, slept)
}

// fakeWriter records writes; the test decides when completions fire.
type fakeWriter struct {
	mu         sync.Mutex
	messages   []kafka.Message
	completion CompletionFunc
	writeErr   error
	autoAck    bool
	ackErr     error
	closed     bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.writeErr != nil {
		return w.writeErr
	}

	w.mu.Lock()
	w.messages = append(w.messages, msgs...)
	w.mu.Unlock()

	if w.autoAck {
		w.completion(msgs, w.ackErr)
	}

	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true

	return nil
}

func (w *fakeWriter) written() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()

	return append([]kafka.Message(nil), w.messages...)
}

func newTestProducer(t *testing.T, w *fakeWriter, throttler *Throttler) (*Producer, *DiskQueue) {
	t.Helper()

	q := newTestQueue(t)
	p := NewProducer(testutil.NewTestLogger(), "vlc.air", q, throttler, func(completion CompletionFunc) Writer {
		w.completion = completion

		return w
	})

	return p, q
}

func TestProducer_DeliverySuccess(t *testing.T) {
	w := &fakeWriter{autoAck: true}
	th := NewThrottler(ThrottleConfig{MaxDelay: time.Second, FailureThreshold: 0.1, Window: time.Minute})
	p, q := newTestProducer(t, w, th)

	require.NoError(t, p.Produce(context.Background(), []byte("A|t"), []byte("v1")))
	require.NoError(t, p.Produce(context.Background(), []byte("B|t"), []byte("v2")))

	assert.Len(t, w.written(), 2)
	assert.Zero(t, p.Pending())

	moved, err := p.Flush(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Zero(t, moved)

	size, err := q.Size()
	require.NoError(t, err)
	assert.Zero(t, size)

	success, failure := th.Stats().Counts()
	assert.Equal(t, 2, success)
	assert.Zero(t, failure)
}

func TestProducer_DeliveryFailureGoesToDLQ(t *testing.T) {
	w := &fakeWriter{autoAck: true, ackErr: errors.New("broker down")}
	th := NewThrottler(ThrottleConfig{MaxDelay: time.Second, FailureThreshold: 0.1, Window: time.Minute})
	p, _ := newTestProducer(t, w, th)

	require.NoError(t, p.Produce(context.Background(), []byte("A|t"), []byte("v1")))

	assert.Equal(t, 1, p.DLQDepth())
	_, failure := th.Stats().Counts()
	assert.Equal(t, 1, failure)
}

func TestProducer_WriteErrorGoesToDLQ(t *testing.T) {
	w := &fakeWriter{writeErr: errors.New("writer closed")}
	p, _ := newTestProducer(t, w, nil)

	require.NoError(t, p.Produce(context.Background(), []byte("A|t"), []byte("v1")))

	assert.Zero(t, p.Pending())
	assert.Equal(t, 1, p.DLQDepth())
}

func TestProducer_FlushTimeoutMovesPendingToDLQ(t *testing.T) {
	w := &fakeWriter{}
	p, q := newTestProducer(t, w, nil)

	require.NoError(t, p.Produce(context.Background(), []byte("A|t"), []byte("v1")))
	require.NoError(t, p.Produce(context.Background(), []byte("B|t"), []byte("v2")))
	assert.Equal(t, 2, p.Pending())

	moved, err := p.Flush(context.Background(), 30*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 2, moved)
	assert.Zero(t, p.Pending())

	// A late failure for a message already in the DLQ is not queued twice.
	w.completion(w.written()[:1], errors.New("late"))

	size, err := q.Size()
	require.NoError(t, err)
	assert.Equal(t, 2, size)
}

func TestProducer_FlushWaitsForCompletion(t *testing.T) {
	w := &fakeWriter{}
	p, _ := newTestProducer(t, w, nil)

	require.NoError(t, p.Produce(context.Background(), []byte("A|t"), []byte("v1")))

	go func() {
		time.Sleep(20 * time.Millisecond)
		w.completion(w.written(), nil)
	}()

	moved, err := p.Flush(context.Background(), 5*time.Second)
	require.NoError(t, err)
	assert.Zero(t, moved)
	assert.Zero(t, p.DLQDepth())
}

func TestProducer_RetryDLQ(t *testing.T) {
	w := &fakeWriter{autoAck: true}
	p, q := newTestProducer(t, w, nil)

	require.NoError(t, q.Enqueue([]byte("A|t"), []byte("v1")))
	require.NoError(t, q.Enqueue([]byte("B|t"), []byte("v2")))

	n, err := p.RetryDLQ(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	written := w.written()
	require.Len(t, written, 2)
	assert.Equal(t, []byte("A|t"), written[0].Key)
	assert.Equal(t, []byte("v2"), written[1].Value)
	assert.Zero(t, p.DLQDepth())

	n, err = p.RetryDLQ(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestProducer_RetryDLQRequeuesOnCancel(t *testing.T) {
	w := &fakeWriter{autoAck: true}
	th := NewThrottler(ThrottleConfig{MinDelay: time.Hour, MaxDelay: time.Hour, FailureThreshold: 0.1, Window: time.Minute})
	th.Stats().RecordFailure()

	p, q := newTestProducer(t, w, th)

	require.NoError(t, q.Enqueue([]byte("A|t"), []byte("v1")))
	require.NoError(t, q.Enqueue([]byte("B|t"), []byte("v2")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n, err := p.RetryDLQ(ctx)
	require.Error(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 2, p.DLQDepth())
	assert.Empty(t, w.written())
}

func TestProducer_Close(t *testing.T) {
	w := &fakeWriter{}
	p, _ := newTestProducer(t, w, nil)

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
	assert.Equal(t, "vlc.air", p.Topic())
}
