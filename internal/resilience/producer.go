package resilience

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/opendata-ingest/internal/metrics"
)

// Writer is the subset of *kafka.Writer used by Producer. Writes are expected
// to be asynchronous with outcomes reported through the completion callback.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// CompletionFunc receives delivery outcomes for a batch of messages.
type CompletionFunc func(messages []kafka.Message, err error)

// WriterFactory builds a Writer that reports to completion.
type WriterFactory func(completion CompletionFunc) Writer

const flushPollInterval = 10 * time.Millisecond

// Producer wraps an async Kafka writer with delivery tracking, a disk DLQ for
// failed or unconfirmed messages, and failure-driven throttling.
type Producer struct {
	log       logrus.FieldLogger
	topic     string
	writer    Writer
	dlq       *DiskQueue
	throttler *Throttler

	mu      sync.Mutex
	pending map[string]DLQEntry
}

// NewProducer creates a Producer for topic. throttler may be nil.
func NewProducer(
	log logrus.FieldLogger,
	topic string,
	dlq *DiskQueue,
	throttler *Throttler,
	newWriter WriterFactory,
) *Producer {
	p := &Producer{
		log:       log.WithFields(logrus.Fields{"component": "producer", "topic": topic}),
		topic:     topic,
		dlq:       dlq,
		throttler: throttler,
		pending:   make(map[string]DLQEntry, 64),
	}

	p.writer = newWriter(p.complete)

	return p
}

// Topic returns the destination topic.
func (p *Producer) Topic() string {
	return p.topic
}

// Produce hands one message to the writer. Delivery is confirmed later; a
// message the writer refuses goes straight to the DLQ. An error is returned
// only when the message could be neither written nor queued.
func (p *Producer) Produce(ctx context.Context, key, value []byte) error {
	if p.throttler != nil {
		waited, err := p.throttler.Wait(ctx)
		if waited > 0 {
			metrics.ThrottleSeconds.WithLabelValues(p.topic).Add(waited.Seconds())
		}

		if err != nil {
			return fmt.Errorf("throttle: %w", err)
		}
	}

	id := messageID(key, value)

	p.mu.Lock()
	p.pending[id] = DLQEntry{Key: string(key), Value: string(value)}
	p.mu.Unlock()

	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: key, Value: value}); err != nil {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()

		return p.fail(key, value, err)
	}

	return nil
}

// Pending returns the number of messages awaiting confirmation.
func (p *Producer) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.pending)
}

// Flush waits up to timeout for outstanding deliveries. Whatever is still
// unconfirmed afterwards is moved to the DLQ; the count moved is returned.
func (p *Producer) Flush(ctx context.Context, timeout time.Duration) (int, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	ticker := time.NewTicker(flushPollInterval)
	defer ticker.Stop()

wait:
	for p.Pending() > 0 {
		select {
		case <-ctx.Done():
			break wait
		case <-deadline.C:
			break wait
		case <-ticker.C:
		}
	}

	p.mu.Lock()
	remaining := p.pending
	p.pending = make(map[string]DLQEntry, 64)
	p.mu.Unlock()

	if len(remaining) == 0 {
		return 0, nil
	}

	for _, entry := range remaining {
		if err := p.enqueue([]byte(entry.Key), []byte(entry.Value)); err != nil {
			return 0, err
		}
	}

	p.log.WithField("count", len(remaining)).Warn("Flush timed out, unconfirmed messages queued to DLQ")

	return len(remaining), nil
}

// RetryDLQ drains the DLQ and produces every entry again. Entries not handed
// to the writer because ctx ended are put back.
func (p *Producer) RetryDLQ(ctx context.Context) (int, error) {
	entries, err := p.dlq.DequeueAll()
	if err != nil {
		return 0, fmt.Errorf("drain dlq: %w", err)
	}

	if len(entries) == 0 {
		return 0, nil
	}

	for i, entry := range entries {
		if err := p.Produce(ctx, []byte(entry.Key), []byte(entry.Value)); err != nil {
			for _, rest := range entries[i:] {
				if qErr := p.dlq.Enqueue([]byte(rest.Key), []byte(rest.Value)); qErr != nil {
					return i, fmt.Errorf("requeue dlq entry: %w", qErr)
				}
			}

			return i, err
		}
	}

	metrics.DLQRetried.WithLabelValues(p.topic).Add(float64(len(entries)))

	p.log.WithField("count", len(entries)).Info("Retried messages from DLQ")

	return len(entries), nil
}

// DLQDepth returns the number of queued entries, -1 when unreadable.
func (p *Producer) DLQDepth() int {
	n, err := p.dlq.Size()
	if err != nil {
		p.log.WithError(err).Warn("Failed to read DLQ size")

		return -1
	}

	metrics.DLQDepth.WithLabelValues(p.topic).Set(float64(n))

	return n
}

// Close flushes and closes the writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}

func (p *Producer) complete(messages []kafka.Message, err error) {
	for _, msg := range messages {
		id := messageID(msg.Key, msg.Value)

		p.mu.Lock()
		_, wasPending := p.pending[id]
		delete(p.pending, id)
		p.mu.Unlock()

		if err == nil {
			p.recordSuccess()

			continue
		}

		// Already handed to the DLQ by a timed out flush.
		if !wasPending {
			continue
		}

		if qErr := p.fail(msg.Key, msg.Value, err); qErr != nil {
			p.log.WithError(qErr).Error("Failed to queue undelivered message")
		}
	}
}

func (p *Producer) fail(key, value []byte, cause error) error {
	metrics.ProduceTotal.WithLabelValues(p.topic, "failure").Inc()

	if p.throttler != nil {
		p.throttler.Stats().RecordFailure()
	}

	p.log.WithError(cause).WithField("key", string(key)).Warn("Delivery failed, queued to DLQ")

	return p.enqueue(key, value)
}

func (p *Producer) enqueue(key, value []byte) error {
	if err := p.dlq.Enqueue(key, value); err != nil {
		return fmt.Errorf("enqueue dlq: %w", err)
	}

	metrics.DLQEnqueued.WithLabelValues(p.topic).Inc()

	return nil
}

func (p *Producer) recordSuccess() {
	metrics.ProduceTotal.WithLabelValues(p.topic, "success").Inc()

	if p.throttler != nil {
		p.throttler.Stats().RecordSuccess()
	}
}

func messageID(key, value []byte) string {
	return string(key) + ":" + strconv.FormatUint(xxhash.Sum64(value), 16)
}
