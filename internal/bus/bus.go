package bus

import (
	"context"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/opendata-ingest/internal/resilience"
)

// Consumer is the subset of *kafka.Reader used by the sink.
type Consumer interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Compile-time interface compliance checks.
var (
	_ Consumer          = (*kafka.Reader)(nil)
	_ resilience.Writer = (*kafka.Writer)(nil)
)

// NewWriter creates an async writer for topic. Delivery outcomes are
// reported to completion. Messages are partitioned by key hash so every
// entity keeps its order.
func NewWriter(log logrus.FieldLogger, cfg Config, topic string, completion resilience.CompletionFunc) *kafka.Writer {
	acks, _ := cfg.acks()
	codec, _ := cfg.compression()

	log = log.WithFields(logrus.Fields{"component": "kafka_writer", "topic": topic})

	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: acks,
		Compression:  codec,
		Async:        true,
		Completion:   completion,
		ErrorLogger:  kafka.LoggerFunc(log.Errorf),
	}
}

// WriterFactory binds cfg and topic for resilience.NewProducer.
func WriterFactory(log logrus.FieldLogger, cfg Config, topic string) resilience.WriterFactory {
	return func(completion resilience.CompletionFunc) resilience.Writer {
		return NewWriter(log, cfg, topic, completion)
	}
}

// NewReader creates a consumer-group reader over topics. Offsets are
// committed explicitly after each persisted batch.
func NewReader(log logrus.FieldLogger, cfg Config, topics []string) *kafka.Reader {
	log = log.WithField("component", "kafka_reader")

	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		GroupTopics: topics,
		MinBytes:    cfg.MinBytes,
		MaxBytes:    cfg.MaxBytes,
		MaxWait:     cfg.MaxWait,
		StartOffset: kafka.FirstOffset,
		ErrorLogger: kafka.LoggerFunc(log.Errorf),
	})
}
