package publisher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/opendata-ingest/internal/feed"
)

// Producer accepts one message for asynchronous delivery.
type Producer interface {
	Produce(ctx context.Context, key, value []byte) error
}

// Publisher turns records into keyed JSON messages.
type Publisher struct {
	log      logrus.FieldLogger
	producer Producer
}

// New creates a Publisher.
func New(log logrus.FieldLogger, producer Producer) *Publisher {
	return &Publisher{
		log:      log.WithField("component", "publisher"),
		producer: producer,
	}
}

// Encode returns the message key and value for rec.
func Encode(rec *feed.Record) (key, value []byte, err error) {
	value, err = json.Marshal(rec)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal record %s: %w", rec.Key(), err)
	}

	return []byte(rec.Key()), value, nil
}

// PublishAll produces one message per record and returns how many were
// handed off. Records without a timestamp are skipped. Delivery is confirmed
// asynchronously by the producer.
func (p *Publisher) PublishAll(ctx context.Context, records []feed.Record) (int, error) {
	var sent int

	for i := range records {
		rec := &records[i]

		if rec.AsOf.IsZero() {
			p.log.WithField("entity_id", rec.EntityID).Debug("Skipping record without timestamp")

			continue
		}

		key, value, err := Encode(rec)
		if err != nil {
			return sent, err
		}

		if err := p.producer.Produce(ctx, key, value); err != nil {
			return sent, fmt.Errorf("produce %s: %w", key, err)
		}

		sent++
	}

	return sent, nil
}
