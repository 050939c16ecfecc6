//nolint:tagliatelle // superior snake-case yo.
package bus

import (
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// Config holds Kafka connection settings shared by the producer and the sink.
type Config struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"` // overrides the feed's default topic
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	RequiredAcks string        `yaml:"required_acks"` // "all", "one" or "none"
	Compression  string        `yaml:"compression"`   // "", "gzip", "snappy", "lz4" or "zstd"

	// Consumer settings, used by the sink.
	GroupID  string        `yaml:"group_id"`
	MinBytes int           `yaml:"min_bytes"`
	MaxBytes int           `yaml:"max_bytes"`
	MaxWait  time.Duration `yaml:"max_wait"`
}

// Validate validates and sets defaults for Config.
func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		c.Brokers = []string{"kafka:9092"}
	}

	if c.BatchTimeout == 0 {
		c.BatchTimeout = 50 * time.Millisecond
	}

	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}

	if c.RequiredAcks == "" {
		c.RequiredAcks = "all"
	}

	if _, err := c.acks(); err != nil {
		return err
	}

	if _, err := c.compression(); err != nil {
		return err
	}

	if c.GroupID == "" {
		c.GroupID = "opendata-sink"
	}

	if c.MinBytes == 0 {
		c.MinBytes = 1
	}

	if c.MaxBytes == 0 {
		c.MaxBytes = 10 << 20
	}

	if c.MaxWait == 0 {
		c.MaxWait = time.Second
	}

	if c.MinBytes > c.MaxBytes {
		return errors.New("min_bytes must be <= max_bytes")
	}

	return nil
}

func (c *Config) acks() (kafka.RequiredAcks, error) {
	switch c.RequiredAcks {
	case "all", "":
		return kafka.RequireAll, nil
	case "one":
		return kafka.RequireOne, nil
	case "none":
		return kafka.RequireNone, nil
	default:
		return 0, fmt.Errorf("unknown required_acks %q", c.RequiredAcks)
	}
}

func (c *Config) compression() (kafka.Compression, error) {
	switch c.Compression {
	case "":
		return 0, nil
	case "gzip":
		return kafka.Gzip, nil
	case "snappy":
		return kafka.Snappy, nil
	case "lz4":
		return kafka.Lz4, nil
	case "zstd":
		return kafka.Zstd, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", c.Compression)
	}
}

// TopicFor returns the configured topic override or fallback.
func (c *Config) TopicFor(fallback string) string {
	if c.Topic != "" {
		return c.Topic
	}

	return fallback
}
