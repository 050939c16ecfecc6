//nolint:tagliatelle // superior snake-case yo.
package sink

import (
	"errors"
	"time"
)

// Config holds sink consumer configuration.
type Config struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"` // max wait before a partial batch is written
	RetryBackoff  time.Duration `yaml:"retry_backoff"`  // wait between failed upserts of a batch
}

// Validate validates and sets defaults for Config.
func (c *Config) Validate() error {
	if c.BatchSize == 0 {
		c.BatchSize = 100
	}

	if c.BatchSize < 0 {
		return errors.New("batch_size must be positive")
	}

	if c.FlushInterval == 0 {
		c.FlushInterval = time.Second
	}

	if c.RetryBackoff == 0 {
		c.RetryBackoff = 5 * time.Second
	}

	return nil
}
