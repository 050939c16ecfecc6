//nolint:tagliatelle // superior snake-case yo.
package poller

import (
	"errors"
	"time"
)

// Config holds poll loop configuration.
type Config struct {
	Interval  time.Duration `yaml:"interval"`   // time between polls
	SleepStep time.Duration `yaml:"sleep_step"` // cancellation check granularity while sleeping
}

// Validate validates and sets defaults for Config.
func (c *Config) Validate() error {
	if c.Interval == 0 {
		c.Interval = 300 * time.Second
	}

	if c.SleepStep == 0 {
		c.SleepStep = 500 * time.Millisecond
	}

	if c.Interval < 0 || c.SleepStep < 0 {
		return errors.New("interval and sleep_step must be positive")
	}

	return nil
}
