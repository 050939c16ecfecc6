//nolint:tagliatelle // superior snake-case yo.
package resilience

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the resilience layer configuration.
type Config struct {
	Retry        RetryConfig    `yaml:"retry"`
	Throttle     ThrottleConfig `yaml:"throttle"`
	MaxInflight  int            `yaml:"max_inflight"`  // concurrent polls, default 1
	DLQDir       string         `yaml:"dlq_dir"`       // dead-letter queue directory
	FlushTimeout time.Duration  `yaml:"flush_timeout"` // wait for delivery before moving to the DLQ
	HTTPTimeout  time.Duration  `yaml:"http_timeout"`  // per-attempt upstream timeout
}

// RetryConfig controls exponential backoff.
type RetryConfig struct {
	BaseDelay    time.Duration `yaml:"base_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	MaxRetries   int           `yaml:"max_retries"`
	JitterFactor float64       `yaml:"jitter_factor"` // uniform ± fraction of the delay
}

// ThrottleConfig controls produce throttling under delivery failures.
type ThrottleConfig struct {
	Enabled          *bool         `yaml:"enabled"`
	MinDelay         time.Duration `yaml:"min_delay"`
	MaxDelay         time.Duration `yaml:"max_delay"`
	FailureThreshold float64       `yaml:"failure_threshold"`
	Window           time.Duration `yaml:"window"`
}

// Validate validates and sets defaults for Config.
func (c *Config) Validate() error {
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}

	if err := c.Throttle.Validate(); err != nil {
		return fmt.Errorf("throttle: %w", err)
	}

	if c.MaxInflight == 0 {
		c.MaxInflight = 1
	}

	if c.MaxInflight < 0 {
		return errors.New("max_inflight must be positive")
	}

	if c.DLQDir == "" {
		c.DLQDir = "/state/dlq"
	}

	if c.FlushTimeout == 0 {
		c.FlushTimeout = 30 * time.Second
	}

	if c.HTTPTimeout == 0 {
		c.HTTPTimeout = 30 * time.Second
	}

	return nil
}

// Validate validates and sets defaults for RetryConfig.
func (c *RetryConfig) Validate() error {
	if c.BaseDelay == 0 {
		c.BaseDelay = time.Second
	}

	if c.MaxDelay == 0 {
		c.MaxDelay = 60 * time.Second
	}

	if c.MaxRetries == 0 {
		c.MaxRetries = 5
	}

	if c.JitterFactor == 0 {
		c.JitterFactor = 0.3
	}

	if c.MaxDelay < c.BaseDelay {
		return errors.New("max_delay must be >= base_delay")
	}

	if c.MaxRetries < 0 {
		return errors.New("max_retries must not be negative")
	}

	if c.JitterFactor < 0 || c.JitterFactor > 1 {
		return errors.New("jitter_factor must be within [0, 1]")
	}

	return nil
}

// Validate validates and sets defaults for ThrottleConfig.
func (c *ThrottleConfig) Validate() error {
	if c.Enabled == nil {
		enabled := true
		c.Enabled = &enabled
	}

	if c.MaxDelay == 0 {
		c.MaxDelay = 5 * time.Second
	}

	if c.FailureThreshold == 0 {
		c.FailureThreshold = 0.1
	}

	if c.Window == 0 {
		c.Window = 60 * time.Second
	}

	if c.MaxDelay < c.MinDelay {
		return errors.New("max_delay must be >= min_delay")
	}

	if c.FailureThreshold < 0 || c.FailureThreshold >= 1 {
		return errors.New("failure_threshold must be within [0, 1)")
	}

	return nil
}

// IsEnabled reports whether throttling is on.
func (c *ThrottleConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}
