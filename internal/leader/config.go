//nolint:tagliatelle // superior snake-case yo.
package leader

import (
	"errors"
	"time"
)

// Config holds leader election configuration.
type Config struct {
	Enabled       bool          `yaml:"enabled"`
	LockKey       string        `yaml:"lock_key"`
	LockTTL       time.Duration `yaml:"lock_ttl"`
	RenewInterval time.Duration `yaml:"renew_interval"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// Validate validates and sets defaults for Config.
func (c *Config) Validate() error {
	if c.LockTTL == 0 {
		c.LockTTL = 15 * time.Second
	}

	if c.RenewInterval == 0 {
		c.RenewInterval = 5 * time.Second
	}

	if c.RetryInterval == 0 {
		c.RetryInterval = 3 * time.Second
	}

	if c.RenewInterval >= c.LockTTL {
		return errors.New("renew_interval must be shorter than lock_ttl")
	}

	return nil
}

// DefaultLockKey returns the lock key used for a feed when none is configured.
func DefaultLockKey(feedName string) string {
	return "opendata:leader:" + feedName
}
