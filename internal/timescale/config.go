//nolint:tagliatelle // superior snake-case yo.
package timescale

import (
	"errors"
	"time"
)

// Config holds TimescaleDB connection settings.
type Config struct {
	DSN            string        `yaml:"dsn"`
	MaxConns       int32         `yaml:"max_conns"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// Validate validates and sets defaults for Config.
func (c *Config) Validate() error {
	if c.DSN == "" {
		return errors.New("dsn is required")
	}

	if c.MaxConns == 0 {
		c.MaxConns = 4
	}

	if c.MaxConns < 0 {
		return errors.New("max_conns must be positive")
	}

	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}

	return nil
}
