//nolint:tagliatelle // superior snake-case yo.
package watermark

import (
	"fmt"
	"time"

	"github.com/ethpandaops/opendata-ingest/internal/feed"
)

const (
	BackendFile  = "file"
	BackendRedis = "redis"

	// StartLatestDB seeds the watermark from the newest row in the sink.
	StartLatestDB = "latest_db"

	DefaultStartWatermark = "1970-01-01T00:00:00Z"
)

// Config holds watermark state configuration.
type Config struct {
	Backend        string `yaml:"backend"`         // "file" or "redis"
	Dir            string `yaml:"dir"`             // state directory for the file backend
	KeyPrefix      string `yaml:"key_prefix"`      // Redis key prefix for the redis backend
	StartWatermark string `yaml:"start_watermark"` // RFC 3339 timestamp or "latest_db"
}

// Validate validates and sets defaults for Config.
func (c *Config) Validate() error {
	if c.Backend == "" {
		c.Backend = BackendFile
	}

	if c.Dir == "" {
		c.Dir = "/state"
	}

	if c.KeyPrefix == "" {
		c.KeyPrefix = "opendata:state:"
	}

	if c.StartWatermark == "" {
		c.StartWatermark = DefaultStartWatermark
	}

	if c.Backend != BackendFile && c.Backend != BackendRedis {
		return fmt.Errorf("backend must be %q or %q, got %q", BackendFile, BackendRedis, c.Backend)
	}

	if c.StartWatermark != StartLatestDB {
		if _, err := feed.NormalizeTimestamp(c.StartWatermark); err != nil {
			return fmt.Errorf("start_watermark: %w", err)
		}
	}

	return nil
}

// StaticStart returns the configured start watermark, or the epoch when it
// is "latest_db".
func (c *Config) StaticStart() time.Time {
	ts, err := feed.NormalizeTimestamp(c.StartWatermark)
	if err != nil {
		return time.Unix(0, 0).UTC()
	}

	return ts
}
