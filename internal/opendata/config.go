//nolint:tagliatelle // superior snake-case yo.
package opendata

import (
	"errors"
	"fmt"
	"net/url"
)

const (
	// MaxPageSize is the largest page the Explore API serves.
	MaxPageSize = 100

	DefaultTimestampField = "fecha_carg"
)

// DefaultBases are tried in order: Explore v2.1, then the v2 catalog.
var DefaultBases = []string{
	"https://valencia.opendatasoft.com/api/explore/v2.1",
	"https://valencia.opendatasoft.com/api/v2",
}

// Config holds upstream API configuration.
type Config struct {
	Bases              []string `yaml:"bases"`
	DatasetID          string   `yaml:"dataset_id"` // overrides the feed's built-in dataset
	PageSize           int      `yaml:"page_size"`
	TimestampField     string   `yaml:"timestamp_field"`
	AutoTimestampField *bool    `yaml:"auto_timestamp_field"`
}

// Validate validates and sets defaults for Config.
func (c *Config) Validate() error {
	if len(c.Bases) == 0 {
		c.Bases = append([]string(nil), DefaultBases...)
	}

	for _, base := range c.Bases {
		u, err := url.Parse(base)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid base url %q", base)
		}
	}

	if c.PageSize == 0 {
		c.PageSize = MaxPageSize
	}

	if c.PageSize < 0 {
		return errors.New("page_size must be positive")
	}

	// Larger pages are rejected upstream.
	c.PageSize = min(c.PageSize, MaxPageSize)

	if c.TimestampField == "" {
		c.TimestampField = DefaultTimestampField
	}

	if c.AutoTimestampField == nil {
		auto := true
		c.AutoTimestampField = &auto
	}

	return nil
}

// AutoDetect reports whether the timestamp field may be inferred.
func (c *Config) AutoDetect() bool {
	return c.AutoTimestampField == nil || *c.AutoTimestampField
}
