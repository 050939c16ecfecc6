//nolint:tagliatelle // superior snake-case yo.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ethpandaops/opendata-ingest/internal/bus"
	"github.com/ethpandaops/opendata-ingest/internal/feed"
	"github.com/ethpandaops/opendata-ingest/internal/leader"
	"github.com/ethpandaops/opendata-ingest/internal/opendata"
	"github.com/ethpandaops/opendata-ingest/internal/poller"
	"github.com/ethpandaops/opendata-ingest/internal/redis"
	"github.com/ethpandaops/opendata-ingest/internal/resilience"
	"github.com/ethpandaops/opendata-ingest/internal/sink"
	"github.com/ethpandaops/opendata-ingest/internal/timescale"
	"github.com/ethpandaops/opendata-ingest/internal/watermark"
)

// Config represents the complete application configuration.
type Config struct {
	LogLevel   string            `yaml:"log_level"`
	Feed       FeedConfig        `yaml:"feed"`
	Server     ServerConfig      `yaml:"server"`
	OpenData   opendata.Config   `yaml:"opendata"`
	State      watermark.Config  `yaml:"state"`
	Kafka      bus.Config        `yaml:"kafka"`
	Resilience resilience.Config `yaml:"resilience"`
	Redis      *redis.Config     `yaml:"redis"` // only needed for the redis state backend or leader election
	Leader     leader.Config     `yaml:"leader"`
	Timescale  timescale.Config  `yaml:"timescale"`
	Poller     poller.Config     `yaml:"poller"`
	Sink       sink.Config       `yaml:"sink"`
}

// FeedConfig selects the feed a process serves.
type FeedConfig struct {
	Name string `yaml:"name"` // "air" or "weather"
}

// ServerConfig contains the ops HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	Host            string        `yaml:"host"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Validate validates and sets defaults for ServerConfig.
func (c *ServerConfig) Validate() error {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}

	if c.Port == 0 {
		c.Port = 9090
	}

	if c.ReadTimeout == 0 {
		c.ReadTimeout = 10 * time.Second
	}

	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}

	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 10 * time.Second
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Port)
	}

	if c.ReadTimeout < 0 || c.WriteTimeout < 0 || c.ShutdownTimeout < 0 {
		return errors.New("timeouts must be positive")
	}

	return nil
}

// Load reads a YAML config file. Environment variables are loaded from
// envFiles (default ".env", ignored when missing) and ${VAR} references in
// the file are expanded before parsing.
func Load(path string, envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		if _, err := os.Stat(".env"); err == nil {
			envFiles = []string{".env"}
		}
	}

	if len(envFiles) > 0 {
		if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s", c.LogLevel)
	}

	if _, err := feed.Lookup(c.Feed.Name); err != nil {
		return fmt.Errorf("feed: %w", err)
	}

	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}

	if err := c.OpenData.Validate(); err != nil {
		return fmt.Errorf("opendata: %w", err)
	}

	if err := c.State.Validate(); err != nil {
		return fmt.Errorf("state: %w", err)
	}

	if err := c.Kafka.Validate(); err != nil {
		return fmt.Errorf("kafka: %w", err)
	}

	if err := c.Resilience.Validate(); err != nil {
		return fmt.Errorf("resilience: %w", err)
	}

	if c.Leader.LockKey == "" {
		c.Leader.LockKey = leader.DefaultLockKey(c.Feed.Name)
	}

	if err := c.Leader.Validate(); err != nil {
		return fmt.Errorf("leader: %w", err)
	}

	if c.Redis == nil && (c.Leader.Enabled || c.State.Backend == watermark.BackendRedis) {
		return errors.New("redis is required for leader election and the redis state backend")
	}

	if c.Redis != nil {
		if err := c.Redis.Validate(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}

	if c.State.StartWatermark == watermark.StartLatestDB && c.Timescale.DSN == "" {
		return fmt.Errorf("state.start_watermark %q requires timescale.dsn", watermark.StartLatestDB)
	}

	if c.Timescale.DSN != "" {
		if err := c.Timescale.Validate(); err != nil {
			return fmt.Errorf("timescale: %w", err)
		}
	}

	if err := c.Poller.Validate(); err != nil {
		return fmt.Errorf("poller: %w", err)
	}

	if err := c.Sink.Validate(); err != nil {
		return fmt.Errorf("sink: %w", err)
	}

	return nil
}

// Definition returns the feed definition selected by Feed.Name.
func (c *Config) Definition() (*feed.Definition, error) {
	return feed.Lookup(c.Feed.Name)
}
