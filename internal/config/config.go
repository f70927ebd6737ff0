// Package config loads daemon configuration from environment variables,
// with optional overrides from a YAML file for per-machine settings.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds all daemon configuration.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development" yaml:"environment"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" yaml:"log_level"`

	// Orchestration host (HTTP boundary)
	ServerURL string `envconfig:"SYNC_SERVER_URL" default:"http://localhost:8422" yaml:"server_url"`

	// Event channel (change notifications per project)
	EventsURL string `envconfig:"SYNC_EVENTS_URL" default:"ws://localhost:8422/ws/events" yaml:"events_url"`

	// Streaming refinement sessions
	ChatURL string `envconfig:"SYNC_CHAT_URL" default:"ws://localhost:8422/ws/chat" yaml:"chat_url"`

	// Channel timing
	PingInterval      time.Duration `envconfig:"SYNC_PING_INTERVAL" default:"30s" yaml:"ping_interval"`
	ReconnectDelay    time.Duration `envconfig:"SYNC_RECONNECT_DELAY" default:"2s" yaml:"reconnect_delay"`
	ReconnectBackoff  bool          `envconfig:"SYNC_RECONNECT_BACKOFF" default:"false" yaml:"reconnect_backoff"`
	MaxReconnectDelay time.Duration `envconfig:"SYNC_MAX_RECONNECT_DELAY" default:"30s" yaml:"max_reconnect_delay"`

	// Chunk publish throttle for streamed assistant output
	ChunkThrottle time.Duration `envconfig:"SYNC_CHUNK_THROTTLE" default:"50ms" yaml:"chunk_throttle"`

	// Connection probe / drift check cadence
	ProbeInterval time.Duration `envconfig:"SYNC_PROBE_INTERVAL" default:"30s" yaml:"probe_interval"`
	DriftInterval time.Duration `envconfig:"SYNC_DRIFT_INTERVAL" default:"5m" yaml:"drift_interval"`

	// Local snapshot store
	DBPath string `envconfig:"SYNC_DB_PATH" default:"backlog-sync.db" yaml:"db_path"`

	// Local status API
	StatusListenAddr string `envconfig:"SYNC_STATUS_ADDR" default:":8423" yaml:"status_addr"`

	// Project selected at startup. Empty means wait for a selection.
	DefaultProject string `envconfig:"SYNC_PROJECT" default:"" yaml:"default_project"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &cfg, nil
}

// LoadFile reads environment configuration and then applies overrides
// from the given YAML file. A missing file is not an error — the
// environment-only config is returned unchanged.
func LoadFile(path string) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks invariants that envconfig defaults cannot express.
func (c *Config) Validate() error {
	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("reconnect delay must be positive, got %s", c.ReconnectDelay)
	}
	if c.ChunkThrottle < 0 {
		return fmt.Errorf("chunk throttle must not be negative, got %s", c.ChunkThrottle)
	}
	if c.ReconnectBackoff && c.MaxReconnectDelay < c.ReconnectDelay {
		return fmt.Errorf("max reconnect delay %s is below base delay %s", c.MaxReconnectDelay, c.ReconnectDelay)
	}
	return nil
}
