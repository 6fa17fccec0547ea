package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
)

// Config holds all host configuration. Values come from an optional
// TOML file layered under environment variables; the environment wins.
type Config struct {
	Server    ServerConfig
	Authority AuthorityConfig
	Bridge    BridgeConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" toml:"port"`
	Host string `envconfig:"HOST" toml:"host"`
}

// AuthorityConfig holds the authority process endpoint.
type AuthorityConfig struct {
	URL     string `envconfig:"AUTHORITY_URL" toml:"url"`
	Enabled bool   `envconfig:"AUTHORITY_ENABLED" toml:"enabled"`
}

// BridgeConfig holds the bridge protocol tunables.
type BridgeConfig struct {
	RequestTimeoutMS int  `envconfig:"BRIDGE_REQUEST_TIMEOUT_MS" toml:"request_timeout_ms"`
	MaxPayloadBytes  int  `envconfig:"BRIDGE_MAX_PAYLOAD_BYTES" toml:"max_payload_bytes"`
	MaxEventBytes    int  `envconfig:"BRIDGE_MAX_EVENT_BYTES" toml:"max_event_bytes"`
	QueueCapacity    int  `envconfig:"BRIDGE_QUEUE_CAPACITY" toml:"queue_capacity"`
	LogRequests      bool `envconfig:"BRIDGE_LOG_REQUESTS" toml:"log_requests"`
	LogEvents        bool `envconfig:"BRIDGE_LOG_EVENTS" toml:"log_events"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" toml:"level"`
	Development bool   `envconfig:"LOG_DEV" toml:"development"`
}

// RateLimitConfig holds per-session rate limiting for the authority.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" toml:"requests_per_second"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" toml:"burst"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" toml:"enabled"`
}

// Load loads configuration from environment variables, optionally
// layered over a TOML file. An empty path skips the file layer.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault loads configuration or falls back to defaults.
func LoadOrDefault(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8000",
			Host: "0.0.0.0",
		},
		Authority: AuthorityConfig{
			URL:     "ws://localhost:9000/bridge",
			Enabled: true,
		},
		Bridge: BridgeConfig{
			RequestTimeoutMS: 30000,
			MaxPayloadBytes:  1 << 20,
			MaxEventBytes:    64 << 10,
			QueueCapacity:    1024,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 50,
			Burst:             100,
			Enabled:           true,
		},
	}
}

// RequestTimeout returns the configured deadline for outbound requests.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Bridge.RequestTimeoutMS) * time.Millisecond
}
