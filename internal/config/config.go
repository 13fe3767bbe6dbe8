// Package config holds all configuration types and loading logic for the
// CourierLink client SDK. Config structure never shrinks — fields are only
// added, never renamed or removed.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a CourierLink client instance.
type Config struct {
	Device   DeviceConfig   `yaml:"device"`
	Backend  BackendConfig  `yaml:"backend"`
	Outbox   OutboxConfig   `yaml:"outbox"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Cache    CacheConfig    `yaml:"cache"`
	Session  SessionConfig  `yaml:"session"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// DeviceConfig holds identity and local-storage settings for this installation.
type DeviceConfig struct {
	// ID is a ULID string. Use "auto" to generate and persist one on first start.
	ID      string `yaml:"id"`
	DataDir string `yaml:"data_dir"`
}

// BackendConfig points the SDK at the CourierLink platform.
type BackendConfig struct {
	// BaseURL is the REST API root, e.g. "https://api.courierlink.example".
	BaseURL string `yaml:"base_url"`
	// RealtimeURL is the websocket endpoint, e.g. "wss://rt.courierlink.example/ws".
	RealtimeURL string `yaml:"realtime_url"`
	// TimeoutMs is the per-request HTTP timeout.
	TimeoutMs int `yaml:"timeout_ms"`
}

// OutboxConfig tunes the durable mutation queue.
type OutboxConfig struct {
	// MaxAttempts is how many replay attempts a mutation gets before it is
	// moved to the abandoned store. Per-enqueue overrides are allowed.
	MaxAttempts int `yaml:"max_attempts"`
}

// RealtimeConfig tunes the reconnecting event channel.
type RealtimeConfig struct {
	// BaseDelayMs seeds the exponential reconnect backoff:
	// delay(n) = base * 2^(n-1), so 1000 yields 1s, 2s, 4s, 8s, 16s.
	BaseDelayMs int `yaml:"base_delay_ms"`
	// MaxReconnectAttempts is how many consecutive automatic reconnects are
	// scheduled before the channel gives up and waits for an explicit Connect.
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`
	// HandshakeTimeoutMs bounds the websocket dial.
	HandshakeTimeoutMs int `yaml:"handshake_timeout_ms"`
	// PingRate and PingBurst throttle outbound location pings (pings/second).
	PingRate  float64 `yaml:"ping_rate"`
	PingBurst int     `yaml:"ping_burst"`
}

// CacheConfig tunes the two cache tiers.
type CacheConfig struct {
	// DefaultTTL applies to durable cache entries, e.g. "5m".
	DefaultTTL string `yaml:"default_ttl"`
	// QueryTTL applies to the in-memory query cache tier, e.g. "1m".
	QueryTTL string `yaml:"query_ttl"`
}

// SessionConfig controls where the access token is persisted.
type SessionConfig struct {
	// TokenFile is resolved relative to the working directory when not absolute.
	// Empty means "token" inside the data directory.
	TokenFile string `yaml:"token_file"`
}

// MetricsConfig controls the Prometheus metrics endpoint of the agent.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			ID:      "auto",
			DataDir: "./data",
		},
		Backend: BackendConfig{
			BaseURL:     "http://localhost:8080",
			RealtimeURL: "ws://localhost:8080/ws",
			TimeoutMs:   30_000,
		},
		Outbox: OutboxConfig{
			MaxAttempts: 3,
		},
		Realtime: RealtimeConfig{
			BaseDelayMs:          1_000,
			MaxReconnectAttempts: 5,
			HandshakeTimeoutMs:   10_000,
			PingRate:             1,
			PingBurst:            3,
		},
		Cache: CacheConfig{
			DefaultTTL: "5m",
			QueryTTL:   "1m",
		},
		Session: SessionConfig{
			TokenFile: "",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9091,
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error,
// making it easy to embed the SDK with no config file at all.
//
// After loading the file, environment variables are applied as overrides:
//
//	COURIERLINK_BASE_URL      — sets backend.base_url
//	COURIERLINK_REALTIME_URL  — sets backend.realtime_url
//	COURIERLINK_DATA_DIR      — sets device.data_dir
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("COURIERLINK_BASE_URL"); v != "" {
		cfg.Backend.BaseURL = v
	}
	if v := os.Getenv("COURIERLINK_REALTIME_URL"); v != "" {
		cfg.Backend.RealtimeURL = v
	}
	if v := os.Getenv("COURIERLINK_DATA_DIR"); v != "" {
		cfg.Device.DataDir = v
	}
}

// DefaultTTL returns the parsed durable-cache TTL.
func (c *Config) DefaultTTL() time.Duration {
	d, err := time.ParseDuration(c.Cache.DefaultTTL)
	if err != nil || d <= 0 {
		return 5 * time.Minute
	}
	return d
}

// QueryTTL returns the parsed query-cache TTL.
func (c *Config) QueryTTL() time.Duration {
	d, err := time.ParseDuration(c.Cache.QueryTTL)
	if err != nil || d <= 0 {
		return time.Minute
	}
	return d
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Device.DataDir == "" {
		return errors.New("device.data_dir must not be empty")
	}
	if c.Backend.BaseURL == "" {
		return errors.New("backend.base_url must not be empty")
	}
	if c.Backend.RealtimeURL == "" {
		return errors.New("backend.realtime_url must not be empty")
	}
	if c.Backend.TimeoutMs < 1 {
		return errors.New("backend.timeout_ms must be at least 1")
	}
	if c.Outbox.MaxAttempts < 1 {
		return errors.New("outbox.max_attempts must be at least 1")
	}
	if c.Realtime.BaseDelayMs < 1 {
		return errors.New("realtime.base_delay_ms must be at least 1")
	}
	if c.Realtime.MaxReconnectAttempts < 0 {
		return errors.New("realtime.max_reconnect_attempts must be >= 0")
	}
	if c.Realtime.PingRate <= 0 {
		return errors.New("realtime.ping_rate must be positive")
	}
	if c.Realtime.PingBurst < 1 {
		return errors.New("realtime.ping_burst must be at least 1")
	}
	if _, err := time.ParseDuration(c.Cache.DefaultTTL); err != nil {
		return fmt.Errorf("cache.default_ttl: %w", err)
	}
	if _, err := time.ParseDuration(c.Cache.QueryTTL); err != nil {
		return fmt.Errorf("cache.query_ttl: %w", err)
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return errors.New("metrics.port must be between 1 and 65535")
	}
	return nil
}
