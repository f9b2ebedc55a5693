package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for the ingestion core.
const (
	DefaultURL              = "ws://localhost:8080"
	DefaultMaxRetries       = 5
	DefaultBaseDelay        = 1000 * time.Millisecond
	DefaultMaxDelay         = 5000 * time.Millisecond
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultStoreCapacity    = 2000
	DefaultEventBuffer      = 256
	DefaultDashboardAddress = "0.0.0.0:8090"
	DefaultMockAddress      = "0.0.0.0:8080"
)

// ErrInvalidConfig wraps every validation failure returned by LoadConfig.
var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	App       AppConfig       `yaml:"app"`
	Stream    StreamConfig    `yaml:"stream"`
	Store     StoreConfig     `yaml:"store"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
	Mock      MockConfig      `yaml:"mock"`
}

type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// StreamConfig controls the connection manager.
type StreamConfig struct {
	URL              string        `yaml:"url"`
	MaxRetries       int           `yaml:"max_retries"`
	BaseDelay        time.Duration `yaml:"base_delay"`
	MaxDelay         time.Duration `yaml:"max_delay"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	// KeepAlive is the ping interval; zero disables pings and read deadlines.
	KeepAlive time.Duration `yaml:"keep_alive"`
	ReadLimit int64         `yaml:"read_limit"`
}

type StoreConfig struct {
	Capacity int `yaml:"capacity"`
}

type ChannelsConfig struct {
	EventBuffer int `yaml:"event_buffer"`
}

type DashboardConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Address    string `yaml:"address"`
	EventLimit int    `yaml:"event_limit"`
	LogHistory int    `yaml:"log_history"`
}

type MetricsConfig struct {
	ReportInterval time.Duration    `yaml:"report_interval"`
	CloudWatch     CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// MockConfig drives the synthetic event source.
type MockConfig struct {
	Address        string        `yaml:"address"`
	Burst          int           `yaml:"burst"`
	Interval       time.Duration `yaml:"interval"`
	MaxBatch       int           `yaml:"max_batch"`
	MalformedEvery int           `yaml:"malformed_every"`
	DropAfter      time.Duration `yaml:"drop_after"`
}

// Default returns a configuration populated with the built-in constants.
func Default() *Config {
	return &Config{
		App: AppConfig{Name: "marketfeed", Version: "dev"},
		Stream: StreamConfig{
			URL:              DefaultURL,
			MaxRetries:       DefaultMaxRetries,
			BaseDelay:        DefaultBaseDelay,
			MaxDelay:         DefaultMaxDelay,
			HandshakeTimeout: DefaultHandshakeTimeout,
			KeepAlive:        20 * time.Second,
			ReadLimit:        1 << 20,
		},
		Store:    StoreConfig{Capacity: DefaultStoreCapacity},
		Channels: ChannelsConfig{EventBuffer: DefaultEventBuffer},
		Dashboard: DashboardConfig{
			Enabled:    true,
			Address:    DefaultDashboardAddress,
			EventLimit: 500,
			LogHistory: 200,
		},
		Metrics: MetricsConfig{
			ReportInterval: 30 * time.Second,
			CloudWatch:     CloudWatchConfig{Namespace: "MarketFeed", Dashboard: "MarketFeed"},
		},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
		Mock: MockConfig{
			Address:  DefaultMockAddress,
			Burst:    20,
			Interval: 100 * time.Millisecond,
			MaxBatch: 3,
		},
	}
}

// LoadConfig reads the YAML file at path on top of Default, applies
// environment overrides and validates the result. An APP_ENV specific file
// next to path (config.production.yml) takes precedence when present.
func LoadConfig(path string) (*Config, error) {
	path = ResolvePath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("MARKETFEED_URL")); v != "" {
		cfg.Stream.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("MARKETFEED_DASHBOARD_ADDR")); v != "" {
		cfg.Dashboard.Address = v
	}
	if v := strings.TrimSpace(os.Getenv("AWS_REGION")); v != "" && cfg.Metrics.CloudWatch.Region == "" {
		cfg.Metrics.CloudWatch.Region = v
	}
}

// Validate checks the configuration for values the runtime cannot work with.
func (c *Config) Validate() error {
	if c.App.Name == "" {
		return fmt.Errorf("%w: app.name is required", ErrInvalidConfig)
	}

	u, err := url.Parse(strings.TrimSpace(c.Stream.URL))
	if err != nil {
		return fmt.Errorf("%w: stream.url: %v", ErrInvalidConfig, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: stream.url must use ws or wss, got %q", ErrInvalidConfig, c.Stream.URL)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: stream.url has no host", ErrInvalidConfig)
	}

	if c.Stream.MaxRetries < 0 {
		return fmt.Errorf("%w: stream.max_retries must not be negative", ErrInvalidConfig)
	}
	if c.Stream.BaseDelay <= 0 {
		return fmt.Errorf("%w: stream.base_delay must be greater than 0", ErrInvalidConfig)
	}
	if c.Stream.MaxDelay < c.Stream.BaseDelay {
		return fmt.Errorf("%w: stream.max_delay must be at least stream.base_delay", ErrInvalidConfig)
	}
	if c.Stream.KeepAlive < 0 {
		return fmt.Errorf("%w: stream.keep_alive must not be negative", ErrInvalidConfig)
	}

	if c.Store.Capacity <= 0 {
		return fmt.Errorf("%w: store.capacity must be greater than 0", ErrInvalidConfig)
	}
	if c.Channels.EventBuffer <= 0 {
		return fmt.Errorf("%w: channels.event_buffer must be greater than 0", ErrInvalidConfig)
	}

	switch c.Logging.Format {
	case "json", "text", "":
	default:
		return fmt.Errorf("%w: logging.format '%s' is invalid", ErrInvalidConfig, c.Logging.Format)
	}

	if c.Mock.MaxBatch < 0 || c.Mock.Burst < 0 || c.Mock.Interval < 0 || c.Mock.MalformedEvery < 0 || c.Mock.DropAfter < 0 {
		return fmt.Errorf("%w: mock settings must not be negative", ErrInvalidConfig)
	}

	return nil
}
