// Package config provides unified configuration loading for the engine:
// defaults, then a YAML file, then environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete engine configuration.
type Config struct {
	// Log configures structured logging.
	Log LogConfig `yaml:"log"`

	// Store configures task persistence.
	Store StoreConfig `yaml:"store"`

	// Cache configures the Redis cache service behind the inventory tier.
	Cache CacheConfig `yaml:"cache"`

	// Inventory configures the department inventory tier.
	Inventory InventoryConfig `yaml:"inventory"`

	// Engine configures the turn loop.
	Engine EngineConfig `yaml:"engine"`

	// Correlator configures callback correlation and the wait sweeper.
	Correlator CorrelatorConfig `yaml:"correlator"`

	// Telemetry configures OTel export.
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// LogConfig configures zap.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Development switches to the human-readable console encoder.
	Development bool `yaml:"development"`
}

// StoreConfig selects and configures the task store backend.
type StoreConfig struct {
	// Type is one of memory, redis, sql.
	Type string `yaml:"type"`

	Redis RedisConfig `yaml:"redis"`
	SQL   SQLConfig   `yaml:"sql"`
}

// RedisConfig is shared by the Redis task store and the cache service.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	PoolSize  int    `yaml:"pool_size"`
	KeyPrefix string `yaml:"key_prefix"`
}

// SQLConfig configures the GORM task store.
type SQLConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// CacheConfig configures the inventory cache service.
type CacheConfig struct {
	Addr       string        `yaml:"addr"`
	Password   string        `yaml:"password"`
	DB         int           `yaml:"db"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
	PoolSize   int           `yaml:"pool_size"`
}

// InventoryConfig configures the department inventory tier.
type InventoryConfig struct {
	// TTL is the fixed lifetime of a cached department entry.
	TTL time.Duration `yaml:"ttl"`
	// FetchRetries bounds retry attempts against the authoritative source.
	FetchRetries int `yaml:"fetch_retries"`
	// FetchBackoff is the initial backoff between retries.
	FetchBackoff time.Duration `yaml:"fetch_backoff"`
}

// EngineConfig configures the turn loop.
type EngineConfig struct {
	// MaxTurns bounds one conversation turn loop.
	MaxTurns int `yaml:"max_turns"`
	// MaxIterations bounds fresh re-attempts after turn budget exhaustion.
	MaxIterations int `yaml:"max_iterations"`
	// ToolTimeout bounds a single synchronous tool execution.
	ToolTimeout time.Duration `yaml:"tool_timeout"`
}

// CorrelatorConfig configures callback correlation.
type CorrelatorConfig struct {
	// WaitTimeout bounds a wait registration; zero disables expiry.
	WaitTimeout time.Duration `yaml:"wait_timeout"`
	// SweepInterval is how often expired waits are swept.
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// SignalToken is the explicit user resume token.
	SignalToken string `yaml:"signal_token"`
}

// TelemetryConfig configures OTel export.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ServiceName  string  `yaml:"service_name"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		Store: StoreConfig{
			Type: "memory",
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				PoolSize:  10,
				KeyPrefix: "opsflow:",
			},
			SQL: SQLConfig{Driver: "sqlite", DSN: "./data/opsflow.db"},
		},
		Cache: CacheConfig{
			Addr:       "localhost:6379",
			DB:         1,
			DefaultTTL: 5 * time.Minute,
			PoolSize:   10,
		},
		Inventory: InventoryConfig{
			TTL:          5 * time.Minute,
			FetchRetries: 3,
			FetchBackoff: time.Second,
		},
		Engine: EngineConfig{
			MaxTurns:      10,
			MaxIterations: 3,
			ToolTimeout:   30 * time.Second,
		},
		Correlator: CorrelatorConfig{
			WaitTimeout:   0,
			SweepInterval: time.Minute,
			SignalToken:   "/resume",
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			ServiceName:  "opsflow",
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// not empty), then OPSFLOW_* environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides the settings most commonly set per deployment.
func applyEnv(cfg *Config) {
	if v := os.Getenv("OPSFLOW_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("OPSFLOW_STORE_TYPE"); v != "" {
		cfg.Store.Type = v
	}
	if v := os.Getenv("OPSFLOW_REDIS_ADDR"); v != "" {
		cfg.Store.Redis.Addr = v
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("OPSFLOW_REDIS_PASSWORD"); v != "" {
		cfg.Store.Redis.Password = v
		cfg.Cache.Password = v
	}
	if v := os.Getenv("OPSFLOW_SQL_DSN"); v != "" {
		cfg.Store.SQL.DSN = v
	}
	if v := os.Getenv("OPSFLOW_MAX_TURNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.MaxTurns = n
		}
	}
	if v := os.Getenv("OPSFLOW_WAIT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Correlator.WaitTimeout = d
		}
	}
	if v := os.Getenv("OPSFLOW_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
		cfg.Telemetry.Enabled = true
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %q", c.Log.Level)
	}
	switch c.Store.Type {
	case "memory", "redis", "sql":
	default:
		return fmt.Errorf("invalid store type: %q", c.Store.Type)
	}
	if c.Engine.MaxTurns <= 0 {
		return fmt.Errorf("engine.max_turns must be positive, have %d", c.Engine.MaxTurns)
	}
	if c.Engine.MaxIterations <= 0 {
		return fmt.Errorf("engine.max_iterations must be positive, have %d", c.Engine.MaxIterations)
	}
	if c.Inventory.TTL <= 0 {
		return fmt.Errorf("inventory.ttl must be positive, have %s", c.Inventory.TTL)
	}
	if c.Telemetry.Enabled && c.Telemetry.ServiceName == "" {
		return fmt.Errorf("telemetry.service_name required when telemetry is enabled")
	}
	return nil
}
