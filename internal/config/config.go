// Package config provides configuration management with hot-reload support.
// It uses fsnotify to watch for file changes and atomic pointer swaps for
// zero-downtime updates.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete memory service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Vector    VectorConfig    `yaml:"vector"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// ServerConfig contains settings for the sidecar HTTP listener that serves
// metrics and health; the MCP transport itself runs over stdio.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// StorageConfig selects and configures the durable store.
type StorageConfig struct {
	Driver   string         `yaml:"driver"` // postgres, inmem
	Postgres PostgresConfig `yaml:"postgres"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	User         string        `yaml:"user"`
	Password     string        `yaml:"password"`
	Database     string        `yaml:"database"`
	SSLMode      string        `yaml:"ssl_mode"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	ConnLifetime time.Duration `yaml:"conn_lifetime"`
}

// SessionsConfig selects the session store backend. "storage" reuses the
// durable store; "redis" keeps the hot current-project pointer in Redis.
type SessionsConfig struct {
	Driver string      `yaml:"driver"` // storage, redis
	Redis  RedisConfig `yaml:"redis"`
}

// RedisConfig contains Redis connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// EmbeddingConfig configures the embedding port.
type EmbeddingConfig struct {
	Provider  string        `yaml:"provider"` // openai, hash
	APIKey    string        `yaml:"api_key"`
	APIBase   string        `yaml:"api_base"`
	Model     string        `yaml:"model"`
	Dimension int           `yaml:"dimension"`
	Timeout   time.Duration `yaml:"timeout"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
	RateRPS   float64       `yaml:"rate_rps"`
	RateBurst int           `yaml:"rate_burst"`
}

// VectorConfig configures the vector index port. The dimension must match
// the embedding dimension; the index rejects mismatches at collection
// creation time.
type VectorConfig struct {
	Driver     string        `yaml:"driver"` // qdrant, inmem
	Address    string        `yaml:"address"`
	APIKey     string        `yaml:"api_key"`
	Collection string        `yaml:"collection"`
	Timeout    time.Duration `yaml:"timeout"`
}

// ReconcileConfig controls the background index reconciliation sweep.
type ReconcileConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Batch    int           `yaml:"batch"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig contains OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
	Insecure    bool    `yaml:"insecure"`
}

// DefaultConfig returns a configuration with sensible defaults. The inmem
// drivers let the server run with no external services at all.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         9090,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Storage: StorageConfig{
			Driver: "inmem",
			Postgres: PostgresConfig{
				Host:         "localhost",
				Port:         5432,
				Database:     "recall",
				SSLMode:      "disable",
				MaxOpenConns: 25,
				MaxIdleConns: 5,
				ConnLifetime: 5 * time.Minute,
			},
		},
		Sessions: SessionsConfig{
			Driver: "storage",
			Redis: RedisConfig{
				Addr: "localhost:6379",
			},
		},
		Embedding: EmbeddingConfig{
			Provider:  "hash",
			APIBase:   "https://api.openai.com/v1",
			Model:     "text-embedding-3-small",
			Dimension: 1536,
			Timeout:   30 * time.Second,
			CacheTTL:  time.Hour,
		},
		Vector: VectorConfig{
			Driver:     "inmem",
			Address:    "localhost:6333",
			Collection: "recall_memories",
			Timeout:    30 * time.Second,
		},
		Reconcile: ReconcileConfig{
			Enabled:  true,
			Interval: time.Minute,
			Batch:    50,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			ServiceName: "recall",
			SampleRate:  1.0,
			Insecure:    true,
		},
	}
}

// LoadFromFile reads and parses a YAML configuration file. Environment
// variables in the format ${VAR_NAME} are expanded.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch c.Storage.Driver {
	case "postgres", "inmem":
	default:
		return fmt.Errorf("unknown storage driver: %q", c.Storage.Driver)
	}

	switch c.Sessions.Driver {
	case "storage", "redis":
	default:
		return fmt.Errorf("unknown sessions driver: %q", c.Sessions.Driver)
	}
	if c.Sessions.Driver == "redis" && c.Sessions.Redis.Addr == "" {
		return fmt.Errorf("sessions.redis.addr is required for the redis driver")
	}

	switch c.Embedding.Provider {
	case "openai", "hash":
	default:
		return fmt.Errorf("unknown embedding provider: %q", c.Embedding.Provider)
	}
	if c.Embedding.Provider == "openai" && c.Embedding.APIKey == "" {
		return fmt.Errorf("embedding.api_key is required for the openai provider")
	}
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding.dimension must be positive")
	}

	switch c.Vector.Driver {
	case "qdrant", "inmem":
	default:
		return fmt.Errorf("unknown vector driver: %q", c.Vector.Driver)
	}
	if c.Vector.Driver == "qdrant" && c.Vector.Address == "" {
		return fmt.Errorf("vector.address is required for the qdrant driver")
	}

	if c.Reconcile.Interval < 0 {
		return fmt.Errorf("reconcile.interval cannot be negative")
	}
	if c.Reconcile.Batch < 0 {
		return fmt.Errorf("reconcile.batch cannot be negative")
	}
	return nil
}
