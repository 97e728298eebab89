// Package config loads server configuration from an optional YAML file with
// FLUME_* environment variable overrides layered on top.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvLookup resolves environment variables; swappable for tests.
type EnvLookup func(key string) (string, bool)

// DefaultEnvLookup reads from the process environment.
func DefaultEnvLookup(key string) (string, bool) {
	return os.LookupEnv(key)
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

// StorageConfig selects the event log and run store backends.
//
// Driver is one of "memory", "sqlite", "postgres". SQLite uses Path;
// Postgres uses DSN.
type StorageConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

// StreamingConfig tunes the broker and event log maintenance loops.
type StreamingConfig struct {
	ConsumePollInterval time.Duration `yaml:"consume_poll_interval"`
	ReaperInterval      time.Duration `yaml:"reaper_interval"`
	EventRetention      time.Duration `yaml:"event_retention"`
	ReclaimInterval     time.Duration `yaml:"reclaim_interval"`
	BrokerIdleThreshold time.Duration `yaml:"broker_idle_threshold"`
	WaitDoneTimeout     time.Duration `yaml:"wait_done_timeout"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
}

// MetricsConfig configures the Prometheus scrape endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// TracingConfig configures distributed tracing export.
type TracingConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"` // otlp, zipkin
	OTLPEndpoint   string  `yaml:"otlp_endpoint"`
	ZipkinEndpoint string  `yaml:"zipkin_endpoint"`
	SampleRate     float64 `yaml:"sample_rate"`
	ServiceName    string  `yaml:"service_name"`
}

// Config is the full server configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Streaming StreamingConfig `yaml:"streaming"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing"`
	LogLevel  string          `yaml:"log_level"`
}

// Default returns the baseline configuration before file/env layering.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: 15 * time.Second,
			MaxBodyBytes:    1 << 20,
		},
		Storage: StorageConfig{
			Driver: "memory",
			Path:   "flume.db",
		},
		Streaming: StreamingConfig{
			ConsumePollInterval: 100 * time.Millisecond,
			ReaperInterval:      5 * time.Minute,
			EventRetention:      time.Hour,
			ReclaimInterval:     5 * time.Minute,
			BrokerIdleThreshold: time.Hour,
			WaitDoneTimeout:     30 * time.Second,
			HeartbeatInterval:   30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
		},
		Tracing: TracingConfig{
			Exporter:    "otlp",
			SampleRate:  1.0,
			ServiceName: "flume",
		},
		LogLevel: "info",
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// environment overrides, in that order.
func Load(path string, env EnvLookup) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if env == nil {
		env = DefaultEnvLookup
	}
	applyEnv(&cfg, env)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, env EnvLookup) {
	setString(env, "FLUME_HOST", &cfg.Server.Host)
	setInt(env, "FLUME_PORT", &cfg.Server.Port)
	setInt64(env, "FLUME_MAX_BODY_BYTES", &cfg.Server.MaxBodyBytes)
	setString(env, "FLUME_STORAGE_DRIVER", &cfg.Storage.Driver)
	setString(env, "FLUME_STORAGE_PATH", &cfg.Storage.Path)
	setString(env, "FLUME_STORAGE_DSN", &cfg.Storage.DSN)
	setDuration(env, "FLUME_EVENT_RETENTION", &cfg.Streaming.EventRetention)
	setDuration(env, "FLUME_REAPER_INTERVAL", &cfg.Streaming.ReaperInterval)
	setDuration(env, "FLUME_RECLAIM_INTERVAL", &cfg.Streaming.ReclaimInterval)
	setDuration(env, "FLUME_BROKER_IDLE_THRESHOLD", &cfg.Streaming.BrokerIdleThreshold)
	setBool(env, "FLUME_METRICS_ENABLED", &cfg.Metrics.Enabled)
	setInt(env, "FLUME_METRICS_PORT", &cfg.Metrics.Port)
	setBool(env, "FLUME_TRACING_ENABLED", &cfg.Tracing.Enabled)
	setString(env, "FLUME_TRACING_EXPORTER", &cfg.Tracing.Exporter)
	setString(env, "FLUME_OTLP_ENDPOINT", &cfg.Tracing.OTLPEndpoint)
	setString(env, "FLUME_ZIPKIN_ENDPOINT", &cfg.Tracing.ZipkinEndpoint)
	setString(env, "FLUME_LOG_LEVEL", &cfg.LogLevel)
	if raw, ok := env("FLUME_ALLOWED_ORIGINS"); ok {
		parts := strings.Split(raw, ",")
		origins := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
		cfg.Server.AllowedOrigins = origins
	}
}

// Validate rejects configurations that cannot start a working server.
func (c Config) Validate() error {
	switch c.Storage.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Storage.Driver == "postgres" && strings.TrimSpace(c.Storage.DSN) == "" {
		return fmt.Errorf("storage driver postgres requires a dsn")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Streaming.EventRetention <= 0 {
		return fmt.Errorf("event retention must be positive")
	}
	return nil
}

func setString(env EnvLookup, key string, dst *string) {
	if raw, ok := env(key); ok && strings.TrimSpace(raw) != "" {
		*dst = strings.TrimSpace(raw)
	}
}

func setInt(env EnvLookup, key string, dst *int) {
	if raw, ok := env(key); ok {
		if value, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil {
			*dst = value
		}
	}
}

func setInt64(env EnvLookup, key string, dst *int64) {
	if raw, ok := env(key); ok {
		if value, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64); err == nil {
			*dst = value
		}
	}
}

func setBool(env EnvLookup, key string, dst *bool) {
	if raw, ok := env(key); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(raw)); err == nil {
			*dst = value
		}
	}
}

func setDuration(env EnvLookup, key string, dst *time.Duration) {
	if raw, ok := env(key); ok {
		if value, err := time.ParseDuration(strings.TrimSpace(raw)); err == nil && value > 0 {
			*dst = value
		}
	}
}
