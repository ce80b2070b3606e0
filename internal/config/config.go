// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Crypto    CryptoConfig    `yaml:"crypto"`
	Sessions  SessionConfig   `yaml:"sessions"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Media     MediaConfig     `yaml:"media"`
	Logs      LogConfig       `yaml:"logs"`
	Auth      AuthConfig      `yaml:"auth"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Providers []ProviderEntry `yaml:"providers"`
	Keys      []KeyEntry      `yaml:"keys"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// UpstreamConfig holds the upstream endpoint and per-call timeouts.
type UpstreamConfig struct {
	BaseURL       string        `yaml:"base_url"`
	UnaryTimeout  time.Duration `yaml:"unary_timeout"`
	StreamTimeout time.Duration `yaml:"stream_timeout"`
}

// CryptoConfig holds the credential cipher settings.
// SecretKey must be at least 32 bytes. StrictDecrypt controls whether
// undecryptable stored credentials are an error or passed through as-is
// (legacy plaintext rows).
type CryptoConfig struct {
	SecretKey     string `yaml:"secret_key"`
	StrictDecrypt bool   `yaml:"strict_decrypt"`
}

// SessionConfig holds session matcher settings.
type SessionConfig struct {
	TTL             time.Duration `yaml:"ttl"`
	MaxPerUser      int           `yaml:"max_per_user"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// SchedulerConfig holds provider pool settings.
type SchedulerConfig struct {
	HealthThreshold      int           `yaml:"health_threshold"`
	FailureThreshold     int           `yaml:"failure_threshold"`
	Cooldown             time.Duration `yaml:"cooldown"`
	MaxRetries           int           `yaml:"max_retries"`
	DefaultMaxConcurrent int           `yaml:"default_max_concurrent"`
}

// MediaConfig holds media intent detection settings.
type MediaConfig struct {
	Keywords []string `yaml:"keywords"`
}

// LogConfig holds request-log retention settings.
type LogConfig struct {
	Retention time.Duration `yaml:"retention"`
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	AdminKey string `yaml:"admin_key"` // guards the /admin surface
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// ProviderEntry is a provider seed in the config file.
type ProviderEntry struct {
	Name          string `yaml:"name"`
	GroupID       string `yaml:"group_id"`
	CSesIdx       string `yaml:"csesidx"`
	Cookies       string `yaml:"cookies"`
	MaxConcurrent int    `yaml:"max_concurrent"`
}

// KeyEntry is an API key seed in the config file.
type KeyEntry struct {
	Key        string `yaml:"key"` // plaintext, hashed on bootstrap
	UserID     string `yaml:"user_id"`
	Name       string `yaml:"name"`
	DailyLimit int64  `yaml:"daily_limit"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a Config populated with the documented defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    0, // streaming responses exceed any fixed write deadline
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: "moria.db",
		},
		Upstream: UpstreamConfig{
			UnaryTimeout:  120 * time.Second,
			StreamTimeout: 1800 * time.Second,
		},
		Sessions: SessionConfig{
			TTL:             time.Hour,
			MaxPerUser:      100,
			CleanupInterval: 5 * time.Minute,
		},
		Scheduler: SchedulerConfig{
			HealthThreshold:      50,
			FailureThreshold:     5,
			Cooldown:             5 * time.Minute,
			MaxRetries:           3,
			DefaultMaxConcurrent: 10,
		},
		Media: MediaConfig{
			Keywords: DefaultMediaKeywords(),
		},
		Logs: LogConfig{
			Retention: 30 * 24 * time.Hour,
		},
	}
}

// DefaultMediaKeywords returns the built-in media intent keyword set.
func DefaultMediaKeywords() []string {
	return []string{"draw", "image of", "picture of", "generate an image", "生成图片", "画一"}
}

// Validate checks settings the gateway cannot run without.
func (c *Config) Validate() error {
	if len(c.Crypto.SecretKey) < 32 {
		return fmt.Errorf("crypto.secret_key must be at least 32 bytes (got %d)", len(c.Crypto.SecretKey))
	}
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	return nil
}
