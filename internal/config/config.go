package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Database  DatabaseConfig  `json:"database" yaml:"database"`
	Security  SecurityConfig  `json:"security" yaml:"security"`
	RateLimit RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
	Tracing   TracingConfig   `json:"tracing" yaml:"tracing"`
	Redis     RedisConfig     `json:"redis" yaml:"redis"`
	Kafka     KafkaConfig     `json:"kafka" yaml:"kafka"`
	Ledger    LedgerConfig    `json:"ledger" yaml:"ledger"`
	Cache     CacheConfig     `json:"cache" yaml:"cache"`
	Jobs      JobsConfig      `json:"jobs" yaml:"jobs"`
	Log       LogConfig       `json:"log" yaml:"log"`
}

// ServerConfig holds server-related configuration.
type ServerConfig struct {
	Port      string `json:"port" yaml:"port" env:"SERVER_PORT"`
	Host      string `json:"host" yaml:"host" env:"SERVER_HOST"`
	EnableTLS bool   `json:"enable_tls" yaml:"enable_tls" env:"SERVER_ENABLE_TLS"`
	CertFile  string `json:"cert_file" yaml:"cert_file" env:"SERVER_CERT_FILE"`
	KeyFile   string `json:"key_file" yaml:"key_file" env:"SERVER_KEY_FILE"`
	// Seconds to wait for in-flight requests on shutdown.
	ShutdownTimeout int `json:"shutdown_timeout" yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT"`
}

// DatabaseConfig holds database-related configuration.
type DatabaseConfig struct {
	Path string `json:"path" yaml:"path" env:"DATABASE_PATH"`
}

// SecurityConfig holds security-related configuration.
type SecurityConfig struct {
	// Max request body size in bytes (default: 10MB)
	MaxRequestBodySize int64 `json:"max_request_body_size" yaml:"max_request_body_size" env:"MAX_REQUEST_BODY_SIZE"`
	// Allowed CORS origins (comma-separated)
	AllowedOrigins string `json:"allowed_origins" yaml:"allowed_origins" env:"ALLOWED_ORIGINS"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled" env:"RATE_LIMIT_ENABLED"`
	Rate    int  `json:"rate" yaml:"rate" env:"RATE_LIMIT_RATE"`
	Window  int  `json:"window" yaml:"window" env:"RATE_LIMIT_WINDOW"` // in seconds
}

// TracingConfig holds OpenTelemetry configuration.
type TracingConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled" env:"TRACING_ENABLED"`
	Endpoint    string `json:"endpoint" yaml:"endpoint" env:"TRACING_ENDPOINT"`
	Environment string `json:"environment" yaml:"environment" env:"TRACING_ENVIRONMENT"`
}

// RedisConfig is shared by the profile cache and the redis ledger counters.
// An empty Addr disables Redis.
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr" env:"REDIS_ADDR"`
	Password string `json:"password" yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `json:"db" yaml:"db" env:"REDIS_DB"`
}

// KafkaConfig configures the domain event sink. No brokers, no sink.
type KafkaConfig struct {
	Brokers []string `json:"brokers" yaml:"brokers" env:"KAFKA_BROKERS" envSeparator:","`
	Topic   string   `json:"topic" yaml:"topic" env:"KAFKA_TOPIC"`
}

// Counter backends of the proposition ledger.
const (
	CounterBackendMemory = "memory"
	CounterBackendRedis  = "redis"
)

// LedgerConfig configures the proposition ledger counters.
type LedgerConfig struct {
	CounterBackend string `json:"counter_backend" yaml:"counter_backend" env:"LEDGER_COUNTER_BACKEND"`
	// Frequency windows (daily, weekly, monthly) start at midnight in this zone.
	Timezone  string `json:"timezone" yaml:"timezone" env:"LEDGER_TIMEZONE"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix" env:"LEDGER_KEY_PREFIX"`
}

// CacheConfig configures the contact profile cache.
type CacheConfig struct {
	ProfileCacheEnabled bool `json:"profile_cache_enabled" yaml:"profile_cache_enabled" env:"PROFILE_CACHE_ENABLED"`
	ProfileTTL          int  `json:"profile_ttl" yaml:"profile_ttl" env:"PROFILE_CACHE_TTL"` // in seconds
}

// JobsConfig holds the cron schedules of maintenance jobs. An empty schedule
// disables the job.
type JobsConfig struct {
	SnapshotRefresh string `json:"snapshot_refresh" yaml:"snapshot_refresh" env:"JOBS_SNAPSHOT_REFRESH"`
	CounterPrune    string `json:"counter_prune" yaml:"counter_prune" env:"JOBS_COUNTER_PRUNE"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `json:"level" yaml:"level" env:"LOG_LEVEL"`
	Format string `json:"format" yaml:"format" env:"LOG_FORMAT"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			ShutdownTimeout: 15,
		},
		Database: DatabaseConfig{
			Path: "./offer_decisioning.db",
		},
		Security: SecurityConfig{
			MaxRequestBodySize: 10 << 20, // 10MB default
			AllowedOrigins:     "*",
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			Rate:    100,
			Window:  60,
		},
		Tracing: TracingConfig{
			Endpoint:    "http://localhost:14268/api/traces",
			Environment: "development",
		},
		Kafka: KafkaConfig{
			Topic: "offer-decisioning-events",
		},
		Ledger: LedgerConfig{
			CounterBackend: CounterBackendMemory,
			Timezone:       "UTC",
			KeyPrefix:      "decisioning:",
		},
		Cache: CacheConfig{
			ProfileTTL: 60,
		},
		Jobs: JobsConfig{
			SnapshotRefresh: "@every 1m",
			CounterPrune:    "0 * * * *",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadConfig loads configuration from defaults, then the optional config
// file (.json, .yaml or .yml), then environment variables.
// Environment variables take precedence over config file values.
func LoadConfig(configFile string) (*Config, error) {
	cfg := Default()

	if configFile != "" {
		if err := loadFromFile(configFile, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	return cfg, nil
}

// loadFromFile loads configuration from a JSON or YAML file.
func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

// Location returns the ledger time zone.
func (c *Config) Location() (*time.Location, error) {
	if c.Ledger.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Ledger.Timezone)
}

// RateWindow returns the rate limit window as a duration.
func (c *Config) RateWindow() time.Duration {
	return time.Duration(c.RateLimit.Window) * time.Second
}

// ProfileTTL returns the profile cache TTL as a duration.
func (c *Config) ProfileTTL() time.Duration {
	return time.Duration(c.Cache.ProfileTTL) * time.Second
}

// Origins splits the allowed CORS origins.
func (c *Config) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.Security.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if c.Server.EnableTLS && (c.Server.CertFile == "" || c.Server.KeyFile == "") {
		return fmt.Errorf("cert_file and key_file are required when TLS is enabled")
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.Rate <= 0 {
			return fmt.Errorf("rate limit rate must be positive")
		}
		if c.RateLimit.Window <= 0 {
			return fmt.Errorf("rate limit window must be positive")
		}
	}
	switch c.Ledger.CounterBackend {
	case CounterBackendMemory:
	case CounterBackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis address is required for the redis counter backend")
		}
	default:
		return fmt.Errorf("unknown ledger counter backend %q", c.Ledger.CounterBackend)
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("invalid ledger timezone %q: %w", c.Ledger.Timezone, err)
	}
	if c.Cache.ProfileCacheEnabled && c.Cache.ProfileTTL <= 0 {
		return fmt.Errorf("profile cache ttl must be positive")
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return fmt.Errorf("kafka topic is required when brokers are set")
	}
	return nil
}
