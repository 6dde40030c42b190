package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all engine configuration
type Config struct {
	Service   ServiceConfig
	Database  DatabaseConfig
	Broker    BrokerConfig
	Outbox    OutboxConfig
	Telemetry TelemetryConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
	Workers     int
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// BrokerConfig holds the workflows-in/workflows-out transport settings
type BrokerConfig struct {
	Type     string // "memory" or "redis"
	URL      string
	InTopic  string
	OutTopic string
	Group    string
}

// BackoffConfig is the outbox processor's redelivery backoff policy.
// A nil JitterFrom with a set JitterTo means [0, to]; JitterFrom without
// JitterTo is rejected by Validate.
type BackoffConfig struct {
	Base       time.Duration
	Multiplier float64
	Cap        time.Duration
	JitterFrom *time.Duration
	JitterTo   *time.Duration
}

// OutboxConfig holds the claim/reap loop settings shared by the waits and
// retries processors
type OutboxConfig struct {
	BatchSize    int
	Interval     time.Duration
	MaxAttempts  int
	Retention    time.Duration
	ReapInterval time.Duration
	Backoff      BackoffConfig
}

// TelemetryConfig holds observability settings
type TelemetryConfig struct {
	EnablePprof bool
	PprofPort   int
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"),
			Workers:     getEnvInt("WORKERS", 4),
		},
		Database: DatabaseConfig{
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "flowengine"),
			User:        getEnv("POSTGRES_USER", "flowengine"),
			Password:    getEnv("POSTGRES_PASSWORD", "flowengine"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 50),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 10),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
		},
		Broker: BrokerConfig{
			Type:     getEnv("BROKER_TYPE", "memory"),
			URL:      getEnv("BROKER_URL", "redis://localhost:6379/0"),
			InTopic:  getEnv("BROKER_IN_TOPIC", "workflows-in"),
			OutTopic: getEnv("BROKER_OUT_TOPIC", "workflows-out"),
			Group:    getEnv("BROKER_GROUP", "flowengine"),
		},
		Outbox: OutboxConfig{
			BatchSize:    getEnvInt("OUTBOX_BATCH_SIZE", 50),
			Interval:     getEnvDuration("OUTBOX_INTERVAL", time.Second),
			MaxAttempts:  getEnvInt("OUTBOX_MAX_ATTEMPTS", 5),
			Retention:    getEnvDuration("OUTBOX_RETENTION", 24*time.Hour),
			ReapInterval: getEnvDuration("OUTBOX_REAP_INTERVAL", time.Minute),
			Backoff: BackoffConfig{
				Base:       getEnvDuration("OUTBOX_BACKOFF_BASE", time.Second),
				Multiplier: getEnvFloat("OUTBOX_BACKOFF_MULTIPLIER", 2),
				Cap:        getEnvDuration("OUTBOX_BACKOFF_CAP", 30*time.Second),
				JitterFrom: getEnvDurationPtr("OUTBOX_BACKOFF_JITTER_FROM"),
				JitterTo:   getEnvDurationPtr("OUTBOX_BACKOFF_JITTER_TO"),
			},
		},
		Telemetry: TelemetryConfig{
			EnablePprof: getEnvBool("ENABLE_PPROF", false),
			PprofPort:   getEnvInt("PPROF_PORT", 6060),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns must be >= min_conns")
	}

	if c.Broker.Type != "memory" && c.Broker.Type != "redis" {
		return fmt.Errorf("unknown broker type: %q", c.Broker.Type)
	}

	if c.Outbox.BatchSize < 1 {
		return fmt.Errorf("outbox batch size must be >= 1")
	}

	return c.Outbox.Backoff.Validate()
}

// Validate enforces the jitter range rules: from <= to, a missing from
// means 0, and a from without a to is an error.
func (b BackoffConfig) Validate() error {
	if b.JitterFrom != nil && b.JitterTo == nil {
		return fmt.Errorf("backoff jitter: from set without to")
	}
	if b.JitterFrom != nil && b.JitterTo != nil && *b.JitterFrom > *b.JitterTo {
		return fmt.Errorf("backoff jitter: from (%s) > to (%s)", b.JitterFrom, b.JitterTo)
	}
	if b.Multiplier < 1 {
		return fmt.Errorf("backoff multiplier must be >= 1")
	}
	return nil
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvDurationPtr(key string) *time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return &duration
		}
	}
	return nil
}
