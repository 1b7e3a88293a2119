package config

import (
	"errors"
	"time"

	"github.com/fieldline/coordinator/internal/model"
)

// Config represents the coordinator service configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Sequencer  SequencerConfig  `mapstructure:"sequencer"`
	Migration  MigrationConfig  `mapstructure:"migration"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
	Compat     CompatConfig     `mapstructure:"compat"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig represents bearer token authentication configuration
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

// DatabaseConfig represents the PostgreSQL document store configuration
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	EventTTL        time.Duration `mapstructure:"event_ttl"`
}

// RedisConfig represents Redis idempotency store configuration
type RedisConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	ResponseTTL  time.Duration `mapstructure:"response_ttl"`
}

// CacheConfig represents the tenant cache configuration
type CacheConfig struct {
	TenantTTL time.Duration `mapstructure:"tenant_ttl"`
	MaxSize   int           `mapstructure:"max_size"`
}

// SequencerConfig represents sequence allocation configuration
type SequencerConfig struct {
	MaxAttempts int                 `mapstructure:"max_attempts"`
	BaseBackoff time.Duration       `mapstructure:"base_backoff"`
	MaxBackoff  time.Duration       `mapstructure:"max_backoff"`
	Counters    []model.CounterSpec `mapstructure:"counters"`
}

// MigrationConfig represents migration coordinator configuration
type MigrationConfig struct {
	BatchSize          int           `mapstructure:"batch_size"`
	StallThreshold     time.Duration `mapstructure:"stall_threshold"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
	EstimateThroughput int64         `mapstructure:"estimate_throughput"`
}

// ReconcilerConfig represents the reconciliation worker pool configuration
type ReconcilerConfig struct {
	Workers   int `mapstructure:"workers"`
	QueueSize int `mapstructure:"queue_size"`
}

// CompatConfig is the closed range of tenant schema versions this
// deployment supports
type CompatConfig struct {
	MinSchemaVersion int `mapstructure:"min_schema_version"`
	MaxSchemaVersion int `mapstructure:"max_schema_version"`
}

// RateLimitConfig represents API rate limiting configuration
type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	BurstSize         int     `mapstructure:"burst_size"`
}

// MetricsConfig represents Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// VersionRange returns the supported schema version range.
func (c *CompatConfig) VersionRange() model.VersionRange {
	return model.VersionRange{Min: c.MinSchemaVersion, Max: c.MaxSchemaVersion}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Host == "" {
		return errors.New("server.host is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}
	if c.Database.Host == "" {
		return errors.New("database.host is required")
	}
	if c.Database.Database == "" {
		return errors.New("database.database is required")
	}
	if c.Database.User == "" {
		return errors.New("database.user is required")
	}
	if c.Redis.Host == "" {
		return errors.New("redis.host is required")
	}
	if c.Compat.MinSchemaVersion <= 0 {
		return errors.New("compat.min_schema_version must be positive")
	}
	if c.Compat.MaxSchemaVersion < c.Compat.MinSchemaVersion {
		return errors.New("compat.max_schema_version must be >= compat.min_schema_version")
	}
	if len(c.Sequencer.Counters) == 0 {
		return errors.New("sequencer.counters must declare at least one counter")
	}
	seen := make(map[string]bool, len(c.Sequencer.Counters))
	for _, spec := range c.Sequencer.Counters {
		if spec.Collection == "" || spec.Scope == "" || spec.Name == "" {
			return errors.New("sequencer.counters entries require collection, scope and name")
		}
		if seen[spec.Collection] {
			return errors.New("sequencer.counters declares collection " + spec.Collection + " twice")
		}
		seen[spec.Collection] = true
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			RequestTimeout:  10 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Auth: AuthConfig{
			JWTSecret: "",
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "coordinator",
			User:            "coordinator",
			Password:        "",
			MaxConnections:  50,
			MinConnections:  10,
			ConnMaxLifetime: 30 * time.Minute,
			EventTTL:        24 * time.Hour,
		},
		Redis: RedisConfig{
			Host:         "localhost",
			Port:         6379,
			Password:     "",
			DB:           0,
			PoolSize:     10,
			MinIdleConns: 2,
			ResponseTTL:  24 * time.Hour,
		},
		Cache: CacheConfig{
			TenantTTL: 30 * time.Second,
			MaxSize:   10000,
		},
		Sequencer: SequencerConfig{
			MaxAttempts: 5,
			BaseBackoff: 10 * time.Millisecond,
			MaxBackoff:  250 * time.Millisecond,
			Counters: []model.CounterSpec{
				{Collection: "jobs", Scope: "job", Name: "number"},
				{Collection: "invoices", Scope: "invoice", Name: "number"},
				{Collection: "estimates", Scope: "estimate", Name: "number"},
				{Collection: "items", Scope: "job", Name: "ordinal", PerParent: true},
			},
		},
		Migration: MigrationConfig{
			BatchSize:          500,
			StallThreshold:     4 * time.Hour,
			SweepInterval:      10 * time.Minute,
			EstimateThroughput: 200,
		},
		Reconciler: ReconcilerConfig{
			Workers:   8,
			QueueSize: 256,
		},
		Compat: CompatConfig{
			MinSchemaVersion: 1,
			MaxSchemaVersion: 2,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 200,
			BurstSize:         400,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
