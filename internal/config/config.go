// Package config loads the portfolio service configuration from the
// environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	pkgconfig "github.com/portfoliohub/portfolio/pkg/config"
	"github.com/portfoliohub/portfolio/pkg/database"
	"github.com/portfoliohub/portfolio/pkg/tracing"
)

// Config holds all configuration for the portfolio service.
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// HTTP server
	HTTPPort        int           `env:"PORTFOLIO_HTTP_PORT" envDefault:"8080"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
	CORSOrigins     []string      `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`

	// PostgreSQL
	PostgresHost       string        `env:"POSTGRES_HOST" envDefault:"localhost"`
	PostgresPort       int           `env:"POSTGRES_PORT" envDefault:"5432"`
	PostgresUser       string        `env:"POSTGRES_USER" envDefault:"portfolio"`
	PostgresPass       string        `env:"POSTGRES_PASSWORD" envDefault:"portfolio_secret"`
	PostgresDB         string        `env:"PORTFOLIO_DB_NAME" envDefault:"portfolio"`
	PostgresSSL        string        `env:"POSTGRES_SSL_MODE" envDefault:"disable"`
	PostgresMaxConns   int32         `env:"POSTGRES_MAX_CONNS" envDefault:"20"`
	StatementTimeout   time.Duration `env:"POSTGRES_STATEMENT_TIMEOUT" envDefault:"30s"`
	SlowQueryThreshold time.Duration `env:"SLOW_QUERY_THRESHOLD" envDefault:"200ms"`

	// Uploads
	UploadRoot    string `env:"UPLOAD_ROOT" envDefault:"./data"`
	StrictUploads bool   `env:"STRICT_UPLOADS" envDefault:"false"`

	// Orphan sweeper. A zero interval disables periodic sweeps.
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"1h"`
	SweepGrace    time.Duration `env:"SWEEP_GRACE" envDefault:"1h"`

	// Redis. An empty host disables the listing cache.
	RedisHost     string        `env:"REDIS_HOST" envDefault:""`
	RedisPort     int           `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword string        `env:"REDIS_PASSWORD" envDefault:""`
	RedisDB       int           `env:"REDIS_DB" envDefault:"0"`
	CacheTTL      time.Duration `env:"CACHE_TTL" envDefault:"5m"`

	// Kafka. No brokers disables event publishing and consuming.
	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`

	// Auth
	JWTSecret string `env:"JWT_SECRET"`

	// Upload rate limit per owner.
	UploadRateLimit float64 `env:"UPLOAD_RATE_LIMIT_RPS" envDefault:"1"`
	UploadBurst     int     `env:"UPLOAD_RATE_LIMIT_BURST" envDefault:"5"`

	Tracing tracing.Config
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := pkgconfig.Load(cfg); err != nil {
		return nil, fmt.Errorf("load portfolio config: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	var errs []error
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP port: %d", c.HTTPPort))
	}
	if strings.TrimSpace(c.PostgresHost) == "" {
		errs = append(errs, errors.New("POSTGRES_HOST is required"))
	}
	if strings.TrimSpace(c.UploadRoot) == "" {
		errs = append(errs, errors.New("UPLOAD_ROOT is required"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.SweepInterval < 0 || c.SweepGrace < 0 {
		errs = append(errs, errors.New("sweep interval and grace must not be negative"))
	}
	if c.UploadRateLimit < 0 || c.UploadBurst < 0 {
		errs = append(errs, errors.New("upload rate limit must not be negative"))
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("OTEL_SAMPLE_RATE must be within [0,1]: %v", c.Tracing.SampleRate))
	}
	return errors.Join(errs...)
}

// Postgres returns the pool configuration.
func (c *Config) Postgres() database.PostgresConfig {
	pg := database.DefaultPostgresConfig()
	pg.Host = c.PostgresHost
	pg.Port = c.PostgresPort
	pg.User = c.PostgresUser
	pg.Password = c.PostgresPass
	pg.DBName = c.PostgresDB
	pg.SSLMode = c.PostgresSSL
	if c.PostgresMaxConns > 0 {
		pg.MaxConns = c.PostgresMaxConns
	}
	pg.StatementTimeout = c.StatementTimeout
	return pg
}

// Redis returns the cache connection settings.
func (c *Config) Redis() database.RedisConfig {
	return database.RedisConfig{
		Host:     c.RedisHost,
		Port:     c.RedisPort,
		Password: c.RedisPassword,
		DB:       c.RedisDB,
	}
}

// KafkaEnabled reports whether brokers are configured.
func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}
