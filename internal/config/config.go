// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/packlane/packlane/internal/money"
)

// Config holds all application configuration. It is built once at startup
// and threaded into every component; there are no hidden globals.
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Stores
	DatabaseURL string // PostgreSQL connection string (optional, in-memory if not set)
	RedisURL    string // Redis connection string (optional, in-memory engine if not set)

	// Object storage (results bucket)
	ResultsBucket string
	S3Endpoint    string // custom endpoint for MinIO/LocalStack
	AWSRegion     string

	// Dispatch queue
	QueueURL    string
	SQSEndpoint string // custom endpoint for LocalStack

	// Observability
	OTLPEndpoint string

	// Lifecycle timing. These four are coupled:
	// SweepInterval < StuckThreshold < LeaseTTL <= ReservationTTL/10.
	// Divergence breaks the reconciler's TTL safety check, so they live
	// here and nowhere else.
	SweepInterval  time.Duration // reconciler period
	StuckThreshold time.Duration // CLAIMED older than this is stuck
	LeaseTTL       time.Duration // worker visibility lease
	ReservationTTL time.Duration // budget reservation TTL

	// Billing
	MinimumFee money.Micros // charged on failure and expiry paths

	// AdminToken guards the tenant admin endpoints. Empty disables them.
	AdminToken string
}

// Defaults chosen so that SweepInterval < StuckThreshold < LeaseTTL <= ReservationTTL/10.
const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "text"
	DefaultRegion         = "us-east-1"
	DefaultResultsBucket  = "packlane-results"
	DefaultSweepInterval  = 60 * time.Second
	DefaultStuckThreshold = 5 * time.Minute
	DefaultLeaseTTL       = 6 * time.Minute
	DefaultReservationTTL = time.Hour
	DefaultMinimumFee     = "0.0100"
)

// Load reads configuration from environment variables.
// It loads .env if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	fee, err := money.Parse(getEnv("MINIMUM_FEE", DefaultMinimumFee))
	if err != nil {
		return nil, fmt.Errorf("MINIMUM_FEE: %w", err)
	}

	cfg := &Config{
		Port:           getEnv("PORT", DefaultPort),
		Env:            getEnv("ENV", DefaultEnv),
		LogLevel:       getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:      getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		RedisURL:       os.Getenv("REDIS_URL"),
		ResultsBucket:  getEnv("RESULTS_BUCKET", DefaultResultsBucket),
		S3Endpoint:     os.Getenv("S3_ENDPOINT_URL"),
		AWSRegion:      getEnv("AWS_REGION", DefaultRegion),
		QueueURL:       os.Getenv("QUEUE_URL"),
		SQSEndpoint:    os.Getenv("SQS_ENDPOINT_URL"),
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		SweepInterval:  getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		StuckThreshold: getEnvDuration("STUCK_THRESHOLD", DefaultStuckThreshold),
		LeaseTTL:       getEnvDuration("LEASE_TTL", DefaultLeaseTTL),
		ReservationTTL: getEnvDuration("RESERVATION_TTL", DefaultReservationTTL),
		MinimumFee:     fee,
		AdminToken:     os.Getenv("ADMIN_TOKEN"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the timing invariant the lifecycle depends on:
// SweepInterval < StuckThreshold < LeaseTTL <= ReservationTTL/10.
func (c *Config) Validate() error {
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	if c.SweepInterval >= c.StuckThreshold {
		return fmt.Errorf("SWEEP_INTERVAL (%s) must be less than STUCK_THRESHOLD (%s)",
			c.SweepInterval, c.StuckThreshold)
	}
	if c.StuckThreshold >= c.LeaseTTL {
		return fmt.Errorf("STUCK_THRESHOLD (%s) must be less than LEASE_TTL (%s)",
			c.StuckThreshold, c.LeaseTTL)
	}
	if c.LeaseTTL > c.ReservationTTL/10 {
		return fmt.Errorf("LEASE_TTL (%s) must be at most RESERVATION_TTL/10 (%s)",
			c.LeaseTTL, c.ReservationTTL/10)
	}
	return nil
}

// IOTimeout bounds every external call made while holding a lease.
// Kept strictly under LeaseTTL/3 so a slow call cannot outlive the lease.
func (c *Config) IOTimeout() time.Duration {
	return c.LeaseTTL/3 - time.Second
}

// HeartbeatInterval is how often workers extend their lease.
func (c *Config) HeartbeatInterval() time.Duration {
	return c.LeaseTTL / 3
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
