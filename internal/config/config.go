// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Pipeline settings
	PipelineName        string        // watermark row name for the incremental pipeline
	BatchSize           int           // raw events materialized per batch run
	MaterializeInterval time.Duration // how often the scheduler triggers a batch
	RetentionDays       int           // raw events older than this are eligible for purge

	// Collection settings
	CollectMaxBodyBytes int64 // max size of an ingested signal payload
	TrustProxyHeaders   bool  // honor X-Forwarded-For for client IP

	// Security
	AdminSecret  string // required for pipeline admin endpoints
	RateLimitRPM int    // per-IP collect requests per minute

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint; tracing disabled when empty
}

// Defaults
const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultPipelineName        = "visit_materializer"
	DefaultBatchSize           = 500
	DefaultMaterializeInterval = 30 * time.Second
	DefaultRetentionDays       = 30
	DefaultCollectMaxBody      = 64 << 10 // 64KB is generous for ~170 urlencoded keys
	DefaultRateLimit           = 120
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		PipelineName:        getEnv("PIPELINE_NAME", DefaultPipelineName),
		BatchSize:           int(getEnvInt64("BATCH_SIZE", DefaultBatchSize)),
		MaterializeInterval: getEnvDuration("MATERIALIZE_INTERVAL", DefaultMaterializeInterval),
		RetentionDays:       int(getEnvInt64("RETENTION_DAYS", DefaultRetentionDays)),
		CollectMaxBodyBytes: getEnvInt64("COLLECT_MAX_BODY_BYTES", DefaultCollectMaxBody),
		TrustProxyHeaders:   getEnvBool("TRUST_PROXY_HEADERS", true),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and sane
func (c *Config) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("BATCH_SIZE must be positive, got %d", c.BatchSize)
	}
	if c.MaterializeInterval < time.Second {
		return fmt.Errorf("MATERIALIZE_INTERVAL must be at least 1s, got %s", c.MaterializeInterval)
	}
	if c.PipelineName == "" {
		return fmt.Errorf("PIPELINE_NAME must not be empty")
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
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
