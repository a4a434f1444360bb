// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Payment collection and release
	MaxPaymentRetries  int
	RetryInterval      time.Duration
	AttemptTimeout     time.Duration
	CollectSuccessRate float64
	ReleaseSuccessRate float64

	// Gateway circuit breaker
	BreakerThreshold int
	BreakerCooldown  time.Duration

	// Resumes payment retries interrupted by a restart. Zero disables it.
	ResumeInterval time.Duration

	// API protection
	RateLimitRPM   int // requests per minute per client IP, zero disables
	RateLimitBurst int
	CORSOrigins    []string // browser origins allowed to call the API

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "json"
	DefaultMaxPaymentRetries  = 3
	DefaultRetryInterval      = 2 * time.Second
	DefaultAttemptTimeout     = 10 * time.Second
	DefaultCollectSuccessRate = 0.9
	DefaultReleaseSuccessRate = 0.95
	DefaultBreakerThreshold   = 5
	DefaultBreakerCooldown    = 30 * time.Second
	DefaultRateLimitRPM       = 120
	DefaultRateLimitBurst     = 20
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		MaxPaymentRetries:  int(getEnvInt64("PAYMENT_MAX_RETRIES", DefaultMaxPaymentRetries)),
		RetryInterval:      getEnvDuration("PAYMENT_RETRY_INTERVAL", DefaultRetryInterval),
		AttemptTimeout:     getEnvDuration("PAYMENT_ATTEMPT_TIMEOUT", DefaultAttemptTimeout),
		CollectSuccessRate: getEnvFloat("PAYMENT_COLLECT_SUCCESS_RATE", DefaultCollectSuccessRate),
		ReleaseSuccessRate: getEnvFloat("PAYMENT_RELEASE_SUCCESS_RATE", DefaultReleaseSuccessRate),
		BreakerThreshold:   int(getEnvInt64("GATEWAY_BREAKER_THRESHOLD", DefaultBreakerThreshold)),
		BreakerCooldown:    getEnvDuration("GATEWAY_BREAKER_COOLDOWN", DefaultBreakerCooldown),
		ResumeInterval:     getEnvDuration("RESUME_INTERVAL", 0),
		RateLimitRPM:       int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		RateLimitBurst:     int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		CORSOrigins:        splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that configuration values are usable
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if c.MaxPaymentRetries < 0 {
		return fmt.Errorf("PAYMENT_MAX_RETRIES must not be negative")
	}
	if c.RetryInterval <= 0 {
		return fmt.Errorf("PAYMENT_RETRY_INTERVAL must be positive")
	}
	if c.AttemptTimeout <= 0 {
		return fmt.Errorf("PAYMENT_ATTEMPT_TIMEOUT must be positive")
	}
	if c.CollectSuccessRate < 0 || c.CollectSuccessRate > 1 {
		return fmt.Errorf("PAYMENT_COLLECT_SUCCESS_RATE must be within [0,1]")
	}
	if c.ReleaseSuccessRate < 0 || c.ReleaseSuccessRate > 1 {
		return fmt.Errorf("PAYMENT_RELEASE_SUCCESS_RATE must be within [0,1]")
	}
	if c.RateLimitRPM < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_RPM and RATE_LIMIT_BURST must not be negative")
	}
	if c.ResumeInterval < 0 {
		return fmt.Errorf("RESUME_INTERVAL must not be negative")
	}
	if c.ResumeInterval > 0 && c.ResumeInterval <= c.RetryInterval {
		return fmt.Errorf("RESUME_INTERVAL must be longer than PAYMENT_RETRY_INTERVAL")
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

func splitList(value string) []string {
	var out []string
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
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
