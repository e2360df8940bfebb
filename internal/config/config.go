// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Billing settings
	Currency       string        // ISO currency code, single currency per deployment
	BillingMode    string        // "test" or "live": selects gateway credentials
	GatewayTimeout time.Duration // bound on interactive gateway round-trips
	RenewalEvery   time.Duration // renewal sweep interval
	GraceDays      int           // grace period after first failed renewal
	TrialDays      int           // default trial length for new subscriptions

	// Stripe credentials (test/live pairs, selected by BillingMode)
	StripeTestSecretKey  string
	StripeTestWebhookKey string
	StripeLiveSecretKey  string
	StripeLiveWebhookKey string

	// Observability
	OTLPEndpoint string

	// Security
	AdminSecret  string
	RateLimitRPM int
}

// Defaults
const (
	DefaultPort         = "8080"
	DefaultEnv          = "development"
	DefaultLogLevel     = "info"
	DefaultCurrency     = "usd"
	DefaultBillingMode  = "test"
	DefaultGraceDays    = 15
	DefaultTrialDays    = 14
	DefaultRateLimitRPM = 120
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:          os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		Currency:             getEnv("BILLING_CURRENCY", DefaultCurrency),
		BillingMode:          getEnv("BILLING_MODE", DefaultBillingMode),
		GatewayTimeout:       getEnvDuration("GATEWAY_TIMEOUT", 15*time.Second),
		RenewalEvery:         getEnvDuration("RENEWAL_INTERVAL", 24*time.Hour),
		GraceDays:            int(getEnvInt64("GRACE_PERIOD_DAYS", DefaultGraceDays)),
		TrialDays:            int(getEnvInt64("TRIAL_DAYS", DefaultTrialDays)),
		StripeTestSecretKey:  os.Getenv("STRIPE_TEST_SECRET_KEY"),
		StripeTestWebhookKey: os.Getenv("STRIPE_TEST_WEBHOOK_SECRET"),
		StripeLiveSecretKey:  os.Getenv("STRIPE_LIVE_SECRET_KEY"),
		StripeLiveWebhookKey: os.Getenv("STRIPE_LIVE_WEBHOOK_SECRET"),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AdminSecret:          os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:         int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present.
func (c *Config) Validate() error {
	switch c.BillingMode {
	case "test", "live":
	default:
		return fmt.Errorf("BILLING_MODE must be \"test\" or \"live\", got %q", c.BillingMode)
	}

	if c.BillingMode == "live" && c.StripeLiveSecretKey == "" {
		return fmt.Errorf("STRIPE_LIVE_SECRET_KEY is required in live mode")
	}

	if c.GatewayTimeout <= 0 {
		return fmt.Errorf("GATEWAY_TIMEOUT must be positive")
	}

	if c.GraceDays <= 0 {
		return fmt.Errorf("GRACE_PERIOD_DAYS must be positive")
	}

	return nil
}

// StripeSecretKey returns the gateway API key for the configured mode.
func (c *Config) StripeSecretKey() string {
	if c.BillingMode == "live" {
		return c.StripeLiveSecretKey
	}
	return c.StripeTestSecretKey
}

// StripeWebhookSecret returns the webhook signing secret for the configured mode.
func (c *Config) StripeWebhookSecret() string {
	if c.BillingMode == "live" {
		return c.StripeLiveWebhookKey
	}
	return c.StripeTestWebhookKey
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
