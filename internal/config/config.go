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
	LogFormat string // "json" or "text"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Webhook dedupe (optional, uses in-memory if not set)

	// Payment processor
	StripeSecretKey     string // Optional, uses the null processor if not set
	StripeWebhookSecret string
	WebhookTolerance    time.Duration
	ProcessorTimeout    time.Duration
	BreakerThreshold    int
	BreakerCooldown     time.Duration
	DefaultCurrency     string
	SourceRefunds       bool // Call the processor on refunds of captured funds

	// Operations
	OTLPEndpoint      string
	InternalAPIToken  string   // Guards /v1 when set
	CORSOrigins       []string // Browser origins allowed to call the API
	ReconcileInterval time.Duration
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
	DefaultCurrency          = "NOK"
	DefaultWebhookTolerance  = 5 * time.Minute
	DefaultProcessorTimeout  = 10 * time.Second
	DefaultBreakerThreshold  = 5
	DefaultBreakerCooldown   = 30 * time.Second
	DefaultReconcileInterval = 5 * time.Minute

	// DevWebhookSecret signs webhooks for the null processor when no
	// secret is configured.
	DevWebhookSecret = "whsec_development"
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
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RedisURL:            os.Getenv("REDIS_URL"),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		WebhookTolerance:    getEnvDuration("WEBHOOK_TOLERANCE", DefaultWebhookTolerance),
		ProcessorTimeout:    getEnvDuration("PROCESSOR_TIMEOUT", DefaultProcessorTimeout),
		BreakerThreshold:    int(getEnvInt64("BREAKER_THRESHOLD", DefaultBreakerThreshold)),
		BreakerCooldown:     getEnvDuration("BREAKER_COOLDOWN", DefaultBreakerCooldown),
		DefaultCurrency:     strings.ToUpper(getEnv("DEFAULT_CURRENCY", DefaultCurrency)),
		SourceRefunds:       getEnvBool("SOURCE_REFUNDS", false),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		InternalAPIToken:    os.Getenv("INTERNAL_API_TOKEN"),
		CORSOrigins:         getEnvList("CORS_ORIGINS"),
		ReconcileInterval:   getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
	}

	if cfg.StripeSecretKey == "" && cfg.StripeWebhookSecret == "" {
		cfg.StripeWebhookSecret = DevWebhookSecret
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.StripeSecretKey != "" && c.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required when STRIPE_SECRET_KEY is set")
	}
	if c.IsProduction() {
		if c.StripeSecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required in production")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
	}

	if len(c.DefaultCurrency) != 3 {
		return fmt.Errorf("DEFAULT_CURRENCY must be a 3-letter ISO code, got %q", c.DefaultCurrency)
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}

	if c.ProcessorTimeout <= 0 {
		return fmt.Errorf("PROCESSOR_TIMEOUT must be positive")
	}
	if c.WebhookTolerance <= 0 {
		return fmt.Errorf("WEBHOOK_TOLERANCE must be positive")
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must be positive")
	}
	if c.BreakerThreshold < 1 {
		return fmt.Errorf("BREAKER_THRESHOLD must be at least 1")
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
