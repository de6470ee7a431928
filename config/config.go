// Package config loads server configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"github.com/warp/trade-ledger/ledger"
)

// Config holds application configuration
type Config struct {
	DatabasePath string
	Port         int
	LogLevel     string
	DevMode      bool

	// Pricing rules
	TaxRate           decimal.Decimal
	TaxCap            decimal.Decimal
	TaxCutoff         int64 // unix seconds
	RoundingThreshold decimal.Decimal

	// Replay
	ReplayWorkers  int
	ReplaySchedule string // cron spec with seconds field; empty disables

	// Optional Redis state cache
	RedisURL      string
	StateCacheTTL time.Duration
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	defaults := ledger.DefaultPricing()
	cfg := &Config{
		DatabasePath:      getEnv("LEDGER_DB_PATH", "./data/ledger.db"),
		Port:              getEnvAsInt("PORT", 8080),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		DevMode:           getEnvAsBool("DEV_MODE", false),
		TaxRate:           getEnvAsDecimal("TAX_RATE", defaults.TaxRate),
		TaxCap:            getEnvAsDecimal("TAX_CAP", defaults.TaxCap),
		TaxCutoff:         getEnvAsInt64("TAX_CUTOFF", defaults.TaxCutoff.Unix()),
		RoundingThreshold: getEnvAsDecimal("ROUNDING_THRESHOLD", defaults.RoundingThreshold),
		ReplayWorkers:     getEnvAsInt("REPLAY_WORKERS", ledger.DefaultWorkers),
		ReplaySchedule:    getEnv("REPLAY_SCHEDULE", ""),
		RedisURL:          getEnv("REDIS_URL", ""),
		StateCacheTTL:     getEnvAsDuration("STATE_CACHE_TTL", 10*time.Minute),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present and consistent
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("LEDGER_DB_PATH is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.TaxRate.IsNegative() || c.TaxRate.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("TAX_RATE must be between 0 and 1, got %s", c.TaxRate)
	}
	if c.TaxCap.IsNegative() {
		return fmt.Errorf("TAX_CAP must not be negative, got %s", c.TaxCap)
	}
	if c.RoundingThreshold.IsNegative() {
		return fmt.Errorf("ROUNDING_THRESHOLD must not be negative, got %s", c.RoundingThreshold)
	}
	if c.ReplayWorkers <= 0 {
		return fmt.Errorf("REPLAY_WORKERS must be positive, got %d", c.ReplayWorkers)
	}
	if c.ReplaySchedule != "" {
		if _, err := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor).Parse(c.ReplaySchedule); err != nil {
			return fmt.Errorf("REPLAY_SCHEDULE is invalid: %w", err)
		}
	}
	if c.StateCacheTTL < 0 {
		return fmt.Errorf("STATE_CACHE_TTL must not be negative, got %s", c.StateCacheTTL)
	}
	return nil
}

// Pricing returns the ledger pricing rules.
func (c *Config) Pricing() ledger.Pricing {
	return ledger.Pricing{
		TaxRate:           c.TaxRate,
		TaxCap:            c.TaxCap,
		TaxCutoff:         time.Unix(c.TaxCutoff, 0).UTC(),
		RoundingThreshold: c.RoundingThreshold,
	}
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
