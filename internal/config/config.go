// Package config loads the service configuration from the environment,
// optionally seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Price feed names.
const (
	FeedSimulated = "simulated"
	FeedBinance   = "binance"
)

// Config holds application configuration
type Config struct {
	Port        string
	DatabaseURL string // PostgreSQL; takes precedence over SQLitePath
	SQLitePath  string // used when DatabaseURL is empty; empty means in-memory
	RedisURL    string
	CacheTTL    time.Duration

	// System settings.
	TradingFeePercent decimal.Decimal
	MinDeposit        decimal.Decimal
	MaxWithdrawal     decimal.Decimal
	MaxDailyTrades    int
	MaintenanceMode   bool

	PriceFeed         string
	PricePollSchedule string
	BinanceAPIKey     string
	BinanceAPISecret  string

	LogLevel string
	DevMode  bool
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	var errs []error

	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		DatabaseURL:       getEnv("DATABASE_URL", ""),
		SQLitePath:        getEnv("SQLITE_PATH", ""),
		RedisURL:          getEnv("REDIS_URL", ""),
		MaxDailyTrades:    getEnvAsInt("MAX_DAILY_TRADES", 100),
		MaintenanceMode:   getEnvAsBool("MAINTENANCE_MODE", false),
		PriceFeed:         strings.ToLower(getEnv("PRICE_FEED", FeedSimulated)),
		PricePollSchedule: getEnv("PRICE_POLL_SCHEDULE", "@every 2m"),
		BinanceAPIKey:     getEnv("BINANCE_API_KEY", ""),
		BinanceAPISecret:  getEnv("BINANCE_API_SECRET", ""),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		DevMode:           getEnvAsBool("DEV_MODE", false),
	}

	var err error
	if cfg.CacheTTL, err = time.ParseDuration(getEnv("CACHE_TTL", "5m")); err != nil {
		errs = append(errs, fmt.Errorf("CACHE_TTL: %w", err))
	}
	if cfg.TradingFeePercent, err = getEnvAsDecimal("TRADING_FEE_PERCENT", "0.1"); err != nil {
		errs = append(errs, err)
	}
	if cfg.MinDeposit, err = getEnvAsDecimal("MIN_DEPOSIT", "10"); err != nil {
		errs = append(errs, err)
	}
	if cfg.MaxWithdrawal, err = getEnvAsDecimal("MAX_WITHDRAWAL", "10000"); err != nil {
		errs = append(errs, err)
	}

	if len(errs) == 0 {
		if err := cfg.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("PORT is required"))
	}
	if c.TradingFeePercent.IsNegative() || c.TradingFeePercent.GreaterThanOrEqual(decimal.NewFromInt(100)) {
		errs = append(errs, fmt.Errorf("TRADING_FEE_PERCENT must be in [0, 100), got %s", c.TradingFeePercent))
	}
	if c.MinDeposit.IsNegative() {
		errs = append(errs, fmt.Errorf("MIN_DEPOSIT must not be negative, got %s", c.MinDeposit))
	}
	if !c.MaxWithdrawal.IsPositive() {
		errs = append(errs, fmt.Errorf("MAX_WITHDRAWAL must be positive, got %s", c.MaxWithdrawal))
	}
	if c.CacheTTL <= 0 {
		errs = append(errs, fmt.Errorf("CACHE_TTL must be positive, got %s", c.CacheTTL))
	}
	switch c.PriceFeed {
	case FeedSimulated, FeedBinance:
	default:
		errs = append(errs, fmt.Errorf("PRICE_FEED must be %q or %q, got %q", FeedSimulated, FeedBinance, c.PriceFeed))
	}
	return errors.Join(errs...)
}

// FeeRate returns the trading fee as a fraction of notional.
func (c *Config) FeeRate() decimal.Decimal {
	return c.TradingFeePercent.Div(decimal.NewFromInt(100))
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

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDecimal(key, defaultValue string) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(getEnv(key, defaultValue))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}
