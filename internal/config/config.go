// Package config loads service configuration from environment variables.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the runtime configuration for the margin engine.
type Config struct {
	// Port is the HTTP listen port.
	Port string

	// DatabaseURL is the PostgreSQL connection string for the history
	// log. Empty falls back to the in-memory log (no persistence).
	DatabaseURL string

	// RedisURL is the Redis connection string for account and quote
	// state. Empty falls back to the in-memory stores.
	RedisURL string

	// IntegerLotSymbols lists symbols that trade in whole units only.
	IntegerLotSymbols []string

	// SeedDemo seeds demo balances and a BTC-PERP mark price at startup.
	SeedDemo bool

	// RequestTimeout bounds each HTTP request.
	RequestTimeout time.Duration
}

// Load reads configuration from the environment, applying defaults.
func Load() (Config, error) {
	c := Config{
		Port:              getenv("PORT", "8080"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisURL:          os.Getenv("REDIS_URL"),
		IntegerLotSymbols: splitList(getenv("INTEGER_LOT_SYMBOLS", "BTC-PERP")),
		RequestTimeout:    30 * time.Second,
	}

	if raw := os.Getenv("SEED_DEMO"); raw != "" {
		seed, err := strconv.ParseBool(raw)
		if err != nil {
			return c, err
		}
		c.SeedDemo = seed
	}

	if raw := os.Getenv("REQUEST_TIMEOUT"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return c, err
		}
		c.RequestTimeout = d
	}

	return c, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
