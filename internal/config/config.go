// Package config loads server configuration from environment variables.
//
// Optional variables:
//   - DATABASE_URL: PostgreSQL connection string. Empty selects the
//     in-memory store; flag state then does not survive restarts.
//   - HTTP_ADDR: listen address for the management HTTP server
//     (default ":8080").
//   - LOG_LEVEL: minimum log level, one of debug/info/warn/error
//     (default "info").
//   - VALUE_CACHE_TTL: staleness bound for the flag value cache
//     (default "30s", must be > 0 if set).
//   - REQUIREMENT_CACHE_TTL: staleness bound for the requirement mapping
//     cache (default "30s", must be > 0 if set).
//   - STORE_TIMEOUT: per-round-trip bound on store access from the
//     evaluation path (default "2s", must be > 0 if set).
//   - MAX_JSON_BODY_SIZE: max HTTP JSON request body size in bytes
//     (default "1048576", must be > 0 if set).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultHTTPAddr                 = ":8080"
	defaultValueCacheTTL            = 30 * time.Second
	defaultRequirementCacheTTL      = 30 * time.Second
	defaultStoreTimeout             = 2 * time.Second
	defaultMaxJSONBodySize    int64 = 1 << 20 // 1MB
)

// Config holds the runtime configuration for the flaggate server.
type Config struct {
	DatabaseURL         string
	HTTPAddr            string
	LogLevel            string
	ValueCacheTTL       time.Duration
	RequirementCacheTTL time.Duration
	StoreTimeout        time.Duration
	MaxJSONBodySize     int64
}

// Load reads configuration from environment variables, applying defaults
// where appropriate. It returns an error if optional values fail validation.
func Load() (Config, error) {
	valueCacheTTL, err := durationEnv("VALUE_CACHE_TTL", defaultValueCacheTTL)
	if err != nil {
		return Config{}, err
	}

	requirementCacheTTL, err := durationEnv("REQUIREMENT_CACHE_TTL", defaultRequirementCacheTTL)
	if err != nil {
		return Config{}, err
	}

	storeTimeout, err := durationEnv("STORE_TIMEOUT", defaultStoreTimeout)
	if err != nil {
		return Config{}, err
	}

	maxJSONBodySize := defaultMaxJSONBodySize
	if v := strings.TrimSpace(os.Getenv("MAX_JSON_BODY_SIZE")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			return Config{}, errors.New("MAX_JSON_BODY_SIZE must be a positive integer (bytes)")
		}
		maxJSONBodySize = n
	}

	return Config{
		DatabaseURL:         strings.TrimSpace(os.Getenv("DATABASE_URL")),
		HTTPAddr:            envOrDefault("HTTP_ADDR", defaultHTTPAddr),
		LogLevel:            envOrDefault("LOG_LEVEL", "info"),
		ValueCacheTTL:       valueCacheTTL,
		RequirementCacheTTL: requirementCacheTTL,
		StoreTimeout:        storeTimeout,
		MaxJSONBodySize:     maxJSONBodySize,
	}, nil
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}

	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}

	return parsed, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
