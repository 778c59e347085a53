package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds server configuration
type Config struct {
	// Server
	Host        string
	Port        int
	Environment string

	// Authentication
	JWTSecret string

	// Database (optional)
	DatabaseURL string

	// Redis (optional)
	RedisURL          string
	RedisChannelPrefix string

	// CORS
	CORSOrigins []string

	// MetricsAddr, if non-empty, exposes a separate /metrics listener
	// for Prometheus scraping.
	MetricsAddr string

	// LogLevel and LogJSON configure internal/logging.
	LogLevel string
	LogJSON  bool

	// Replication tuning. Per-collection overrides are not configured
	// through environment variables (configuration *loading* beyond
	// flat env vars is out of scope); these are the process-wide
	// defaults every collection uses unless a caller builds its own
	// compactor.Config directly.
	SessionHeartbeatInterval time.Duration
	SessionTimeoutFactor     float64 // session considered stale after interval * factor
	CompactionRetainDeltas   int     // minimum deltas kept even past a snapshot boundary
	CompactionMaxRetries     int
	CompactionBackoffBase    time.Duration
	CompactionPageSize       int
}

// Load loads configuration from environment variables
func Load() *Config {
	env := getEnv("ENVIRONMENT", "development")
	jwtSecret := getEnv("JWT_SECRET", "")

	if jwtSecret == "" {
		if env == "production" {
			panic("JWT_SECRET environment variable is required in production")
		}
		jwtSecret = "development-secret-do-not-use-in-production"
	}

	if env == "production" && len(jwtSecret) < 32 {
		panic(fmt.Sprintf("JWT_SECRET must be at least 32 characters in production (got %d)", len(jwtSecret)))
	}

	return &Config{
		Host:               getEnv("HOST", "0.0.0.0"),
		Port:               getEnvInt("PORT", 8080),
		Environment:        env,
		JWTSecret:          jwtSecret,
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		RedisURL:           getEnv("REDIS_URL", ""),
		RedisChannelPrefix: getEnv("REDIS_CHANNEL_PREFIX", "synckit"),
		CORSOrigins:        []string{"*"}, // TODO: Parse from env
		MetricsAddr:        getEnv("METRICS_ADDR", ":9090"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogJSON:            env == "production",

		SessionHeartbeatInterval: time.Duration(getEnvInt("SESSION_HEARTBEAT_SECONDS", 10)) * time.Second,
		SessionTimeoutFactor:     2.5,
		CompactionRetainDeltas:   getEnvInt("COMPACTION_RETAIN_DELTAS", 100),
		CompactionMaxRetries:     getEnvInt("COMPACTION_MAX_RETRIES", 5),
		CompactionBackoffBase:    time.Second,
		CompactionPageSize:       getEnvInt("COMPACTION_PAGE_SIZE", 500),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
