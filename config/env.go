// Package config loads process configuration from the environment, with
// optional .env files for local development.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// LoadEnv loads environment variables from .env files, later files winning.
func LoadEnv(logger *logrus.Logger) {
	files := []string{".env", ".env.local"}
	loaded := make([]string, 0, len(files))
	for _, file := range files {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Overload(file); err != nil {
			if logger != nil {
				logger.WithError(err).Warnf("Failed to load %s", file)
			}
			continue
		}
		loaded = append(loaded, file)
	}
	if logger == nil {
		return
	}
	if len(loaded) == 0 {
		logger.Debug("No local env files loaded; relying on process environment")
	} else {
		logger.Debugf("Loaded env files: %s", strings.Join(loaded, ", "))
	}
}

// GetEnv gets an environment variable with a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvInt gets an integer environment variable with a default value
func GetEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func GetEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// GetEnvBool gets a boolean environment variable with a default value
func GetEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// GetEnvDuration parses Go duration syntax ("30s", "5m").
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// GetEnvList splits a comma separated variable, dropping empty items.
func GetEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// GetLogLevel gets the log level from environment
func GetLogLevel() logrus.Level {
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		return logrus.DebugLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// =============================================================================
// SERVER CONFIG
// =============================================================================

// Config is everything cmd/server reads from the environment.
type Config struct {
	Port                  string
	DBPath                string
	JWTSecret             string
	AMQPURL               string
	EventsQueue           string
	HighQuantityThreshold int64
	ConflictMaxRetries    int
	TenantCacheSize       int
	TenantCacheTTL        time.Duration
	ReconcileInterval     time.Duration
	CORSOrigins           []string
}

// Load reads Config with defaults suitable for local development.
func Load() Config {
	return Config{
		Port:                  GetEnv("PORT", "8080"),
		DBPath:                GetEnv("DB_PATH", "ledger.db"),
		JWTSecret:             GetEnv("JWT_SECRET", ""),
		AMQPURL:               GetEnv("AMQP_URL", ""),
		EventsQueue:           GetEnv("EVENTS_QUEUE", "credit.ledger.events"),
		HighQuantityThreshold: GetEnvInt64("HIGH_QUANTITY_THRESHOLD", 100),
		ConflictMaxRetries:    GetEnvInt("CONFLICT_MAX_RETRIES", 5),
		TenantCacheSize:       GetEnvInt("TENANT_CACHE_SIZE", 1024),
		TenantCacheTTL:        GetEnvDuration("TENANT_CACHE_TTL", 30*time.Second),
		ReconcileInterval:     GetEnvDuration("RECONCILE_INTERVAL", time.Hour),
		CORSOrigins:           GetEnvList("CORS_ORIGINS", []string{"*"}),
	}
}
