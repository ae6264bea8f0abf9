package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Store backends
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Config holds all configuration for the gateway
type Config struct {
	// Server
	Port     string
	Env      string
	LogLevel string

	// Persistence
	StoreBackend string
	DatabaseURL  string

	// Redis
	RedisURL string

	// Credential encryption
	SecretPassphrase string

	// Provider catalog override (empty = embedded default)
	CatalogPath string

	// Rate Limiting (per caller, at the HTTP edge)
	DefaultRateLimit int

	// Caching
	CacheTTLSeconds      int
	CacheLocalTTLSeconds int
	CacheEnabled         bool

	// Dispatch
	RequestTimeout time.Duration
	MaxCandidates  int

	// Circuit breaker
	CircuitFailureThreshold int
	CircuitFailureWindow    time.Duration
	CircuitRecovery         time.Duration

	// Maintenance scheduler
	MaintenanceEnabled bool

	// Provider endpoints
	OpenAIBaseURL    string
	AnthropicBaseURL string
	GeminiBaseURL    string
	AWSRegion        string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                    getEnv("PORT", "8080"),
		Env:                     getEnv("ENV", "development"),
		LogLevel:                getEnv("LOG_LEVEL", "info"),
		StoreBackend:            getEnv("STORE_BACKEND", StorePostgres),
		DatabaseURL:             getEnv("DATABASE_URL", ""),
		RedisURL:                getEnv("REDIS_URL", "redis://localhost:6379"),
		SecretPassphrase:        getEnv("SECRET_PASSPHRASE", ""),
		CatalogPath:             getEnv("CATALOG_PATH", ""),
		DefaultRateLimit:        getEnvInt("DEFAULT_RATE_LIMIT", 100),
		CacheTTLSeconds:         getEnvInt("CACHE_TTL_SECONDS", 3600),
		CacheLocalTTLSeconds:    getEnvInt("CACHE_LOCAL_TTL_SECONDS", 60),
		CacheEnabled:            getEnvBool("CACHE_ENABLED", true),
		RequestTimeout:          getEnvSeconds("REQUEST_TIMEOUT_SECONDS", 60),
		MaxCandidates:           getEnvInt("MAX_CANDIDATES", 5),
		CircuitFailureThreshold: getEnvInt("CIRCUIT_FAILURE_THRESHOLD", 5),
		CircuitFailureWindow:    getEnvSeconds("CIRCUIT_FAILURE_WINDOW_SECONDS", 60),
		CircuitRecovery:         getEnvSeconds("CIRCUIT_RECOVERY_SECONDS", 30),
		MaintenanceEnabled:      getEnvBool("MAINTENANCE_ENABLED", true),
		OpenAIBaseURL:           getEnv("OPENAI_BASE_URL", ""),
		AnthropicBaseURL:        getEnv("ANTHROPIC_BASE_URL", ""),
		GeminiBaseURL:           getEnv("GEMINI_BASE_URL", ""),
		AWSRegion:               getEnv("AWS_REGION", "us-east-1"),
	}

	// Validate required fields
	switch cfg.StoreBackend {
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required when STORE_BACKEND=%s", StorePostgres)
		}
	case StoreMemory:
	default:
		return nil, fmt.Errorf("unknown STORE_BACKEND %q (want %s or %s)", cfg.StoreBackend, StorePostgres, StoreMemory)
	}

	if cfg.SecretPassphrase == "" {
		return nil, fmt.Errorf("SECRET_PASSPHRASE is required")
	}

	if cfg.MaxCandidates < 1 {
		return nil, fmt.Errorf("MAX_CANDIDATES must be at least 1")
	}

	return cfg, nil
}

// IsProduction reports whether ENV selects production logging
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvInt(key, defaultSeconds)) * time.Second
}
