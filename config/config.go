package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Storage
	StoreBackend string // "memory", "redis" or "postgres"; default: memory
	PostgresDSN  string
	RedisAddr    string

	// Policy file; empty uses the embedded default policy
	PolicyFile string

	// Routing
	BackendTimeout              time.Duration // default: 30s
	ReliabilityFailureThreshold uint32        // default: 5
	ReliabilityCooldownMinutes  int           // default: 5

	// Providers, used when a backend in the policy carries no api_key
	OpenAIAPIKey    string
	GeminiAPIKey    string
	AnthropicAPIKey string

	// Observability
	LogLevel             string // default: info
	LogFormat            string // "json" or "console"
	OTELExporterType     string // "stdout", "otlp" or "none"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Rate Limiting
	DefaultRateLimitTPM int64 // tokens per minute, default: 100000, 0 disables

	// Audit
	AuditQueueSize int // default: 1024

	RunSeed bool

	// SeedTestScope also seeds the fixed development scope. Never set in
	// production.
	SeedTestScope bool
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		StoreBackend:         getEnv("STORE_BACKEND", StoreMemory),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		PolicyFile:           os.Getenv("POLICY_FILE"),
		OpenAIAPIKey:         os.Getenv("OPENAI_API_KEY"),
		GeminiAPIKey:         os.Getenv("GEMINI_API_KEY"),
		AnthropicAPIKey:      os.Getenv("ANTHROPIC_API_KEY"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogFormat:            getEnv("LOG_FORMAT", "json"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
		RunSeed:              os.Getenv("RUN_SEED") == "true",
		SeedTestScope:        os.Getenv("SEED_TEST_SCOPE") == "true",
	}

	timeout, err := time.ParseDuration(getEnv("BACKEND_TIMEOUT", "30s"))
	if err != nil {
		return nil, fmt.Errorf("invalid BACKEND_TIMEOUT: %w", err)
	}
	cfg.BackendTimeout = timeout

	threshold, err := strconv.ParseUint(getEnv("RELIABILITY_FAILURE_THRESHOLD", "5"), 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid RELIABILITY_FAILURE_THRESHOLD: %w", err)
	}
	cfg.ReliabilityFailureThreshold = uint32(threshold)

	cooldown, err := strconv.Atoi(getEnv("RELIABILITY_COOLDOWN_MINUTES", "5"))
	if err != nil {
		return nil, fmt.Errorf("invalid RELIABILITY_COOLDOWN_MINUTES: %w", err)
	}
	cfg.ReliabilityCooldownMinutes = cooldown

	// Rate Limiting Default
	tpm, err := strconv.ParseInt(getEnv("DEFAULT_RATE_LIMIT_TPM", "100000"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_RATE_LIMIT_TPM: %w", err)
	}
	cfg.DefaultRateLimitTPM = tpm

	queueSize, err := strconv.Atoi(getEnv("AUDIT_QUEUE_SIZE", "1024"))
	if err != nil {
		return nil, fmt.Errorf("invalid AUDIT_QUEUE_SIZE: %w", err)
	}
	cfg.AuditQueueSize = queueSize

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.StoreBackend {
	case StoreMemory:
	case StoreRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required when STORE_BACKEND=redis")
		}
	case StorePostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required when STORE_BACKEND=postgres")
		}
	default:
		return fmt.Errorf("invalid STORE_BACKEND %q", c.StoreBackend)
	}
	if c.BackendTimeout <= 0 {
		return fmt.Errorf("BACKEND_TIMEOUT must be positive")
	}
	if c.ReliabilityFailureThreshold == 0 {
		return fmt.Errorf("RELIABILITY_FAILURE_THRESHOLD must be >= 1")
	}
	if c.ReliabilityCooldownMinutes < 1 {
		return fmt.Errorf("RELIABILITY_COOLDOWN_MINUTES must be >= 1")
	}
	if c.DefaultRateLimitTPM < 0 {
		return fmt.Errorf("DEFAULT_RATE_LIMIT_TPM must be >= 0")
	}
	if c.AuditQueueSize <= 0 {
		return fmt.Errorf("AUDIT_QUEUE_SIZE must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
