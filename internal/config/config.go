// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"net/url"
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

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Remote chain API
	ChainAPIURL        string
	ChainAPIKey        string
	ChainAdminEmail    string
	ChainAdminPassword string
	ChainExecutePath   string // may contain {address}
	ChainTimeout       time.Duration
	ChainNetwork       string
	SettlementContract string

	// Settlement queue
	MaxRetry         int
	RetryDelay       time.Duration
	WorkerInterval   time.Duration
	WorkerBatchSize  int
	AllowedCallers   []string // lower-cased; empty = unrestricted
	FeePercent       float64
	FeeMin           int64
	StaleJobWindow   time.Duration
	ReconcileEnabled bool

	// HTTP edge
	CORSOrigins        []string
	RateLimitPerMinute int
	RateLimitBurst     int

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "json"
	DefaultChainAPIURL        = "http://localhost:3001/api"
	DefaultChainExecutePath   = "/contracts/{address}/execute"
	DefaultChainTimeoutMs     = 10000
	DefaultChainNetwork       = "HScoin Devnet"
	DefaultSettlementContract = "0x0137ac70725cfa67af4f5180c41e0c60f36e9118"
	DefaultMaxRetry           = 5
	DefaultRetryDelayMs       = 60000
	DefaultWorkerIntervalMs   = 60000
	DefaultWorkerBatchSize    = 5
	DefaultFeePercent         = 0.01
	DefaultFeeMin             = 1000
	DefaultStaleJobWindowMs   = 10 * 60 * 1000
	DefaultRateLimitPerMinute = 60
	DefaultRateLimitBurst     = 10

	// MinDelayMs is the floor for both the retry base delay and the worker interval.
	MinDelayMs = 5000
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		ChainAPIURL:        strings.TrimRight(getEnv("CHAIN_API_URL", DefaultChainAPIURL), "/"),
		ChainAPIKey:        os.Getenv("CHAIN_API_KEY"),
		ChainAdminEmail:    os.Getenv("CHAIN_ADMIN_EMAIL"),
		ChainAdminPassword: os.Getenv("CHAIN_ADMIN_PASSWORD"),
		ChainExecutePath:   getEnv("CHAIN_EXECUTE_PATH", DefaultChainExecutePath),
		ChainTimeout:       time.Duration(getEnvInt64("CHAIN_TIMEOUT_MS", DefaultChainTimeoutMs)) * time.Millisecond,
		ChainNetwork:       getEnv("CHAIN_NETWORK", DefaultChainNetwork),
		SettlementContract: strings.ToLower(getEnv("SETTLEMENT_CONTRACT", DefaultSettlementContract)),
		MaxRetry:           int(getEnvInt64("MAX_RETRY", DefaultMaxRetry)),
		RetryDelay:         floorMs(getEnvInt64("RETRY_DELAY_MS", DefaultRetryDelayMs)),
		WorkerInterval:     floorMs(getEnvInt64("WORKER_INTERVAL_MS", DefaultWorkerIntervalMs)),
		WorkerBatchSize:    int(getEnvInt64("WORKER_BATCH_SIZE", DefaultWorkerBatchSize)),
		AllowedCallers:     splitList(os.Getenv("ALLOWED_CALLERS")),
		FeePercent:         getEnvFloat("FEE_PERCENT", DefaultFeePercent),
		FeeMin:             getEnvInt64("FEE_MIN", DefaultFeeMin),
		StaleJobWindow:     time.Duration(getEnvInt64("STALE_JOB_WINDOW_MS", DefaultStaleJobWindowMs)) * time.Millisecond,
		ReconcileEnabled:   getEnv("RECONCILE_ENABLED", "true") == "true",
		CORSOrigins:        splitRaw(os.Getenv("CORS_ORIGINS")),
		RateLimitPerMinute: int(getEnvInt64("RATE_LIMIT_PER_MINUTE", DefaultRateLimitPerMinute)),
		RateLimitBurst:     int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.ChainAPIURL == "" {
		return fmt.Errorf("CHAIN_API_URL is required")
	}
	if u, err := url.Parse(c.ChainAPIURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("CHAIN_API_URL must be an absolute URL")
	}
	if !isHexAddress(c.SettlementContract) {
		return fmt.Errorf("SETTLEMENT_CONTRACT must be a 0x-prefixed 40 hex character address")
	}
	// the inline attempt spends one retry, so a transient failure needs a
	// second one to stay QUEUED
	if c.MaxRetry < 2 {
		return fmt.Errorf("MAX_RETRY must be at least 2")
	}
	if c.WorkerBatchSize < 1 {
		return fmt.Errorf("WORKER_BATCH_SIZE must be at least 1")
	}
	if c.FeePercent < 0 || c.FeePercent >= 1 {
		return fmt.Errorf("FEE_PERCENT must be in [0, 1)")
	}
	if c.FeeMin < 0 {
		return fmt.Errorf("FEE_MIN must not be negative")
	}
	for _, addr := range c.AllowedCallers {
		if !isHexAddress(addr) {
			return fmt.Errorf("ALLOWED_CALLERS contains an invalid address: %s", addr)
		}
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func floorMs(ms int64) time.Duration {
	if ms < MinDelayMs {
		ms = MinDelayMs
	}
	return time.Duration(ms) * time.Millisecond
}

func splitList(raw string) []string {
	out := splitRaw(raw)
	for i := range out {
		out[i] = strings.ToLower(out[i])
	}
	return out
}

func splitRaw(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func isHexAddress(s string) bool {
	if len(s) != 42 || !strings.HasPrefix(s, "0x") {
		return false
	}
	for _, c := range s[2:] {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}
