package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func validConfig() Config {
	return Config{
		ChainAPIURL:        "http://chain.local/api",
		SettlementContract: DefaultSettlementContract,
		MaxRetry:           5,
		WorkerBatchSize:    5,
		FeePercent:         0.01,
		FeeMin:             1000,
	}
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "CHAIN_API_URL", "")
	setEnv(t, "MAX_RETRY", "")
	setEnv(t, "ALLOWED_CALLERS", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultChainAPIURL, cfg.ChainAPIURL)
	assert.Equal(t, DefaultChainExecutePath, cfg.ChainExecutePath)
	assert.Equal(t, DefaultMaxRetry, cfg.MaxRetry)
	assert.Equal(t, time.Minute, cfg.RetryDelay)
	assert.Equal(t, time.Minute, cfg.WorkerInterval)
	assert.Equal(t, DefaultWorkerBatchSize, cfg.WorkerBatchSize)
	assert.Equal(t, DefaultFeePercent, cfg.FeePercent)
	assert.Equal(t, int64(DefaultFeeMin), cfg.FeeMin)
	assert.Empty(t, cfg.AllowedCallers)
}

func TestLoad_DelayFloor(t *testing.T) {
	setEnv(t, "RETRY_DELAY_MS", "100")
	setEnv(t, "WORKER_INTERVAL_MS", "1")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.RetryDelay)
	assert.Equal(t, 5*time.Second, cfg.WorkerInterval)
}

func TestLoad_AllowedCallers(t *testing.T) {
	setEnv(t, "ALLOWED_CALLERS", " 0xAbCdEf0123456789ABCDEF0123456789abcdef01, ,0x0000000000000000000000000000000000000001")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{
		"0xabcdef0123456789abcdef0123456789abcdef01",
		"0x0000000000000000000000000000000000000001",
	}, cfg.AllowedCallers)
}

func TestLoad_CORSOriginsKeepCase(t *testing.T) {
	setEnv(t, "CORS_ORIGINS", "https://Shop.example.com, http://localhost:5173")
	setEnv(t, "RATE_LIMIT_BURST", "3")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"https://Shop.example.com", "http://localhost:5173"}, cfg.CORSOrigins)
	assert.Equal(t, 3, cfg.RateLimitBurst)
	assert.Equal(t, DefaultRateLimitPerMinute, cfg.RateLimitPerMinute)
}

func TestLoad_TrailingSlashTrimmed(t *testing.T) {
	setEnv(t, "CHAIN_API_URL", "https://chain.example.com/api/")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://chain.example.com/api", cfg.ChainAPIURL)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid config", func(*Config) {}, ""},
		{"missing chain url", func(c *Config) { c.ChainAPIURL = "" }, "CHAIN_API_URL is required"},
		{"relative chain url", func(c *Config) { c.ChainAPIURL = "chain/api" }, "absolute URL"},
		{"bad contract", func(c *Config) { c.SettlementContract = "0x1234" }, "SETTLEMENT_CONTRACT"},
		{"zero retries", func(c *Config) { c.MaxRetry = 0 }, "MAX_RETRY"},
		{"inline attempt only", func(c *Config) { c.MaxRetry = 1 }, "MAX_RETRY must be at least 2"},
		{"one queued retry", func(c *Config) { c.MaxRetry = 2 }, ""},
		{"zero batch", func(c *Config) { c.WorkerBatchSize = 0 }, "WORKER_BATCH_SIZE"},
		{"fee percent too high", func(c *Config) { c.FeePercent = 1.5 }, "FEE_PERCENT"},
		{"negative fee min", func(c *Config) { c.FeeMin = -1 }, "FEE_MIN"},
		{"bad caller", func(c *Config) { c.AllowedCallers = []string{"nope"} }, "ALLOWED_CALLERS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}

func TestGetEnvFloat(t *testing.T) {
	setEnv(t, "TEST_FLOAT", "0.025")

	assert.Equal(t, 0.025, getEnvFloat("TEST_FLOAT", 0))
	assert.Equal(t, 0.5, getEnvFloat("NONEXISTENT_VAR", 0.5))
}
