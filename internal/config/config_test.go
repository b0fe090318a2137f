package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/coderoom_test")
	t.Setenv("JWT_SECRET", "test-secret")

	cfg := Load()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "development", cfg.Environment)
	assert.False(t, cfg.IsProduction())
	assert.Equal(t, 5, cfg.WorkerConcurrency)
	assert.Equal(t, 2, cfg.MaxRetries)
	assert.False(t, cfg.ExecutionDisabled)
	assert.True(t, cfg.SecurityScan)
	assert.Equal(t, 24*time.Hour, cfg.JWTTTL)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/coderoom_test")
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("PORT", "9999")
	t.Setenv("WORKER_CONCURRENCY", "2")
	t.Setenv("EXECUTION_DISABLED", "true")
	t.Setenv("EXEC_RUN_TIMEOUT_MS", "3000")
	t.Setenv("BANNED_KEYWORDS", "foo, bar")

	cfg := Load()
	assert.Equal(t, "9999", cfg.Port)
	assert.Equal(t, 2, cfg.WorkerConcurrency)
	assert.True(t, cfg.ExecutionDisabled)
	assert.Equal(t, 3*time.Second, cfg.ExecTimeout)
	assert.Equal(t, []string{"foo", "bar"}, cfg.BannedKeywords)
}

func TestValidateRequiredFields(t *testing.T) {
	cfg := &Config{JWTSecret: "s", WorkerConcurrency: 1}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")

	cfg = &Config{DatabaseURL: "postgres://x", WorkerConcurrency: 1}
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")
}

func TestValidateProductionSecretLength(t *testing.T) {
	cfg := &Config{
		DatabaseURL:       "postgres://x",
		JWTSecret:         "short",
		Environment:       "production",
		WorkerConcurrency: 1,
	}
	err := cfg.Validate()
	require.Error(t, err)

	cfg.JWTSecret = strings.Repeat("a", 32)
	assert.NoError(t, cfg.Validate())
}

func TestValidateWorkerConcurrency(t *testing.T) {
	cfg := &Config{DatabaseURL: "postgres://x", JWTSecret: "s", WorkerConcurrency: 0}
	assert.Error(t, cfg.Validate())
}
