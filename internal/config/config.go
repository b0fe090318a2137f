// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config carries every tunable the server reads at startup. Values come from
// the environment, optionally seeded from a .env file in development.
type Config struct {
	Port        string
	Environment string

	DatabaseURL string
	RedisURL    string

	JWTSecret string
	JWTTTL    time.Duration

	DockerHost string
	SandboxDir string

	WorkerConcurrency int
	MaxRetries        int
	ExecutionDisabled bool

	SecurityScan   bool
	BannedKeywords []string

	// Per-run overrides; zero means use the per-language defaults.
	ExecTimeout    time.Duration
	ExecMemoryMB   int64
	CompileTimeout time.Duration
}

// Load reads the environment into a Config. It is not fatal on missing
// optional values; Validate decides what the process cannot run without.
func Load() *Config {
	// Seed from .env when present; real env always wins.
	_ = godotenv.Load()

	return &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENVIRONMENT", "development"),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379/0"),

		JWTSecret: os.Getenv("JWT_SECRET"),
		JWTTTL:    getDurationMs("JWT_TTL_MS", 24*time.Hour),

		DockerHost: os.Getenv("DOCKER_HOST"),
		SandboxDir: getEnv("SANDBOX_DIR", os.TempDir()),

		WorkerConcurrency: getInt("WORKER_CONCURRENCY", 5),
		MaxRetries:        getInt("EXEC_MAX_RETRIES", 2),
		ExecutionDisabled: getBool("EXECUTION_DISABLED", false),

		SecurityScan:   getBool("SECURITY_SCAN", true),
		BannedKeywords: getList("BANNED_KEYWORDS"),

		ExecTimeout:    getDurationMs("EXEC_RUN_TIMEOUT_MS", 0),
		ExecMemoryMB:   int64(getInt("EXEC_RUN_MEMORY_MB", 0)),
		CompileTimeout: getDurationMs("EXEC_COMPILE_TIMEOUT_MS", 0),
	}
}

// Validate reports the first configuration problem that makes the server
// unable to start. The caller exits with status 2 on error.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.IsProduction() && len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 bytes in production")
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be >= 1, got %d", c.WorkerConcurrency)
	}
	return nil
}

// IsProduction reports whether the process runs with production settings.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getDurationMs(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms < 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

func getList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
