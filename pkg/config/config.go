// Package config loads engine configuration from environment variables.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/loopgate/core/pkg/budget"
)

// Config holds engine configuration.
type Config struct {
	Port     string
	LogLevel string

	// Evidence store backend: "memory", "sqlite", or "s3".
	EvidenceBackend string
	SQLitePath      string
	S3Bucket        string
	S3Region        string
	S3Endpoint      string

	// Event log backend: "memory" or "postgres".
	EventLogBackend string
	PostgresDSN     string

	// Counter backend: "memory" or "redis".
	CounterBackend string
	RedisAddr      string

	// Oracle execution.
	MaxConcurrentRuns int64
	SuiteDir          string
	TemplateDir       string
	GateDir           string

	// Wasm evaluator modules, one <hex-digest>.wasm per module. Empty
	// disables the WASI backend.
	WasmModuleDir   string
	WasmMemoryLimit int64

	// Directory the governor polls for candidate spool files, one
	// subdirectory per loop.
	CandidateDir string

	// Default loop budget.
	Budget budget.Budget

	// JWT signing key for the transition surface.
	TokenKey string

	// Governor polling.
	GovernorPollsPerSecond float64
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		Port:                   getenv("PORT", "8080"),
		LogLevel:               getenv("LOG_LEVEL", "INFO"),
		EvidenceBackend:        getenv("EVIDENCE_BACKEND", "memory"),
		SQLitePath:             getenv("EVIDENCE_SQLITE_PATH", "loopgate-evidence.db"),
		S3Bucket:               os.Getenv("EVIDENCE_S3_BUCKET"),
		S3Region:               getenv("EVIDENCE_S3_REGION", "us-east-1"),
		S3Endpoint:             os.Getenv("EVIDENCE_S3_ENDPOINT"),
		EventLogBackend:        getenv("EVENT_LOG_BACKEND", "memory"),
		PostgresDSN:            getenv("DATABASE_URL", "postgres://loopgate@localhost:5432/loopgate?sslmode=disable"),
		CounterBackend:         getenv("COUNTER_BACKEND", "memory"),
		RedisAddr:              getenv("REDIS_ADDR", "localhost:6379"),
		MaxConcurrentRuns:      getint64("MAX_CONCURRENT_RUNS", 4),
		SuiteDir:               getenv("SUITE_DIR", "suites"),
		TemplateDir:            getenv("TEMPLATE_DIR", "templates"),
		GateDir:                getenv("GATE_DIR", "gates"),
		WasmModuleDir:          os.Getenv("ORACLE_WASM_DIR"),
		WasmMemoryLimit:        getint64("ORACLE_WASM_MEMORY_LIMIT", 64<<20),
		CandidateDir:           getenv("CANDIDATE_DIR", "candidates"),
		TokenKey:               os.Getenv("TOKEN_KEY"),
		GovernorPollsPerSecond: getfloat("GOVERNOR_POLLS_PER_SECOND", 1),
	}

	cfg.Budget = budget.Budget{
		MaxIterations: int(getint64("BUDGET_MAX_ITERATIONS", 5)),
		MaxOracleRuns: int(getint64("BUDGET_MAX_ORACLE_RUNS", 25)),
		MaxWallclock:  getduration("BUDGET_MAX_WALLCLOCK", 16*time.Hour),
	}
	return cfg
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getint64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getfloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getduration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
