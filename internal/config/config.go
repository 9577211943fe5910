// Package config loads runflow configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends accepted by RUNFLOW_STORE.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
	StoreMongo    = "mongo"
)

var riskTiers = map[string]bool{"": true, "low": true, "medium": true, "high": true, "destructive": true}

// Config holds all runtime configuration.
type Config struct {
	// Persistence.
	Store        string
	DSN          string // path for sqlite, URL for postgres/redis/mongo
	StoreMaxWait time.Duration

	// Flow documents live under <ProductsDir>/<product>/flows/.
	ProductsDir string

	// Capability execution and retries.
	CapabilityTimeout   time.Duration
	RetryMaxAttempts    int
	RetryInitialBackoff time.Duration
	RetryMaxBackoff     time.Duration
	TransientCodes      []string

	// Governance.
	BlockedCapabilities []string
	AllowedCapabilities []string
	MaxRisk             string
	AllowFullAutonomy   bool
	MaxPayloadBytes     int
	MaxSteps            int
	MaxToolCalls        int
	RedactPatterns      []string

	// RecoverAfter is how long a PENDING or RUNNING run must go without
	// an update before recovery treats it as abandoned.
	RecoverAfter time.Duration

	// Logging.
	LogLevel  string
	LogFormat string // "text" or "json"

	// OTEL settings; an empty endpoint disables export.
	OTELEndpoint string
	ServiceName  string

	// Workers is the size of the async worker pool.
	Workers int
}

// Default returns the configuration used when no variable is set.
func Default() Config {
	return Config{
		Store:             StoreSQLite,
		DSN:               "runflow.db",
		StoreMaxWait:      5 * time.Second,
		ProductsDir:       "products",
		CapabilityTimeout: 30 * time.Second,
		RetryMaxAttempts:  1,
		RetryMaxBackoff:   30 * time.Second,
		MaxPayloadBytes:   64 * 1024,
		RecoverAfter:      15 * time.Minute,
		LogLevel:          "info",
		LogFormat:         "text",
		ServiceName:       "runflow",
		Workers:           4,
	}
}

// Load reads a .env file from the working directory when present, then
// the environment, and validates the result.
func Load() (Config, error) {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv reads configuration from the environment only.
func FromEnv() (Config, error) {
	d := Default()
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	var cfg Config
	var err error
	cfg.Store = strings.ToLower(envStr("RUNFLOW_STORE", d.Store))
	cfg.DSN = envStr("RUNFLOW_DSN", d.DSN)
	cfg.StoreMaxWait, err = envDuration("RUNFLOW_STORE_MAX_WAIT", d.StoreMaxWait)
	collect(err)
	cfg.ProductsDir = envStr("RUNFLOW_PRODUCTS_DIR", d.ProductsDir)
	cfg.CapabilityTimeout, err = envDuration("RUNFLOW_CAPABILITY_TIMEOUT", d.CapabilityTimeout)
	collect(err)
	cfg.RetryMaxAttempts, err = envInt("RUNFLOW_RETRY_MAX_ATTEMPTS", d.RetryMaxAttempts)
	collect(err)
	cfg.RetryInitialBackoff, err = envDuration("RUNFLOW_RETRY_INITIAL_BACKOFF", d.RetryInitialBackoff)
	collect(err)
	cfg.RetryMaxBackoff, err = envDuration("RUNFLOW_RETRY_MAX_BACKOFF", d.RetryMaxBackoff)
	collect(err)
	cfg.TransientCodes = envList("RUNFLOW_TRANSIENT_CODES")
	cfg.BlockedCapabilities = envList("RUNFLOW_BLOCKED_CAPABILITIES")
	cfg.AllowedCapabilities = envList("RUNFLOW_ALLOWED_CAPABILITIES")
	cfg.MaxRisk = strings.ToLower(envStr("RUNFLOW_MAX_RISK", d.MaxRisk))
	cfg.AllowFullAutonomy, err = envBool("RUNFLOW_ALLOW_FULL_AUTONOMY", d.AllowFullAutonomy)
	collect(err)
	cfg.MaxPayloadBytes, err = envInt("RUNFLOW_MAX_PAYLOAD_BYTES", d.MaxPayloadBytes)
	collect(err)
	cfg.MaxSteps, err = envInt("RUNFLOW_MAX_STEPS", d.MaxSteps)
	collect(err)
	cfg.MaxToolCalls, err = envInt("RUNFLOW_MAX_TOOL_CALLS", d.MaxToolCalls)
	collect(err)
	cfg.RedactPatterns = envList("RUNFLOW_REDACT_PATTERNS")
	cfg.RecoverAfter, err = envDuration("RUNFLOW_RECOVER_AFTER", d.RecoverAfter)
	collect(err)
	cfg.LogLevel = strings.ToLower(envStr("RUNFLOW_LOG_LEVEL", d.LogLevel))
	cfg.LogFormat = strings.ToLower(envStr("RUNFLOW_LOG_FORMAT", d.LogFormat))
	cfg.OTELEndpoint = envStr("OTEL_EXPORTER_OTLP_ENDPOINT", d.OTELEndpoint)
	cfg.ServiceName = envStr("OTEL_SERVICE_NAME", d.ServiceName)
	cfg.Workers, err = envInt("RUNFLOW_WORKERS", d.Workers)
	collect(err)

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	switch c.Store {
	case StoreMemory, StoreSQLite, StorePostgres, StoreRedis, StoreMongo:
	default:
		return fmt.Errorf("config: RUNFLOW_STORE %q is not one of memory, sqlite, postgres, redis, mongo", c.Store)
	}
	if c.Store != StoreMemory && c.DSN == "" {
		return fmt.Errorf("config: RUNFLOW_DSN is required for the %s store", c.Store)
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("config: RUNFLOW_RETRY_MAX_ATTEMPTS must be at least 1")
	}
	if c.RetryInitialBackoff < 0 || c.RetryMaxBackoff < 0 {
		return fmt.Errorf("config: retry backoff must not be negative")
	}
	if c.CapabilityTimeout < 0 {
		return fmt.Errorf("config: RUNFLOW_CAPABILITY_TIMEOUT must not be negative")
	}
	if c.MaxPayloadBytes < 0 {
		return fmt.Errorf("config: RUNFLOW_MAX_PAYLOAD_BYTES must not be negative")
	}
	if c.MaxSteps < 0 || c.MaxToolCalls < 0 {
		return fmt.Errorf("config: RUNFLOW_MAX_STEPS and RUNFLOW_MAX_TOOL_CALLS must not be negative")
	}
	if c.RecoverAfter < 0 {
		return fmt.Errorf("config: RUNFLOW_RECOVER_AFTER must not be negative")
	}
	if !riskTiers[c.MaxRisk] {
		return fmt.Errorf("config: RUNFLOW_MAX_RISK %q is not a risk tier", c.MaxRisk)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: RUNFLOW_LOG_LEVEL %q is not one of debug, info, warn, error", c.LogLevel)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("config: RUNFLOW_LOG_FORMAT must be text or json")
	}
	if c.Workers < 1 {
		return fmt.Errorf("config: RUNFLOW_WORKERS must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}

// envList splits a comma separated variable, dropping empty items.
func envList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
