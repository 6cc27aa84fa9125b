// Package config provides configuration management for the chromeflow CLI
// and daemon. It loads configuration from environment variables with
// sensible defaults; nothing in the process mutates configuration after
// startup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// PoolConfig holds browser session pool configuration.
type PoolConfig struct {
	// MaxSessions bounds the number of concurrently acquired sessions.
	MaxSessions int

	// AcquireTimeout is how long Acquire blocks on an exhausted pool
	// before failing with PoolExhausted.
	AcquireTimeout time.Duration

	// DebugHost is the host Chrome debug endpoints are probed on.
	DebugHost string

	// PortRangeStart and PortRangeEnd bound the CDP debug-port scan
	// used by the attach-first policy.
	PortRangeStart int
	PortRangeEnd   int

	// Headless controls whether launched instances run headless.
	Headless bool

	// UserDataDir is the profile directory for launched instances.
	UserDataDir string
}

// VerifyConfig holds visual verifier configuration.
type VerifyConfig struct {
	// MatchThreshold is the minimum template-match confidence that
	// counts as matched.
	MatchThreshold float64

	// TemplateDir is where image templates referenced by match specs
	// are resolved from.
	TemplateDir string

	// OCRBinary is the external text-recognition backend.
	OCRBinary string
}

// ServerConfig holds daemon configuration.
type ServerConfig struct {
	// Addr is the HTTP listen address for the trigger surface.
	Addr string
}

// Config holds all configuration for chromeflow.
type Config struct {
	// StateDir holds the checkpoint database and run reports.
	StateDir string

	// ScriptDir holds automation YAML files.
	ScriptDir string

	// ScreenshotDir is where screenshot steps write captures.
	ScreenshotDir string

	// PollInterval is the pre/postcondition polling interval.
	PollInterval time.Duration

	// RetryBudget is the default per-step retry budget.
	RetryBudget int

	// StepTimeout is the default per-step timeout.
	StepTimeout time.Duration

	Pool   PoolConfig
	Verify VerifyConfig
	Server ServerConfig
}

// New creates a Config from environment variables, applying defaults for
// anything unset and validating everything that is.
func New() (*Config, error) {
	cfg := &Config{}

	stateDir, err := dirFromEnv("CHROMEFLOW_STATE_DIR", ".chromeflow")
	if err != nil {
		return nil, err
	}
	cfg.StateDir = stateDir

	scriptDir, err := dirFromEnv("CHROMEFLOW_SCRIPT_DIR", "automations")
	if err != nil {
		return nil, err
	}
	cfg.ScriptDir = scriptDir

	cfg.ScreenshotDir = envOrDefault("CHROMEFLOW_SCREENSHOT_DIR", filepath.Join(cfg.StateDir, "screenshots"))

	cfg.PollInterval, err = durationFromEnv("CHROMEFLOW_POLL_INTERVAL_MS", 500*time.Millisecond)
	if err != nil {
		return nil, err
	}

	cfg.RetryBudget, err = intFromEnv("CHROMEFLOW_RETRY_BUDGET", 3)
	if err != nil {
		return nil, err
	}
	if cfg.RetryBudget < 0 {
		return nil, fmt.Errorf("CHROMEFLOW_RETRY_BUDGET must be >= 0, got: %d", cfg.RetryBudget)
	}

	cfg.StepTimeout, err = durationFromEnv("CHROMEFLOW_STEP_TIMEOUT_MS", 30*time.Second)
	if err != nil {
		return nil, err
	}

	if err := loadPoolConfig(&cfg.Pool, cfg.StateDir); err != nil {
		return nil, err
	}
	if err := loadVerifyConfig(&cfg.Verify); err != nil {
		return nil, err
	}
	cfg.Server.Addr = envOrDefault("CHROMEFLOW_SERVER_ADDR", "127.0.0.1:8620")

	return cfg, nil
}

func loadPoolConfig(pool *PoolConfig, stateDir string) error {
	var err error

	pool.MaxSessions, err = intFromEnv("CHROMEFLOW_MAX_SESSIONS", 2)
	if err != nil {
		return err
	}
	if pool.MaxSessions < 1 {
		return fmt.Errorf("CHROMEFLOW_MAX_SESSIONS must be >= 1, got: %d", pool.MaxSessions)
	}

	pool.AcquireTimeout, err = durationFromEnv("CHROMEFLOW_ACQUIRE_TIMEOUT_MS", 30*time.Second)
	if err != nil {
		return err
	}

	pool.DebugHost = envOrDefault("CHROMEFLOW_DEBUG_HOST", "127.0.0.1")

	pool.PortRangeStart, err = intFromEnv("CHROMEFLOW_PORT_RANGE_START", 9222)
	if err != nil {
		return err
	}
	pool.PortRangeEnd, err = intFromEnv("CHROMEFLOW_PORT_RANGE_END", 9232)
	if err != nil {
		return err
	}
	if pool.PortRangeEnd < pool.PortRangeStart {
		return fmt.Errorf("CHROMEFLOW_PORT_RANGE_END must be >= CHROMEFLOW_PORT_RANGE_START, got: %d < %d",
			pool.PortRangeEnd, pool.PortRangeStart)
	}

	pool.Headless = os.Getenv("CHROMEFLOW_HEADLESS") == "true"
	pool.UserDataDir = envOrDefault("CHROMEFLOW_USER_DATA_DIR", filepath.Join(stateDir, "chrome-profile"))

	return nil
}

func loadVerifyConfig(verify *VerifyConfig) error {
	thresholdStr := os.Getenv("CHROMEFLOW_MATCH_THRESHOLD")
	if thresholdStr == "" {
		verify.MatchThreshold = 0.85
	} else {
		threshold, err := strconv.ParseFloat(thresholdStr, 64)
		if err != nil {
			return fmt.Errorf("CHROMEFLOW_MATCH_THRESHOLD must be a number, got: %s", thresholdStr)
		}
		if threshold <= 0 || threshold > 1 {
			return fmt.Errorf("CHROMEFLOW_MATCH_THRESHOLD must be in (0, 1], got: %s", thresholdStr)
		}
		verify.MatchThreshold = threshold
	}

	verify.TemplateDir = envOrDefault("CHROMEFLOW_TEMPLATE_DIR", "templates")
	verify.OCRBinary = envOrDefault("CHROMEFLOW_OCR_BINARY", "tesseract")
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func dirFromEnv(key, fallback string) (string, error) {
	v, exists := os.LookupEnv(key)
	if !exists {
		return fallback, nil
	}
	if v == "" {
		return "", fmt.Errorf("%s cannot be empty", key)
	}
	return v, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got: %s", key, v)
	}
	return n, nil
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer of milliseconds, got: %s", key, v)
	}
	return time.Duration(ms) * time.Millisecond, nil
}
