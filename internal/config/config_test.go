package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"CHROMEFLOW_STATE_DIR",
		"CHROMEFLOW_SCRIPT_DIR",
		"CHROMEFLOW_SCREENSHOT_DIR",
		"CHROMEFLOW_POLL_INTERVAL_MS",
		"CHROMEFLOW_RETRY_BUDGET",
		"CHROMEFLOW_STEP_TIMEOUT_MS",
		"CHROMEFLOW_MAX_SESSIONS",
		"CHROMEFLOW_ACQUIRE_TIMEOUT_MS",
		"CHROMEFLOW_DEBUG_HOST",
		"CHROMEFLOW_PORT_RANGE_START",
		"CHROMEFLOW_PORT_RANGE_END",
		"CHROMEFLOW_HEADLESS",
		"CHROMEFLOW_USER_DATA_DIR",
		"CHROMEFLOW_MATCH_THRESHOLD",
		"CHROMEFLOW_TEMPLATE_DIR",
		"CHROMEFLOW_OCR_BINARY",
		"CHROMEFLOW_SERVER_ADDR",
	} {
		// t.Setenv registers the restore; the variable itself must be
		// absent, not empty, to exercise the defaults.
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestNewDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := New()
	require.NoError(t, err)

	assert.Equal(t, ".chromeflow", cfg.StateDir)
	assert.Equal(t, "automations", cfg.ScriptDir)
	assert.Equal(t, 500*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 3, cfg.RetryBudget)
	assert.Equal(t, 30*time.Second, cfg.StepTimeout)

	assert.Equal(t, 2, cfg.Pool.MaxSessions)
	assert.Equal(t, "127.0.0.1", cfg.Pool.DebugHost)
	assert.Equal(t, 9222, cfg.Pool.PortRangeStart)
	assert.Equal(t, 9232, cfg.Pool.PortRangeEnd)
	assert.False(t, cfg.Pool.Headless)

	assert.Equal(t, 0.85, cfg.Verify.MatchThreshold)
	assert.Equal(t, "tesseract", cfg.Verify.OCRBinary)
	assert.Equal(t, "127.0.0.1:8620", cfg.Server.Addr)
}

func TestNewFromEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("CHROMEFLOW_STATE_DIR", "/var/lib/chromeflow")
	t.Setenv("CHROMEFLOW_RETRY_BUDGET", "5")
	t.Setenv("CHROMEFLOW_POLL_INTERVAL_MS", "250")
	t.Setenv("CHROMEFLOW_MAX_SESSIONS", "4")
	t.Setenv("CHROMEFLOW_MATCH_THRESHOLD", "0.9")
	t.Setenv("CHROMEFLOW_HEADLESS", "true")

	cfg, err := New()
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/chromeflow", cfg.StateDir)
	assert.Equal(t, 5, cfg.RetryBudget)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 4, cfg.Pool.MaxSessions)
	assert.Equal(t, 0.9, cfg.Verify.MatchThreshold)
	assert.True(t, cfg.Pool.Headless)
}

func TestNewRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"negative retry budget", "CHROMEFLOW_RETRY_BUDGET", "-1"},
		{"non-numeric retry budget", "CHROMEFLOW_RETRY_BUDGET", "three"},
		{"zero sessions", "CHROMEFLOW_MAX_SESSIONS", "0"},
		{"zero poll interval", "CHROMEFLOW_POLL_INTERVAL_MS", "0"},
		{"threshold above one", "CHROMEFLOW_MATCH_THRESHOLD", "1.5"},
		{"threshold zero", "CHROMEFLOW_MATCH_THRESHOLD", "0"},
		{"non-numeric threshold", "CHROMEFLOW_MATCH_THRESHOLD", "high"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)

			_, err := New()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.key)
		})
	}
}

func TestNewRejectsInvertedPortRange(t *testing.T) {
	clearEnv(t)
	t.Setenv("CHROMEFLOW_PORT_RANGE_START", "9300")
	t.Setenv("CHROMEFLOW_PORT_RANGE_END", "9222")

	_, err := New()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CHROMEFLOW_PORT_RANGE_END")
}
