package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 500, cfg.MaxBatchSize)
	assert.Equal(t, 500, cfg.WindowSize)
	assert.InDelta(t, 0.2, cfg.OverlapFraction, 1e-9)
	assert.Equal(t, 500, cfg.MaxTenantSessions)
	assert.Equal(t, 30*time.Minute, cfg.SessionIdleTimeout)
	assert.True(t, cfg.EvalOnAgeOut)
	assert.Equal(t, time.Duration(0), cfg.SubmitTimeout, "default is fail-fast submission")
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("BETRACE_WINDOW_SIZE", "50")
	t.Setenv("BETRACE_WINDOW_OVERLAP", "0.5")
	t.Setenv("BETRACE_EVAL_ON_AGE_OUT", "false")
	t.Setenv("BETRACE_EVAL_TIMEOUT", "250ms")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.WindowSize)
	assert.InDelta(t, 0.5, cfg.OverlapFraction, 1e-9)
	assert.False(t, cfg.EvalOnAgeOut)
	assert.Equal(t, 250*time.Millisecond, cfg.EvalTimeout)
}

func TestLoadRejectsZeroDurations(t *testing.T) {
	t.Setenv("BETRACE_SINK_RETRY_BASE", "0s")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BETRACE_SINK_RETRY_BASE")
}

func TestValidateRejectsBadBounds(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero batch size", func(c *Config) { c.MaxBatchSize = 0 }},
		{"overlap >= 1", func(c *Config) { c.OverlapFraction = 1.0 }},
		{"negative overlap", func(c *Config) { c.OverlapFraction = -0.1 }},
		{"window larger than batch", func(c *Config) { c.WindowSize = c.MaxBatchSize + 1 }},
		{"zero sessions", func(c *Config) { c.MaxTenantSessions = 0 }},
		{"zero queue depth", func(c *Config) { c.StageQueueDepth = 0 }},
		{"zero eval workers", func(c *Config) { c.EvalWorkers = 0 }},
		{"zero breaker threshold", func(c *Config) { c.BreakerThreshold = 0 }},
		{"zero flush timeout", func(c *Config) { c.SignalFlushTimeout = 0 }},
		{"zero sink retry base", func(c *Config) { c.SinkRetryBase = 0 }},
		{"negative sweep interval", func(c *Config) { c.SweepInterval = -time.Second }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load()
			require.NoError(t, err)
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
