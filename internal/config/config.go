// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all engine configuration.
type Config struct {
	// Evaluation settings.
	MaxBatchSize   int           // Maximum spans per evaluation call.
	EvalTimeout    time.Duration // Per-evaluation deadline; expiry counts toward the breaker.
	MaxEmitPerRule int           // Signals one rule may emit per evaluation before RESOURCE_LIMIT_EXCEEDED.

	// Session cache settings.
	MaxTenantSessions  int           // Upper bound on cached rule sessions.
	SessionIdleTimeout time.Duration // Idle time before a session is evicted.

	// Sliding window settings.
	WindowSize      int           // Spans per trace window before evaluation triggers.
	OverlapFraction float64       // Fraction of the window retained across slides.
	MaxTraceAge     time.Duration // Idle time before a trace is force-closed.
	MaxOpenWindows  int           // Upper bound on concurrently open trace windows.
	EvalOnAgeOut    bool          // Evaluate the final partial window when a trace ages out.
	SweepInterval   time.Duration // How often the age-out sweep runs.

	// Pipeline settings.
	StageQueueDepth  int           // Bounded queue capacity per pipeline stage.
	EvalWorkers      int           // Worker pool size for the evaluate stage.
	EmitWorkers      int           // Worker pool size for the emit stage.
	SubmitTimeout    time.Duration // How long Submit may wait on a full ingest queue before rejecting (0 = fail fast).
	BreakerThreshold int           // Consecutive evaluation failures before the breaker opens.
	BreakerCooldown  time.Duration // Open duration before a half-open probe.

	// Signal batcher settings.
	SignalBatchSize    int           // Flush when this many signals accumulate.
	SignalFlushTimeout time.Duration // Flush at least this often.
	SinkMaxRetries     int           // Sink delivery attempts before dead-lettering.
	SinkRetryBase      time.Duration // Base delay for jittered exponential backoff.

	// Audit recorder settings.
	AuditQueueDepth  int           // Bounded in-memory audit queue; overflow drops with a metric.
	AuditFlushBudget time.Duration // Soft budget for a Record call.

	// Storage settings (optional adapters).
	DatabaseURL    string // Postgres URL for the signal/audit sink adapter; empty disables it.
	DeadLetterPath string // SQLite file for dead-lettered signal batches.

	// Signing.
	SigningKey string // HMAC key for the default signal signer; empty disables signing.

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		MaxBatchSize:   envInt("BETRACE_MAX_BATCH_SIZE", 500),
		EvalTimeout:    envDuration("BETRACE_EVAL_TIMEOUT", 5*time.Second),
		MaxEmitPerRule: envInt("BETRACE_MAX_EMIT_PER_RULE", 100),

		MaxTenantSessions:  envInt("BETRACE_MAX_TENANT_SESSIONS", 500),
		SessionIdleTimeout: envDuration("BETRACE_SESSION_IDLE_TIMEOUT", 30*time.Minute),

		WindowSize:      envInt("BETRACE_WINDOW_SIZE", 500),
		OverlapFraction: envFloat("BETRACE_WINDOW_OVERLAP", 0.2),
		MaxTraceAge:     envDuration("BETRACE_MAX_TRACE_AGE", 5*time.Minute),
		MaxOpenWindows:  envInt("BETRACE_MAX_OPEN_WINDOWS", 10_000),
		EvalOnAgeOut:    envBool("BETRACE_EVAL_ON_AGE_OUT", true),
		SweepInterval:   envDuration("BETRACE_SWEEP_INTERVAL", 10*time.Second),

		StageQueueDepth:  envInt("BETRACE_STAGE_QUEUE_DEPTH", 1024),
		EvalWorkers:      envInt("BETRACE_EVAL_WORKERS", 8),
		EmitWorkers:      envInt("BETRACE_EMIT_WORKERS", 2),
		SubmitTimeout:    envDuration("BETRACE_SUBMIT_TIMEOUT", 0),
		BreakerThreshold: envInt("BETRACE_BREAKER_THRESHOLD", 5),
		BreakerCooldown:  envDuration("BETRACE_BREAKER_COOLDOWN", 30*time.Second),

		SignalBatchSize:    envInt("BETRACE_SIGNAL_BATCH_SIZE", 100),
		SignalFlushTimeout: envDuration("BETRACE_SIGNAL_FLUSH_TIMEOUT", time.Second),
		SinkMaxRetries:     envInt("BETRACE_SINK_MAX_RETRIES", 3),
		SinkRetryBase:      envDuration("BETRACE_SINK_RETRY_BASE", 100*time.Millisecond),

		AuditQueueDepth:  envInt("BETRACE_AUDIT_QUEUE_DEPTH", 10_000),
		AuditFlushBudget: envDuration("BETRACE_AUDIT_FLUSH_BUDGET", time.Millisecond),

		DatabaseURL:    envStr("DATABASE_URL", ""),
		DeadLetterPath: envStr("BETRACE_DEAD_LETTER_PATH", "betrace-deadletter.db"),

		SigningKey: envStr("BETRACE_SIGNING_KEY", ""),

		OTELEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure: envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:  envStr("OTEL_SERVICE_NAME", "betrace"),

		LogLevel: envStr("BETRACE_LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configured bounds are coherent.
func (c Config) Validate() error {
	if c.MaxBatchSize <= 0 {
		return fmt.Errorf("config: BETRACE_MAX_BATCH_SIZE must be positive")
	}
	if c.WindowSize <= 0 {
		return fmt.Errorf("config: BETRACE_WINDOW_SIZE must be positive")
	}
	if c.OverlapFraction < 0 || c.OverlapFraction >= 1 {
		return fmt.Errorf("config: BETRACE_WINDOW_OVERLAP must be in [0, 1)")
	}
	if c.WindowSize > c.MaxBatchSize {
		return fmt.Errorf("config: BETRACE_WINDOW_SIZE (%d) must not exceed BETRACE_MAX_BATCH_SIZE (%d)", c.WindowSize, c.MaxBatchSize)
	}
	if c.MaxTenantSessions <= 0 {
		return fmt.Errorf("config: BETRACE_MAX_TENANT_SESSIONS must be positive")
	}
	if c.StageQueueDepth <= 0 {
		return fmt.Errorf("config: BETRACE_STAGE_QUEUE_DEPTH must be positive")
	}
	if c.EvalWorkers <= 0 || c.EmitWorkers <= 0 {
		return fmt.Errorf("config: worker pool sizes must be positive")
	}
	if c.BreakerThreshold <= 0 {
		return fmt.Errorf("config: BETRACE_BREAKER_THRESHOLD must be positive")
	}
	if c.SignalBatchSize <= 0 {
		return fmt.Errorf("config: BETRACE_SIGNAL_BATCH_SIZE must be positive")
	}
	if c.AuditQueueDepth <= 0 {
		return fmt.Errorf("config: BETRACE_AUDIT_QUEUE_DEPTH must be positive")
	}
	// Tickers and the retry backoff panic on non-positive durations.
	if c.SignalFlushTimeout <= 0 {
		return fmt.Errorf("config: BETRACE_SIGNAL_FLUSH_TIMEOUT must be positive")
	}
	if c.SinkRetryBase <= 0 {
		return fmt.Errorf("config: BETRACE_SINK_RETRY_BASE must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("config: BETRACE_SWEEP_INTERVAL must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
