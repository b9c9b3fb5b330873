// Package betrace is the public API for embedding the BeTrace rule
// evaluation engine: capability-sandboxed rule execution over tenant
// span streams, producing signed signals and a tamper-evident audit
// trail.
//
//	app, err := betrace.New(
//	    betrace.WithVersion(version),
//	    betrace.WithLogger(logger),
//	    betrace.WithRuleSource(myRuleStore),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: betrace (root)
// imports internal/*, but internal/* never imports betrace (root).
// Public types (Span, Signal, Rule, ...) are standalone structs with no
// internal imports; conversion helpers live in convert.go because the
// root is the only package that sees both sides of the boundary.
package betrace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joho/godotenv"

	"github.com/betracehq/betrace/internal/config"
	"github.com/betracehq/betrace/internal/engine"
	"github.com/betracehq/betrace/internal/model"
	"github.com/betracehq/betrace/internal/pipeline"
	"github.com/betracehq/betrace/internal/sandbox"
	"github.com/betracehq/betrace/internal/storage"
	"github.com/betracehq/betrace/internal/telemetry"
	"github.com/betracehq/betrace/internal/window"
)

// Exported error values callers can test with errors.Is.
var (
	// ErrOverloaded means the pipeline rejected a submission because a
	// stage queue is full. Retryable after backoff.
	ErrOverloaded = pipeline.ErrBackpressure

	// ErrClosed means the engine is shutting down.
	ErrClosed = pipeline.ErrClosed

	// ErrEvaluationTimeout means a synchronous evaluation hit its
	// deadline; signals emitted before the abort are still returned.
	ErrEvaluationTimeout = engine.ErrEvaluationTimeout

	// ErrEvaluationUnavailable means the tenant's rule session could not
	// be constructed.
	ErrEvaluationUnavailable = engine.ErrEvaluationUnavailable
)

// App is the engine lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg     config.Config
	logger  *slog.Logger
	version string

	db         *storage.DB // nil when external sinks are provided
	deadLetter *storage.DeadLetterStore
	recorder   *sandbox.Recorder
	cache      *engine.SessionCache
	evaluator  *engine.Evaluator
	pipe       *pipeline.Pipeline

	otelShutdown telemetry.Shutdown
}

// New wires the engine: config, telemetry, storage adapters, audit
// recorder, session cache, evaluator, window manager, and pipeline.
// Stage workers do not start until Run. A rule source is required.
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}
	if o.ruleSource == nil {
		return nil, errors.New("betrace: a rule source is required (WithRuleSource)")
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.deadLetterPath != "" {
		cfg.DeadLetterPath = o.deadLetterPath
	}
	if o.signingKey != "" {
		cfg.SigningKey = o.signingKey
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("betrace starting", "version", version)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	app := &App{
		cfg:          cfg,
		logger:       logger,
		version:      version,
		otelShutdown: otelShutdown,
	}

	signalSink, auditSink, err := app.buildSinks(o)
	if err != nil {
		return nil, err
	}

	signer := app.buildSigner(o)

	deadLetter, err := storage.OpenDeadLetter(cfg.DeadLetterPath)
	if err != nil {
		return nil, fmt.Errorf("dead letter store: %w", err)
	}
	app.deadLetter = deadLetter

	app.recorder = sandbox.NewRecorder(auditSink, logger, cfg.AuditQueueDepth)

	factory := func(tenantID string, rules []model.CompiledRule) (*engine.Session, error) {
		surface := sandbox.NewSurface(app.recorder, signer, cfg.MaxEmitPerRule)
		return engine.NewSession(tenantID, rules, surface, logger)
	}
	app.cache = engine.NewSessionCache(ruleSourceAdapter{src: o.ruleSource}, factory, logger,
		cfg.MaxTenantSessions, cfg.SessionIdleTimeout)
	app.evaluator = engine.NewEvaluator(app.cache, logger, cfg.MaxBatchSize, cfg.EvalTimeout)

	batcher := pipeline.NewBatcher(signalSink, deadLetter, logger,
		cfg.SignalBatchSize, cfg.SignalFlushTimeout, cfg.SinkMaxRetries, cfg.SinkRetryBase)

	app.pipe = pipeline.New(
		pipeline.Config{
			StageQueueDepth:  cfg.StageQueueDepth,
			EvalWorkers:      cfg.EvalWorkers,
			EmitWorkers:      cfg.EmitWorkers,
			SubmitTimeout:    cfg.SubmitTimeout,
			BreakerThreshold: cfg.BreakerThreshold,
			BreakerCooldown:  cfg.BreakerCooldown,
		},
		window.Config{
			WindowSize:      cfg.WindowSize,
			OverlapFraction: cfg.OverlapFraction,
			MaxTraceAge:     cfg.MaxTraceAge,
			MaxOpenWindows:  cfg.MaxOpenWindows,
			EvalOnAgeOut:    cfg.EvalOnAgeOut,
			SweepInterval:   cfg.SweepInterval,
		},
		app.evaluator, batcher, logger)

	return app, nil
}

// buildSinks resolves the signal and audit destinations: explicit options
// win, then the Postgres adapters when DATABASE_URL is set, else
// in-memory sinks (embedding and test use — nothing is durable).
func (a *App) buildSinks(o resolvedOptions) (pipeline.SignalSink, sandbox.Sink, error) {
	var signalSink pipeline.SignalSink
	var auditSink sandbox.Sink
	if o.signalSink != nil {
		signalSink = signalSinkAdapter{sink: o.signalSink}
	}
	if o.auditSink != nil {
		auditSink = auditSinkAdapter{sink: o.auditSink}
	}
	if signalSink != nil && auditSink != nil {
		return signalSink, auditSink, nil
	}

	if a.cfg.DatabaseURL != "" {
		db, err := storage.New(context.Background(), a.cfg.DatabaseURL, a.logger)
		if err != nil {
			return nil, nil, fmt.Errorf("storage: %w", err)
		}
		if err := db.Bootstrap(context.Background()); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("storage bootstrap: %w", err)
		}
		a.db = db
		if signalSink == nil {
			signalSink = db
		}
		if auditSink == nil {
			auditSink = db
		}
		return signalSink, auditSink, nil
	}

	a.logger.Warn("betrace: no DATABASE_URL and no sink options, using in-memory sinks (not durable)")
	if signalSink == nil {
		signalSink = &storage.MemorySignalSink{}
	}
	if auditSink == nil {
		auditSink = &storage.MemoryAuditSink{}
	}
	return signalSink, auditSink, nil
}

func (a *App) buildSigner(o resolvedOptions) sandbox.Signer {
	if o.signer != nil {
		return o.signer
	}
	if a.cfg.SigningKey != "" {
		return sandbox.NewHMACSigner([]byte(a.cfg.SigningKey))
	}
	a.logger.Warn("betrace: no signing key configured, signals will be unsigned")
	return nil
}

// Run starts the audit recorder and pipeline workers, then blocks until
// ctx is cancelled. On cancellation it drains in order: pipeline (queued
// tasks, final window evaluations, signal flush), then the audit queue,
// then closes storage. Each phase gets its own timeout so early
// completion doesn't steal budget from later phases.
func (a *App) Run(ctx context.Context) error {
	a.recorder.Start()
	a.pipe.Start()

	<-ctx.Done()
	a.logger.Info("betrace shutting down")

	pipeCtx, pipeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	a.pipe.Shutdown(pipeCtx)
	pipeCancel()

	auditCtx, auditCancel := context.WithTimeout(context.Background(), 10*time.Second)
	a.recorder.Drain(auditCtx)
	auditCancel()

	a.cache.Close()
	if err := a.deadLetter.Close(); err != nil {
		a.logger.Warn("dead letter close failed", "error", err)
	}
	if a.db != nil {
		a.db.Close()
	}
	if a.otelShutdown != nil {
		otelCtx, otelCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer otelCancel()
		if err := a.otelShutdown(otelCtx); err != nil {
			a.logger.Warn("otel shutdown failed", "error", err)
		}
	}

	a.logger.Info("betrace stopped")
	return nil
}

// Submit offers a span batch to the streaming pipeline. All spans must
// share one tenant and trace. Returns ErrOverloaded when the pipeline is
// saturated and ErrClosed during shutdown; both leave nothing buffered.
func (a *App) Submit(ctx context.Context, tenantID, traceID string, spans []Span) error {
	batch := make([]model.Span, len(spans))
	for i, s := range spans {
		batch[i] = toModelSpan(s)
	}
	return a.pipe.Submit(ctx, tenantID, traceID, batch)
}

// MarkTraceComplete queues the final evaluation for a trace and releases
// its window state.
func (a *App) MarkTraceComplete(ctx context.Context, tenantID, traceID string) error {
	return a.pipe.MarkTraceComplete(ctx, tenantID, traceID)
}

// Evaluate runs one span batch through the tenant's rules synchronously,
// bypassing the streaming pipeline and windowing. Signals are returned to
// the caller and do not flow to the signal sink. Useful for request-path
// checks and tests.
func (a *App) Evaluate(ctx context.Context, tenantID, traceID string, spans []Span) ([]Signal, error) {
	batch := make([]model.Span, len(spans))
	for i, s := range spans {
		batch[i] = toModelSpan(s)
	}
	signals, err := a.evaluator.Evaluate(ctx, tenantID, traceID, batch)
	return toPublicSignals(signals), err
}

// InvalidateTenant drops the tenant's cached rule session; the next
// evaluation reloads rules from the rule source. Call after rule
// deployments.
func (a *App) InvalidateTenant(tenantID string) {
	a.cache.Invalidate(tenantID)
}

// AuditChainHead returns the hash of the most recent audit event, the
// verification anchor for the event chain.
func (a *App) AuditChainHead() string {
	return a.recorder.ChainHead()
}

// Overloaded reports whether the evaluate stage circuit breaker is open.
func (a *App) Overloaded() bool {
	return a.pipe.BreakerOpen()
}
