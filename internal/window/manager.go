package window

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/betracehq/betrace/internal/engine"
	"github.com/betracehq/betrace/internal/model"
	"github.com/betracehq/betrace/internal/telemetry"
)

// Evaluator runs a span batch through the tenant's rules. Satisfied by
// engine.Evaluator.
type Evaluator interface {
	Evaluate(ctx context.Context, tenantID, traceID string, spans []model.Span) ([]model.Signal, error)
}

// SignalHandler receives the signals of one window evaluation, in order.
type SignalHandler func(ctx context.Context, signals []model.Signal)

// agedOutKey tags signals produced by the final partial evaluation of an
// aged-out trace.
const agedOutKey = "window.aged_out"

// Config tunes the manager. Validated upstream by the config package.
type Config struct {
	// WindowSize is the span count that triggers an evaluation.
	WindowSize int
	// OverlapFraction of WindowSize is retained across slides, in [0, 1).
	OverlapFraction float64
	// MaxTraceAge force-closes traces with no span activity for this long.
	MaxTraceAge time.Duration
	// MaxOpenWindows bounds distinct in-flight traces.
	MaxOpenWindows int
	// EvalOnAgeOut runs a final partial evaluation before an aged-out
	// trace is discarded.
	EvalOnAgeOut bool
	// SweepInterval is the age-out sweep period.
	SweepInterval time.Duration
}

// Manager routes spans into per-trace windows and drives their lifecycle:
// evaluate on full or trace-complete, slide with overlap, age out idle
// traces.
//
// Evaluations run on the caller's goroutine, outside the manager lock; the
// window's evaluating state keeps concurrent appends for the same trace
// out (they surface ErrWindowBusy, a retryable backpressure condition).
type Manager struct {
	cfg       Config
	evaluator Evaluator
	handle    SignalHandler
	logger    *slog.Logger

	mu      sync.Mutex
	windows map[string]*TraceWindow

	stopOnce sync.Once
	done     chan struct{}
	swept    sync.WaitGroup

	evaluations metric.Int64Counter
	closures    metric.Int64Counter
}

// NewManager creates a manager and starts its age-out sweep. handle
// receives the signals of every evaluation and must not block for long.
func NewManager(cfg Config, evaluator Evaluator, handle SignalHandler, logger *slog.Logger) *Manager {
	m := &Manager{
		cfg:       cfg,
		evaluator: evaluator,
		handle:    handle,
		logger:    logger,
		windows:   make(map[string]*TraceWindow),
		done:      make(chan struct{}),
	}
	m.registerMetrics()

	m.swept.Add(1)
	go m.sweepLoop()
	return m
}

func windowKey(tenantID, traceID string) string {
	return tenantID + "/" + traceID
}

// overlapKeep is the span count retained across a slide.
func (m *Manager) overlapKeep() int {
	return int(float64(m.cfg.WindowSize) * m.cfg.OverlapFraction)
}

// Add routes one span into its trace window, evaluating and sliding when
// the window fills or the span completes the trace. A span for an
// evaluating window returns ErrWindowBusy; a brand-new trace beyond the
// open-window bound returns ErrTooManyOpenWindows. Both are retryable.
func (m *Manager) Add(ctx context.Context, span model.Span) error {
	if err := span.Validate(); err != nil {
		return err
	}
	key := windowKey(span.TenantID, span.TraceID)

	m.mu.Lock()
	w, ok := m.windows[key]
	if !ok {
		if len(m.windows) >= m.cfg.MaxOpenWindows {
			m.mu.Unlock()
			return ErrTooManyOpenWindows
		}
		w = newTraceWindow(span.TenantID, span.TraceID, m.cfg.WindowSize)
		m.windows[key] = w
	}
	if err := w.Append(span); err != nil {
		if w.State() == StateClosed {
			// A closed trace's id may legitimately recur (late spans).
			// Drop the tombstone and retry as a fresh trace.
			delete(m.windows, key)
			m.mu.Unlock()
			return m.Add(ctx, span)
		}
		m.mu.Unlock()
		return err
	}

	ready := w.Len() >= m.cfg.WindowSize || w.Complete()
	if !ready {
		m.mu.Unlock()
		return nil
	}

	trigger := "full"
	if w.Complete() {
		trigger = "complete"
	}
	return m.evaluateLocked(ctx, key, w, trigger)
}

// MarkTraceComplete runs the final evaluation for a trace and closes its
// window. Unknown traces are a no-op; an evaluating window returns
// ErrWindowBusy.
func (m *Manager) MarkTraceComplete(ctx context.Context, tenantID, traceID string) error {
	key := windowKey(tenantID, traceID)

	m.mu.Lock()
	w, ok := m.windows[key]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	switch w.State() {
	case StateEvaluating:
		m.mu.Unlock()
		return ErrWindowBusy
	case StateClosed:
		delete(m.windows, key)
		m.mu.Unlock()
		return nil
	}
	w.complete = true
	return m.evaluateLocked(ctx, key, w, "complete")
}

// evaluateLocked runs the window's spans through the evaluator and slides
// or closes it. Called with m.mu held; unlocks before evaluating.
func (m *Manager) evaluateLocked(ctx context.Context, key string, w *TraceWindow, trigger string) error {
	spans, err := w.beginEvaluation()
	if err != nil {
		m.mu.Unlock()
		return err
	}
	tenantID, traceID, complete := w.tenantID, w.traceID, w.complete
	m.mu.Unlock()

	if trigger == "aged_out" {
		// Stamped before signing so the tag is covered by the signature.
		ctx = engine.WithEvalTags(ctx, map[string]any{agedOutKey: true})
	}
	signals, evalErr := m.evaluator.Evaluate(ctx, tenantID, traceID, spans)
	if evalErr != nil {
		// Partial signals from a timed-out evaluation are still delivered.
		m.logger.Warn("window: evaluation failed",
			"tenant_id", tenantID, "trace_id", traceID, "trigger", trigger, "error", evalErr)
	}
	if len(signals) > 0 {
		m.handle(ctx, signals)
	}
	if m.evaluations != nil {
		m.evaluations.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tenant_id", tenantID),
			attribute.String("trigger", trigger),
		))
	}

	m.mu.Lock()
	if complete || trigger == "aged_out" {
		w.close()
		delete(m.windows, key)
		m.countClosure(ctx, trigger)
	} else if err := w.slide(m.overlapKeep()); err != nil {
		m.logger.Error("window: slide failed", "trace_id", traceID, "error", err)
		w.close()
		delete(m.windows, key)
	}
	m.mu.Unlock()
	return evalErr
}

// OpenWindows returns the number of traces currently buffered.
func (m *Manager) OpenWindows() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows)
}

// Flush evaluates every open window with buffered spans and closes all
// windows. Used on shutdown so buffered spans are not silently lost.
func (m *Manager) Flush(ctx context.Context) {
	m.mu.Lock()
	keys := make([]string, 0, len(m.windows))
	for key := range m.windows {
		keys = append(keys, key)
	}
	m.mu.Unlock()

	for _, key := range keys {
		m.mu.Lock()
		w, ok := m.windows[key]
		if !ok || w.State() != StateOpen {
			m.mu.Unlock()
			continue
		}
		if w.Len() == 0 {
			w.close()
			delete(m.windows, key)
			m.mu.Unlock()
			continue
		}
		w.complete = true
		_ = m.evaluateLocked(ctx, key, w, "flush")
	}
}

// Close stops the age-out sweep. Safe to call multiple times.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.done) })
	m.swept.Wait()
}

func (m *Manager) sweepLoop() {
	defer m.swept.Done()
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.sweep(context.Background())
		}
	}
}

// sweep force-closes traces idle past the max trace age, optionally
// running a final partial evaluation first.
func (m *Manager) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-m.cfg.MaxTraceAge)

	m.mu.Lock()
	var aged []string
	for key, w := range m.windows {
		if w.State() == StateOpen && w.IdleSince().Before(cutoff) {
			aged = append(aged, key)
		}
	}
	m.mu.Unlock()

	for _, key := range aged {
		m.mu.Lock()
		w, ok := m.windows[key]
		if !ok || w.State() != StateOpen || !w.IdleSince().Before(cutoff) {
			m.mu.Unlock()
			continue
		}
		if !m.cfg.EvalOnAgeOut || w.Len() == 0 {
			w.close()
			delete(m.windows, key)
			m.countClosure(ctx, "aged_out_discarded")
			m.mu.Unlock()
			m.logger.Info("window: idle trace discarded", "key", key)
			continue
		}
		m.logger.Info("window: idle trace, final partial evaluation",
			"key", key, "spans", w.Len())
		_ = m.evaluateLocked(ctx, key, w, "aged_out")
	}
}

func (m *Manager) countClosure(ctx context.Context, reason string) {
	if m.closures != nil {
		m.closures.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

func (m *Manager) registerMetrics() {
	meter := telemetry.Meter("betrace/window")

	if c, err := meter.Int64Counter("betrace.window.evaluations",
		metric.WithDescription("Window evaluations by trigger")); err == nil {
		m.evaluations = c
	}
	if c, err := meter.Int64Counter("betrace.window.closed",
		metric.WithDescription("Trace windows closed by reason")); err == nil {
		m.closures = c
	}
	_, _ = meter.Int64ObservableGauge("betrace.window.open",
		metric.WithDescription("Trace windows currently open"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(m.OpenWindows()))
			return nil
		}),
	)
}
