// Package pipeline is the bounded staged path from span ingestion to
// signal persistence: ingest queue, window correlation, breaker-guarded
// evaluation, and batched emission. Every stage queue is bounded; when a
// queue is full the caller gets an explicit backpressure error instead of
// unbounded buffering.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/betracehq/betrace/internal/engine"
	"github.com/betracehq/betrace/internal/model"
	"github.com/betracehq/betrace/internal/telemetry"
	"github.com/betracehq/betrace/internal/window"
)

var (
	// ErrBackpressure means a stage queue is full; the caller should slow
	// down and retry. Nothing was buffered.
	ErrBackpressure = errors.New("pipeline: overloaded, submission rejected")

	// ErrClosed means the pipeline is shutting down.
	ErrClosed = errors.New("pipeline: closed")
)

// Config tunes the pipeline stages.
type Config struct {
	// StageQueueDepth bounds the ingest and emit queues.
	StageQueueDepth int
	// EvalWorkers drain the ingest queue and drive window evaluation.
	EvalWorkers int
	// EmitWorkers drain evaluated signals into the batcher.
	EmitWorkers int
	// SubmitTimeout is how long Submit waits for queue space before
	// returning ErrBackpressure. Zero fails fast.
	SubmitTimeout time.Duration
	// BreakerThreshold consecutive evaluation failures open the breaker.
	BreakerThreshold int
	// BreakerCooldown is the open period before a half-open probe.
	BreakerCooldown time.Duration
}

// task is one unit of ingest work: a span batch or a completion marker.
type task struct {
	tenantID string
	traceID  string
	spans    []model.Span
	complete bool
}

// Pipeline wires the stages together. Construct with New, call Start,
// and Shutdown to drain.
type Pipeline struct {
	cfg     Config
	logger  *slog.Logger
	manager *window.Manager
	batcher *Batcher
	breaker *breaker

	ingestCh chan task
	emitCh   chan []model.Signal

	// closeMu makes shutdown safe against in-flight Submits: intake holds
	// the read side, Shutdown takes the write side before closing ingestCh.
	closeMu   sync.RWMutex
	closed    bool
	ingestWG  sync.WaitGroup
	emitWG    sync.WaitGroup
	startOnce sync.Once

	submissions  metric.Int64Counter
	spansDropped metric.Int64Counter
}

// New builds the pipeline around an evaluator. The evaluate stage is
// wrapped in a circuit breaker; signals flow through the emit queue into
// the batcher.
func New(cfg Config, winCfg window.Config, evaluator window.Evaluator, batcher *Batcher, logger *slog.Logger) *Pipeline {
	p := &Pipeline{
		cfg:      cfg,
		logger:   logger,
		batcher:  batcher,
		breaker:  newBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
		ingestCh: make(chan task, cfg.StageQueueDepth),
		emitCh:   make(chan []model.Signal, cfg.StageQueueDepth),
	}
	guarded := &guardedEvaluator{inner: evaluator, breaker: p.breaker}
	p.manager = window.NewManager(winCfg, guarded, p.enqueueSignals, logger)
	p.registerMetrics()
	return p
}

// Start launches the stage workers and the batcher flush loop. Workers
// run until Shutdown closes their stage queues; tying them to a caller
// context would abandon queued work (and its signals) mid-drain.
func (p *Pipeline) Start() {
	p.startOnce.Do(func() {
		p.batcher.Start()
		ctx := context.Background()
		for range p.cfg.EvalWorkers {
			p.ingestWG.Add(1)
			go p.ingestWorker(ctx)
		}
		for range p.cfg.EmitWorkers {
			p.emitWG.Add(1)
			go p.emitWorker(ctx)
		}
	})
}

// Submit offers a span batch for evaluation. It returns immediately: nil
// when queued, ErrBackpressure when the ingest queue is full (after up to
// SubmitTimeout of waiting), ErrClosed during shutdown.
func (p *Pipeline) Submit(ctx context.Context, tenantID, traceID string, spans []model.Span) error {
	if len(spans) == 0 {
		return nil
	}
	return p.enqueue(ctx, task{tenantID: tenantID, traceID: traceID, spans: spans})
}

// MarkTraceComplete queues the final evaluation for a trace.
func (p *Pipeline) MarkTraceComplete(ctx context.Context, tenantID, traceID string) error {
	return p.enqueue(ctx, task{tenantID: tenantID, traceID: traceID, complete: true})
}

func (p *Pipeline) enqueue(ctx context.Context, t task) error {
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	select {
	case p.ingestCh <- t:
		p.countSubmission(ctx, "accepted")
		return nil
	default:
	}
	if p.cfg.SubmitTimeout <= 0 {
		p.countSubmission(ctx, "rejected")
		return ErrBackpressure
	}

	timer := time.NewTimer(p.cfg.SubmitTimeout)
	defer timer.Stop()
	select {
	case p.ingestCh <- t:
		p.countSubmission(ctx, "accepted")
		return nil
	case <-timer.C:
		p.countSubmission(ctx, "rejected")
		return ErrBackpressure
	case <-ctx.Done():
		return ctx.Err()
	}
}

// busyRetries bounds how often a worker retries a window that is
// mid-evaluation before re-queueing the task. An evaluation can hold a
// window busy for up to the evaluation timeout, far longer than the
// in-place retry budget, so persistent busyness goes back on the ingest
// queue rather than dropping spans that were already accepted.
const (
	busyRetries    = 5
	busyRetryDelay = 10 * time.Millisecond
)

func (p *Pipeline) ingestWorker(ctx context.Context) {
	defer p.ingestWG.Done()
	for t := range p.ingestCh {
		if t.complete {
			if busy := p.completeTrace(ctx, t); busy {
				p.requeue(ctx, t, "completion")
			}
			continue
		}
		var busy []model.Span
		for _, span := range t.spans {
			if p.addSpan(ctx, span) {
				busy = append(busy, span)
			}
		}
		if len(busy) > 0 {
			p.requeue(ctx, task{tenantID: t.tenantID, traceID: t.traceID, spans: busy}, "spans")
		}
	}
}

// addSpan reports whether the span's window stayed busy through the retry
// budget; the caller re-queues those spans.
func (p *Pipeline) addSpan(ctx context.Context, span model.Span) bool {
	var err error
	for attempt := 0; attempt <= busyRetries; attempt++ {
		err = p.manager.Add(ctx, span)
		if !errors.Is(err, window.ErrWindowBusy) {
			break
		}
		time.Sleep(busyRetryDelay)
	}
	switch {
	case err == nil:
	case errors.Is(err, window.ErrTooManyOpenWindows):
		p.countDrop(ctx, "open_window_limit")
		p.logger.Warn("pipeline: span dropped, open window limit",
			"tenant_id", span.TenantID, "trace_id", span.TraceID)
	case errors.Is(err, window.ErrWindowBusy):
		return true
	case errors.Is(err, ErrBreakerOpen):
		// The span is in the window; only this evaluation was skipped.
		// The slide keeps the overlap and the next window retries.
		p.countDrop(ctx, "breaker_open")
	default:
		// Evaluation errors are already logged and audited downstream.
		p.logger.Debug("pipeline: evaluation error surfaced at add",
			"tenant_id", span.TenantID, "trace_id", span.TraceID, "error", err)
	}
	return false
}

// completeTrace reports whether the trace's window stayed busy through
// the retry budget.
func (p *Pipeline) completeTrace(ctx context.Context, t task) bool {
	var err error
	for attempt := 0; attempt <= busyRetries; attempt++ {
		err = p.manager.MarkTraceComplete(ctx, t.tenantID, t.traceID)
		if !errors.Is(err, window.ErrWindowBusy) {
			break
		}
		time.Sleep(busyRetryDelay)
	}
	if errors.Is(err, window.ErrWindowBusy) {
		return true
	}
	if err != nil && !errors.Is(err, ErrBreakerOpen) {
		p.logger.Warn("pipeline: trace completion evaluation failed",
			"tenant_id", t.tenantID, "trace_id", t.traceID, "error", err)
	}
	return false
}

// requeue puts work whose window stayed busy back on the ingest queue.
// The busy window clears as soon as its evaluation finishes (bounded by
// the evaluation timeout), so the task terminates after finitely many
// trips. Only a full queue or shutdown drops it, counted and logged.
func (p *Pipeline) requeue(ctx context.Context, t task, kind string) {
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if !p.closed {
		select {
		case p.ingestCh <- t:
			return
		default:
		}
	}
	for range max(len(t.spans), 1) {
		p.countDrop(ctx, "window_busy")
	}
	p.logger.Warn("pipeline: busy work dropped, ingest queue unavailable",
		"tenant_id", t.tenantID, "trace_id", t.traceID, "kind", kind, "spans", len(t.spans))
}

// enqueueSignals is the window manager's signal handler. It blocks when
// the emit queue is full: signals are never dropped between evaluation
// and the batcher.
func (p *Pipeline) enqueueSignals(ctx context.Context, signals []model.Signal) {
	select {
	case p.emitCh <- signals:
	case <-ctx.Done():
		// Shutdown path: hand the batch to the batcher directly so the
		// final drain still persists it.
		p.batcher.Add(ctx, signals)
	}
}

func (p *Pipeline) emitWorker(ctx context.Context) {
	defer p.emitWG.Done()
	for signals := range p.emitCh {
		p.batcher.Add(ctx, signals)
	}
}

// Shutdown drains the pipeline: stops intake, processes queued tasks,
// runs final window evaluations, and flushes the batcher. Bounded by ctx.
func (p *Pipeline) Shutdown(ctx context.Context) {
	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return
	}
	p.closed = true
	close(p.ingestCh)
	p.closeMu.Unlock()
	p.ingestWG.Wait()

	p.manager.Flush(ctx)
	p.manager.Close()

	close(p.emitCh)
	p.emitWG.Wait()

	p.batcher.Drain(ctx)
}

// BreakerOpen reports whether the evaluate stage is currently failing fast.
func (p *Pipeline) BreakerOpen() bool {
	return p.breaker.currentState() == breakerOpen
}

func (p *Pipeline) countSubmission(ctx context.Context, result string) {
	if p.submissions != nil {
		p.submissions.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	}
}

func (p *Pipeline) countDrop(ctx context.Context, reason string) {
	if p.spansDropped != nil {
		p.spansDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

func (p *Pipeline) registerMetrics() {
	meter := telemetry.Meter("betrace/pipeline")

	if c, err := meter.Int64Counter("betrace.pipeline.submissions",
		metric.WithDescription("Span batch submissions by result")); err == nil {
		p.submissions = c
	}
	if c, err := meter.Int64Counter("betrace.pipeline.spans_dropped",
		metric.WithDescription("Spans dropped before evaluation, by reason")); err == nil {
		p.spansDropped = c
	}
	_, _ = meter.Int64ObservableGauge("betrace.pipeline.ingest_depth",
		metric.WithDescription("Tasks waiting in the ingest queue"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(len(p.ingestCh)))
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("betrace.pipeline.emit_depth",
		metric.WithDescription("Signal batches waiting in the emit queue"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(len(p.emitCh)))
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("betrace.pipeline.breaker_state",
		metric.WithDescription("Evaluate-stage breaker state (0 closed, 1 open, 2 half-open)"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			switch p.breaker.currentState() {
			case breakerOpen:
				o.Observe(1)
			case breakerHalfOpen:
				o.Observe(2)
			default:
				o.Observe(0)
			}
			return nil
		}),
	)
}

// guardedEvaluator wraps the engine evaluator in the circuit breaker.
// Precondition failures (oversized or mixed batches) are caller bugs and
// do not count toward opening the breaker.
type guardedEvaluator struct {
	inner   window.Evaluator
	breaker *breaker
}

func (g *guardedEvaluator) Evaluate(ctx context.Context, tenantID, traceID string, spans []model.Span) ([]model.Signal, error) {
	if !g.breaker.allow() {
		return nil, ErrBreakerOpen
	}
	signals, err := g.inner.Evaluate(ctx, tenantID, traceID, spans)
	switch {
	case err == nil:
		g.breaker.success()
	case errors.Is(err, engine.ErrBatchTooLarge), errors.Is(err, engine.ErrTenantMismatch):
		// Not an evaluation-stage fault.
	default:
		g.breaker.failure()
	}
	return signals, err
}
