package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/betracehq/betrace/internal/model"
	"github.com/betracehq/betrace/internal/telemetry"
)

// Evaluator runs bounded span batches through a tenant's rule session.
type Evaluator struct {
	cache    *SessionCache
	logger   *slog.Logger
	maxBatch int
	timeout  time.Duration

	tracer       trace.Tracer
	evaluations  metric.Int64Counter
	evalDuration metric.Float64Histogram
	signalsOut   metric.Int64Counter
}

// NewEvaluator creates an evaluator. maxBatch caps spans per call; timeout
// bounds each evaluation (an expiry returns partial signals with
// ErrEvaluationTimeout and counts as a failure for the circuit breaker).
func NewEvaluator(cache *SessionCache, logger *slog.Logger, maxBatch int, timeout time.Duration) *Evaluator {
	e := &Evaluator{
		cache:    cache,
		logger:   logger,
		maxBatch: maxBatch,
		timeout:  timeout,
		tracer:   telemetry.Tracer("betrace/engine"),
	}
	e.registerMetrics()
	return e
}

// Evaluate inserts spans into the tenant's session and fires matching rules,
// returning the emitted signals.
//
// Preconditions: spans all share tenantID and traceID, and the batch is at
// most the configured maximum. The tenant's session is checked out
// exclusively for the duration; evaluations for other tenants run in
// parallel.
func (e *Evaluator) Evaluate(ctx context.Context, tenantID, traceID string, spans []model.Span) ([]model.Signal, error) {
	if len(spans) == 0 {
		return nil, nil
	}
	if len(spans) > e.maxBatch {
		return nil, fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(spans), e.maxBatch)
	}
	for _, sp := range spans {
		if err := sp.Validate(); err != nil {
			return nil, err
		}
		if sp.TenantID != tenantID || sp.TraceID != traceID {
			return nil, fmt.Errorf("%w: span %s carries %s/%s", ErrTenantMismatch, sp.SpanID, sp.TenantID, sp.TraceID)
		}
	}

	ctx, span := e.tracer.Start(ctx, "engine.evaluate",
		trace.WithAttributes(
			attribute.String("tenant_id", tenantID),
			attribute.Int("batch_size", len(spans)),
		))
	defer span.End()

	session, release, err := e.cache.Checkout(ctx, tenantID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("%w: %w", ErrEvaluationTimeout, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrEvaluationUnavailable, err)
	}
	defer release()

	evalCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	signals, err := session.Evaluate(evalCtx, traceID, spans)
	elapsed := time.Since(start)

	outcome := "ok"
	switch {
	case errors.Is(err, ErrEvaluationTimeout):
		outcome = "timeout"
	case err != nil:
		outcome = "error"
	}
	if e.evaluations != nil {
		e.evaluations.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tenant_id", tenantID),
			attribute.String("outcome", outcome),
		))
		e.evalDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
			attribute.String("tenant_id", tenantID),
		))
		e.signalsOut.Add(ctx, int64(len(signals)), metric.WithAttributes(
			attribute.String("tenant_id", tenantID),
		))
	}

	if session.FactCount() != 0 {
		// Should be unreachable: Evaluate retracts on all exit paths.
		e.logger.Error("engine: working memory not empty after evaluation",
			"tenant_id", tenantID, "facts", session.FactCount())
	}
	return signals, err
}

// Invalidate drops the tenant's cached session so the next evaluation
// reloads rules from the rule source.
func (e *Evaluator) Invalidate(tenantID string) {
	e.cache.Invalidate(tenantID)
}

func (e *Evaluator) registerMetrics() {
	meter := telemetry.Meter("betrace/engine")

	if c, err := meter.Int64Counter("betrace.evaluations",
		metric.WithDescription("Batch evaluations run, by outcome")); err == nil {
		e.evaluations = c
	}
	if h, err := meter.Float64Histogram("betrace.evaluation.duration_seconds",
		metric.WithDescription("Batch evaluation wall time")); err == nil {
		e.evalDuration = h
	}
	if c, err := meter.Int64Counter("betrace.signals.emitted",
		metric.WithDescription("Signals emitted by rule evaluations")); err == nil {
		e.signalsOut = c
	}

	_, _ = meter.Int64ObservableGauge("betrace.sessions.cached",
		metric.WithDescription("Rule sessions currently cached"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(e.cache.Len()))
			return nil
		}),
	)
}
