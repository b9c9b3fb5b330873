package pipeline

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/betracehq/betrace/internal/model"
	"github.com/betracehq/betrace/internal/telemetry"
)

// maxPendingSignals is the hard cap on buffered signals. Beyond it,
// Add dead-letters immediately instead of growing without bound.
const maxPendingSignals = 100_000

// SignalSink accepts signal batches for durable storage.
type SignalSink interface {
	AcceptBatch(ctx context.Context, signals []model.Signal) error
}

// DeadLetter receives batches the sink refused after all retries.
type DeadLetter interface {
	Enqueue(ctx context.Context, signals []model.Signal, reason string) error
}

// Batcher accumulates signals and flushes to the sink when either the
// count threshold or the flush timeout is reached. A failed flush is
// retried with jittered exponential backoff up to maxRetries, then the
// batch is dead-lettered. Signals are never dropped silently: loss is
// only possible if the dead-letter store itself fails, and that is
// counted and logged.
type Batcher struct {
	sink       SignalSink
	deadLetter DeadLetter
	logger     *slog.Logger

	maxSize      int
	flushTimeout time.Duration
	maxRetries   int
	retryBase    time.Duration

	mu      sync.Mutex
	pending []model.Signal

	deadLettered atomic.Int64
	lost         atomic.Int64

	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc
	drainCtx   context.Context
}

// NewBatcher creates a signal batcher. deadLetter may be nil, in which
// case exhausted batches are dropped with a loss count (not recommended
// outside tests).
func NewBatcher(sink SignalSink, deadLetter DeadLetter, logger *slog.Logger,
	maxSize int, flushTimeout time.Duration, maxRetries int, retryBase time.Duration) *Batcher {
	return &Batcher{
		sink:         sink,
		deadLetter:   deadLetter,
		logger:       logger,
		maxSize:      maxSize,
		flushTimeout: flushTimeout,
		maxRetries:   maxRetries,
		retryBase:    retryBase,
		flushCh:      make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// Start begins the background flush loop and registers metrics. The loop
// runs until Drain: its lifetime is deliberately not tied to any request
// or run context, because shutdown itself produces signals (final window
// evaluations) that must still reach the sink.
func (b *Batcher) Start() {
	b.registerMetrics()
	loopCtx, cancel := context.WithCancel(context.Background())
	b.cancelLoop = cancel
	go b.flushLoop(loopCtx)
}

// Add buffers signals for the next flush. Beyond the pending cap the
// overflow goes straight to the dead-letter store.
func (b *Batcher) Add(ctx context.Context, signals []model.Signal) {
	if len(signals) == 0 {
		return
	}

	b.mu.Lock()
	if len(b.pending)+len(signals) > maxPendingSignals {
		b.mu.Unlock()
		b.sendToDeadLetter(ctx, signals, "pending buffer at capacity")
		return
	}
	b.pending = append(b.pending, signals...)
	full := len(b.pending) >= b.maxSize
	b.mu.Unlock()

	if full {
		select {
		case b.flushCh <- struct{}{}:
		default:
		}
	}
}

func (b *Batcher) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(b.flushTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			final := b.drainCtx
			if final == nil {
				var cancel context.CancelFunc
				final, cancel = context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
			}
			b.flush(final)
			close(b.done)
			return
		case <-ticker.C:
			b.flush(ctx)
		case <-b.flushCh:
			b.flush(ctx)
		}
	}
}

// flush delivers everything pending, retrying with backoff before
// dead-lettering.
func (b *Batcher) flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	start := time.Now()
	err := b.sink.AcceptBatch(ctx, batch)
	for attempt := 1; err != nil && attempt <= b.maxRetries; attempt++ {
		delay := backoffDelay(b.retryBase, attempt)
		b.logger.Warn("pipeline: signal flush failed, retrying",
			"error", err, "attempt", attempt, "delay_ms", delay.Milliseconds())

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			b.sendToDeadLetter(ctx, batch, "flush aborted: "+ctx.Err().Error())
			return
		}
		err = b.sink.AcceptBatch(ctx, batch)
	}
	if err != nil {
		b.sendToDeadLetter(ctx, batch, "sink rejected batch: "+err.Error())
		return
	}

	b.logger.Info("pipeline: signal batch flushed",
		"batch_size", len(batch),
		"flush_duration_ms", time.Since(start).Milliseconds(),
	)
}

func (b *Batcher) sendToDeadLetter(ctx context.Context, batch []model.Signal, reason string) {
	if b.deadLetter != nil {
		err := b.deadLetter.Enqueue(ctx, batch, reason)
		if err == nil {
			b.deadLettered.Add(int64(len(batch)))
			b.logger.Error("pipeline: batch dead-lettered",
				"signals", len(batch), "reason", reason)
			return
		}
		b.logger.Error("pipeline: dead-letter store failed", "error", err)
	}
	b.lost.Add(int64(len(batch)))
	b.logger.Error("pipeline: signals lost", "signals", len(batch), "reason", reason)
}

// backoffDelay is exponential with full jitter: base*2^(attempt-1),
// uniformly jittered, capped at 30s. A non-positive base is floored to
// 1ms so a misconfigured batcher degrades to tight retries, not a panic.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Millisecond
	}
	d := base << (attempt - 1)
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return time.Duration(rand.Int63n(int64(d)) + int64(d)/2)
}

// Drain signals the flush loop to stop, waits for the final flush, and
// returns. ctx bounds the wait and the final sink call. Anything added
// after the loop exits is flushed here, so every signal handed to the
// batcher before Drain returns reaches the sink or the dead-letter store.
func (b *Batcher) Drain(ctx context.Context) {
	b.drainCtx = ctx
	if b.cancelLoop != nil {
		b.cancelLoop()
	}
	select {
	case <-b.done:
	case <-ctx.Done():
		b.logger.Warn("pipeline: drain timed out waiting for flush loop")
	}
	b.flush(ctx)
}

// Len returns the number of signals waiting for the next flush.
func (b *Batcher) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// DeadLettered returns the total signals routed to the dead-letter store.
func (b *Batcher) DeadLettered() int64 {
	return b.deadLettered.Load()
}

// Lost returns the total signals dropped outright. Non-zero means data
// loss: the sink and the dead-letter store both failed.
func (b *Batcher) Lost() int64 {
	return b.lost.Load()
}

func (b *Batcher) registerMetrics() {
	meter := telemetry.Meter("betrace/batcher")

	_, _ = meter.Int64ObservableGauge("betrace.batcher.pending",
		metric.WithDescription("Signals waiting for the next flush"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(b.Len()))
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("betrace.batcher.dead_lettered_total",
		metric.WithDescription("Signals routed to the dead-letter store"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(b.DeadLettered())
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("betrace.batcher.lost_total",
		metric.WithDescription("Signals lost after sink and dead-letter failure"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(b.Lost())
			return nil
		}),
	)
}
