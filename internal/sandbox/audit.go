package sandbox

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/betracehq/betrace/internal/model"
	"github.com/betracehq/betrace/internal/telemetry"
)

// Sink is the out-of-scope immutable audit store. Append failures are
// retried once by the drain loop, then the event is dropped with a metric —
// never silently.
type Sink interface {
	Append(ctx context.Context, event model.CapabilityEvent) error
}

// Recorder is the append-only capability-event recorder. Record never blocks
// the evaluation thread: events are stamped (sequence, chain hash) under a
// short mutex and handed to a bounded queue drained by a background
// goroutine. Overflow drops the event and counts it.
type Recorder struct {
	sink   Sink
	logger *slog.Logger

	mu    sync.Mutex // guards seq + head stamping so the chain is totally ordered
	seq   uint64
	head  string // current chain head hash
	queue chan model.CapabilityEvent

	dropped    atomic.Int64
	violations metric.Int64Counter

	started    atomic.Bool
	done       chan struct{}
	cancelLoop context.CancelFunc
	drainCtx   context.Context // set by Drain so the final flush respects the caller's deadline
}

// NewRecorder creates a recorder buffering up to queueDepth events.
func NewRecorder(sink Sink, logger *slog.Logger, queueDepth int) *Recorder {
	return &Recorder{
		sink:   sink,
		logger: logger,
		queue:  make(chan model.CapabilityEvent, queueDepth),
		done:   make(chan struct{}),
	}
}

// Start begins the background drain loop and registers OTEL metrics.
// Call Drain to stop. A second Start is a no-op. The loop's lifetime ends
// in Drain, not with any caller context: shutdown evaluations keep
// producing capability events that must still reach the sink.
func (r *Recorder) Start() {
	if !r.started.CompareAndSwap(false, true) {
		r.logger.Warn("sandbox: recorder already started")
		return
	}
	r.registerMetrics()
	loopCtx, cancel := context.WithCancel(context.Background())
	r.cancelLoop = cancel
	go r.drainLoop(loopCtx)
}

// Record stamps and enqueues a capability event. The event's ID, Sequence,
// ChainHash, and RecordedAt are assigned here; callers fill the rest.
func (r *Recorder) Record(e model.CapabilityEvent) model.CapabilityEvent {
	e.ID = uuid.New()
	e.RecordedAt = time.Now().UTC()

	r.mu.Lock()
	r.seq++
	e.Sequence = r.seq
	e.ChainHash = chainLink(r.head, e)
	r.head = e.ChainHash
	r.mu.Unlock()

	select {
	case r.queue <- e:
	default:
		// Queue full: evaluation latency wins over audit durability, but the
		// loss is observable through the dropped counter and the log line.
		r.dropped.Add(1)
		r.logger.Error("sandbox: audit queue full, event dropped",
			"capability", e.Capability, "rule_id", e.RuleID, "tenant_id", e.TenantID)
	}
	return e
}

// RecordViolation records a rejected capability invocation classified by
// class. Critical classes are logged at error level for alert routing.
func (r *Recorder) RecordViolation(e model.CapabilityEvent, class model.ViolationClass, detail string) model.CapabilityEvent {
	e.Allowed = false
	e.Violation = class
	e.Detail = detail
	if r.violations != nil {
		r.violations.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("class", string(class)),
				attribute.String("tenant_id", e.TenantID),
			))
	}
	if class.Critical() {
		r.logger.Error("sandbox: critical violation",
			"class", class, "rule_id", e.RuleID, "tenant_id", e.TenantID, "detail", detail)
	} else {
		r.logger.Warn("sandbox: violation",
			"class", class, "rule_id", e.RuleID, "tenant_id", e.TenantID, "detail", detail)
	}
	return r.Record(e)
}

// ChainHead returns the current chain head hash for external checkpointing.
func (r *Recorder) ChainHead() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.head
}

// Dropped returns the number of events lost to queue overflow or sink
// failure. A non-zero value indicates audit data loss.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

func (r *Recorder) drainLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			final := context.Background()
			if r.drainCtx != nil {
				final = r.drainCtx
			}
			// Drain whatever is queued, then exit.
			for {
				select {
				case e := <-r.queue:
					r.append(final, e)
				default:
					close(r.done)
					return
				}
			}
		case e := <-r.queue:
			r.append(ctx, e)
		}
	}
}

// append delivers one event to the sink, retrying once before dropping.
func (r *Recorder) append(ctx context.Context, e model.CapabilityEvent) {
	if err := r.sink.Append(ctx, e); err != nil {
		if err2 := r.sink.Append(ctx, e); err2 != nil {
			r.dropped.Add(1)
			r.logger.Error("sandbox: audit sink unavailable, event dropped",
				"error", err2, "sequence", e.Sequence)
		}
	}
}

// Drain signals the drain loop to stop, waits for the queue to empty, and
// returns. ctx bounds the wait and the final sink appends. Events recorded
// after the loop exits are delivered here, so everything recorded before
// Drain returns reaches the sink or the dropped counter.
func (r *Recorder) Drain(ctx context.Context) {
	r.drainCtx = ctx
	if r.cancelLoop != nil {
		r.cancelLoop()
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		r.logger.Warn("sandbox: drain timed out waiting for audit queue")
	}
	for {
		select {
		case e := <-r.queue:
			r.append(ctx, e)
		default:
			return
		}
	}
}

func (r *Recorder) registerMetrics() {
	meter := telemetry.Meter("betrace/sandbox")

	counter, err := meter.Int64Counter("betrace.sandbox.violations",
		metric.WithDescription("Capability violations by class and tenant"))
	if err == nil {
		r.violations = counter
	}

	_, _ = meter.Int64ObservableGauge("betrace.audit.queue_depth",
		metric.WithDescription("Capability events waiting for the audit sink"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(len(r.queue)))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("betrace.audit.dropped_total",
		metric.WithDescription("Capability events dropped due to queue overflow or sink failure"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(r.Dropped())
			return nil
		}),
	)
}
