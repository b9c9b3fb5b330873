// Package window bounds the memory of long-lived traces: spans are
// buffered per trace in a fixed-size window that is evaluated when it
// fills, then slid forward keeping a configurable overlap tail so rules
// can still correlate across the seam.
package window

import (
	"errors"
	"fmt"
	"time"

	"github.com/betracehq/betrace/internal/model"
)

// State is a trace window's lifecycle state.
type State string

const (
	// StateOpen accepts spans.
	StateOpen State = "open"
	// StateEvaluating holds the window while its spans run through the
	// evaluator. New spans are rejected until the slide completes.
	StateEvaluating State = "evaluating"
	// StateSlid is the instant after a successful slide; the window
	// re-opens immediately with the overlap tail retained.
	StateSlid State = "slid"
	// StateClosed is terminal: trace complete or aged out.
	StateClosed State = "closed"
)

var (
	// ErrWindowBusy means the window is mid-evaluation. Retryable.
	ErrWindowBusy = errors.New("window: trace window is evaluating")

	// ErrWindowClosed means the trace already completed or aged out.
	ErrWindowClosed = errors.New("window: trace window is closed")

	// ErrTooManyOpenWindows means the manager is at its open-trace bound.
	ErrTooManyOpenWindows = errors.New("window: open trace limit reached")

	// ErrSpanMismatch means a span was routed to a window for a different
	// tenant or trace.
	ErrSpanMismatch = errors.New("window: span does not belong to this trace window")
)

// transitionError reports an illegal state transition. These indicate a
// manager bug, not a caller error.
func transitionError(from, to State) error {
	return fmt.Errorf("window: illegal transition %s -> %s", from, to)
}

// TraceWindow is the bounded span buffer for one (tenant, trace) pair.
// Not safe for concurrent use; the manager serializes access.
type TraceWindow struct {
	tenantID string
	traceID  string

	state    State
	spans    []model.Span
	complete bool

	lastAppend time.Time
	slides     int
}

func newTraceWindow(tenantID, traceID string, capacity int) *TraceWindow {
	return &TraceWindow{
		tenantID:   tenantID,
		traceID:    traceID,
		state:      StateOpen,
		spans:      make([]model.Span, 0, capacity),
		lastAppend: time.Now(),
	}
}

// State returns the current lifecycle state.
func (w *TraceWindow) State() State { return w.state }

// Len returns the number of buffered spans.
func (w *TraceWindow) Len() int { return len(w.spans) }

// Slides returns how many times the window has slid forward.
func (w *TraceWindow) Slides() int { return w.slides }

// Complete reports whether a trace-complete marker has been seen.
func (w *TraceWindow) Complete() bool { return w.complete }

// IdleSince returns the time of the last accepted span.
func (w *TraceWindow) IdleSince() time.Time { return w.lastAppend }

// Append buffers one span. A span carrying the trace-complete marker also
// marks the window complete; the manager then triggers the final
// evaluation.
func (w *TraceWindow) Append(span model.Span) error {
	switch w.state {
	case StateOpen:
	case StateEvaluating:
		return ErrWindowBusy
	case StateClosed:
		return ErrWindowClosed
	default:
		return transitionError(w.state, StateOpen)
	}
	if span.TenantID != w.tenantID || span.TraceID != w.traceID {
		return fmt.Errorf("%w: got %s/%s, want %s/%s",
			ErrSpanMismatch, span.TenantID, span.TraceID, w.tenantID, w.traceID)
	}

	w.spans = append(w.spans, span)
	w.lastAppend = time.Now()
	if span.TraceComplete {
		w.complete = true
	}
	return nil
}

// beginEvaluation moves the window to StateEvaluating and hands out the
// spans to run. The returned slice is the window's own buffer; the caller
// must finish with slide or close before touching the window again.
func (w *TraceWindow) beginEvaluation() ([]model.Span, error) {
	if w.state != StateOpen {
		return nil, transitionError(w.state, StateEvaluating)
	}
	w.state = StateEvaluating
	return w.spans, nil
}

// slide finishes an evaluation by retaining the last keep spans and
// re-opening the window. The slide happens whether or not the evaluation
// succeeded: holding a full window for redelivery would break the memory
// bound.
func (w *TraceWindow) slide(keep int) error {
	if w.state != StateEvaluating {
		return transitionError(w.state, StateSlid)
	}
	if keep > len(w.spans) {
		keep = len(w.spans)
	}
	tail := w.spans[len(w.spans)-keep:]
	w.spans = append(w.spans[:0:cap(w.spans)], tail...)
	// StateSlid is transient: a slid window is immediately open again.
	w.state = StateOpen
	w.slides++
	return nil
}

// close discards all state. Legal from open and evaluating; idempotent
// when already closed.
func (w *TraceWindow) close() {
	w.spans = nil
	w.state = StateClosed
}
