package window

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betracehq/betrace/internal/engine"
	"github.com/betracehq/betrace/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// evalCall records one evaluator invocation.
type evalCall struct {
	tenantID string
	traceID  string
	spanIDs  []string
	tags     map[string]any
}

// fakeEvaluator records calls and returns one signal per batch.
type fakeEvaluator struct {
	mu    sync.Mutex
	calls []evalCall
	block chan struct{} // when set, Evaluate waits on it
	err   error
}

func (f *fakeEvaluator) Evaluate(ctx context.Context, tenantID, traceID string, spans []model.Span) ([]model.Signal, error) {
	if f.block != nil {
		<-f.block
	}
	ids := make([]string, len(spans))
	for i, sp := range spans {
		ids[i] = sp.SpanID
	}
	f.mu.Lock()
	f.calls = append(f.calls, evalCall{
		tenantID: tenantID,
		traceID:  traceID,
		spanIDs:  ids,
		tags:     engine.EvalTags(ctx),
	})
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return []model.Signal{{
		ID:       uuid.New(),
		RuleID:   "r1",
		TenantID: tenantID,
		TraceID:  traceID,
		SpanIDs:  ids,
		Severity: model.SeverityLow,
	}}, f.err
}

func (f *fakeEvaluator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeEvaluator) call(i int) evalCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

// signalCollector is a SignalHandler that keeps everything it receives.
type signalCollector struct {
	mu      sync.Mutex
	signals []model.Signal
}

func (c *signalCollector) handle(_ context.Context, signals []model.Signal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signals = append(c.signals, signals...)
}

func (c *signalCollector) all() []model.Signal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.Signal(nil), c.signals...)
}

func testConfig() Config {
	return Config{
		WindowSize:      10,
		OverlapFraction: 0.2,
		MaxTraceAge:     time.Hour,
		MaxOpenWindows:  100,
		EvalOnAgeOut:    true,
		SweepInterval:   time.Hour,
	}
}

func newTestManager(t *testing.T, cfg Config, eval *fakeEvaluator) (*Manager, *signalCollector) {
	t.Helper()
	collector := &signalCollector{}
	m := NewManager(cfg, eval, collector.handle, testLogger())
	t.Cleanup(m.Close)
	return m, collector
}

func feed(t *testing.T, m *Manager, tenantID, traceID string, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		require.NoError(t, m.Add(context.Background(), span(tenantID, traceID, fmt.Sprintf("s%d", i))))
	}
}

func TestManagerEvaluatesOnFullWindow(t *testing.T) {
	eval := &fakeEvaluator{}
	m, collector := newTestManager(t, testConfig(), eval)

	feed(t, m, "acme", "t1", 9)
	assert.Zero(t, eval.callCount())

	feed(t, m, "acme", "t1", 1)
	require.Equal(t, 1, eval.callCount())
	assert.Len(t, eval.call(0).spanIDs, 10)
	assert.Len(t, collector.all(), 1)

	// Slid: overlap of 2 retained, window still open.
	assert.Equal(t, 1, m.OpenWindows())
}

func TestManagerOverlapCarriesAcrossSlides(t *testing.T) {
	eval := &fakeEvaluator{}
	m, _ := newTestManager(t, testConfig(), eval)

	feed(t, m, "acme", "t1", 10) // eval 1: s1..s10, keeps s9,s10
	for i := 11; i <= 18; i++ {  // eval 2 at 10 spans again
		require.NoError(t, m.Add(context.Background(), span("acme", "t1", fmt.Sprintf("s%d", i))))
	}
	require.Equal(t, 2, eval.callCount())

	second := eval.call(1).spanIDs
	require.Len(t, second, 10)
	assert.Equal(t, "s9", second[0], "overlap tail participates in the next window")
	assert.Equal(t, "s10", second[1])
	assert.Equal(t, "s18", second[9])
}

func TestManagerEvaluationCountMatchesOverlapFormula(t *testing.T) {
	const n = 50
	cfg := testConfig() // W=10, f=0.2
	eval := &fakeEvaluator{}
	m, _ := newTestManager(t, cfg, eval)

	feed(t, m, "acme", "t1", n)
	require.NoError(t, m.MarkTraceComplete(context.Background(), "acme", "t1"))

	expected := int(math.Ceil(float64(n) / (float64(cfg.WindowSize) * (1 - cfg.OverlapFraction))))
	got := eval.callCount()
	assert.InDelta(t, expected, got, 1, "evaluation count must match the overlap formula within 1")

	last := eval.call(got - 1).spanIDs
	assert.Equal(t, fmt.Sprintf("s%d", n), last[len(last)-1], "last window includes the most recent span")
	assert.Zero(t, m.OpenWindows())
}

func TestManagerTraceCompleteSpanClosesWindow(t *testing.T) {
	eval := &fakeEvaluator{}
	m, collector := newTestManager(t, testConfig(), eval)

	feed(t, m, "acme", "t1", 3)
	last := span("acme", "t1", "s4")
	last.TraceComplete = true
	require.NoError(t, m.Add(context.Background(), last))

	require.Equal(t, 1, eval.callCount())
	assert.Len(t, eval.call(0).spanIDs, 4)
	assert.Zero(t, m.OpenWindows(), "completed trace discards all state")
	assert.Len(t, collector.all(), 1)
}

func TestManagerMarkCompleteUnknownTraceIsNoop(t *testing.T) {
	eval := &fakeEvaluator{}
	m, _ := newTestManager(t, testConfig(), eval)

	require.NoError(t, m.MarkTraceComplete(context.Background(), "acme", "missing"))
	assert.Zero(t, eval.callCount())
}

func TestManagerBusyWindowRejectsSpans(t *testing.T) {
	eval := &fakeEvaluator{block: make(chan struct{})}
	m, _ := newTestManager(t, testConfig(), eval)

	done := make(chan error, 1)
	go func() {
		var err error
		for i := 1; i <= 10 && err == nil; i++ {
			err = m.Add(context.Background(), span("acme", "t1", fmt.Sprintf("s%d", i)))
		}
		done <- err
	}()

	// Wait until the 10th span has the evaluator blocked.
	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		w, ok := m.windows[windowKey("acme", "t1")]
		return ok && w.State() == StateEvaluating
	}, time.Second, time.Millisecond)

	err := m.Add(context.Background(), span("acme", "t1", "s11"))
	assert.ErrorIs(t, err, ErrWindowBusy)

	close(eval.block)
	require.NoError(t, <-done)
}

func TestManagerOpenWindowBound(t *testing.T) {
	cfg := testConfig()
	cfg.MaxOpenWindows = 2
	eval := &fakeEvaluator{}
	m, _ := newTestManager(t, cfg, eval)

	require.NoError(t, m.Add(context.Background(), span("acme", "t1", "s1")))
	require.NoError(t, m.Add(context.Background(), span("acme", "t2", "s1")))

	err := m.Add(context.Background(), span("acme", "t3", "s1"))
	assert.ErrorIs(t, err, ErrTooManyOpenWindows)

	// Existing traces still accept spans.
	assert.NoError(t, m.Add(context.Background(), span("acme", "t1", "s2")))
}

func TestManagerAgeOutEvaluatesPartialWindow(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTraceAge = 10 * time.Millisecond
	cfg.SweepInterval = 5 * time.Millisecond
	eval := &fakeEvaluator{}
	m, collector := newTestManager(t, cfg, eval)

	feed(t, m, "acme", "t1", 3)

	require.Eventually(t, func() bool { return m.OpenWindows() == 0 }, time.Second, time.Millisecond)
	require.Equal(t, 1, eval.callCount())
	assert.Len(t, eval.call(0).spanIDs, 3)
	assert.Equal(t, map[string]any{"window.aged_out": true}, eval.call(0).tags)
	assert.Len(t, collector.all(), 1)
}

func TestManagerAgeOutDiscardWhenDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTraceAge = 10 * time.Millisecond
	cfg.SweepInterval = 5 * time.Millisecond
	cfg.EvalOnAgeOut = false
	eval := &fakeEvaluator{}
	m, collector := newTestManager(t, cfg, eval)

	feed(t, m, "acme", "t1", 3)

	require.Eventually(t, func() bool { return m.OpenWindows() == 0 }, time.Second, time.Millisecond)
	assert.Zero(t, eval.callCount(), "disabled age-out evaluation discards silently")
	assert.Empty(t, collector.all())
}

func TestManagerEvaluatorFailureStillSlides(t *testing.T) {
	eval := &fakeEvaluator{err: context.DeadlineExceeded}
	m, _ := newTestManager(t, testConfig(), eval)

	for i := 1; i <= 9; i++ {
		require.NoError(t, m.Add(context.Background(), span("acme", "t1", fmt.Sprintf("s%d", i))))
	}
	err := m.Add(context.Background(), span("acme", "t1", "s10"))
	require.Error(t, err)

	// The window slid despite the failure: the memory bound holds.
	m.mu.Lock()
	w := m.windows[windowKey("acme", "t1")]
	m.mu.Unlock()
	require.NotNil(t, w)
	assert.Equal(t, StateOpen, w.State())
	assert.Equal(t, 2, w.Len())
}

func TestManagerFlushEvaluatesBufferedSpans(t *testing.T) {
	eval := &fakeEvaluator{}
	m, collector := newTestManager(t, testConfig(), eval)

	feed(t, m, "acme", "t1", 4)
	feed(t, m, "globex", "t2", 2)

	m.Flush(context.Background())

	assert.Equal(t, 2, eval.callCount())
	assert.Zero(t, m.OpenWindows())
	assert.Len(t, collector.all(), 2)
}
