package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/betracehq/betrace/internal/model"
	"github.com/betracehq/betrace/internal/sandbox"
	"github.com/betracehq/betrace/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func makeSpan(tenantID, traceID, spanID, name string, attrs map[string]any) model.Span {
	return model.Span{
		TraceID:    traceID,
		SpanID:     spanID,
		TenantID:   tenantID,
		Name:       name,
		Timestamp:  time.Now(),
		Attributes: attrs,
	}
}

// emitRule builds an enabled rule whose program emits one signal per call.
func emitRule(tenantID, id string, severity model.Severity) model.CompiledRule {
	return model.CompiledRule{
		TenantID: tenantID,
		ID:       id,
		Version:  "v1",
		Name:     id,
		Severity: severity,
		Enabled:  true,
		Program: model.ProgramFunc(func(caps model.Capabilities, trace []model.Span) error {
			_, err := caps.EmitSignal(id, severity, map[string]any{"spans": len(trace)})
			return err
		}),
	}
}

// staticRuleSource serves a fixed rule set per tenant and counts loads.
type staticRuleSource struct {
	mu    sync.Mutex
	rules map[string][]model.CompiledRule
	loads map[string]int
	delay time.Duration
	err   error
}

func newStaticRuleSource() *staticRuleSource {
	return &staticRuleSource{
		rules: make(map[string][]model.CompiledRule),
		loads: make(map[string]int),
	}
}

func (s *staticRuleSource) add(rules ...model.CompiledRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rules {
		s.rules[r.TenantID] = append(s.rules[r.TenantID], r)
	}
}

func (s *staticRuleSource) LoadRules(_ context.Context, tenantID string) ([]model.CompiledRule, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.loads[tenantID]++
	return append([]model.CompiledRule(nil), s.rules[tenantID]...), nil
}

func (s *staticRuleSource) loadCount(tenantID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads[tenantID]
}

// testHarness wires a recorder, a session cache, and an evaluator against
// in-memory sinks.
type testHarness struct {
	source    *staticRuleSource
	auditSink *storage.MemoryAuditSink
	recorder  *sandbox.Recorder
	cache     *SessionCache
	evaluator *Evaluator
}

func newTestHarness(maxBatch int, timeout time.Duration) *testHarness {
	logger := testLogger()
	source := newStaticRuleSource()
	auditSink := &storage.MemoryAuditSink{}
	recorder := sandbox.NewRecorder(auditSink, logger, 256)

	recorder.Start()

	factory := func(tenantID string, rules []model.CompiledRule) (*Session, error) {
		surface := sandbox.NewSurface(recorder, nil, 100)
		return NewSession(tenantID, rules, surface, logger)
	}
	cache := NewSessionCache(source, factory, logger, 64, time.Hour)

	return &testHarness{
		source:    source,
		auditSink: auditSink,
		recorder:  recorder,
		cache:     cache,
		evaluator: NewEvaluator(cache, logger, maxBatch, timeout),
	}
}

func (h *testHarness) close() {
	h.cache.Close()
	drainCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	h.recorder.Drain(drainCtx)
}

// events drains the recorder queue and returns everything the sink has seen.
func (h *testHarness) events() []model.CapabilityEvent {
	drainCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	h.recorder.Drain(drainCtx)
	return h.auditSink.Events()
}
