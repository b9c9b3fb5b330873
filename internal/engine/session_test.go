package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betracehq/betrace/internal/model"
	"github.com/betracehq/betrace/internal/sandbox"
	"github.com/betracehq/betrace/internal/storage"
)

func newTestSession(t *testing.T, tenantID string, rules ...model.CompiledRule) (*Session, *storage.MemoryAuditSink, func() []model.CapabilityEvent) {
	t.Helper()
	logger := testLogger()
	sink := &storage.MemoryAuditSink{}
	recorder := sandbox.NewRecorder(sink, logger, 256)

	recorder.Start()
	t.Cleanup(func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		recorder.Drain(drainCtx)
	})

	events := func() []model.CapabilityEvent {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), time.Second)
		defer drainCancel()
		recorder.Drain(drainCtx)
		return sink.Events()
	}

	surface := sandbox.NewSurface(recorder, nil, 100)
	session, err := NewSession(tenantID, rules, surface, logger)
	require.NoError(t, err)
	return session, sink, events
}

func TestNewSessionRejectsForeignTenantRule(t *testing.T) {
	logger := testLogger()
	surface := sandbox.NewSurface(sandbox.NewRecorder(&storage.MemoryAuditSink{}, logger, 16), nil, 100)

	_, err := NewSession("acme", []model.CompiledRule{emitRule("globex", "r1", model.SeverityHigh)}, surface, logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "globex")
}

func TestSessionEvaluateEmitsSignals(t *testing.T) {
	session, _, _ := newTestSession(t, "acme", emitRule("acme", "r1", model.SeverityHigh))

	spans := []model.Span{makeSpan("acme", "t1", "s1", "db.query", nil)}
	signals, err := session.Evaluate(context.Background(), "t1", spans)
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, "acme", signals[0].TenantID)
	assert.Equal(t, "t1", signals[0].TraceID)
	assert.Equal(t, "r1", signals[0].RuleID)
	assert.Equal(t, "v1", signals[0].RuleVersion)
	assert.Equal(t, []string{"s1"}, signals[0].SpanIDs)
}

func TestSessionEvaluateDeterministicOrder(t *testing.T) {
	// Rules handed over out of order; evaluation sorts by id.
	session, _, _ := newTestSession(t, "acme",
		emitRule("acme", "zeta", model.SeverityLow),
		emitRule("acme", "alpha", model.SeverityHigh),
		emitRule("acme", "mid", model.SeverityMedium),
	)
	spans := []model.Span{makeSpan("acme", "t1", "s1", "op", nil)}

	for range 3 {
		signals, err := session.Evaluate(context.Background(), "t1", spans)
		require.NoError(t, err)
		require.Len(t, signals, 3)
		assert.Equal(t, "alpha", signals[0].RuleID)
		assert.Equal(t, "mid", signals[1].RuleID)
		assert.Equal(t, "zeta", signals[2].RuleID)
	}
}

func TestSessionEvaluateSkipsDisabledRules(t *testing.T) {
	disabled := emitRule("acme", "off", model.SeverityHigh)
	disabled.Enabled = false
	session, _, _ := newTestSession(t, "acme", disabled, emitRule("acme", "on", model.SeverityLow))

	signals, err := session.Evaluate(context.Background(), "t1", []model.Span{makeSpan("acme", "t1", "s1", "op", nil)})
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, "on", signals[0].RuleID)
}

func TestSessionEvaluatePanicIsolation(t *testing.T) {
	panicker := model.CompiledRule{
		TenantID: "acme", ID: "boom", Version: "v1", Name: "boom",
		Severity: model.SeverityLow, Enabled: true,
		Program: model.ProgramFunc(func(model.Capabilities, []model.Span) error {
			panic("rule bug")
		}),
	}
	session, _, _ := newTestSession(t, "acme", panicker, emitRule("acme", "zafter", model.SeverityHigh))

	signals, err := session.Evaluate(context.Background(), "t1", []model.Span{makeSpan("acme", "t1", "s1", "op", nil)})
	require.NoError(t, err)
	require.Len(t, signals, 1, "sibling rule must still fire")
	assert.Equal(t, "zafter", signals[0].RuleID)
	assert.Zero(t, session.FactCount(), "facts must be retracted after a panic")
}

func TestSessionEvaluateRuleErrorIsolation(t *testing.T) {
	failing := model.CompiledRule{
		TenantID: "acme", ID: "bad", Version: "v1", Name: "bad",
		Severity: model.SeverityLow, Enabled: true,
		Program: model.ProgramFunc(func(model.Capabilities, []model.Span) error {
			return errors.New("lookup failed")
		}),
	}
	session, _, _ := newTestSession(t, "acme", failing, emitRule("acme", "good", model.SeverityLow))

	signals, err := session.Evaluate(context.Background(), "t1", []model.Span{makeSpan("acme", "t1", "s1", "op", nil)})
	require.NoError(t, err)
	require.Len(t, signals, 1)
}

func TestSessionEvaluateRetractsOnEveryPath(t *testing.T) {
	session, _, _ := newTestSession(t, "acme", emitRule("acme", "r1", model.SeverityLow))
	spans := []model.Span{
		makeSpan("acme", "t1", "s1", "op", nil),
		makeSpan("acme", "t1", "s2", "op", nil),
	}

	for range 5 {
		_, err := session.Evaluate(context.Background(), "t1", spans)
		require.NoError(t, err)
		assert.Zero(t, session.FactCount())
	}
}

func TestSessionEvaluateTenantMismatch(t *testing.T) {
	session, _, _ := newTestSession(t, "acme", emitRule("acme", "r1", model.SeverityLow))

	_, err := session.Evaluate(context.Background(), "t1", []model.Span{makeSpan("globex", "t1", "s1", "op", nil)})
	require.ErrorIs(t, err, ErrTenantMismatch)
	assert.Zero(t, session.FactCount())

	_, err = session.Evaluate(context.Background(), "t1", []model.Span{makeSpan("acme", "other-trace", "s1", "op", nil)})
	require.ErrorIs(t, err, ErrTenantMismatch)
}

func TestSessionEvaluateTimeoutReturnsPartialSignals(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	slow := model.CompiledRule{
		TenantID: "acme", ID: "a-slow", Version: "v1", Name: "slow",
		Severity: model.SeverityLow, Enabled: true,
		Program: model.ProgramFunc(func(caps model.Capabilities, _ []model.Span) error {
			_, err := caps.EmitSignal("a-slow", model.SeverityLow, nil)
			cancel() // deadline expires while this rule runs
			return err
		}),
	}
	session, _, _ := newTestSession(t, "acme", slow, emitRule("acme", "z-next", model.SeverityLow))

	signals, err := session.Evaluate(ctx, "t1", []model.Span{makeSpan("acme", "t1", "s1", "op", nil)})
	require.ErrorIs(t, err, ErrEvaluationTimeout)
	require.Len(t, signals, 1, "signals emitted before the deadline are kept")
	assert.Equal(t, "a-slow", signals[0].RuleID)
	assert.Zero(t, session.FactCount())
}

func TestSessionViolationDoesNotPropagate(t *testing.T) {
	// A rule that trips the sandbox is aborted; Evaluate itself succeeds.
	offender := model.CompiledRule{
		TenantID: "acme", ID: "greedy", Version: "v1", Name: "greedy",
		Severity: model.SeverityLow, Enabled: true,
		Program: model.ProgramFunc(func(caps model.Capabilities, _ []model.Span) error {
			// Emitting under someone else's rule id is an unauthorized action.
			_, err := caps.EmitSignal("not-mine", model.SeverityLow, nil)
			return err
		}),
	}
	session, _, events := newTestSession(t, "acme", offender)

	signals, err := session.Evaluate(context.Background(), "t1", []model.Span{makeSpan("acme", "t1", "s1", "op", nil)})
	require.NoError(t, err)
	assert.Empty(t, signals)

	var denied int
	for _, e := range events() {
		if !e.Allowed {
			denied++
			assert.Equal(t, model.ViolationUnauthorizedAction, e.Violation)
		}
	}
	assert.Equal(t, 1, denied)
}
