package betrace

import (
	"context"

	"github.com/betracehq/betrace/internal/model"
)

func toModelSpan(s Span) model.Span {
	return model.Span{
		TraceID:       s.TraceID,
		SpanID:        s.SpanID,
		TenantID:      s.TenantID,
		Name:          s.Name,
		Timestamp:     s.Timestamp,
		Attributes:    s.Attributes,
		TraceComplete: s.TraceComplete,
	}
}

func toPublicSpan(s model.Span) Span {
	return Span{
		TraceID:       s.TraceID,
		SpanID:        s.SpanID,
		TenantID:      s.TenantID,
		Name:          s.Name,
		Timestamp:     s.Timestamp,
		Attributes:    s.Attributes,
		TraceComplete: s.TraceComplete,
	}
}

func toPublicSpans(spans []model.Span) []Span {
	out := make([]Span, len(spans))
	for i, s := range spans {
		out[i] = toPublicSpan(s)
	}
	return out
}

func toPublicSignal(s model.Signal) Signal {
	return Signal{
		ID:          s.ID.String(),
		RuleID:      s.RuleID,
		RuleVersion: s.RuleVersion,
		TenantID:    s.TenantID,
		TraceID:     s.TraceID,
		SpanIDs:     s.SpanIDs,
		Severity:    Severity(s.Severity),
		Context:     s.Context,
		CreatedAt:   s.CreatedAt,
		Signature:   s.Signature,
	}
}

func toPublicSignals(signals []model.Signal) []Signal {
	out := make([]Signal, len(signals))
	for i, s := range signals {
		out[i] = toPublicSignal(s)
	}
	return out
}

func toPublicEvent(e model.CapabilityEvent) CapabilityEvent {
	return CapabilityEvent{
		ID:         e.ID.String(),
		Capability: string(e.Capability),
		RuleID:     e.RuleID,
		TenantID:   e.TenantID,
		TraceID:    e.TraceID,
		Allowed:    e.Allowed,
		Violation:  string(e.Violation),
		Detail:     e.Detail,
		Sequence:   e.Sequence,
		ChainHash:  e.ChainHash,
		RecordedAt: e.RecordedAt,
	}
}

// capsAdapter exposes the internal capability surface to public rule code.
type capsAdapter struct {
	inner model.Capabilities
}

func (c capsAdapter) EmitSignal(ruleID string, severity Severity, context map[string]any) (Signal, error) {
	sig, err := c.inner.EmitSignal(ruleID, model.Severity(severity), context)
	if err != nil {
		return Signal{}, err
	}
	return toPublicSignal(sig), nil
}

func (c capsAdapter) Log(ruleID, message string) { c.inner.Log(ruleID, message) }

func (c capsAdapter) CurrentTraceID() string { return c.inner.CurrentTraceID() }

func (c capsAdapter) CurrentTenantID() string { return c.inner.CurrentTenantID() }

// ruleSourceAdapter bridges the public RuleSource into the engine.
type ruleSourceAdapter struct {
	src RuleSource
}

func (a ruleSourceAdapter) LoadRules(ctx context.Context, tenantID string) ([]model.CompiledRule, error) {
	rules, err := a.src.LoadRules(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	out := make([]model.CompiledRule, len(rules))
	for i, r := range rules {
		match := r.Match
		out[i] = model.CompiledRule{
			TenantID: r.TenantID,
			ID:       r.ID,
			Version:  r.Version,
			Name:     r.Name,
			Severity: model.Severity(r.Severity),
			Enabled:  r.Enabled,
			Program: model.ProgramFunc(func(caps model.Capabilities, trace []model.Span) error {
				return match(capsAdapter{inner: caps}, toPublicSpans(trace))
			}),
		}
	}
	return out, nil
}

// signalSinkAdapter bridges a public SignalSink into the batcher.
type signalSinkAdapter struct {
	sink SignalSink
}

func (a signalSinkAdapter) AcceptBatch(ctx context.Context, signals []model.Signal) error {
	return a.sink.AcceptBatch(ctx, toPublicSignals(signals))
}

// auditSinkAdapter bridges a public AuditSink into the audit recorder.
type auditSinkAdapter struct {
	sink AuditSink
}

func (a auditSinkAdapter) Append(ctx context.Context, e model.CapabilityEvent) error {
	return a.sink.Append(ctx, toPublicEvent(e))
}
