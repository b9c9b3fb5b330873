package sandbox

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/betracehq/betrace/internal/model"
)

// Signer produces a detached signature over canonical signal bytes.
// Key management is a collaborator concern; the engine treats signing as a
// black box. A nil Signer disables signing.
type Signer interface {
	Sign(data []byte) (string, error)
}

// Reserved context keys a rule may not forge. Attempting to set tenant_id or
// trace_id to a value other than the active context's is a cross-tenant
// access attempt.
const (
	ctxKeyTenantID = "tenant_id"
	ctxKeyTraceID  = "trace_id"
)

// Surface is the sole implementation of model.Capabilities. One Surface is
// owned by one RuleSession and is therefore never concurrently invoked; the
// session's single-owner discipline is the synchronization.
type Surface struct {
	recorder       *Recorder
	signer         Signer
	maxEmitPerRule int

	// active is the current evaluation scope, nil between evaluations.
	active *evalScope
}

// evalScope is the per-evaluation context visible to capability calls.
type evalScope struct {
	tenantID    string
	traceID     string
	ruleID      string // set per rule as it fires
	ruleVersion string
	spanIDs     []string
	tags        map[string]any // engine-stamped context, merged into every signal

	signals   []model.Signal
	emitCount map[string]int // per-rule emissions this evaluation
}

// NewSurface creates a capability surface recording through recorder.
// maxEmitPerRule bounds signal emissions per rule per evaluation; beyond it,
// EmitSignal fails with RESOURCE_LIMIT_EXCEEDED.
func NewSurface(recorder *Recorder, signer Signer, maxEmitPerRule int) *Surface {
	return &Surface{
		recorder:       recorder,
		signer:         signer,
		maxEmitPerRule: maxEmitPerRule,
	}
}

// Begin opens an evaluation context for one Evaluate call. The returned
// release function clears the context and must run on every exit path,
// including panics (callers defer it immediately). Optional tag maps are
// engine-provided context stamped onto every signal emitted in this scope,
// before signing; rules cannot override them.
func (s *Surface) Begin(tenantID, traceID string, spanIDs []string, tags ...map[string]any) (release func()) {
	scope := &evalScope{
		tenantID:  tenantID,
		traceID:   traceID,
		spanIDs:   spanIDs,
		emitCount: make(map[string]int),
	}
	for _, t := range tags {
		for k, v := range t {
			if scope.tags == nil {
				scope.tags = make(map[string]any, len(t))
			}
			scope.tags[k] = v
		}
	}
	s.active = scope
	return func() { s.active = nil }
}

// SetRule marks the rule whose action is currently running. Called by the
// evaluator immediately before each rule fires; emissions under any other
// rule id are rejected as UNAUTHORIZED_ACTION.
func (s *Surface) SetRule(ruleID, version string) {
	if s.active != nil {
		s.active.ruleID = ruleID
		s.active.ruleVersion = version
	}
}

// Signals returns the signals emitted during the active evaluation.
// Valid until release is called.
func (s *Surface) Signals() []model.Signal {
	if s.active == nil {
		return nil
	}
	return s.active.signals
}

// EmitSignal implements model.Capabilities.
func (s *Surface) EmitSignal(ruleID string, severity model.Severity, context map[string]any) (model.Signal, error) {
	scope := s.active
	if scope == nil {
		s.recorder.RecordViolation(model.CapabilityEvent{
			Capability: model.CapabilityEmitSignal,
			RuleID:     ruleID,
		}, model.ViolationContextMisuse, "emit_signal outside evaluation context")
		return model.Signal{}, ErrContextNotSet
	}

	if scope.ruleID != "" && ruleID != scope.ruleID {
		return model.Signal{}, s.reject(model.CapabilityEmitSignal, ruleID,
			model.ViolationUnauthorizedAction, "emit under foreign rule id (active rule "+scope.ruleID+")")
	}

	if !severity.Valid() {
		return model.Signal{}, s.reject(model.CapabilityEmitSignal, ruleID,
			model.ViolationUnauthorizedAction, "invalid severity "+string(severity))
	}

	// Forged identity in the context map is a cross-tenant attempt: the only
	// tenant/trace a rule may emit for is the one bound to this evaluation.
	if v, ok := context[ctxKeyTenantID].(string); ok && v != scope.tenantID {
		return model.Signal{}, s.reject(model.CapabilityEmitSignal, ruleID,
			model.ViolationCrossTenantAccess, "context tenant_id "+v+" does not match evaluation tenant")
	}
	if v, ok := context[ctxKeyTraceID].(string); ok && v != scope.traceID {
		return model.Signal{}, s.reject(model.CapabilityEmitSignal, ruleID,
			model.ViolationCrossTenantAccess, "context trace_id "+v+" does not match evaluation trace")
	}

	if scope.emitCount[ruleID] >= s.maxEmitPerRule {
		return model.Signal{}, s.reject(model.CapabilityEmitSignal, ruleID,
			model.ViolationResourceLimitExceeded,
			fmt.Sprintf("emit limit of %d signals per rule per evaluation exceeded", s.maxEmitPerRule))
	}
	scope.emitCount[ruleID]++

	merged := copyContext(context)
	if len(scope.tags) > 0 {
		if merged == nil {
			merged = make(map[string]any, len(scope.tags))
		}
		for k, v := range scope.tags {
			merged[k] = v
		}
	}

	sig := model.Signal{
		ID:          uuid.New(),
		RuleID:      ruleID,
		RuleVersion: scope.ruleVersion,
		TenantID:    scope.tenantID,
		TraceID:     scope.traceID,
		SpanIDs:     append([]string(nil), scope.spanIDs...),
		Severity:    severity,
		Context:     merged,
		CreatedAt:   time.Now().UTC(),
	}
	if s.signer != nil {
		signature, err := s.signer.Sign(canonicalSignalBytes(sig))
		if err != nil {
			// Signing failure is an engine fault, not a rule violation; the
			// signal is still emitted, unsigned, and the failure is auditable.
			s.recorder.Record(model.CapabilityEvent{
				Capability: model.CapabilityEmitSignal,
				RuleID:     ruleID,
				TenantID:   scope.tenantID,
				TraceID:    scope.traceID,
				Allowed:    true,
				Detail:     "signer unavailable: " + err.Error(),
			})
		} else {
			sig.Signature = signature
		}
	}
	scope.signals = append(scope.signals, sig)

	s.recorder.Record(model.CapabilityEvent{
		Capability: model.CapabilityEmitSignal,
		RuleID:     ruleID,
		TenantID:   scope.tenantID,
		TraceID:    scope.traceID,
		Allowed:    true,
	})
	return sig, nil
}

// Log implements model.Capabilities. Never returns an error and never blocks.
func (s *Surface) Log(ruleID, message string) {
	scope := s.active
	if scope == nil {
		s.recorder.RecordViolation(model.CapabilityEvent{
			Capability: model.CapabilityLog,
			RuleID:     ruleID,
		}, model.ViolationContextMisuse, "log outside evaluation context")
		return
	}
	s.recorder.Record(model.CapabilityEvent{
		Capability: model.CapabilityLog,
		RuleID:     ruleID,
		TenantID:   scope.tenantID,
		TraceID:    scope.traceID,
		Allowed:    true,
		Detail:     sanitizeLogMessage(message),
	})
}

// CurrentTraceID implements model.Capabilities.
func (s *Surface) CurrentTraceID() string {
	if s.active == nil {
		return ""
	}
	return s.active.traceID
}

// CurrentTenantID implements model.Capabilities.
func (s *Surface) CurrentTenantID() string {
	if s.active == nil {
		return ""
	}
	return s.active.tenantID
}

// reject records a violation event and returns the matching ViolationError.
func (s *Surface) reject(cap model.Capability, ruleID string, class model.ViolationClass, detail string) error {
	ev := model.CapabilityEvent{
		Capability: cap,
		RuleID:     ruleID,
	}
	if s.active != nil {
		ev.TenantID = s.active.tenantID
		ev.TraceID = s.active.traceID
	}
	s.recorder.RecordViolation(ev, class, detail)
	return &ViolationError{Class: class, Capability: cap, RuleID: ruleID, Detail: detail}
}

func copyContext(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

