package model

import "fmt"

// Capabilities is the complete set of operations reachable from rule code.
//
// Rule programs are compiled against this interface and nothing else: no
// reflection bridge, no access to engine internals, no storage handles. The
// sandbox package provides the only implementation, bound to the evaluation
// context of the call that fired the rule. Invocations outside a live
// evaluation context fail closed.
type Capabilities interface {
	// EmitSignal constructs an immutable Signal bound to the tenant and trace
	// of the current evaluation context. The context map is defensively copied.
	EmitSignal(ruleID string, severity Severity, context map[string]any) (Signal, error)

	// Log records a sanitized diagnostic line through the audit recorder.
	// It never returns an error and never blocks the evaluation.
	Log(ruleID, message string)

	// CurrentTraceID returns the trace id of the active evaluation context,
	// or "" outside one.
	CurrentTraceID() string

	// CurrentTenantID returns the tenant id of the active evaluation context,
	// or "" outside one.
	CurrentTenantID() string
}

// Program is the opaque executable matcher produced by the rule compiler.
//
// Match inspects the spans presented for one evaluation call and takes its
// actions exclusively through caps. Returning an error aborts this rule only;
// sibling rules in the same evaluation still run.
type Program interface {
	Match(caps Capabilities, trace []Span) error
}

// ProgramFunc adapts a plain function to the Program interface.
type ProgramFunc func(caps Capabilities, trace []Span) error

// Match implements Program.
func (f ProgramFunc) Match(caps Capabilities, trace []Span) error {
	return f(caps, trace)
}

// CompiledRule is the output of the out-of-scope DSL compiler: an identity
// plus an opaque matcher. Immutable; identified by (tenant id, rule id, version).
type CompiledRule struct {
	TenantID string
	ID       string
	Version  string
	Name     string
	Severity Severity
	Enabled  bool
	Program  Program
}

// Key returns the cache identity of the rule.
func (r CompiledRule) Key() string {
	return fmt.Sprintf("%s/%s@%s", r.TenantID, r.ID, r.Version)
}

// Validate checks the fields the engine relies on before loading a rule
// into a session.
func (r CompiledRule) Validate() error {
	if r.TenantID == "" {
		return fmt.Errorf("model: rule %q missing tenant_id", r.ID)
	}
	if r.ID == "" {
		return fmt.Errorf("model: rule for tenant %s missing id", r.TenantID)
	}
	if r.Program == nil {
		return fmt.Errorf("model: rule %s has no compiled program", r.Key())
	}
	return nil
}
