package betrace

import "time"

// Public types are standalone structs with no internal imports so embedding
// consumers never depend on internal packages. Conversion helpers live in
// convert.go, the only file that sees both sides of the boundary.

// Severity classifies the impact of a signal.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Span is one observed operation within a trace. TraceComplete marks the
// final span of a trace and triggers the closing evaluation.
type Span struct {
	TraceID       string         `json:"trace_id"`
	SpanID        string         `json:"span_id"`
	TenantID      string         `json:"tenant_id"`
	Name          string         `json:"name"`
	Timestamp     time.Time      `json:"timestamp"`
	Attributes    map[string]any `json:"attributes,omitempty"`
	TraceComplete bool           `json:"trace_complete,omitempty"`
}

// Signal is an immutable statement that a rule matched. Signature, when
// present, is a detached signature over the signal's canonical encoding.
type Signal struct {
	ID          string         `json:"id"`
	RuleID      string         `json:"rule_id"`
	RuleVersion string         `json:"rule_version"`
	TenantID    string         `json:"tenant_id"`
	TraceID     string         `json:"trace_id"`
	SpanIDs     []string       `json:"span_ids"`
	Severity    Severity       `json:"severity"`
	Context     map[string]any `json:"context,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	Signature   string         `json:"signature,omitempty"`
}

// CapabilityEvent is one audit record of a capability invocation. Sequence
// is monotonic per engine instance and ChainHash links each event to its
// predecessor, making the recorded order tamper-evident.
type CapabilityEvent struct {
	ID         string    `json:"id"`
	Capability string    `json:"capability"`
	RuleID     string    `json:"rule_id"`
	TenantID   string    `json:"tenant_id"`
	TraceID    string    `json:"trace_id,omitempty"`
	Allowed    bool      `json:"allowed"`
	Violation  string    `json:"violation,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Sequence   uint64    `json:"sequence"`
	ChainHash  string    `json:"chain_hash"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Rule is a compiled, tenant-scoped rule. Match receives the spans under
// evaluation and a capability surface scoped to the evaluating tenant; it
// is the only way rule code can act on the outside world.
type Rule struct {
	TenantID string
	ID       string
	Version  string
	Name     string
	Severity Severity
	Enabled  bool
	Match    func(caps Capabilities, trace []Span) error
}
