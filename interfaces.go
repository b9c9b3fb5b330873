package betrace

import "context"

// Capabilities is everything rule code may do during an evaluation. All
// methods are tenant-scoped to the evaluation in progress; attempts to act
// outside that scope fail closed and are audited.
type Capabilities interface {
	// EmitSignal creates an immutable signal under the calling rule's id.
	// The returned signal carries the evaluation's tenant and trace ids;
	// rule code cannot override them.
	EmitSignal(ruleID string, severity Severity, context map[string]any) (Signal, error)

	// Log records a sanitized diagnostic message. Never fails.
	Log(ruleID, message string)

	// CurrentTraceID returns the trace id bound to this evaluation.
	CurrentTraceID() string

	// CurrentTenantID returns the tenant id bound to this evaluation.
	CurrentTenantID() string
}

// RuleSource supplies a tenant's current compiled rules. Called on session
// cache miss and after InvalidateTenant. Rule compilation and storage are
// collaborator concerns.
type RuleSource interface {
	LoadRules(ctx context.Context, tenantID string) ([]Rule, error)
}

// SignalSink receives signal batches for durable storage. Batches that
// keep failing are routed to the dead-letter store, never dropped
// silently.
type SignalSink interface {
	AcceptBatch(ctx context.Context, signals []Signal) error
}

// AuditSink receives capability events in recorded order.
type AuditSink interface {
	Append(ctx context.Context, event CapabilityEvent) error
}

// Signer produces a detached signature over a signal's canonical bytes.
// The default is HMAC-SHA256 keyed by BETRACE_SIGNING_KEY; replace it to
// integrate external key management.
type Signer interface {
	Sign(data []byte) (string, error)
}
