package model

import (
	"time"

	"github.com/google/uuid"
)

// Capability names the operations of the capability surface.
type Capability string

const (
	CapabilityEmitSignal  Capability = "emit_signal"
	CapabilityLog         Capability = "log"
	CapabilityReadContext Capability = "read_context"
)

// ViolationClass classifies a rejected capability invocation.
type ViolationClass string

const (
	ViolationUnauthorizedAction    ViolationClass = "UNAUTHORIZED_ACTION"
	ViolationCrossTenantAccess     ViolationClass = "CROSS_TENANT_ACCESS"
	ViolationContextMisuse         ViolationClass = "CONTEXT_MISUSE"
	ViolationResourceLimitExceeded ViolationClass = "RESOURCE_LIMIT_EXCEEDED"
)

// Critical reports whether the class triggers alerting in addition to the
// standard audit record.
func (c ViolationClass) Critical() bool {
	return c == ViolationCrossTenantAccess || c == ViolationResourceLimitExceeded
}

// CapabilityEvent is an immutable, ordered record of one capability
// invocation: which capability, by which rule, for which tenant/trace, and
// whether it was allowed. Rejected invocations carry a violation class.
//
// Sequence and ChainHash are assigned by the audit recorder: Sequence is a
// per-recorder monotonic counter and ChainHash links each event to its
// predecessor, making the recorded order tamper-evident.
type CapabilityEvent struct {
	ID         uuid.UUID      `json:"id"`
	Capability Capability     `json:"capability"`
	RuleID     string         `json:"rule_id"`
	TenantID   string         `json:"tenant_id"`
	TraceID    string         `json:"trace_id,omitempty"`
	Allowed    bool           `json:"allowed"`
	Violation  ViolationClass `json:"violation,omitempty"`
	Detail     string         `json:"detail,omitempty"`
	Sequence   uint64         `json:"sequence"`
	ChainHash  string         `json:"chain_hash"`
	RecordedAt time.Time      `json:"recorded_at"`
}
