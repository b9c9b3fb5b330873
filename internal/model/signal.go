package model

import (
	"time"

	"github.com/google/uuid"
)

// Severity classifies the impact of a signal.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is one of the declared severity levels.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Signal is the immutable output of a rule match. WORM semantics are enforced
// by the downstream ledger; the engine never mutates a Signal after creation.
//
// Signature is an opaque detached signature over the canonical signal bytes,
// produced by the configured Signer so downstream consumers can verify the
// signal was emitted by this engine and not altered in transit.
type Signal struct {
	ID          uuid.UUID      `json:"id"`
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
