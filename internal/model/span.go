// Package model defines the core domain types of the rule evaluation engine:
// spans, compiled rules, signals, and capability events. All types are
// immutable once observed by the engine.
package model

import (
	"fmt"
	"time"
)

// Span is one OTEL unit of work as seen by the engine. Immutable.
//
// TraceComplete is set by the producer when it knows no more spans for this
// trace will arrive; the window manager uses it to trigger a final evaluation.
type Span struct {
	TraceID       string         `json:"trace_id"`
	SpanID        string         `json:"span_id"`
	TenantID      string         `json:"tenant_id"`
	Name          string         `json:"name"`
	Timestamp     time.Time      `json:"timestamp"`
	Attributes    map[string]any `json:"attributes,omitempty"`
	TraceComplete bool           `json:"trace_complete,omitempty"`
}

// Attr returns a span attribute and whether it was present.
func (s Span) Attr(key string) (any, bool) {
	v, ok := s.Attributes[key]
	return v, ok
}

// AttrString returns a span attribute as a string, or "" if absent or not a string.
func (s Span) AttrString(key string) string {
	if v, ok := s.Attributes[key].(string); ok {
		return v
	}
	return ""
}

// AttrBool returns a span attribute as a bool. Absent or non-bool values are false.
func (s Span) AttrBool(key string) bool {
	v, ok := s.Attributes[key].(bool)
	return ok && v
}

// Validate checks the identifying fields every span must carry before it
// enters the engine.
func (s Span) Validate() error {
	if s.TraceID == "" {
		return fmt.Errorf("model: span missing trace_id")
	}
	if s.SpanID == "" {
		return fmt.Errorf("model: span %s missing span_id", s.TraceID)
	}
	if s.TenantID == "" {
		return fmt.Errorf("model: span %s/%s missing tenant_id", s.TraceID, s.SpanID)
	}
	return nil
}
