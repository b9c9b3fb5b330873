package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	betrace "github.com/betracehq/betrace"
)

// ruleDef is one declarative rule from the rules file. A rule fires for a
// trace when some span matches `when` and no span matches `unless`.
type ruleDef struct {
	TenantID string         `json:"tenant_id"`
	ID       string         `json:"id"`
	Version  string         `json:"version"`
	Name     string         `json:"name"`
	Severity string         `json:"severity"`
	Enabled  *bool          `json:"enabled,omitempty"` // default true
	When     spanMatcher    `json:"when"`
	Unless   *spanMatcher   `json:"unless,omitempty"`
	Context  map[string]any `json:"context,omitempty"`
}

// spanMatcher matches a single span by name and/or attributes.
type spanMatcher struct {
	Name       string            `json:"name,omitempty"`
	AttrTrue   string            `json:"attr_true,omitempty"`
	AttrEquals map[string]string `json:"attr_equals,omitempty"`
}

func (m spanMatcher) empty() bool {
	return m.Name == "" && m.AttrTrue == "" && len(m.AttrEquals) == 0
}

func (m spanMatcher) matches(span betrace.Span) bool {
	if m.Name != "" && span.Name != m.Name {
		return false
	}
	if m.AttrTrue != "" {
		v, ok := span.Attributes[m.AttrTrue].(bool)
		if !ok || !v {
			return false
		}
	}
	for key, want := range m.AttrEquals {
		got, ok := span.Attributes[key].(string)
		if !ok || got != want {
			return false
		}
	}
	return true
}

// fileRuleSource serves rules loaded once at startup, grouped by tenant.
type fileRuleSource struct {
	byTenant map[string][]betrace.Rule
}

func loadRuleFile(path string) (*fileRuleSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var defs []ruleDef
	if err := json.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	src := &fileRuleSource{byTenant: make(map[string][]betrace.Rule)}
	for i, def := range defs {
		if def.TenantID == "" || def.ID == "" {
			return nil, fmt.Errorf("rule %d: tenant_id and id are required", i)
		}
		if def.When.empty() {
			return nil, fmt.Errorf("rule %s: a when matcher is required", def.ID)
		}
		src.byTenant[def.TenantID] = append(src.byTenant[def.TenantID], compileRule(def))
	}
	return src, nil
}

func compileRule(def ruleDef) betrace.Rule {
	version := def.Version
	if version == "" {
		version = "v1"
	}
	severity := betrace.Severity(def.Severity)
	if severity == "" {
		severity = betrace.SeverityMedium
	}
	enabled := def.Enabled == nil || *def.Enabled

	return betrace.Rule{
		TenantID: def.TenantID,
		ID:       def.ID,
		Version:  version,
		Name:     def.Name,
		Severity: severity,
		Enabled:  enabled,
		Match: func(caps betrace.Capabilities, trace []betrace.Span) error {
			var matched *betrace.Span
			for i := range trace {
				if def.When.matches(trace[i]) {
					matched = &trace[i]
					break
				}
			}
			if matched == nil {
				return nil
			}
			if def.Unless != nil {
				for i := range trace {
					if def.Unless.matches(trace[i]) {
						return nil
					}
				}
			}

			sigCtx := make(map[string]any, len(def.Context)+1)
			for k, v := range def.Context {
				sigCtx[k] = v
			}
			sigCtx["matched_span_id"] = matched.SpanID
			_, err := caps.EmitSignal(def.ID, severity, sigCtx)
			return err
		},
	}
}

func (s *fileRuleSource) LoadRules(_ context.Context, tenantID string) ([]betrace.Rule, error) {
	return s.byTenant[tenantID], nil
}

func (s *fileRuleSource) count() int {
	n := 0
	for _, rules := range s.byTenant {
		n += len(rules)
	}
	return n
}
