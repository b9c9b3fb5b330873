package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/betracehq/betrace/internal/model"
	"github.com/betracehq/betrace/internal/sandbox"
)

// Session is a tenant's working memory: the loaded compiled rules plus the
// spans inserted for the current evaluation call. A Session is owned by
// exactly one in-flight evaluation at a time — the cache serializes
// checkouts per tenant — so it needs no internal locking.
//
// Spans never accumulate across calls: Evaluate retracts every inserted
// fact on all exit paths. This is the primary OOM-prevention invariant.
type Session struct {
	tenantID string
	rules    []model.CompiledRule
	surface  *sandbox.Surface
	logger   *slog.Logger

	facts []model.Span
}

// NewSession builds a session from the tenant's current compiled rules.
// Rules are validated and sorted by id so evaluation order — and therefore
// the emitted signal multiset — is deterministic across calls.
// A rule compiled for a different tenant fails construction outright.
func NewSession(tenantID string, rules []model.CompiledRule, surface *sandbox.Surface, logger *slog.Logger) (*Session, error) {
	sorted := make([]model.CompiledRule, 0, len(rules))
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("engine: session for tenant %s: %w", tenantID, err)
		}
		if r.TenantID != tenantID {
			return nil, fmt.Errorf("engine: rule %s belongs to tenant %s, not %s", r.ID, r.TenantID, tenantID)
		}
		sorted = append(sorted, r)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	return &Session{
		tenantID: tenantID,
		rules:    sorted,
		surface:  surface,
		logger:   logger,
	}, nil
}

// TenantID returns the tenant this session is scoped to.
func (s *Session) TenantID() string {
	return s.tenantID
}

// RuleCount returns the number of loaded rules.
func (s *Session) RuleCount() int {
	return len(s.rules)
}

// FactCount returns the number of spans currently in working memory.
// Zero between evaluations.
func (s *Session) FactCount() int {
	return len(s.facts)
}

// Evaluate inserts spans, fires every enabled rule exactly once, and
// returns the signals emitted through the capability surface. Working
// memory is retracted and the evaluation context released on every exit
// path, including panics from rule code.
//
// Per-rule failures (sandbox violations or internal errors) are isolated:
// the offending rule is aborted and siblings still run. If ctx expires
// mid-evaluation the partial signal set is returned with ErrEvaluationTimeout.
func (s *Session) Evaluate(ctx context.Context, traceID string, spans []model.Span) ([]model.Signal, error) {
	for _, sp := range spans {
		if sp.TenantID != s.tenantID || sp.TraceID != traceID {
			return nil, fmt.Errorf("%w: span %s is %s/%s, evaluation is %s/%s",
				ErrTenantMismatch, sp.SpanID, sp.TenantID, sp.TraceID, s.tenantID, traceID)
		}
	}

	s.facts = append(s.facts, spans...)
	defer s.retractAll()

	spanIDs := make([]string, len(spans))
	for i, sp := range spans {
		spanIDs[i] = sp.SpanID
	}
	release := s.surface.Begin(s.tenantID, traceID, spanIDs, EvalTags(ctx))
	defer release()

	var timedOut bool
	for _, rule := range s.rules {
		if !rule.Enabled {
			continue
		}
		if ctx.Err() != nil {
			timedOut = true
			break
		}
		s.surface.SetRule(rule.ID, rule.Version)
		s.fireRule(rule)
	}

	// Copy out before release invalidates the scope.
	signals := append([]model.Signal(nil), s.surface.Signals()...)
	if timedOut {
		return signals, ErrEvaluationTimeout
	}
	return signals, nil
}

// fireRule runs one rule's program, containing panics and isolating errors.
func (s *Session) fireRule(rule model.CompiledRule) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("engine: rule panicked",
				"tenant_id", s.tenantID, "rule_id", rule.ID, "panic", r)
		}
	}()

	if err := rule.Program.Match(s.surface, s.facts); err != nil {
		if v, ok := sandbox.AsViolation(err); ok {
			// Already recorded by the surface; the rule is aborted fail-closed.
			s.logger.Warn("engine: rule aborted by sandbox",
				"tenant_id", s.tenantID, "rule_id", rule.ID, "class", v.Class)
			return
		}
		s.logger.Error("engine: rule failed",
			"tenant_id", s.tenantID, "rule_id", rule.ID, "error", err)
	}
}

func (s *Session) retractAll() {
	// Release the backing array: batches can be large and sessions long-lived.
	s.facts = nil
}
