package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/betracehq/betrace/internal/model"
)

// copyTimeout bounds a single COPY so a hung Postgres cannot block the
// batcher's flush loop indefinitely.
const copyTimeout = 30 * time.Second

// AcceptBatch inserts a signal batch using the COPY protocol.
// Signals are write-once: no upsert, no update path.
func (db *DB) AcceptBatch(ctx context.Context, signals []model.Signal) error {
	if len(signals) == 0 {
		return nil
	}

	columns := []string{"id", "rule_id", "rule_version", "tenant_id", "trace_id", "span_ids", "severity", "context", "created_at", "signature"}

	rows := make([][]any, len(signals))
	for i, s := range signals {
		var ctxJSON []byte
		if s.Context != nil {
			var err error
			ctxJSON, err = json.Marshal(s.Context)
			if err != nil {
				return fmt.Errorf("storage: marshal signal context: %w", err)
			}
		}
		rows[i] = []any{
			s.ID,
			s.RuleID,
			s.RuleVersion,
			s.TenantID,
			s.TraceID,
			s.SpanIDs,
			string(s.Severity),
			ctxJSON,
			s.CreatedAt,
			s.Signature,
		}
	}

	copyCtx, cancel := context.WithTimeout(ctx, copyTimeout)
	defer cancel()
	_, err := db.pool.CopyFrom(
		copyCtx,
		pgx.Identifier{"signals"},
		columns,
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("storage: copy signals: %w", err)
	}
	return nil
}

// SignalsByTenant returns signals for a tenant ordered by creation time,
// newest first. Mainly used by operator tooling and the integration tests.
func (db *DB) SignalsByTenant(ctx context.Context, tenantID string, limit int) ([]model.Signal, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, rule_id, rule_version, tenant_id, trace_id, span_ids, severity, context, created_at, signature
		 FROM signals WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT $2`,
		tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: query signals: %w", err)
	}
	defer rows.Close()

	var out []model.Signal
	for rows.Next() {
		var (
			s       model.Signal
			sev     string
			ctxJSON []byte
		)
		if err := rows.Scan(&s.ID, &s.RuleID, &s.RuleVersion, &s.TenantID, &s.TraceID, &s.SpanIDs, &sev, &ctxJSON, &s.CreatedAt, &s.Signature); err != nil {
			return nil, fmt.Errorf("storage: scan signal: %w", err)
		}
		s.Severity = model.Severity(sev)
		if len(ctxJSON) > 0 {
			if err := json.Unmarshal(ctxJSON, &s.Context); err != nil {
				return nil, fmt.Errorf("storage: unmarshal signal context: %w", err)
			}
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
