package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/betracehq/betrace/internal/model"
)

// Append writes one capability event. The target table is append-only;
// there is no update or delete path in this adapter. Serialization
// conflicts are retried in place: the audit recorder has no dead-letter
// fallback, so a dropped event would break the hash chain for readers.
func (db *DB) Append(ctx context.Context, e model.CapabilityEvent) error {
	err := WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		_, err := db.pool.Exec(ctx,
			`INSERT INTO capability_events (
			     id, capability, rule_id, tenant_id, trace_id,
			     allowed, violation, detail, sequence, chain_hash, recorded_at
			 )
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			e.ID, string(e.Capability), e.RuleID, e.TenantID, e.TraceID,
			e.Allowed, string(e.Violation), e.Detail, int64(e.Sequence), e.ChainHash, e.RecordedAt, //nolint:gosec // sequence is a process-local counter, far below int64 range
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: append capability event: %w", err)
	}
	return nil
}

// EventsByTenant returns capability events for a tenant in chain order.
func (db *DB) EventsByTenant(ctx context.Context, tenantID string, limit int) ([]model.CapabilityEvent, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, capability, rule_id, tenant_id, trace_id,
		        allowed, violation, detail, sequence, chain_hash, recorded_at
		 FROM capability_events WHERE tenant_id = $1 ORDER BY sequence ASC LIMIT $2`,
		tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: query capability events: %w", err)
	}
	defer rows.Close()

	var out []model.CapabilityEvent
	for rows.Next() {
		var (
			e          model.CapabilityEvent
			capability string
			violation  string
			seq        int64
		)
		if err := rows.Scan(&e.ID, &capability, &e.RuleID, &e.TenantID, &e.TraceID,
			&e.Allowed, &violation, &e.Detail, &seq, &e.ChainHash, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("storage: scan capability event: %w", err)
		}
		e.Capability = model.Capability(capability)
		e.Violation = model.ViolationClass(violation)
		e.Sequence = uint64(seq) //nolint:gosec // written from a uint64 counter
		out = append(out, e)
	}
	return out, rows.Err()
}
