// Package storage provides the optional PostgreSQL and SQLite adapters for
// the engine's collaborator interfaces: a COPY-based signal sink, an
// append-only audit appender, and a dead-letter store for signal batches
// that exhausted sink retries.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps a pgxpool.Pool for the signal and audit tables.
type DB struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a new DB with a connection pool and verifies connectivity.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	return &DB{pool: pool, logger: logger}, nil
}

// Pool returns the underlying connection pool.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Bootstrap creates the signal and audit tables if they do not exist.
// The schema is adapter-internal: the durable ledger owning the canonical
// schema is an out-of-scope collaborator, and this adapter is the simple
// Postgres implementation of it.
func (db *DB) Bootstrap(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS signals (
    id           UUID PRIMARY KEY,
    rule_id      TEXT NOT NULL,
    rule_version TEXT NOT NULL DEFAULT '',
    tenant_id    TEXT NOT NULL,
    trace_id     TEXT NOT NULL,
    span_ids     TEXT[] NOT NULL DEFAULT '{}',
    severity     TEXT NOT NULL,
    context      JSONB,
    created_at   TIMESTAMPTZ NOT NULL,
    signature    TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS signals_tenant_created_idx ON signals (tenant_id, created_at);

CREATE TABLE IF NOT EXISTS capability_events (
    id          UUID PRIMARY KEY,
    capability  TEXT NOT NULL,
    rule_id     TEXT NOT NULL,
    tenant_id   TEXT NOT NULL,
    trace_id    TEXT NOT NULL DEFAULT '',
    allowed     BOOLEAN NOT NULL,
    violation   TEXT NOT NULL DEFAULT '',
    detail      TEXT NOT NULL DEFAULT '',
    sequence    BIGINT NOT NULL,
    chain_hash  TEXT NOT NULL,
    recorded_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS capability_events_tenant_seq_idx ON capability_events (tenant_id, sequence);
`
	if _, err := db.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("storage: bootstrap schema: %w", err)
	}
	return nil
}
