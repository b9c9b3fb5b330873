package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/betracehq/betrace/internal/model"
)

// DeadLetterStore persists signal batches that exhausted sink retries.
// Signals are never dropped silently: they land here, counted, until an
// operator (or a redelivery job) drains them.
//
// SQLite keeps the store self-contained — dead-lettering must keep working
// exactly when the primary sink is down.
type DeadLetterStore struct {
	db *sql.DB
}

// OpenDeadLetter opens (creating if needed) a dead-letter store at path.
func OpenDeadLetter(path string) (*DeadLetterStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open dead-letter db: %w", err)
	}
	// Single writer; the batcher's emit workers serialize on this connection.
	db.SetMaxOpenConns(1)

	const ddl = `
CREATE TABLE IF NOT EXISTS dead_letters (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    enqueued_at TIMESTAMP NOT NULL,
    reason      TEXT NOT NULL,
    batch       TEXT NOT NULL
);`
	if _, err := db.Exec(ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: bootstrap dead-letter schema: %w", err)
	}
	return &DeadLetterStore{db: db}, nil
}

// Enqueue stores a failed batch with the terminal delivery error.
func (s *DeadLetterStore) Enqueue(ctx context.Context, signals []model.Signal, reason string) error {
	batch, err := json.Marshal(signals)
	if err != nil {
		return fmt.Errorf("storage: marshal dead-letter batch: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dead_letters (enqueued_at, reason, batch) VALUES (?, ?, ?)`,
		time.Now().UTC(), reason, string(batch))
	if err != nil {
		return fmt.Errorf("storage: enqueue dead-letter batch: %w", err)
	}
	return nil
}

// Count returns the number of dead-lettered batches.
func (s *DeadLetterStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count dead-letters: %w", err)
	}
	return n, nil
}

// Drain removes and returns up to limit batches in enqueue order, oldest
// first. Used by redelivery tooling.
func (s *DeadLetterStore) Drain(ctx context.Context, limit int) ([][]model.Signal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, batch FROM dead_letters ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: query dead-letters: %w", err)
	}
	defer rows.Close()

	var (
		ids     []int64
		batches [][]model.Signal
	)
	for rows.Next() {
		var (
			id  int64
			raw string
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("storage: scan dead-letter: %w", err)
		}
		var batch []model.Signal
		if err := json.Unmarshal([]byte(raw), &batch); err != nil {
			return nil, fmt.Errorf("storage: unmarshal dead-letter batch %d: %w", id, err)
		}
		ids = append(ids, id)
		batches = append(batches, batch)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id); err != nil {
			return batches, fmt.Errorf("storage: delete drained dead-letter %d: %w", id, err)
		}
	}
	return batches, nil
}

// Close closes the underlying database.
func (s *DeadLetterStore) Close() error {
	return s.db.Close()
}
