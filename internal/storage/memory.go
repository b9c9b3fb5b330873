package storage

import (
	"context"
	"sync"

	"github.com/betracehq/betrace/internal/model"
)

// MemorySignalSink is an in-process signal sink. It is the default when no
// Postgres adapter is configured, and the workhorse of the unit tests.
type MemorySignalSink struct {
	mu      sync.Mutex
	signals []model.Signal

	// FailNext makes the next n AcceptBatch calls fail, for exercising the
	// batcher's retry and dead-letter paths.
	failNext int
	failErr  error
}

// AcceptBatch appends the batch. Signals are copied in; the sink never
// mutates them afterwards (WORM).
func (m *MemorySignalSink) AcceptBatch(_ context.Context, signals []model.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext > 0 {
		m.failNext--
		return m.failErr
	}
	m.signals = append(m.signals, signals...)
	return nil
}

// Signals returns a snapshot of everything accepted so far.
func (m *MemorySignalSink) Signals() []model.Signal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Signal(nil), m.signals...)
}

// FailNext makes the next n AcceptBatch calls return err.
func (m *MemorySignalSink) FailNext(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
	m.failErr = err
}

// MemoryAuditSink is an in-process audit sink.
type MemoryAuditSink struct {
	mu     sync.Mutex
	events []model.CapabilityEvent
}

// Append records one capability event.
func (m *MemoryAuditSink) Append(_ context.Context, e model.CapabilityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

// Events returns a snapshot of everything appended so far, in append order.
func (m *MemoryAuditSink) Events() []model.CapabilityEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.CapabilityEvent(nil), m.events...)
}
