package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betracehq/betrace/internal/model"
	"github.com/betracehq/betrace/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testSignals(n int) []model.Signal {
	signals := make([]model.Signal, n)
	for i := range signals {
		signals[i] = model.Signal{
			ID:       uuid.New(),
			RuleID:   "r1",
			TenantID: "acme",
			TraceID:  "t1",
			Severity: model.SeverityLow,
		}
	}
	return signals
}

// memDeadLetter is an in-memory DeadLetter for tests.
type memDeadLetter struct {
	mu      sync.Mutex
	batches [][]model.Signal
	reasons []string
	err     error
}

func (d *memDeadLetter) Enqueue(_ context.Context, signals []model.Signal, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.batches = append(d.batches, signals)
	d.reasons = append(d.reasons, reason)
	return nil
}

func (d *memDeadLetter) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.batches)
}

func startBatcher(t *testing.T, sink SignalSink, dl DeadLetter, maxSize int, flushTimeout time.Duration, maxRetries int) *Batcher {
	t.Helper()
	b := NewBatcher(sink, dl, testLogger(), maxSize, flushTimeout, maxRetries, time.Millisecond)
	b.Start()
	return b
}

func TestBatcherFlushesOnCount(t *testing.T) {
	sink := &storage.MemorySignalSink{}
	b := startBatcher(t, sink, nil, 3, time.Hour, 0)
	defer b.Drain(context.Background())

	b.Add(context.Background(), testSignals(2))
	assert.Empty(t, sink.Signals())

	b.Add(context.Background(), testSignals(1))
	require.Eventually(t, func() bool { return len(sink.Signals()) == 3 }, time.Second, time.Millisecond)
	assert.Zero(t, b.Len())
}

func TestBatcherFlushesOnTimeout(t *testing.T) {
	sink := &storage.MemorySignalSink{}
	b := startBatcher(t, sink, nil, 100, 10*time.Millisecond, 0)
	defer b.Drain(context.Background())

	b.Add(context.Background(), testSignals(2))
	require.Eventually(t, func() bool { return len(sink.Signals()) == 2 }, time.Second, time.Millisecond)
}

func TestBatcherRetriesThenSucceeds(t *testing.T) {
	sink := &storage.MemorySignalSink{}
	sink.FailNext(2, errors.New("transient"))
	b := startBatcher(t, sink, nil, 2, time.Hour, 3)
	defer b.Drain(context.Background())

	b.Add(context.Background(), testSignals(2))
	require.Eventually(t, func() bool { return len(sink.Signals()) == 2 }, time.Second, time.Millisecond)
	assert.Zero(t, b.DeadLettered())
}

func TestBatcherDeadLettersAfterRetriesExhausted(t *testing.T) {
	sink := &storage.MemorySignalSink{}
	sink.FailNext(10, errors.New("hard down"))
	dl := &memDeadLetter{}
	b := startBatcher(t, sink, dl, 2, time.Hour, 2)
	defer b.Drain(context.Background())

	b.Add(context.Background(), testSignals(2))
	require.Eventually(t, func() bool { return dl.count() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, int64(2), b.DeadLettered())
	assert.Zero(t, b.Lost())
	assert.Empty(t, sink.Signals())
}

func TestBatcherCountsLossWhenDeadLetterFails(t *testing.T) {
	sink := &storage.MemorySignalSink{}
	sink.FailNext(10, errors.New("hard down"))
	dl := &memDeadLetter{err: errors.New("disk full")}
	b := startBatcher(t, sink, dl, 2, time.Hour, 1)
	defer b.Drain(context.Background())

	b.Add(context.Background(), testSignals(2))
	require.Eventually(t, func() bool { return b.Lost() == 2 }, time.Second, time.Millisecond)
}

func TestBatcherDrainFlushesLateAdds(t *testing.T) {
	sink := &storage.MemorySignalSink{}
	b := startBatcher(t, sink, nil, 100, time.Hour, 0)

	b.Add(context.Background(), testSignals(1))
	b.Drain(context.Background())
	assert.Len(t, sink.Signals(), 1)

	// Shutdown evaluations hand signals to the batcher after the flush
	// loop has already stopped; Drain must still deliver them.
	b.Add(context.Background(), testSignals(3))
	b.Drain(context.Background())

	assert.Len(t, sink.Signals(), 4)
	assert.Zero(t, b.Len())
	assert.Zero(t, b.Lost())
}

func TestBackoffDelayFloorsNonPositiveBase(t *testing.T) {
	assert.NotPanics(t, func() {
		d := backoffDelay(0, 1)
		assert.Positive(t, d)
	})
	assert.Positive(t, backoffDelay(-time.Second, 2))
}

func TestBatcherDrainFlushesPartialBatch(t *testing.T) {
	sink := &storage.MemorySignalSink{}
	b := startBatcher(t, sink, nil, 100, time.Hour, 0)

	b.Add(context.Background(), testSignals(5))
	assert.Empty(t, sink.Signals())

	drainCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	b.Drain(drainCtx)

	assert.Len(t, sink.Signals(), 5)
}
