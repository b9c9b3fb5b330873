package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRetriable(t *testing.T) {
	assert.True(t, IsRetriable(&pgconn.PgError{Code: "40001"}))
	assert.True(t, IsRetriable(&pgconn.PgError{Code: "40P01"}))
	assert.False(t, IsRetriable(&pgconn.PgError{Code: "23505"}))
	assert.False(t, IsRetriable(errors.New("connection refused")))
	assert.False(t, IsRetriable(nil))

	// Wrapped errors still classify.
	wrapped := fmt.Errorf("storage: exec: %w", &pgconn.PgError{Code: "40001"})
	assert.True(t, IsRetriable(wrapped))
}

func TestWithRetrySucceedsAfterConflicts(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetryNonRetriableReturnsImmediately(t *testing.T) {
	boom := errors.New("connection refused")
	calls := 0
	err := WithRetry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestWithRetryExhaustsRetries(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), 2, time.Millisecond, func() error {
		calls++
		return &pgconn.PgError{Code: "40P01"}
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retries exhausted")
	assert.Equal(t, 3, calls)
}

func TestWithRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WithRetry(ctx, 5, 10*time.Millisecond, func() error {
		return &pgconn.PgError{Code: "40001"}
	})
	assert.ErrorIs(t, err, context.Canceled)
}
