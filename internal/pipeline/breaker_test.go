package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := newBreaker(3, time.Hour)

	for range 2 {
		require.True(t, b.allow())
		b.failure()
	}
	assert.True(t, b.allow(), "below threshold stays closed")

	b.failure()
	assert.False(t, b.allow(), "threshold reached, fail fast")
	assert.Equal(t, breakerOpen, b.currentState())
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := newBreaker(3, time.Hour)

	b.failure()
	b.failure()
	b.success()
	b.failure()
	b.failure()
	assert.True(t, b.allow(), "non-consecutive failures do not open")
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b := newBreaker(1, 10*time.Millisecond)

	b.failure()
	require.False(t, b.allow())

	time.Sleep(20 * time.Millisecond)
	assert.True(t, b.allow(), "cooldown elapsed, one probe admitted")
	assert.False(t, b.allow(), "only one probe at a time")

	b.success()
	assert.True(t, b.allow(), "successful probe closes the breaker")
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	b := newBreaker(1, 10*time.Millisecond)

	b.failure()
	time.Sleep(20 * time.Millisecond)
	require.True(t, b.allow())
	b.failure()

	assert.False(t, b.allow(), "failed probe reopens immediately")
	assert.Equal(t, breakerOpen, b.currentState())
}
