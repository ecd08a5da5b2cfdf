package pricing

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := newBreaker(3, 2, time.Hour)
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Allow())
		b.Record(boom)
	}

	assert.Error(t, b.Allow())
	assert.Equal(t, string(breakerOpen), b.State())
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := newBreaker(3, 2, time.Hour)
	boom := errors.New("boom")

	b.Record(boom)
	b.Record(boom)
	b.Record(nil)
	b.Record(boom)
	b.Record(boom)

	assert.NoError(t, b.Allow())
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b := newBreaker(1, 2, 10*time.Millisecond)
	boom := errors.New("boom")

	b.Record(boom)
	require.Error(t, b.Allow())

	time.Sleep(15 * time.Millisecond)

	// Cooldown elapsed: probes are allowed again.
	require.NoError(t, b.Allow())
	assert.Equal(t, string(breakerHalfOpen), b.State())

	b.Record(nil)
	b.Record(nil)
	assert.Equal(t, string(breakerClosed), b.State())

	// A failed probe reopens immediately.
	b.Record(boom)
	require.Error(t, b.Allow())
	time.Sleep(15 * time.Millisecond)
	require.NoError(t, b.Allow())
	b.Record(boom)
	assert.Equal(t, string(breakerOpen), b.State())
}
