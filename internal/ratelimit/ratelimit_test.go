package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTokenBucketConsumeAndRefill(t *testing.T) {
	b := NewTokenBucket(10, 10)
	for i := 0; i < 10; i++ {
		require.True(t, b.TryConsume(1))
	}
	require.False(t, b.TryConsume(1))

	// 10 tokens/sec for 150ms refills 1.5 tokens.
	time.Sleep(150 * time.Millisecond)
	require.True(t, b.TryConsume(1))
}

func TestRateLimitingSequentialAcquireRelease(t *testing.T) {
	l := New(Config{PerIPPerMinute: 600, MaxConcurrentPerIP: 1, GlobalPerMinute: 6000, CleanupInterval: 0})
	for i := 0; i < 10; i++ {
		require.True(t, l.Check("1.1.1.1"))
		l.Release("1.1.1.1")
	}
}

func TestConcurrentLimitCapsInFlight(t *testing.T) {
	l := New(Config{PerIPPerMinute: 600, MaxConcurrentPerIP: 2, GlobalPerMinute: 6000})

	require.True(t, l.Check("1.1.1.1"))
	require.True(t, l.Check("1.1.1.1"))
	require.False(t, l.Check("1.1.1.1"))

	l.Release("1.1.1.1")
	require.True(t, l.Check("1.1.1.1"))
}

func TestGlobalLimitRollsBackPerIPState(t *testing.T) {
	l := New(Config{PerIPPerMinute: 600, MaxConcurrentPerIP: 5, GlobalPerMinute: 1})

	require.True(t, l.Check("1.1.1.1"))
	require.False(t, l.Check("2.2.2.2"))

	require.Equal(t, 0, l.ConcurrentRequests("2.2.2.2"))
}

func TestReleaseOnUnknownIPIsNoop(t *testing.T) {
	l := New(DefaultConfig())
	require.NotPanics(t, func() { l.Release("9.9.9.9") })
	require.Equal(t, 0, l.ConcurrentRequests("9.9.9.9"))
}
