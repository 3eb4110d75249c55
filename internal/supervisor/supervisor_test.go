package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSpawnAndTerminateShortLivedProcess(t *testing.T) {
	s := New()
	err := s.Spawn(context.Background(), Spec{BinaryPath: "sleep", Args: []string{"5"}})
	require.NoError(t, err)
	require.True(t, s.IsRunning())

	start := time.Now()
	require.NoError(t, s.Terminate())
	require.Less(t, time.Since(start), gracefulTimeout+time.Second)
	require.False(t, s.IsRunning())
}

func TestSpawnFailsForImmediatelyExitingBinary(t *testing.T) {
	s := New()
	err := s.Spawn(context.Background(), Spec{BinaryPath: "true"})
	require.Error(t, err)
	require.False(t, s.IsRunning())
}

func TestSpawnFailsForMissingBinary(t *testing.T) {
	s := New()
	err := s.Spawn(context.Background(), Spec{BinaryPath: "/no/such/binary-xyz"})
	require.Error(t, err)
}

func TestCleanupIsIdempotentWithNoTrackedChild(t *testing.T) {
	s := New()
	require.NoError(t, s.Cleanup())
	require.NoError(t, s.Cleanup())
}

func TestTerminateLeavesNoTrackedChild(t *testing.T) {
	s := New()
	// "sleep" exits on SIGTERM, so this exercises the graceful path only;
	// Terminate must leave no tracked child afterwards.
	err := s.Spawn(context.Background(), Spec{BinaryPath: "sleep", Args: []string{"30"}})
	require.NoError(t, err)

	require.NoError(t, s.Terminate())
	require.False(t, s.IsRunning())
}

func TestPortAvailableOnUnboundPort(t *testing.T) {
	require.True(t, PortAvailable(58173))
}
