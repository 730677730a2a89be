package profiler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHotThreshold(t *testing.T) {
	p := New(Config{HotThreshold: 3, BlacklistThreshold: 2})

	require.False(t, p.OnBackEdge(10))
	require.False(t, p.OnBackEdge(10))
	require.True(t, p.OnBackEdge(10), "third visit crosses the threshold")
	require.Equal(t, 0, p.Count(10), "the counter restarts when recording begins")
	require.False(t, p.OnBackEdge(10))
	require.False(t, p.OnBackEdge(10))
	require.True(t, p.OnBackEdge(10), "an aborted attempt gets a fresh hot period")
}

func TestCountersArePerAddress(t *testing.T) {
	p := New(Config{HotThreshold: 2, BlacklistThreshold: 2})

	require.False(t, p.OnBackEdge(10))
	require.False(t, p.OnBackEdge(20))
	require.True(t, p.OnBackEdge(10))
	require.True(t, p.OnBackEdge(20))
}

func TestBlacklistStability(t *testing.T) {
	p := New(Config{HotThreshold: 1, BlacklistThreshold: 3})

	require.False(t, p.RecordFailure(50))
	require.False(t, p.RecordFailure(50))
	require.True(t, p.RecordFailure(50), "third failure blacklists")

	require.True(t, p.IsBlacklisted(50))
	for i := 0; i < 100; i++ {
		require.False(t, p.OnBackEdge(50), "blacklisted addresses never go hot again")
	}
	require.False(t, p.IsBlacklisted(51))
}

func TestResetClearsCounter(t *testing.T) {
	p := New(Config{HotThreshold: 2, BlacklistThreshold: 2})

	require.False(t, p.OnBackEdge(10))
	require.True(t, p.OnBackEdge(10))
	p.Reset(10)
	require.Equal(t, 0, p.Count(10))
	require.False(t, p.OnBackEdge(10))
	require.True(t, p.OnBackEdge(10), "counting restarts after a reset")
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, 50, cfg.HotThreshold)
	require.Equal(t, 3, cfg.BlacklistThreshold)
}
