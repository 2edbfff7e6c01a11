// ABOUTME: Tests for the token bucket limiter
// ABOUTME: Covers burst admission, refill over time, and per-key independence

package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAllowBurst(t *testing.T) {
	l := New(1.0, 3)
	defer l.Close()

	for i := 0; i < 3; i++ {
		allowed, _ := l.Allow("p1", 1)
		require.True(t, allowed, "iteration %d should be allowed within burst", i)
	}

	allowed, retryAfter := l.Allow("p1", 1)
	require.False(t, allowed)
	require.Greater(t, retryAfter, time.Duration(0))
}

func TestAllowRefillsOverTime(t *testing.T) {
	l := New(100.0, 1)
	defer l.Close()

	allowed, _ := l.Allow("p1", 1)
	require.True(t, allowed)

	allowed, _ = l.Allow("p1", 1)
	require.False(t, allowed)

	time.Sleep(20 * time.Millisecond)
	allowed, _ = l.Allow("p1", 1)
	require.True(t, allowed)
}

func TestAllowIndependentKeys(t *testing.T) {
	l := New(1.0, 1)
	defer l.Close()

	allowed, _ := l.Allow("a", 1)
	require.True(t, allowed)
	allowed, _ = l.Allow("b", 1)
	require.True(t, allowed, "separate key must have its own bucket")
}
