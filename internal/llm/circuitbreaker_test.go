// ABOUTME: Tests for the LLM circuit breaker
// ABOUTME: Covers state transitions under failure and recovery

package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type failingProvider struct {
	fail bool
}

func (f *failingProvider) Plan(context.Context, []Message, []ToolDescriptor) (Plan, error) {
	if f.fail {
		return Plan{}, errors.New("boom")
	}
	return PlanText("ok"), nil
}

func TestCircuitOpensAfterThreshold(t *testing.T) {
	inner := &failingProvider{fail: true}
	cb := NewCircuitBreaker(inner, 3, time.Minute, 2)

	for i := 0; i < 3; i++ {
		_, err := cb.Plan(context.Background(), nil, nil)
		require.Error(t, err)
	}
	require.Equal(t, StateOpen, cb.State())

	_, err := cb.Plan(context.Background(), nil, nil)
	require.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitHalfOpensAfterCooldown(t *testing.T) {
	inner := &failingProvider{fail: true}
	cb := NewCircuitBreaker(inner, 1, 10*time.Millisecond, 1)

	_, err := cb.Plan(context.Background(), nil, nil)
	require.Error(t, err)
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(20 * time.Millisecond)
	inner.fail = false

	_, err = cb.Plan(context.Background(), nil, nil)
	require.NoError(t, err)
	require.Equal(t, StateClosed, cb.State())
}

func TestHalfOpenFailureReopensImmediately(t *testing.T) {
	inner := &failingProvider{fail: true}
	cb := NewCircuitBreaker(inner, 1, 10*time.Millisecond, 2)

	_, _ = cb.Plan(context.Background(), nil, nil)
	time.Sleep(20 * time.Millisecond)

	_, err := cb.Plan(context.Background(), nil, nil)
	require.Error(t, err)
	require.Equal(t, StateOpen, cb.State())
}
