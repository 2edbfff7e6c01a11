// ABOUTME: Tests for the approval rendezvous broker
// ABOUTME: Covers grant, deny, timeout, and double-resolution behavior

package approval

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOpenAndGrant(t *testing.T) {
	b := New()
	waiter, err := b.Open("run-1", "email.send", nil, time.Now().Add(time.Minute))
	require.NoError(t, err)

	require.True(t, b.Grant("run-1", "op"))

	result := waiter.Wait()
	require.Equal(t, Granted, result.Resolution)
	require.Equal(t, "op", result.ByPrincipal)
}

func TestOpenTwiceFails(t *testing.T) {
	b := New()
	_, err := b.Open("run-1", "email.send", nil, time.Now().Add(time.Minute))
	require.NoError(t, err)

	_, err = b.Open("run-1", "email.send", nil, time.Now().Add(time.Minute))
	require.ErrorIs(t, err, ErrAlreadyOpen)
}

func TestDeny(t *testing.T) {
	b := New()
	waiter, err := b.Open("run-1", "email.send", nil, time.Now().Add(time.Minute))
	require.NoError(t, err)

	require.True(t, b.Deny("run-1", "operator_declined"))
	result := waiter.Wait()
	require.Equal(t, Denied, result.Resolution)
	require.Equal(t, "operator_declined", result.Reason)
}

func TestTimeoutFiresAtDeadline(t *testing.T) {
	b := New()
	waiter, err := b.Open("run-1", "email.send", nil, time.Now().Add(50*time.Millisecond))
	require.NoError(t, err)

	result := waiter.Wait()
	require.Equal(t, TimedOut, result.Resolution)
}

func TestGrantAfterResolutionIsNoop(t *testing.T) {
	b := New()
	_, err := b.Open("run-1", "email.send", nil, time.Now().Add(time.Minute))
	require.NoError(t, err)

	require.True(t, b.Grant("run-1", "op"))
	require.False(t, b.Grant("run-1", "op"), "second grant on a resolved run must be a no-op")
}

func TestGrantUnknownRun(t *testing.T) {
	b := New()
	require.False(t, b.Grant("no-such-run", "op"))
}
