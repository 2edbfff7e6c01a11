// ABOUTME: Tests for the tool registry
// ABOUTME: Covers registration, lookup, and atomic reload

package tools

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kilnlabs/agentgw/internal/domain"
)

func TestRegisterAndGet(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(domain.ToolSpec{Name: "math.sum", Permission: domain.PermissionRead}))

	spec, err := r.Get("math.sum")
	require.NoError(t, err)
	require.Equal(t, domain.PermissionRead, spec.Permission)
}

func TestRegisterCollision(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(domain.ToolSpec{Name: "email.send"}))
	require.ErrorIs(t, r.Register(domain.ToolSpec{Name: "email.send"}), ErrToolCollision)
}

func TestGetMissing(t *testing.T) {
	r := New()
	_, err := r.Get("nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestReloadSwapsAtomically(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(domain.ToolSpec{Name: "old.tool"}))

	require.NoError(t, r.Reload([]domain.ToolSpec{{Name: "new.tool"}}))

	_, err := r.Get("old.tool")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = r.Get("new.tool")
	require.NoError(t, err)
}

func TestReloadRejectsDuplicates(t *testing.T) {
	r := New()
	err := r.Reload([]domain.ToolSpec{{Name: "dup"}, {Name: "dup"}})
	require.ErrorIs(t, err, ErrToolCollision)
}
