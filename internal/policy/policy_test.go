// ABOUTME: Tests for access policy evaluation
// ABOUTME: Covers DM/group defaults, allowlist overrides, and the approval-required tool path

package policy

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kilnlabs/agentgw/internal/domain"
	"github.com/kilnlabs/agentgw/internal/ratelimit"
	"github.com/kilnlabs/agentgw/internal/tools"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	reg := tools.New()
	require.NoError(t, reg.Register(domain.ToolSpec{Name: "math.sum", Permission: domain.PermissionRead}))
	require.NoError(t, reg.Register(domain.ToolSpec{Name: "email.send", Permission: domain.PermissionWrite}))

	p := domain.Policy{
		ChannelAllowlist: map[string]map[string]bool{
			"wc": {"op": true},
		},
		ToolAllowlist:           map[string]bool{"math.sum": true, "email.send": true},
		RequireApprovalForWrite: true,
		DMPolicy:                domain.AccessAllow,
		GroupPolicy:             domain.AccessDeny,
	}
	return New(p, reg, ratelimit.New(100, 10))
}

func TestEvaluateToolNotAllowlisted(t *testing.T) {
	e := newTestEngine(t)
	d := e.EvaluateTool("dangerous.drop")
	require.False(t, d.Allow)
	require.Equal(t, "tool_not_allowlisted", d.DenyReason)
}

func TestEvaluateToolMissingFromRegistry(t *testing.T) {
	reg := tools.New()
	p := domain.Policy{ToolAllowlist: map[string]bool{"ghost.tool": true}}
	e := New(p, reg, nil)

	d := e.EvaluateTool("ghost.tool")
	require.False(t, d.Allow)
	require.Equal(t, "tool_missing", d.DenyReason)
}

func TestEvaluateToolReadAllowed(t *testing.T) {
	e := newTestEngine(t)
	d := e.EvaluateTool("math.sum")
	require.True(t, d.Allow)
	require.False(t, d.ApprovalRequired)
}

func TestEvaluateToolWriteRequiresApproval(t *testing.T) {
	e := newTestEngine(t)
	d := e.EvaluateTool("email.send")
	require.True(t, d.Allow)
	require.True(t, d.ApprovalRequired)
}

func TestEvaluateInboundChannelUnknown(t *testing.T) {
	e := newTestEngine(t)
	d := e.EvaluateInbound("unknown-channel", "op", true, false)
	require.False(t, d.Allow)
	require.Equal(t, "channel_unknown", d.DenyReason)
}

func TestEvaluateInboundSenderNotAllowlisted(t *testing.T) {
	e := newTestEngine(t)
	d := e.EvaluateInbound("wc", "stranger", true, false)
	require.False(t, d.Allow)
	require.Equal(t, "sender_not_allowlisted", d.DenyReason)
}

func TestEvaluateInboundGroupBlocked(t *testing.T) {
	e := newTestEngine(t)
	d := e.EvaluateInbound("wc", "op", false, true)
	require.False(t, d.Allow)
	require.Equal(t, "group_blocked", d.DenyReason)
}

func TestEvaluateInboundAllowed(t *testing.T) {
	e := newTestEngine(t)
	d := e.EvaluateInbound("wc", "op", true, false)
	require.True(t, d.Allow)
}
