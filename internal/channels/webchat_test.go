// ABOUTME: Tests for the webchat channel adapter
// ABOUTME: Covers inbound ingestion and synchronous reply delivery

package channels

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kilnlabs/agentgw/internal/approval"
	"github.com/kilnlabs/agentgw/internal/domain"
	"github.com/kilnlabs/agentgw/internal/eventbus"
	"github.com/kilnlabs/agentgw/internal/gateway"
	"github.com/kilnlabs/agentgw/internal/llm"
	"github.com/kilnlabs/agentgw/internal/ratelimit"
	"github.com/kilnlabs/agentgw/internal/store"
	"github.com/kilnlabs/agentgw/internal/tools"
)

func boolPtr(b bool) *bool { return &b }

func newTestGateway(t *testing.T, provider llm.Provider) *gateway.Gateway {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	registry := tools.New()
	for _, spec := range tools.Builtins() {
		require.NoError(t, registry.Register(spec))
	}

	bus := eventbus.New(nil)
	limiter := ratelimit.New(100, 100)
	chanLimiter := ratelimit.New(100, 100)
	t.Cleanup(limiter.Close)
	t.Cleanup(chanLimiter.Close)

	gw, err := gateway.New(context.Background(), st, bus, registry, limiter, chanLimiter, approval.New(), provider, gateway.DefaultConfig(), nil)
	require.NoError(t, err)
	require.NoError(t, gw.SetConfig(context.Background(), gateway.ConfigDiff{
		ChannelAllowlist: map[string]map[string]bool{"web-1": {"alice": true}},
		DMPolicy:         accessPtr(domain.AccessAllow),
		GroupPolicy:      accessPtr(domain.AccessAllow),
		ToolAllowlist:    map[string]bool{"math.sum": true},
	}))
	return gw
}

func accessPtr(a domain.AccessPolicy) *domain.AccessPolicy { return &a }

func TestWebchatSendReturnsAgentReply(t *testing.T) {
	mock := &llm.MockProvider{PlanFunc: func([]llm.Message) llm.Plan {
		return llm.PlanText("hi there")
	}}
	gw := newTestGateway(t, mock)

	adapter := NewWebchatAdapter(gw, nil, "web-1", 2*time.Second)
	require.NoError(t, adapter.Start(context.Background()))

	reply, err := adapter.Send(context.Background(), "chat-1", "alice", "hello")
	require.NoError(t, err)
	require.Equal(t, "hi there", reply)
}

func TestWebchatSendSurfacesClarificationOnAbstain(t *testing.T) {
	mock := &llm.MockProvider{PlanFunc: func([]llm.Message) llm.Plan {
		return llm.PlanAbstain()
	}}
	gw := newTestGateway(t, mock)

	adapter := NewWebchatAdapter(gw, nil, "web-1", 2*time.Second)
	require.NoError(t, adapter.Start(context.Background()))

	reply, err := adapter.Send(context.Background(), "chat-1", "alice", "hello")
	require.NoError(t, err)
	require.Contains(t, reply, "couldn't complete")
}
