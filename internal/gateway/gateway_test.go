// ABOUTME: Tests for the gateway's public surface
// ABOUTME: Covers inbound ingestion, run lifecycle, approvals, event persistence, and shutdown

package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kilnlabs/agentgw/internal/approval"
	"github.com/kilnlabs/agentgw/internal/domain"
	"github.com/kilnlabs/agentgw/internal/eventbus"
	"github.com/kilnlabs/agentgw/internal/llm"
	"github.com/kilnlabs/agentgw/internal/ratelimit"
	"github.com/kilnlabs/agentgw/internal/store"
	"github.com/kilnlabs/agentgw/internal/tools"
)

func newTestGateway(t *testing.T, provider llm.Provider) (*Gateway, store.Store) {
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
	approvals := approval.New()

	g, err := New(context.Background(), st, bus, registry, limiter, chanLimiter, approvals, provider, DefaultConfig(), nil)
	require.NoError(t, err)

	require.NoError(t, g.SetConfig(context.Background(), ConfigDiff{
		ChannelAllowlist:        map[string]map[string]bool{"chan-1": {"alice": true}},
		ToolAllowlist:           map[string]bool{"math.sum": true, "email.send": true},
		RequireApprovalForWrite: boolPtr(true),
		DMPolicy:                accessPtr(domain.AccessAllow),
		GroupPolicy:             accessPtr(domain.AccessDeny),
	}))
	require.NoError(t, g.SetChannelStatus(context.Background(), "chan-1", domain.ChannelWebchat, domain.ChannelOnline))

	return g, st
}

func boolPtr(b bool) *bool                        { return &b }
func accessPtr(a domain.AccessPolicy) *domain.AccessPolicy { return &a }

func TestIngestInboundPersistsAndPublishes(t *testing.T) {
	g, _ := newTestGateway(t, &llm.MockProvider{})
	sub, handle := g.Subscribe(eventbus.Filter{})
	defer g.Unsubscribe(handle)

	msg, err := g.IngestInbound(context.Background(), Inbound{
		ChannelID: "chan-1", ChatID: "chat-1", SenderID: "alice", Text: "hello", IsDM: true,
	})
	require.NoError(t, err)
	require.Equal(t, "hello", msg.Text)

	select {
	case evt := <-sub:
		require.Equal(t, domain.EventMessageInbound, evt.Type)
	case <-time.After(time.Second):
		t.Fatal("expected message.inbound event")
	}
}

func TestIngestInboundBlockedForUnknownSender(t *testing.T) {
	g, _ := newTestGateway(t, &llm.MockProvider{})

	_, err := g.IngestInbound(context.Background(), Inbound{
		ChannelID: "chan-1", ChatID: "chat-1", SenderID: "mallory", Text: "hi", IsDM: true,
	})
	require.Error(t, err)
}

func TestStartRunEndToEnd(t *testing.T) {
	mock := &llm.MockProvider{PlanFunc: func([]llm.Message) llm.Plan {
		return llm.PlanText("hello back")
	}}
	g, st := newTestGateway(t, mock)

	_, err := g.IngestInbound(context.Background(), Inbound{
		ChannelID: "chan-1", ChatID: "chat-1", SenderID: "alice", Text: "hi", IsDM: true,
	})
	require.NoError(t, err)

	runID, err := g.StartRun(context.Background(), "chat-1", "chan-1", "alice", "hi there")
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	require.Eventually(t, func() bool {
		run, err := st.GetRun(context.Background(), runID)
		return err == nil && run.Status.Terminal()
	}, 2*time.Second, 10*time.Millisecond)

	run, err := st.GetRun(context.Background(), runID)
	require.NoError(t, err)
	require.Equal(t, domain.RunCompleted, run.Status)
	require.Equal(t, "hello back", run.OutputText)

	msgs, err := g.ListMessages(context.Background(), "chat-1", 10)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(msgs), 3)
}

func TestGrantApprovalFlow(t *testing.T) {
	calls := 0
	mock := &llm.MockProvider{PlanFunc: func([]llm.Message) llm.Plan {
		calls++
		if calls == 1 {
			return llm.PlanTool(llm.ToolCall{Name: "email.send", Args: map[string]any{"to": "a@example.com"}})
		}
		return llm.PlanText("sent")
	}}
	g, st := newTestGateway(t, mock)

	require.NoError(t, st.UpsertChat(context.Background(), domain.Chat{ChatID: "chat-1", ChannelID: "chan-1", CreatedAt: time.Now()}))

	runID, err := g.StartRun(context.Background(), "chat-1", "chan-1", "alice", "send an email")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		run, err := st.GetRun(context.Background(), runID)
		return err == nil && run.Status == domain.RunAwaitingApproval
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, g.GrantApproval(runID, "alice"))

	require.Eventually(t, func() bool {
		run, err := st.GetRun(context.Background(), runID)
		return err == nil && run.Status.Terminal()
	}, 2*time.Second, 10*time.Millisecond)

	run, err := st.GetRun(context.Background(), runID)
	require.NoError(t, err)
	require.Equal(t, domain.RunCompleted, run.Status)

	audit, err := st.ListResolvedApprovals(context.Background(), runID)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	require.Equal(t, "granted", audit[0].Resolution)
}

func TestPublishedEventsArePersisted(t *testing.T) {
	g, st := newTestGateway(t, &llm.MockProvider{})

	_, err := g.IngestInbound(context.Background(), Inbound{
		ChannelID: "chan-1", ChatID: "chat-1", SenderID: "alice", Text: "hello", IsDM: true,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		evts, err := st.ListEventsSince(context.Background(), "", 0, 10)
		return err == nil && len(evts) > 0
	}, time.Second, 10*time.Millisecond)
}

func TestAllowRunEnforcesPrincipalBurst(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	registry := tools.New()
	bus := eventbus.New(nil)
	limiter := ratelimit.New(1, 2)
	chanLimiter := ratelimit.New(100, 100)
	t.Cleanup(limiter.Close)
	t.Cleanup(chanLimiter.Close)

	g, err := New(context.Background(), st, bus, registry, limiter, chanLimiter, approval.New(), &llm.MockProvider{}, DefaultConfig(), nil)
	require.NoError(t, err)

	allowed := 0
	denied := 0
	for i := 0; i < 3; i++ {
		if ok, _ := g.AllowRun("alice"); ok {
			allowed++
		} else {
			denied++
		}
	}
	require.Equal(t, 2, allowed)
	require.Equal(t, 1, denied)
}

func TestAuditFlagsUnapprovedWrites(t *testing.T) {
	g, _ := newTestGateway(t, &llm.MockProvider{})
	require.NoError(t, g.SetConfig(context.Background(), ConfigDiff{RequireApprovalForWrite: boolPtr(false)}))

	findings := g.Audit(context.Background())
	var found bool
	for _, f := range findings {
		if f.Code == "approval_not_required" {
			found = true
		}
	}
	require.True(t, found)
}

func TestShutdownCancelsRunningOrchestrators(t *testing.T) {
	block := make(chan struct{})
	mock := &llm.MockProvider{PlanFunc: func([]llm.Message) llm.Plan {
		<-block
		return llm.PlanText("late")
	}}
	g, st := newTestGateway(t, mock)
	require.NoError(t, st.UpsertChat(context.Background(), domain.Chat{ChatID: "chat-1", ChannelID: "chan-1", CreatedAt: time.Now()}))

	_, err := g.StartRun(context.Background(), "chat-1", "chan-1", "alice", "hang forever")
	require.NoError(t, err)

	close(block)
	g.Shutdown()
}
