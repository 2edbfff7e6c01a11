// ABOUTME: Tests for the control-plane WebSocket server
// ABOUTME: Covers handshake, dispatch, rate limiting, and event replay over a real connection

package controlplane

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/require"

	"github.com/kilnlabs/agentgw/internal/approval"
	"github.com/kilnlabs/agentgw/internal/auth"
	"github.com/kilnlabs/agentgw/internal/domain"
	"github.com/kilnlabs/agentgw/internal/eventbus"
	"github.com/kilnlabs/agentgw/internal/gateway"
	"github.com/kilnlabs/agentgw/internal/llm"
	"github.com/kilnlabs/agentgw/internal/ratelimit"
	"github.com/kilnlabs/agentgw/internal/store"
	"github.com/kilnlabs/agentgw/internal/tools"
)

func newTestServer(t *testing.T, provider llm.Provider) (*httptest.Server, *gateway.Gateway) {
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

	gw, err := gateway.New(context.Background(), st, bus, registry, limiter, chanLimiter, approvals, provider, gateway.DefaultConfig(), nil)
	require.NoError(t, err)
	require.NoError(t, gw.SetChannelStatus(context.Background(), "chan-1", domain.ChannelWebchat, domain.ChannelOnline))

	hashed, err := auth.HashAPIKey("test-key")
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.APIKeys = []string{hashed}
	cfg.HelloTimeout = 2 * time.Second
	cfg.PingInterval = time.Minute

	srv := New(gw, cfg, nil, nil, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, gw
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(context.Background(), url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func sendHello(t *testing.T, conn *websocket.Conn, key string) envelope {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, wsjson.Write(ctx, conn, map[string]any{
		"type":    "req:hello",
		"id":      "h1",
		"payload": map[string]any{"client_key": key},
	}))
	var resp envelope
	require.NoError(t, wsjson.Read(ctx, conn, &resp))
	return resp
}

func TestHandshakeAcceptsValidKey(t *testing.T) {
	ts, _ := newTestServer(t, &llm.MockProvider{})
	conn := dial(t, ts)

	resp := sendHello(t, conn, "test-key")
	require.Equal(t, "res:hello", resp.Type)
	require.NotNil(t, resp.OK)
	require.True(t, *resp.OK)
}

func TestHandshakeRejectsInvalidKey(t *testing.T) {
	ts, _ := newTestServer(t, &llm.MockProvider{})
	conn := dial(t, ts)

	ctx := context.Background()
	require.NoError(t, wsjson.Write(ctx, conn, map[string]any{
		"type":    "req:hello",
		"id":      "h1",
		"payload": map[string]any{"client_key": "wrong"},
	}))

	var resp envelope
	err := wsjson.Read(ctx, conn, &resp)
	if err == nil {
		require.NotNil(t, resp.Error)
		require.Equal(t, "unauthenticated", resp.Error.Kind)
	}
}

func TestChannelsListRoundTrip(t *testing.T) {
	ts, _ := newTestServer(t, &llm.MockProvider{})
	conn := dial(t, ts)
	sendHello(t, conn, "test-key")

	ctx := context.Background()
	require.NoError(t, wsjson.Write(ctx, conn, map[string]any{
		"type": "req:channels.list",
		"id":   "c1",
	}))

	var resp envelope
	require.NoError(t, wsjson.Read(ctx, conn, &resp))
	require.Equal(t, "res:channels.list", resp.Type)
	require.Equal(t, "c1", resp.ID)
	require.True(t, *resp.OK)
}

func TestAgentRunRequiresPromptAndChatID(t *testing.T) {
	ts, _ := newTestServer(t, &llm.MockProvider{})
	conn := dial(t, ts)
	sendHello(t, conn, "test-key")

	ctx := context.Background()
	require.NoError(t, wsjson.Write(ctx, conn, map[string]any{
		"type":    "req:agent.run",
		"id":      "r1",
		"payload": map[string]any{"chat_id": "chat-1"},
	}))

	var resp envelope
	require.NoError(t, wsjson.Read(ctx, conn, &resp))
	require.False(t, *resp.OK)
	require.Equal(t, "invalid_request", resp.Error.Kind)
}

func TestRunsTailReplaysPersistedEvents(t *testing.T) {
	mock := &llm.MockProvider{PlanFunc: func([]llm.Message) llm.Plan {
		return llm.PlanText("done")
	}}
	ts, gw := newTestServer(t, mock)

	require.NoError(t, gw.SetChannelStatus(context.Background(), "chan-1", domain.ChannelWebchat, domain.ChannelOnline))
	allow := domain.AccessAllow
	require.NoError(t, gw.SetConfig(context.Background(), gateway.ConfigDiff{
		ChannelAllowlist: map[string]map[string]bool{"chan-1": {"alice": true}},
		DMPolicy:         &allow,
	}))
	_, err := gw.IngestInbound(context.Background(), gateway.Inbound{
		ChannelID: "chan-1", ChatID: "chat-1", SenderID: "alice", Text: "hi", IsDM: true,
	})
	require.NoError(t, err)

	runID, err := gw.StartRun(context.Background(), "chat-1", "chan-1", "alice", "hi there")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		evts, err := gw.TailEvents(context.Background(), runID, 0, 500)
		return err == nil && len(evts) > 0
	}, 2*time.Second, 10*time.Millisecond)

	conn := dial(t, ts)
	sendHello(t, conn, "test-key")

	ctx := context.Background()
	require.NoError(t, wsjson.Write(ctx, conn, map[string]any{
		"type":    "req:runs.tail",
		"id":      "t1",
		"payload": map[string]any{"run_id": runID, "after_seq": 0},
	}))

	var evtFrames int
	for {
		var frame envelope
		require.NoError(t, wsjson.Read(ctx, conn, &frame))
		if frame.Type == "res:runs.tail" {
			require.True(t, *frame.OK)
			break
		}
		require.Contains(t, frame.Type, "evt:")
		evtFrames++
	}
	require.Greater(t, evtFrames, 0)
}

func TestAgentRunRateLimitsPerPrincipal(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	registry := tools.New()
	bus := eventbus.New(nil)
	limiter := ratelimit.New(1, 2)
	chanLimiter := ratelimit.New(100, 100)
	t.Cleanup(limiter.Close)
	t.Cleanup(chanLimiter.Close)
	approvals := approval.New()

	gw, err := gateway.New(context.Background(), st, bus, registry, limiter, chanLimiter, approvals, &llm.MockProvider{}, gateway.DefaultConfig(), nil)
	require.NoError(t, err)
	require.NoError(t, gw.SetChannelStatus(context.Background(), "chan-1", domain.ChannelWebchat, domain.ChannelOnline))
	require.NoError(t, st.UpsertChat(context.Background(), domain.Chat{ChatID: "chat-1", ChannelID: "chan-1", CreatedAt: time.Now()}))

	hashed, err := auth.HashAPIKey("test-key")
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.APIKeys = []string{hashed}
	cfg.HelloTimeout = 2 * time.Second
	cfg.PingInterval = time.Minute

	srv := New(gw, cfg, nil, nil, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	conn := dial(t, ts)
	sendHello(t, conn, "test-key")

	ctx := context.Background()
	accepted, limited := 0, 0
	for i := 0; i < 3; i++ {
		require.NoError(t, wsjson.Write(ctx, conn, map[string]any{
			"type":    "req:agent.run",
			"id":      fmt.Sprintf("r%d", i),
			"payload": map[string]any{"chat_id": "chat-1", "prompt": "hi"},
		}))
		var resp envelope
		require.NoError(t, wsjson.Read(ctx, conn, &resp))
		if resp.OK != nil && *resp.OK {
			accepted++
		} else {
			require.Equal(t, "rate_limited", resp.Error.Kind)
			limited++
		}
	}
	require.Equal(t, 2, accepted)
	require.Equal(t, 1, limited)
}

func TestUnknownRequestTypeReturnsError(t *testing.T) {
	ts, _ := newTestServer(t, &llm.MockProvider{})
	conn := dial(t, ts)
	sendHello(t, conn, "test-key")

	ctx := context.Background()
	require.NoError(t, wsjson.Write(ctx, conn, map[string]any{
		"type": "req:nonsense",
		"id":   "x1",
	}))

	var resp envelope
	require.NoError(t, wsjson.Read(ctx, conn, &resp))
	require.False(t, *resp.OK)
	require.Equal(t, "invalid_request", resp.Error.Kind)
}

func TestHealthzServesStatus(t *testing.T) {
	ts, _ := newTestServer(t, &llm.MockProvider{})
	resp, err := ts.Client().Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)
}
