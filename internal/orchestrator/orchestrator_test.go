// ABOUTME: Tests for the run state machine
// ABOUTME: Covers text replies, tool calls, approvals, policy blocks, and step-budget exhaustion

package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kilnlabs/agentgw/internal/approval"
	"github.com/kilnlabs/agentgw/internal/domain"
	"github.com/kilnlabs/agentgw/internal/eventbus"
	"github.com/kilnlabs/agentgw/internal/llm"
	"github.com/kilnlabs/agentgw/internal/policy"
	"github.com/kilnlabs/agentgw/internal/ratelimit"
	"github.com/kilnlabs/agentgw/internal/tools"
)

type fakeStore struct {
	mu       sync.Mutex
	runs     []domain.AgentRun
	outbound []string
}

func (f *fakeStore) LoadHistory(context.Context, string, int) ([]llm.Message, error) {
	return []llm.Message{{Role: "user", Content: "please sum some numbers"}}, nil
}

func (f *fakeStore) UpdateRun(_ context.Context, run domain.AgentRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, run)
	return nil
}

func (f *fakeStore) SaveOutboundMessage(_ context.Context, _ string, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outbound = append(f.outbound, text)
	return nil
}

func (f *fakeStore) SaveApprovalAudit(context.Context, string, string, map[string]any, string, string, string, time.Time) error {
	return nil
}

func (f *fakeStore) lastRun() domain.AgentRun {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs[len(f.runs)-1]
}

func newTestOrchestrator(t *testing.T, registry *tools.Registry, pol domain.Policy, provider llm.Provider) (*Orchestrator, *fakeStore, *eventbus.Bus) {
	t.Helper()
	store := &fakeStore{}
	bus := eventbus.New(nil)
	limiter := ratelimit.New(100, 100)
	t.Cleanup(limiter.Close)
	engine := policy.New(pol, registry, limiter)
	broker := approval.New()
	orch := New(store, bus, registry, engine, broker, provider, DefaultConfig(), nil, nil)
	return orch, store, bus
}

func newRun(runID string) domain.AgentRun {
	return domain.AgentRun{
		RunID:     runID,
		ChatID:    "chat-1",
		ChannelID: "chan-1",
		MaxSteps:  5,
		Deadline:  time.Now().Add(time.Minute),
		CreatedAt: time.Now(),
	}
}

func TestRunEchoCompletes(t *testing.T) {
	registry := tools.New()
	mock := &llm.MockProvider{PlanFunc: func([]llm.Message) llm.Plan {
		return llm.PlanText("hello back")
	}}
	orch, store, _ := newTestOrchestrator(t, registry, domain.Policy{ToolAllowlist: map[string]bool{}}, mock)

	orch.Run(context.Background(), newRun("run-1"))

	final := store.lastRun()
	require.Equal(t, domain.RunCompleted, final.Status)
	require.Equal(t, "hello back", final.OutputText)
	require.Equal(t, []string{"hello back"}, store.outbound)
}

func TestRunReadToolAllowedWithoutApproval(t *testing.T) {
	registry := tools.New()
	for _, spec := range tools.Builtins() {
		require.NoError(t, registry.Register(spec))
	}
	pol := domain.Policy{ToolAllowlist: map[string]bool{"math.sum": true}}

	calls := 0
	mock := &llm.MockProvider{PlanFunc: func(history []llm.Message) llm.Plan {
		calls++
		if calls == 1 {
			return llm.PlanTool(llm.ToolCall{Name: "math.sum", Args: map[string]any{"values": []any{1.0, 2.0, 3.0}}})
		}
		return llm.PlanText("the sum is 6")
	}}

	orch, store, _ := newTestOrchestrator(t, registry, pol, mock)
	orch.Run(context.Background(), newRun("run-2"))

	final := store.lastRun()
	require.Equal(t, domain.RunCompleted, final.Status)
	require.Equal(t, "the sum is 6", final.OutputText)
}

func TestRunWriteToolRequiresApprovalAndGrant(t *testing.T) {
	registry := tools.New()
	for _, spec := range tools.Builtins() {
		require.NoError(t, registry.Register(spec))
	}
	pol := domain.Policy{
		ToolAllowlist:           map[string]bool{"email.send": true},
		RequireApprovalForWrite: true,
	}

	calls := 0
	mock := &llm.MockProvider{PlanFunc: func(history []llm.Message) llm.Plan {
		calls++
		if calls == 1 {
			return llm.PlanTool(llm.ToolCall{Name: "email.send", Args: map[string]any{"to": "a@example.com", "body": "hi"}})
		}
		return llm.PlanText("sent")
	}}

	approvals := approval.New()
	store := &fakeStore{}
	bus := eventbus.New(nil)
	limiter := ratelimit.New(100, 100)
	t.Cleanup(limiter.Close)
	engine := policy.New(pol, registry, limiter)
	orch := New(store, bus, registry, engine, approvals, mock, DefaultConfig(), nil, nil)

	done := make(chan struct{})
	go func() {
		orch.Run(context.Background(), newRun("run-3"))
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, ok := approvals.Pending("run-3")
		return ok
	}, time.Second, time.Millisecond)

	require.True(t, approvals.Grant("run-3", "alice"))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run did not complete after approval grant")
	}

	final := store.lastRun()
	require.Equal(t, domain.RunCompleted, final.Status)
	require.Equal(t, "sent", final.OutputText)
}

func TestRunWriteToolDeniedProducesClarification(t *testing.T) {
	registry := tools.New()
	for _, spec := range tools.Builtins() {
		require.NoError(t, registry.Register(spec))
	}
	pol := domain.Policy{
		ToolAllowlist:           map[string]bool{"email.send": true},
		RequireApprovalForWrite: true,
	}
	mock := &llm.MockProvider{PlanFunc: func([]llm.Message) llm.Plan {
		return llm.PlanTool(llm.ToolCall{Name: "email.send", Args: map[string]any{"to": "a@example.com"}})
	}}

	approvals := approval.New()
	store := &fakeStore{}
	bus := eventbus.New(nil)
	limiter := ratelimit.New(100, 100)
	t.Cleanup(limiter.Close)
	engine := policy.New(pol, registry, limiter)
	orch := New(store, bus, registry, engine, approvals, mock, DefaultConfig(), nil, nil)

	done := make(chan struct{})
	go func() {
		orch.Run(context.Background(), newRun("run-4"))
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, ok := approvals.Pending("run-4")
		return ok
	}, time.Second, time.Millisecond)

	require.True(t, approvals.Deny("run-4", "not today"))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run did not complete after approval denial")
	}

	final := store.lastRun()
	require.Equal(t, domain.RunCompleted, final.Status)
	require.Equal(t, "completed_with_issues", final.Summary)
	require.Contains(t, final.OutputText, "not today")
}

func TestRunToolNotAllowlistedBlocksAndClarifies(t *testing.T) {
	registry := tools.New()
	for _, spec := range tools.Builtins() {
		require.NoError(t, registry.Register(spec))
	}
	pol := domain.Policy{ToolAllowlist: map[string]bool{}}
	mock := &llm.MockProvider{PlanFunc: func([]llm.Message) llm.Plan {
		return llm.PlanTool(llm.ToolCall{Name: "math.sum", Args: map[string]any{"values": []any{1.0}}})
	}}

	orch, store, bus := newTestOrchestrator(t, registry, pol, mock)
	sub, handle := bus.Subscribe(eventbus.Filter{RunID: "run-5"})
	defer bus.Unsubscribe(handle)

	orch.Run(context.Background(), newRun("run-5"))

	final := store.lastRun()
	require.Equal(t, domain.RunCompleted, final.Status)
	require.Contains(t, final.OutputText, "tool_not_allowlisted")

	sawBlocked := false
	for {
		select {
		case evt := <-sub:
			if evt.Type == domain.EventSecurityBlocked {
				sawBlocked = true
			}
		default:
			require.True(t, sawBlocked, "expected a security.blocked event")
			return
		}
	}
}

func TestRunStepLimitFailsRun(t *testing.T) {
	registry := tools.New()
	for _, spec := range tools.Builtins() {
		require.NoError(t, registry.Register(spec))
	}
	pol := domain.Policy{ToolAllowlist: map[string]bool{"math.sum": true}}
	mock := &llm.MockProvider{PlanFunc: func([]llm.Message) llm.Plan {
		return llm.PlanTool(llm.ToolCall{Name: "math.sum", Args: map[string]any{"values": []any{1.0}}})
	}}

	orch, store, _ := newTestOrchestrator(t, registry, pol, mock)
	run := newRun("run-6")
	run.MaxSteps = 2

	orch.Run(context.Background(), run)

	final := store.lastRun()
	require.Equal(t, domain.RunFailed, final.Status)
	require.Equal(t, "step_limit", final.Error.Kind)
}
