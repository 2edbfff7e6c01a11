// ABOUTME: Single authority over every persisted entity and published event
// ABOUTME: The store, bus, registry, policy engine, and approval broker are all reached only through a Gateway method

// Package gateway is the single authority over every persisted entity and
// every event the system emits. The control plane, channel adapters, and
// the CLI all talk to a *Gateway; nothing outside this package touches the
// store, the tool registry, the policy engine, or the approval broker
// directly.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/kilnlabs/agentgw/internal/approval"
	"github.com/kilnlabs/agentgw/internal/domain"
	"github.com/kilnlabs/agentgw/internal/eventbus"
	"github.com/kilnlabs/agentgw/internal/gatewayerr"
	"github.com/kilnlabs/agentgw/internal/llm"
	"github.com/kilnlabs/agentgw/internal/orchestrator"
	"github.com/kilnlabs/agentgw/internal/policy"
	"github.com/kilnlabs/agentgw/internal/ratelimit"
	"github.com/kilnlabs/agentgw/internal/store"
	"github.com/kilnlabs/agentgw/internal/tools"
)

// Finding is one entry of a doctor.audit response.
type Finding struct {
	Severity string `json:"severity"`
	Code     string `json:"code"`
	Message  string `json:"message"`
}

// Inbound is the normalized shape a channel adapter hands to IngestInbound.
type Inbound struct {
	ChannelID string
	ChatID    string
	ChatTitle string
	SenderID  string
	Text      string
	IsDM      bool
	IsGroup   bool
}

// ConfigDiff is the partial update accepted by SetConfig.
type ConfigDiff struct {
	ChannelAllowlist        map[string]map[string]bool
	ToolAllowlist           map[string]bool
	RequireApprovalForWrite *bool
	DMPolicy                *domain.AccessPolicy
	GroupPolicy             *domain.AccessPolicy
}

// Config carries the tunables the gateway needs beyond those owned by its
// collaborators.
type Config struct {
	MaxSteps        int
	RunTimeout      time.Duration
	ApprovalTimeout time.Duration
	ToolTimeout     time.Duration
	HistoryLimit    int
	ShutdownGrace   time.Duration
}

// DefaultConfig returns the gateway's default tunables.
func DefaultConfig() Config {
	return Config{
		MaxSteps:        20,
		RunTimeout:      300 * time.Second,
		ApprovalTimeout: 300 * time.Second,
		ToolTimeout:     30 * time.Second,
		HistoryLimit:    orchestrator.HistoryLimit,
		ShutdownGrace:   10 * time.Second,
	}
}

// Gateway owns every persisted entity and the event bus: writes and
// publishes happen either in its methods or in the orchestrator runs it
// starts, which it hands its store and bus.
type Gateway struct {
	store     store.Store
	bus       *eventbus.Bus
	registry  *tools.Registry
	limiter   *ratelimit.Limiter
	chanLim   *ratelimit.Limiter
	policy    *policy.Engine
	approvals *approval.Broker
	llm       llm.Provider
	cfg       Config
	logger    *slog.Logger
	metrics   orchestrator.Metrics

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup

	persistHandle string
	persistDone   chan struct{}
}

// SetMetrics wires a metrics sink into every orchestrator run started after
// this call. Passing nil (the default) disables metrics observation.
func (g *Gateway) SetMetrics(m orchestrator.Metrics) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.metrics = m
}

// New constructs a Gateway. The policy engine's live policy is seeded from
// the repository so that a restart resumes the last persisted configuration.
func New(ctx context.Context, st store.Store, bus *eventbus.Bus, registry *tools.Registry, principalLimiter, channelLimiter *ratelimit.Limiter, approvals *approval.Broker, provider llm.Provider, cfg Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p, err := st.GetPolicy(ctx)
	if err != nil {
		return nil, fmt.Errorf("gateway: loading policy: %w", err)
	}

	g := &Gateway{
		store:     st,
		bus:       bus,
		registry:  registry,
		limiter:   principalLimiter,
		chanLim:   channelLimiter,
		approvals: approvals,
		llm:       provider,
		cfg:       cfg,
		logger:    logger.With("component", "gateway"),
		running:   make(map[string]context.CancelFunc),
	}
	g.policy = policy.New(p, registry, principalLimiter)
	g.startEventPersistence()
	return g, nil
}

// startEventPersistence subscribes to every event the bus carries and
// appends it to the events table, so req:runs.tail has something to replay
// after a restart and the live bus subscription isn't the only record of
// what happened. Runs on its own goroutine, independent of g.wg, since it
// must outlive every in-flight run and is drained separately in Shutdown.
func (g *Gateway) startEventPersistence() {
	sub, handle := g.bus.Subscribe(eventbus.Filter{})
	g.persistHandle = handle
	g.persistDone = make(chan struct{})

	go func() {
		defer close(g.persistDone)
		for evt := range sub {
			if err := g.store.AppendEvent(context.Background(), evt); err != nil {
				g.logger.Error("failed to persist event", "error", err, "type", evt.Type, "seq", evt.Seq)
			}
		}
	}()
}

// IngestInbound authorizes, persists, and publishes an inbound chat message.
func (g *Gateway) IngestInbound(ctx context.Context, in Inbound) (domain.Message, error) {
	decision := g.policy.EvaluateInbound(in.ChannelID, in.SenderID, in.IsDM, in.IsGroup)
	if !decision.Allow {
		g.bus.Publish(domain.Event{
			Type: domain.EventSecurityBlocked, Ts: time.Now(), ChannelID: in.ChannelID,
			Payload: map[string]any{"reason": decision.DenyReason, "sender_id": in.SenderID, "channel_id": in.ChannelID},
		})
		return domain.Message{}, gatewayerr.New(gatewayerr.KindPolicyDenied, decision.DenyReason)
	}

	if err := g.store.UpsertChat(ctx, domain.Chat{ChatID: in.ChatID, ChannelID: in.ChannelID, Title: in.ChatTitle, CreatedAt: time.Now()}); err != nil {
		return domain.Message{}, gatewayerr.Wrap(gatewayerr.KindInternal, err)
	}

	msg := domain.Message{
		MessageID: uuid.New().String(),
		ChatID:    in.ChatID,
		Direction: domain.DirectionInbound,
		SenderID:  in.SenderID,
		Text:      in.Text,
		Ts:        time.Now(),
	}
	if err := g.store.SaveMessage(ctx, msg); err != nil {
		return domain.Message{}, gatewayerr.Wrap(gatewayerr.KindInternal, err)
	}

	g.bus.Publish(domain.Event{
		Type: domain.EventMessageInbound, Ts: time.Now(), ChannelID: in.ChannelID,
		Payload: map[string]any{"message": msg},
	})
	return msg, nil
}

// SetChannelStatus is the channel-adapter-only entry point for reporting
// connectivity transitions.
func (g *Gateway) SetChannelStatus(ctx context.Context, channelID string, kind domain.ChannelKind, status domain.ChannelStatus) error {
	ch := domain.Channel{ChannelID: channelID, Kind: kind, Status: status, LastSeen: time.Now()}
	if err := g.store.UpsertChannel(ctx, ch); err != nil {
		return gatewayerr.Wrap(gatewayerr.KindInternal, err)
	}
	g.bus.Publish(domain.Event{
		Type: domain.EventChannelStatus, Ts: time.Now(), ChannelID: channelID,
		Payload: map[string]any{"channel_id": channelID, "status": string(status)},
	})
	return nil
}

// StartRun persists a pending run and spawns its orchestrator goroutine,
// returning immediately with the run_id.
func (g *Gateway) StartRun(ctx context.Context, chatID, channelID, requestedBy, prompt string) (string, error) {
	chat, err := g.store.GetChat(ctx, chatID)
	if err != nil {
		return "", gatewayerr.Wrap(gatewayerr.KindNotFound, err)
	}

	// Run IDs are ULIDs, not UUIDs: the events table is appended to and
	// tailed in run order, and a time-sortable ID makes that ordering
	// recoverable straight from the identifier.
	runID := ulid.Make().String()
	now := time.Now()
	run := domain.AgentRun{
		RunID:       runID,
		ChatID:      chat.ChatID,
		ChannelID:   channelID,
		RequestedBy: requestedBy,
		Status:      domain.RunPending,
		MaxSteps:    g.cfg.MaxSteps,
		Deadline:    now.Add(g.cfg.RunTimeout),
		CreatedAt:   now,
	}
	if err := g.store.CreateRun(ctx, run); err != nil {
		return "", gatewayerr.Wrap(gatewayerr.KindInternal, err)
	}

	promptMsg := domain.Message{
		MessageID: uuid.New().String(),
		ChatID:    chat.ChatID,
		Direction: domain.DirectionInbound,
		SenderID:  requestedBy,
		Text:      prompt,
		Ts:        now,
	}
	if err := g.store.SaveMessage(ctx, promptMsg); err != nil {
		return "", gatewayerr.Wrap(gatewayerr.KindInternal, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	g.mu.Lock()
	g.running[runID] = cancel
	g.mu.Unlock()

	orchCfg := orchestrator.DefaultConfig()
	orchCfg.ToolTimeout = g.cfg.ToolTimeout
	orchCfg.ApprovalTimeoutDefault = g.cfg.ApprovalTimeout
	g.mu.Lock()
	m := g.metrics
	g.mu.Unlock()
	orch := orchestrator.New(&runStore{g: g}, g.bus, g.registry, g.policy, g.approvals, g.llm, orchCfg, g.logger, m)

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer func() {
			g.mu.Lock()
			delete(g.running, runID)
			g.mu.Unlock()
			cancel()
		}()
		orch.Run(runCtx, run)
	}()

	return runID, nil
}

// AllowRun applies the principal rate limiter to an agent.run admission
// check, keyed by the requesting principal rather than the connection.
func (g *Gateway) AllowRun(principal string) (allowed bool, retryAfter time.Duration) {
	return g.limiter.Allow(principal, 1)
}

// CancelRun cancels a running orchestrator context. It reports whether a
// live run was found.
func (g *Gateway) CancelRun(runID string) bool {
	g.mu.Lock()
	cancel, ok := g.running[runID]
	g.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// GrantApproval resolves a pending approval as granted.
func (g *Gateway) GrantApproval(runID, principal string) error {
	if !g.approvals.Grant(runID, principal) {
		return gatewayerr.New(gatewayerr.KindNotFound, "no pending approval for this run")
	}
	return nil
}

// DenyApproval resolves a pending approval as denied.
func (g *Gateway) DenyApproval(runID, reason string) error {
	if !g.approvals.Deny(runID, reason) {
		return gatewayerr.New(gatewayerr.KindNotFound, "no pending approval for this run")
	}
	return nil
}

// TailEvents replays events for a run after the given seq.
func (g *Gateway) TailEvents(ctx context.Context, runID string, afterSeq uint64, limit int) ([]domain.Event, error) {
	evts, err := g.store.ListEventsSince(ctx, runID, afterSeq, limit)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindInternal, err)
	}
	return evts, nil
}

// Subscribe exposes the underlying event bus subscription for the control
// plane's live streaming.
func (g *Gateway) Subscribe(filter eventbus.Filter) (<-chan domain.Event, string) {
	return g.bus.Subscribe(filter)
}

// SubscribeWithWatermark is Subscribe plus the bus seq at registration
// time, letting a caller replay persisted events up to that watermark and
// then rely on the subscription for everything after without a gap or a
// duplicate.
func (g *Gateway) SubscribeWithWatermark(filter eventbus.Filter) (<-chan domain.Event, string, uint64) {
	return g.bus.SubscribeWithWatermark(filter)
}

// Unsubscribe removes a control-plane subscription.
func (g *Gateway) Unsubscribe(handle string) {
	g.bus.Unsubscribe(handle)
}

// GetConfig returns the live policy and the registered tool catalog.
func (g *Gateway) GetConfig() (domain.Policy, []domain.ToolSpec) {
	return g.policy.Policy(), g.registry.List()
}

// SetConfig applies a partial policy update, persists it, and swaps the
// live policy engine's copy atomically.
func (g *Gateway) SetConfig(ctx context.Context, diff ConfigDiff) error {
	current := g.policy.Policy()
	if diff.ChannelAllowlist != nil {
		current.ChannelAllowlist = diff.ChannelAllowlist
	}
	if diff.ToolAllowlist != nil {
		current.ToolAllowlist = diff.ToolAllowlist
	}
	if diff.RequireApprovalForWrite != nil {
		current.RequireApprovalForWrite = *diff.RequireApprovalForWrite
	}
	if diff.DMPolicy != nil {
		current.DMPolicy = *diff.DMPolicy
	}
	if diff.GroupPolicy != nil {
		current.GroupPolicy = *diff.GroupPolicy
	}
	current.UpdatedAt = time.Now()

	if err := g.store.SetPolicy(ctx, current); err != nil {
		return gatewayerr.Wrap(gatewayerr.KindInternal, err)
	}
	g.policy.SetPolicy(current)
	return nil
}

// ListChannels returns every known channel.
func (g *Gateway) ListChannels(ctx context.Context) ([]domain.Channel, error) {
	chs, err := g.store.ListChannels(ctx)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindInternal, err)
	}
	return chs, nil
}

// ListChats returns the chats for a channel, or every chat if channelID is empty.
func (g *Gateway) ListChats(ctx context.Context, channelID string) ([]domain.Chat, error) {
	if channelID == "" {
		chans, err := g.store.ListChannels(ctx)
		if err != nil {
			return nil, gatewayerr.Wrap(gatewayerr.KindInternal, err)
		}
		var all []domain.Chat
		for _, ch := range chans {
			chats, err := g.store.ListChatsByChannel(ctx, ch.ChannelID)
			if err != nil {
				return nil, gatewayerr.Wrap(gatewayerr.KindInternal, err)
			}
			all = append(all, chats...)
		}
		return all, nil
	}
	chats, err := g.store.ListChatsByChannel(ctx, channelID)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindInternal, err)
	}
	return chats, nil
}

// ListMessages returns up to limit messages for a chat, oldest first.
func (g *Gateway) ListMessages(ctx context.Context, chatID string, limit int) ([]domain.Message, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	msgs, err := g.store.ListMessages(ctx, chatID, limit)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindInternal, err)
	}
	return msgs, nil
}

// Audit runs a small set of built-in health checks and returns findings.
func (g *Gateway) Audit(ctx context.Context) []Finding {
	var findings []Finding

	p := g.policy.Policy()
	if !p.RequireApprovalForWrite {
		findings = append(findings, Finding{Severity: "warning", Code: "approval_not_required", Message: "write tools execute without human approval"})
	}
	for name := range p.ToolAllowlist {
		if _, err := g.registry.Get(name); err != nil {
			findings = append(findings, Finding{Severity: "warning", Code: "allowlisted_tool_missing", Message: fmt.Sprintf("tool %q is allowlisted but not registered", name)})
		}
	}
	if lag := g.bus.Lag(); lag > 0 {
		findings = append(findings, Finding{Severity: "info", Code: "bus_lag", Message: fmt.Sprintf("event bus has dropped %d events for slow subscribers", lag)})
	}
	return findings
}

// HealthCheck is one named probe result in a Health report.
type HealthCheck struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Health is the aggregate report served at /healthz.
type Health struct {
	Status string        `json:"status"`
	Checks []HealthCheck `json:"checks"`
}

// HealthCheck probes repository connectivity, event bus liveness, and the
// LLM circuit breaker's state, per the operator-facing health endpoint.
func (g *Gateway) HealthCheck(ctx context.Context) Health {
	checks := []HealthCheck{g.checkRepository(ctx), g.checkEventBus(), g.checkCircuitBreaker()}

	status := "ok"
	for _, c := range checks {
		if c.Status != "ok" {
			status = "degraded"
		}
	}
	return Health{Status: status, Checks: checks}
}

func (g *Gateway) checkRepository(ctx context.Context) HealthCheck {
	if _, err := g.store.ListChannels(ctx); err != nil {
		return HealthCheck{Name: "repository", Status: "fail", Detail: err.Error()}
	}
	return HealthCheck{Name: "repository", Status: "ok"}
}

func (g *Gateway) checkEventBus() HealthCheck {
	return HealthCheck{Name: "event_bus", Status: "ok", Detail: fmt.Sprintf("seq=%d lag=%d", g.bus.Seq(), g.bus.Lag())}
}

func (g *Gateway) checkCircuitBreaker() HealthCheck {
	cb, ok := g.llm.(*llm.CircuitBreaker)
	if !ok {
		return HealthCheck{Name: "llm_circuit", Status: "ok", Detail: "not wrapped in a circuit breaker"}
	}
	state := cb.State()
	status := "ok"
	if state == llm.StateOpen {
		status = "fail"
	}
	return HealthCheck{Name: "llm_circuit", Status: status, Detail: string(state)}
}

// Shutdown cancels every running orchestrator context and waits up to the
// configured grace period before returning regardless.
func (g *Gateway) Shutdown() {
	g.mu.Lock()
	for _, cancel := range g.running {
		cancel()
	}
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(g.cfg.ShutdownGrace):
		g.logger.Warn("shutdown grace period elapsed with runs still active")
	}

	// Drain the persistence pump last, once no more runs can publish new
	// events, so every event emitted during shutdown still lands in the
	// store before the bus subscription closes.
	g.bus.Unsubscribe(g.persistHandle)
	<-g.persistDone
}

// runStore adapts the gateway's repository and history-loading logic to the
// narrow interface the orchestrator depends on.
type runStore struct {
	g *Gateway
}

func (r *runStore) LoadHistory(ctx context.Context, chatID string, limit int) ([]llm.Message, error) {
	msgs, err := r.g.store.ListMessages(ctx, chatID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		role := "user"
		if m.Direction == domain.DirectionOutbound {
			role = "assistant"
		}
		out = append(out, llm.Message{Role: role, Content: m.Text})
	}
	return out, nil
}

func (r *runStore) UpdateRun(ctx context.Context, run domain.AgentRun) error {
	return r.g.store.UpdateRun(ctx, run)
}

func (r *runStore) SaveOutboundMessage(ctx context.Context, chatID, text string) error {
	return r.g.store.SaveMessage(ctx, domain.Message{
		MessageID: uuid.New().String(),
		ChatID:    chatID,
		Direction: domain.DirectionOutbound,
		SenderID:  "agent",
		Text:      text,
		Ts:        time.Now(),
	})
}

func (r *runStore) SaveApprovalAudit(ctx context.Context, runID, toolName string, args map[string]any, resolution, reason, byPrincipal string, requestedAt time.Time) error {
	return r.g.store.SaveResolvedApproval(ctx, store.ResolvedApproval{
		RunID:       runID,
		ToolName:    toolName,
		Args:        args,
		Resolution:  resolution,
		Reason:      reason,
		ByPrincipal: byPrincipal,
		RequestedAt: requestedAt.Unix(),
		ResolvedAt:  time.Now().Unix(),
	})
}
