// ABOUTME: Run state machine driving a single agent.run to completion
// ABOUTME: build_context, plan, policy_check, await_approval, execute_tool, decide, clarify, finalize

// Package orchestrator drives one AgentRun through the bounded state
// machine: build_context -> plan -> policy_check -> await_approval ->
// execute_tool -> decide -> clarify -> finalize. It is a pure coordinator:
// every durable effect is requested through Store, every observable effect
// is emitted through Bus.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/kilnlabs/agentgw/internal/approval"
	"github.com/kilnlabs/agentgw/internal/domain"
	"github.com/kilnlabs/agentgw/internal/eventbus"
	"github.com/kilnlabs/agentgw/internal/llm"
	"github.com/kilnlabs/agentgw/internal/policy"
	"github.com/kilnlabs/agentgw/internal/tools"
)

// Store is the persistence boundary the orchestrator borrows a run through.
// The gateway core is the only real implementation; the orchestrator never
// touches a database directly.
type Store interface {
	LoadHistory(ctx context.Context, chatID string, limit int) ([]llm.Message, error)
	UpdateRun(ctx context.Context, run domain.AgentRun) error
	SaveOutboundMessage(ctx context.Context, chatID, text string) error
	SaveApprovalAudit(ctx context.Context, runID, toolName string, args map[string]any, resolution, reason, byPrincipal string, requestedAt time.Time) error
}

// HistoryLimit bounds how much prior chat is loaded into context per run.
const HistoryLimit = 50

// Config carries the per-run tunables the gateway's configuration supplies.
type Config struct {
	ToolTimeout            time.Duration // fixed at 30s by the caller
	ApprovalTimeoutDefault time.Duration
	LLMRetryInitialBackoff time.Duration
	LLMRetryMaxAttempts    int
}

// Metrics is the optional observability sink the orchestrator reports
// through. A nil Metrics on Orchestrator is a no-op.
type Metrics interface {
	ObserveRunCompleted(status domain.RunStatus)
	ObserveToolCall(tool string, ok bool)
	ObserveApprovalLatency(d time.Duration)
}

// DefaultConfig returns the orchestrator's fixed and default tunables.
func DefaultConfig() Config {
	return Config{
		ToolTimeout:            30 * time.Second,
		ApprovalTimeoutDefault: 300 * time.Second,
		LLMRetryInitialBackoff: 250 * time.Millisecond,
		LLMRetryMaxAttempts:    3,
	}
}

// Orchestrator executes one run at a time; callers spawn one goroutine per
// run, each with its own Orchestrator-free call into Run.
type Orchestrator struct {
	store     Store
	bus       *eventbus.Bus
	registry  *tools.Registry
	policy    *policy.Engine
	approvals *approval.Broker
	provider  llm.Provider
	cfg       Config
	logger    *slog.Logger
	metrics   Metrics
}

// New constructs an Orchestrator over its collaborators. metrics may be nil.
func New(store Store, bus *eventbus.Bus, registry *tools.Registry, pol *policy.Engine, approvals *approval.Broker, provider llm.Provider, cfg Config, logger *slog.Logger, metrics Metrics) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:     store,
		bus:       bus,
		registry:  registry,
		policy:    pol,
		approvals: approvals,
		provider:  provider,
		cfg:       cfg,
		logger:    logger.With("component", "orchestrator"),
		metrics:   metrics,
	}
}

func (o *Orchestrator) observeRunCompleted(status domain.RunStatus) {
	if o.metrics != nil {
		o.metrics.ObserveRunCompleted(status)
	}
}

func (o *Orchestrator) observeToolCall(tool string, ok bool) {
	if o.metrics != nil {
		o.metrics.ObserveToolCall(tool, ok)
	}
}

func (o *Orchestrator) observeApprovalLatency(d time.Duration) {
	if o.metrics != nil {
		o.metrics.ObserveApprovalLatency(d)
	}
}

// runState is the mutable working set threaded through one Run call; it is
// never shared across goroutines.
type runState struct {
	run           domain.AgentRun
	history       []llm.Message
	pendingTool   *llm.ToolCall
	lastToolOK    *bool
	blockedReason string
	outputText    string
	done          bool
}

// Run executes run to completion, synchronously. The caller is expected to
// invoke this in its own goroutine and to have already persisted the run in
// domain.RunPending.
func (o *Orchestrator) Run(ctx context.Context, run domain.AgentRun) {
	st := &runState{run: run}

	defer o.finalizeAlways(ctx, st)

	if err := o.buildContext(ctx, st); err != nil {
		o.fail(st, "internal", fmt.Sprintf("build_context: %v", err))
		return
	}

	for !st.done {
		select {
		case <-ctx.Done():
			st.run.Status = domain.RunCanceled
			st.done = true
			return
		default:
		}

		if time.Now().After(st.run.Deadline) {
			o.fail(st, "run_timeout", "run deadline exceeded")
			return
		}
		if st.run.Step >= st.run.MaxSteps {
			o.fail(st, "step_limit", "max_steps reached")
			return
		}

		st.run.Step++
		st.run.Status = domain.RunPlanning
		plan, err := o.plan(ctx, st)
		if err != nil {
			o.fail(st, "llm_unavailable", err.Error())
			return
		}

		switch plan.Kind {
		case llm.PlanKindText:
			st.outputText = plan.Text
			o.emitOutput(st, plan.Text)
			st.done = true
			st.run.Status = domain.RunCompleted
			st.run.Summary = "completed"
		case llm.PlanKindAbstain:
			st.blockedReason = "llm_abstained"
			o.decide(st)
		case llm.PlanKindTool:
			if len(plan.Extra) > 0 {
				o.emitProgress(st, "multi_tool_discarded", map[string]any{"discarded": len(plan.Extra)})
			}
			if plan.Text != "" {
				st.history = append(st.history, llm.Message{Role: "assistant", Content: plan.Text})
			}
			o.handleToolCall(ctx, st, plan.Tool)
		}
	}
}

func (o *Orchestrator) buildContext(ctx context.Context, st *runState) error {
	o.emitProgress(st, "start", nil)
	history, err := o.store.LoadHistory(ctx, st.run.ChatID, HistoryLimit)
	if err != nil {
		return err
	}
	st.history = history
	return nil
}

// plan calls the LLM with retry and exponential backoff, giving up only
// after the configured number of attempts is exhausted.
func (o *Orchestrator) plan(ctx context.Context, st *runState) (llm.Plan, error) {
	specs := o.registry.List()
	descriptors := make([]llm.ToolDescriptor, 0, len(specs))
	for _, s := range specs {
		descriptors = append(descriptors, llm.ToolDescriptor{Name: s.Name, Description: s.Description, Schema: s.ParameterSchema})
	}

	backoff := o.cfg.LLMRetryInitialBackoff
	var lastErr error
	for attempt := 1; attempt <= o.cfg.LLMRetryMaxAttempts; attempt++ {
		plan, err := o.provider.Plan(ctx, st.history, descriptors)
		if err == nil {
			o.emitProgress(st, "plan_end", nil)
			return plan, nil
		}
		lastErr = err
		if attempt == o.cfg.LLMRetryMaxAttempts {
			break
		}
		jitter := 1 + (rand.Float64()*0.4 - 0.2) // +/-20%
		select {
		case <-ctx.Done():
			return llm.Plan{}, ctx.Err()
		case <-time.After(time.Duration(float64(backoff) * jitter)):
		}
		backoff *= 2
	}
	return llm.Plan{}, fmt.Errorf("llm_unavailable: %w", lastErr)
}

func (o *Orchestrator) handleToolCall(ctx context.Context, st *runState, call llm.ToolCall) {
	decision := o.policy.EvaluateTool(call.Name)
	if !decision.Allow {
		o.emitBlocked(st, decision.DenyReason, call.Name)
		st.blockedReason = decision.DenyReason
		o.decide(st)
		return
	}

	if decision.ApprovalRequired {
		o.awaitApproval(ctx, st, call)
		return
	}

	o.executeTool(ctx, st, call)
}

func (o *Orchestrator) awaitApproval(ctx context.Context, st *runState, call llm.ToolCall) {
	st.run.Status = domain.RunAwaitingApproval
	deadline := st.run.Deadline
	if d := time.Now().Add(o.cfg.ApprovalTimeoutDefault); d.Before(deadline) {
		deadline = d
	}

	o.emitEvent(st, domain.EventRunToolCall, map[string]any{
		"tool": call.Name, "args": call.Args, "approval_required": true,
	})
	o.emitEvent(st, domain.EventApprovalRequired, map[string]any{
		"tool": call.Name, "args": call.Args, "deadline": deadline,
	})

	requestedAt := time.Now()
	waiter, err := o.approvals.Open(st.run.RunID, call.Name, call.Args, deadline)
	if err != nil {
		o.fail(st, "internal", err.Error())
		st.done = true
		return
	}
	if err := o.store.UpdateRun(ctx, st.run); err != nil {
		o.logger.Warn("failed to persist awaiting_approval status", "run_id", st.run.RunID, "error", err)
	}

	result := waiter.Wait()
	o.observeApprovalLatency(time.Since(requestedAt))
	o.emitEvent(st, domain.EventApprovalResolved, map[string]any{"status": string(result.Resolution)})
	if err := o.store.SaveApprovalAudit(ctx, st.run.RunID, call.Name, call.Args, string(result.Resolution), result.Reason, result.ByPrincipal, requestedAt); err != nil {
		o.logger.Warn("failed to persist approval audit", "run_id", st.run.RunID, "error", err)
	}

	switch result.Resolution {
	case approval.Granted:
		o.executeTool(ctx, st, call)
	case approval.Denied:
		reason := result.Reason
		if reason == "" {
			reason = "approval_denied"
		}
		o.emitBlocked(st, reason, call.Name)
		st.blockedReason = reason
		o.decide(st)
	case approval.TimedOut:
		o.fail(st, "approval_timeout", "approval not granted before deadline")
		st.done = true
	}
}

func (o *Orchestrator) executeTool(ctx context.Context, st *runState, call llm.ToolCall) {
	st.run.Status = domain.RunToolExec
	o.emitEvent(st, domain.EventRunToolCall, map[string]any{
		"tool": call.Name, "args": call.Args, "approval_required": false,
	})

	spec, err := o.registry.Get(call.Name)
	if err != nil {
		o.emitBlocked(st, "tool_missing", call.Name)
		st.blockedReason = "tool_missing"
		o.decide(st)
		return
	}

	toolCtx, cancel := context.WithTimeout(ctx, o.cfg.ToolTimeout)
	defer cancel()

	resultCh := make(chan toolOutcome, 1)
	go func() {
		out, err := spec.Handler(domain.ToolContext{RunID: st.run.RunID, ChatID: st.run.ChatID, ChannelID: st.run.ChannelID}, call.Args)
		resultCh <- toolOutcome{out: out, err: err}
	}()

	var outcome toolOutcome
	select {
	case outcome = <-resultCh:
	case <-toolCtx.Done():
		outcome = toolOutcome{err: errors.New("tool_timeout")}
	}

	ok := outcome.err == nil
	st.lastToolOK = &ok
	o.observeToolCall(call.Name, ok)
	o.emitProgress(st, "tool_result", map[string]any{"ok": ok})

	if ok {
		st.history = append(st.history, llm.Message{Role: "tool", Content: fmt.Sprintf("%v", outcome.out)})
	} else {
		st.history = append(st.history, llm.Message{Role: "tool", Content: fmt.Sprintf("error: %v", outcome.err)})
		if spec.Permission == domain.PermissionWrite {
			o.fail(st, "tool_error", outcome.err.Error())
			st.done = true
			return
		}
	}

	o.decide(st)
}

type toolOutcome struct {
	out map[string]any
	err error
}

// decide applies the run's post-step checks in order: deadline, step limit,
// output, blocked-only, continue.
func (o *Orchestrator) decide(st *runState) {
	switch {
	case time.Now().After(st.run.Deadline):
		o.fail(st, "run_timeout", "run deadline exceeded")
	case st.run.Step >= st.run.MaxSteps:
		o.fail(st, "step_limit", "max_steps reached")
	case st.outputText != "":
		st.run.Status = domain.RunCompleted
		st.run.Summary = "completed"
		st.done = true
	case st.blockedReason != "":
		o.clarify(st)
	default:
		// continue: re-plan on the next loop iteration
	}
}

// clarify is the ask-clarification fallback: a blocked run that produced no
// output always receives a deterministic explanation.
func (o *Orchestrator) clarify(st *runState) {
	text := fmt.Sprintf("I couldn't complete that request (%s).", st.blockedReason)
	st.outputText = text
	o.emitOutput(st, text)
	st.run.Status = domain.RunCompleted
	st.run.Summary = "completed_with_issues"
	st.done = true
}

func (o *Orchestrator) fail(st *runState, kind, message string) {
	st.run.Status = kindToStatus(kind)
	st.run.Error = &domain.RunError{Kind: kind, Message: message}
	st.run.Summary = message
	st.done = true
}

func kindToStatus(kind string) domain.RunStatus {
	switch kind {
	case "run_timeout":
		return domain.RunTimedOut
	default:
		return domain.RunFailed
	}
}

// finalizeAlways is deferred so that a panic mid-run still reaches a
// terminal status and emits run.completed exactly once, mirroring the
// guaranteed-finally emission this orchestrator is grounded on.
func (o *Orchestrator) finalizeAlways(ctx context.Context, st *runState) {
	if r := recover(); r != nil {
		st.run.Status = domain.RunFailed
		st.run.Error = &domain.RunError{Kind: "internal", Message: fmt.Sprintf("panic: %v", r)}
		o.logger.Error("orchestrator panic recovered", "run_id", st.run.RunID, "panic", r)
	}

	if !st.run.Status.Terminal() {
		st.run.Status = domain.RunFailed
		if st.run.Error == nil {
			st.run.Error = &domain.RunError{Kind: "internal", Message: "run ended without a terminal status"}
		}
	}

	now := time.Now()
	st.run.EndedAt = &now

	if err := o.store.UpdateRun(ctx, st.run); err != nil {
		o.logger.Error("failed to persist final run state", "run_id", st.run.RunID, "error", err)
	}

	payload := map[string]any{"status": string(st.run.Status), "summary": st.run.Summary}
	if st.run.OutputText != "" {
		payload["output_text"] = st.run.OutputText
	}
	o.bus.Publish(domain.Event{Type: domain.EventRunCompleted, RunID: st.run.RunID, ChannelID: st.run.ChannelID, Ts: time.Now(), Payload: payload})
	o.observeRunCompleted(st.run.Status)
}

func (o *Orchestrator) emitProgress(st *runState, phase string, extra map[string]any) {
	payload := map[string]any{"step": st.run.Step, "phase": phase}
	for k, v := range extra {
		payload[k] = v
	}
	o.emitEvent(st, domain.EventRunProgress, payload)
}

func (o *Orchestrator) emitOutput(st *runState, text string) {
	st.run.OutputText = text
	if err := o.store.SaveOutboundMessage(context.Background(), st.run.ChatID, text); err != nil {
		o.logger.Warn("failed to persist outbound message", "chat_id", st.run.ChatID, "error", err)
	}
	o.emitEvent(st, domain.EventRunOutput, map[string]any{"text": text})
}

func (o *Orchestrator) emitBlocked(st *runState, reason, tool string) {
	o.emitEvent(st, domain.EventSecurityBlocked, map[string]any{"reason": reason, "tool": tool})
}

func (o *Orchestrator) emitEvent(st *runState, typ domain.EventType, payload map[string]any) {
	o.bus.Publish(domain.Event{
		Type:      typ,
		Ts:        time.Now(),
		RunID:     st.run.RunID,
		ChannelID: st.run.ChannelID,
		Payload:   payload,
	})
}
