// ABOUTME: Access policy evaluation ahead of inbound messages and tool calls
// ABOUTME: DM/group defaults, channel allowlists, and the write-tool approval gate

// Package policy implements the deny-by-default authorization layer wrapping
// every tool invocation and every inbound message, mirroring the evaluation
// order a human auditor would want to read top to bottom.
package policy

import (
	"sync"

	"github.com/kilnlabs/agentgw/internal/domain"
	"github.com/kilnlabs/agentgw/internal/ratelimit"
	"github.com/kilnlabs/agentgw/internal/tools"
)

// Decision is the outcome of evaluating a tool call or an inbound message.
type Decision struct {
	Allow            bool
	DenyReason       string
	ApprovalRequired bool
}

// Engine evaluates principals, tool calls, and inbound messages against a
// live, swappable Policy.
type Engine struct {
	mu       sync.RWMutex
	policy   domain.Policy
	registry *tools.Registry
	limiter  *ratelimit.Limiter
}

// New constructs an Engine over the given registry and rate limiter,
// starting from policy. EvaluateInbound charges the limiter per sender ID.
func New(policy domain.Policy, registry *tools.Registry, limiter *ratelimit.Limiter) *Engine {
	return &Engine{policy: policy, registry: registry, limiter: limiter}
}

// Policy returns a copy of the currently active policy.
func (e *Engine) Policy() domain.Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.policy.Clone()
}

// SetPolicy atomically replaces the active policy.
func (e *Engine) SetPolicy(p domain.Policy) {
	e.mu.Lock()
	e.policy = p
	e.mu.Unlock()
}

// EvaluateTool checks a single tool call in order: allowlist membership,
// registry presence, then the write+approval rule.
func (e *Engine) EvaluateTool(toolName string) Decision {
	e.mu.RLock()
	allowed := e.policy.ToolAllowlist[toolName]
	requireApproval := e.policy.RequireApprovalForWrite
	e.mu.RUnlock()

	if !allowed {
		return Decision{Allow: false, DenyReason: "tool_not_allowlisted"}
	}

	spec, err := e.registry.Get(toolName)
	if err != nil {
		return Decision{Allow: false, DenyReason: "tool_missing"}
	}

	if spec.Permission == domain.PermissionWrite && requireApproval {
		return Decision{Allow: true, ApprovalRequired: true}
	}
	return Decision{Allow: true}
}

// EvaluateInbound authorizes an inbound message by channel allowlist, then
// the DM/group default, then rate limiting. isDM and isGroup are mutually
// exclusive descriptions of the chat the message arrived on.
func (e *Engine) EvaluateInbound(channelID, senderID string, isDM, isGroup bool) Decision {
	e.mu.RLock()
	senders, channelKnown := e.policy.ChannelAllowlist[channelID]
	dmPolicy := e.policy.DMPolicy
	groupPolicy := e.policy.GroupPolicy
	e.mu.RUnlock()

	if !channelKnown {
		return Decision{Allow: false, DenyReason: "channel_unknown"}
	}
	if !senders[senderID] {
		return Decision{Allow: false, DenyReason: "sender_not_allowlisted"}
	}
	if isDM && dmPolicy == domain.AccessDeny {
		return Decision{Allow: false, DenyReason: "dm_blocked"}
	}
	if isGroup && groupPolicy == domain.AccessDeny {
		return Decision{Allow: false, DenyReason: "group_blocked"}
	}
	if e.limiter != nil {
		if allowed, _ := e.limiter.Allow(senderID, 1); !allowed {
			return Decision{Allow: false, DenyReason: "rate_limited"}
		}
	}
	return Decision{Allow: true}
}
