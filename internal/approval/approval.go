// ABOUTME: One-shot approval rendezvous keyed by run_id
// ABOUTME: A single-producer/single-consumer channel per pending approval, failing closed once consumed

// Package approval implements the human-in-the-loop rendezvous for write
// tools: a one-shot single-producer/single-consumer channel keyed by run_id,
// protected by a map mutex, with a deadline enforced independently of
// whether the waiter is still listening.
package approval

import (
	"errors"
	"sync"
	"time"

	"github.com/kilnlabs/agentgw/internal/domain"
)

// ErrAlreadyOpen is returned by Open when a pending approval for the run
// already exists.
var ErrAlreadyOpen = errors.New("approval: already open for this run")

// Resolution is the terminal outcome of a Waiter.
type Resolution string

const (
	Granted  Resolution = "granted"
	Denied   Resolution = "denied"
	TimedOut Resolution = "timed_out"
)

// Result carries the resolution plus, for a denial, the reason.
type Result struct {
	Resolution  Resolution
	Reason      string
	ByPrincipal string
}

// Waiter is handed to the orchestrator; it resolves exactly once.
type Waiter struct {
	ch <-chan Result
}

// Wait blocks until the approval resolves through Grant, Deny, or the
// deadline timer (TimedOut). It observes no context: a run canceled while
// waiting stays blocked until one of those three resolves it.
func (w *Waiter) Wait() Result {
	return <-w.ch
}

type pending struct {
	resultCh chan Result
	timer    *time.Timer
	once     sync.Once
	approval domain.PendingApproval
}

// Broker tracks at most one PendingApproval per run_id.
type Broker struct {
	mu      sync.Mutex
	pending map[string]*pending
}

// New constructs an empty Broker.
func New() *Broker {
	return &Broker{pending: make(map[string]*pending)}
}

// Open registers a pending approval for runID and starts its deadline timer.
// It fails if a pending approval for this run already exists.
func (b *Broker) Open(runID, toolName string, args map[string]any, deadline time.Time) (*Waiter, error) {
	b.mu.Lock()
	if _, exists := b.pending[runID]; exists {
		b.mu.Unlock()
		return nil, ErrAlreadyOpen
	}

	p := &pending{
		resultCh: make(chan Result, 1),
		approval: domain.PendingApproval{
			RunID:       runID,
			ToolName:    toolName,
			Args:        args,
			RequestedAt: time.Now(),
			Deadline:    deadline,
		},
	}
	p.timer = time.AfterFunc(time.Until(deadline), func() {
		b.resolve(runID, Result{Resolution: TimedOut})
	})
	b.pending[runID] = p
	b.mu.Unlock()

	return &Waiter{ch: p.resultCh}, nil
}

// Pending returns the PendingApproval for runID, if one is open.
func (b *Broker) Pending(runID string) (domain.PendingApproval, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[runID]
	if !ok {
		return domain.PendingApproval{}, false
	}
	return p.approval, true
}

// Grant resolves runID's pending approval as Granted. It returns false if
// there was no open, unresolved approval for that run.
func (b *Broker) Grant(runID, byPrincipal string) bool {
	return b.resolve(runID, Result{Resolution: Granted, ByPrincipal: byPrincipal})
}

// Deny resolves runID's pending approval as Denied.
func (b *Broker) Deny(runID, reason string) bool {
	return b.resolve(runID, Result{Resolution: Denied, Reason: reason})
}

// resolve delivers result to the waiter exactly once and removes the pending
// entry. It is the single place that consumes the one-shot channel slot.
func (b *Broker) resolve(runID string, result Result) bool {
	b.mu.Lock()
	p, ok := b.pending[runID]
	if ok {
		delete(b.pending, runID)
	}
	b.mu.Unlock()

	if !ok {
		return false
	}

	delivered := false
	p.once.Do(func() {
		p.timer.Stop()
		p.resultCh <- result
		delivered = true
	})
	return delivered
}
