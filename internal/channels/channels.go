// ABOUTME: Shared helpers every channel adapter calls after sourcing a message
// ABOUTME: IngestInbound-then-StartRun plumbing plus the run-completion wait used by synchronous adapters

// Package channels holds the transport adapters: the narrow-interface
// collaborators that turn a platform-specific inbound message into a call
// to *gateway.Gateway and a gateway run's output back into a platform-native
// reply. None of them touch the store, the policy engine, or the bus
// directly — only the gateway's public methods and its event subscription.
package channels

import (
	"context"
	"fmt"
	"time"

	"github.com/kilnlabs/agentgw/internal/domain"
	"github.com/kilnlabs/agentgw/internal/eventbus"
	"github.com/kilnlabs/agentgw/internal/gateway"
)

// runResult is what awaitRun hands back once a run reaches a terminal state.
type runResult struct {
	status domain.RunStatus
	text   string
}

// ingestAndRun ingests one inbound message, starts a run against it, and
// blocks until the run completes or ctx is canceled. Every adapter's
// message-handling path funnels through this.
func ingestAndRun(ctx context.Context, gw *gateway.Gateway, in gateway.Inbound, timeout time.Duration) (runResult, error) {
	if _, err := gw.IngestInbound(ctx, in); err != nil {
		return runResult{}, fmt.Errorf("channels: ingest: %w", err)
	}

	runID, err := gw.StartRun(ctx, in.ChatID, in.ChannelID, in.SenderID, in.Text)
	if err != nil {
		return runResult{}, fmt.Errorf("channels: start run: %w", err)
	}

	return awaitRun(ctx, gw, runID, timeout)
}

// awaitRun subscribes to the run's events and waits for run.completed,
// falling back to a timeout so a stuck adapter never blocks forever.
func awaitRun(ctx context.Context, gw *gateway.Gateway, runID string, timeout time.Duration) (runResult, error) {
	sub, handle := gw.Subscribe(eventbus.Filter{RunID: runID})
	defer gw.Unsubscribe(handle)

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return runResult{}, ctx.Err()
		case <-deadline.C:
			return runResult{}, fmt.Errorf("channels: run %s did not complete within %s", runID, timeout)
		case evt, ok := <-sub:
			if !ok {
				return runResult{}, fmt.Errorf("channels: event bus closed while awaiting run %s", runID)
			}
			if evt.Type != domain.EventRunCompleted {
				continue
			}
			status, _ := evt.Payload["status"].(string)
			text, _ := evt.Payload["output_text"].(string)
			return runResult{status: domain.RunStatus(status), text: text}, nil
		}
	}
}

// replyText picks the user-facing string for a finished run, covering the
// non-completed terminal statuses with a short platform-agnostic message.
func replyText(r runResult) string {
	if r.status == domain.RunCompleted {
		if r.text != "" {
			return r.text
		}
		return "(no output)"
	}
	return fmt.Sprintf("run ended: %s", r.status)
}
