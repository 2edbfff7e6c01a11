// ABOUTME: In-process webchat channel adapter
// ABOUTME: The simplest adapter: calls the gateway directly with no external transport

package channels

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kilnlabs/agentgw/internal/domain"
	"github.com/kilnlabs/agentgw/internal/gateway"
)

// WebchatAdapter is the in-process channel for browser/CLI clients that
// talk to the gateway directly rather than through an external platform.
// It exists mainly so the channel registry always has one always-online
// member even with no external credentials configured.
type WebchatAdapter struct {
	gw        *gateway.Gateway
	logger    *slog.Logger
	channelID string
	timeout   time.Duration
}

// NewWebchatAdapter constructs the adapter for a single logical webchat
// channel. SetChannelStatus(online) is called by Start.
func NewWebchatAdapter(gw *gateway.Gateway, logger *slog.Logger, channelID string, timeout time.Duration) *WebchatAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebchatAdapter{gw: gw, logger: logger.With("component", "channels.webchat"), channelID: channelID, timeout: timeout}
}

// Start marks the channel online. There is no background connection to
// maintain: messages arrive via Send, called directly by the control plane
// or an HTTP handler wired elsewhere.
func (a *WebchatAdapter) Start(ctx context.Context) error {
	return a.gw.SetChannelStatus(ctx, a.channelID, domain.ChannelWebchat, domain.ChannelOnline)
}

// Stop marks the channel offline.
func (a *WebchatAdapter) Stop(ctx context.Context) error {
	return a.gw.SetChannelStatus(ctx, a.channelID, domain.ChannelWebchat, domain.ChannelOffline)
}

// Send ingests one message from senderID in chatID and returns the agent's
// reply text once the resulting run completes.
func (a *WebchatAdapter) Send(ctx context.Context, chatID, senderID, text string) (string, error) {
	result, err := ingestAndRun(ctx, a.gw, gateway.Inbound{
		ChannelID: a.channelID,
		ChatID:    chatID,
		SenderID:  senderID,
		Text:      text,
		IsDM:      true,
	}, a.timeout)
	if err != nil {
		return "", fmt.Errorf("channels.webchat: %w", err)
	}
	return replyText(result), nil
}
