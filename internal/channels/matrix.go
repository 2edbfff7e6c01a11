// ABOUTME: Matrix channel adapter
// ABOUTME: Bridges Matrix rooms to the gateway directly via mautrix, without a separate bridge process

package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/kilnlabs/agentgw/internal/domain"
	"github.com/kilnlabs/agentgw/internal/gateway"
)

// MatrixAdapter bridges one Matrix account into the gateway. Each room
// becomes a gateway chat, and every room is treated as a group chat; room
// membership is not inspected, so a one-to-one room is not reported as a DM.
type MatrixAdapter struct {
	gw        *gateway.Gateway
	logger    *slog.Logger
	channelID string
	timeout   time.Duration

	homeserver, userID, accessToken string
	allowedRooms                    map[string]bool

	client     *mautrix.Client
	processing sync.Map
}

// NewMatrixAdapter constructs the adapter. allowedRooms, if non-empty,
// restricts which rooms the bot will respond in; an empty set allows all
// rooms the account has joined.
func NewMatrixAdapter(gw *gateway.Gateway, logger *slog.Logger, channelID, homeserver, userID, accessToken string, allowedRooms []string, timeout time.Duration) *MatrixAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[string]bool, len(allowedRooms))
	for _, r := range allowedRooms {
		allowed[r] = true
	}
	return &MatrixAdapter{
		gw: gw, logger: logger.With("component", "channels.matrix"), channelID: channelID, timeout: timeout,
		homeserver: homeserver, userID: userID, accessToken: accessToken, allowedRooms: allowed,
	}
}

// Start connects to the homeserver and begins syncing in a background
// goroutine until ctx is canceled.
func (a *MatrixAdapter) Start(ctx context.Context) error {
	client, err := mautrix.NewClient(a.homeserver, id.UserID(a.userID), a.accessToken)
	if err != nil {
		return fmt.Errorf("channels.matrix: %w", err)
	}
	a.client = client

	syncer, ok := client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("channels.matrix: unexpected syncer type %T", client.Syncer)
	}
	syncer.OnEventType(event.EventMessage, a.handleMessageEvent)

	if err := a.gw.SetChannelStatus(ctx, a.channelID, domain.ChannelMatrix, domain.ChannelOnline); err != nil {
		return fmt.Errorf("channels.matrix: %w", err)
	}

	go func() {
		if err := client.SyncWithContext(ctx); err != nil && ctx.Err() == nil {
			a.logger.Error("matrix sync failed", "error", err)
			_ = a.gw.SetChannelStatus(context.Background(), a.channelID, domain.ChannelMatrix, domain.ChannelDegraded)
		}
	}()
	return nil
}

// Stop marks the channel offline. Sync exits on its own when ctx is
// canceled by the caller.
func (a *MatrixAdapter) Stop(ctx context.Context) error {
	return a.gw.SetChannelStatus(ctx, a.channelID, domain.ChannelMatrix, domain.ChannelOffline)
}

func (a *MatrixAdapter) handleMessageEvent(ctx context.Context, evt *event.Event) {
	if evt.Sender == id.UserID(a.userID) {
		return
	}
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok || content.MsgType != event.MsgText {
		return
	}

	roomID := evt.RoomID.String()
	if len(a.allowedRooms) > 0 && !a.allowedRooms[roomID] {
		return
	}
	if content.Body == "" {
		return
	}

	if _, loaded := a.processing.LoadOrStore(roomID, true); loaded {
		a.logger.Debug("already processing a message in this room, dropping", "room", roomID)
		return
	}
	go func() {
		defer a.processing.Delete(roomID)
		a.process(ctx, evt.RoomID, evt.Sender, content.Body)
	}()
}

func (a *MatrixAdapter) process(ctx context.Context, roomID id.RoomID, sender id.UserID, text string) {
	result, err := ingestAndRun(ctx, a.gw, gateway.Inbound{
		ChannelID: a.channelID,
		ChatID:    "matrix:" + roomID.String(),
		SenderID:  sender.String(),
		Text:      text,
		IsGroup:   true,
	}, a.timeout)
	if err != nil {
		a.logger.Error("run failed", "room", roomID.String(), "error", err)
		a.send(roomID, "sorry, something went wrong handling that.")
		return
	}
	a.send(roomID, replyText(result))
}

func (a *MatrixAdapter) send(roomID id.RoomID, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := a.client.SendText(ctx, roomID, text); err != nil {
		a.logger.Error("failed to send matrix message", "room", roomID.String(), "error", err)
	}
}
