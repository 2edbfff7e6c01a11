// ABOUTME: Telegram channel adapter
// ABOUTME: Long-polls updates via GetUpdatesChan and relays replies back through the bot API

package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/kilnlabs/agentgw/internal/domain"
	"github.com/kilnlabs/agentgw/internal/gateway"
)

// TelegramAdapter bridges one Telegram bot account into the gateway. Each
// Telegram chat ID becomes a gateway chat; it is always a DM from the
// gateway's point of view, since Telegram groups are out of scope for this
// adapter's first cut.
type TelegramAdapter struct {
	gw        *gateway.Gateway
	logger    *slog.Logger
	channelID string
	token     string
	timeout   time.Duration

	bot *tgbotapi.BotAPI
}

// NewTelegramAdapter constructs the adapter. The bot connection is opened
// by Start, not here, so construction never fails on network issues.
func NewTelegramAdapter(gw *gateway.Gateway, logger *slog.Logger, channelID, token string, timeout time.Duration) *TelegramAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramAdapter{gw: gw, logger: logger.With("component", "channels.telegram"), channelID: channelID, token: token, timeout: timeout}
}

// Start opens the bot connection and begins long-polling for updates in a
// background goroutine until ctx is canceled.
func (a *TelegramAdapter) Start(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(a.token)
	if err != nil {
		return fmt.Errorf("channels.telegram: %w", err)
	}
	a.bot = bot

	if err := a.gw.SetChannelStatus(ctx, a.channelID, domain.ChannelTelegram, domain.ChannelOnline); err != nil {
		return fmt.Errorf("channels.telegram: %w", err)
	}
	a.logger.Info("telegram bot connected", "username", bot.Self.UserName)

	update := tgbotapi.NewUpdate(0)
	update.Timeout = 30
	updates := bot.GetUpdatesChan(update)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case upd := <-updates:
				a.handleUpdate(ctx, upd)
			}
		}
	}()
	return nil
}

// Stop marks the channel offline. The long-running update loop exits when
// its context is canceled by the caller.
func (a *TelegramAdapter) Stop(ctx context.Context) error {
	return a.gw.SetChannelStatus(ctx, a.channelID, domain.ChannelTelegram, domain.ChannelOffline)
}

func (a *TelegramAdapter) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	if update.Message == nil || update.Message.Text == "" {
		return
	}
	msg := update.Message
	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	senderID := strconv.FormatInt(msg.From.ID, 10)

	go a.process(ctx, chatID, senderID, msg.Text)
}

func (a *TelegramAdapter) process(ctx context.Context, chatID, senderID, text string) {
	result, err := ingestAndRun(ctx, a.gw, gateway.Inbound{
		ChannelID: a.channelID,
		ChatID:    "telegram:" + chatID,
		SenderID:  senderID,
		Text:      text,
		IsDM:      true,
	}, a.timeout)
	if err != nil {
		a.logger.Error("run failed", "chat_id", chatID, "error", err)
		a.send(chatID, "sorry, something went wrong handling that.")
		return
	}
	a.send(chatID, replyText(result))
}

func (a *TelegramAdapter) send(chatID, text string) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		a.logger.Error("invalid telegram chat id", "chat_id", chatID, "error", err)
		return
	}
	if _, err := a.bot.Send(tgbotapi.NewMessage(id, text)); err != nil {
		a.logger.Error("failed to send telegram message", "chat_id", chatID, "error", err)
	}
}
