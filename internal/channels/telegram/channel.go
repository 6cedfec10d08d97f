// Package telegram adapts the Telegram Bot API to the channels.Channel
// contract: long-poll for updates, normalize text messages onto the
// message bus, and relay outbound replies back to the originating chat.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nxlb/turnplane/internal/bus"
	"github.com/nxlb/turnplane/internal/channels"
	"github.com/nxlb/turnplane/internal/config"
	"github.com/nxlb/turnplane/internal/store"
)

const (
	peerDirect        = "direct"
	peerGroup         = "group"
	telegramTextLimit = 4096
)

// Channel connects to Telegram via the Bot API using long polling.
type Channel struct {
	*channels.BaseChannel
	bot            *telego.Bot
	config         config.TelegramConfig
	pairingService store.PairingStore // nil = pairing policy falls back to allowlist
	pollCancel     context.CancelFunc
	pollDone       chan struct{}
}

// New creates a Telegram channel from config. pairingSvc is optional; nil in
// standalone (non-managed) mode.
func New(cfg config.TelegramConfig, msgBus *bus.MessageBus, pairingSvc store.PairingStore) (*Channel, error) {
	var opts []telego.BotOption
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("telegram: invalid proxy URL %q: %w", cfg.Proxy, err)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}))
	}

	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}

	return &Channel{
		BaseChannel:    channels.NewBaseChannel("telegram", msgBus, cfg.AllowFrom),
		bot:            bot,
		config:         cfg,
		pairingService: pairingSvc,
	}, nil
}

// Start begins long polling for Telegram updates.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting telegram bot (polling mode)")

	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("telegram: start long polling: %w", err)
	}

	c.SetRunning(true)
	slog.Info("telegram bot connected", "username", c.bot.Username())

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				if update.Message != nil {
					c.handleMessage(update.Message)
				}
			}
		}
	}()

	return nil
}

// Stop cancels long polling and waits for the polling goroutine to exit so
// Telegram releases the getUpdates lock before a new instance starts.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping telegram bot")
	c.SetRunning(false)

	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit within timeout")
		}
	}
	return nil
}

// Send delivers an outbound message to a Telegram chat.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	chatID, err := parseChatID(msg.ChatID)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat id %q: %w", msg.ChatID, err)
	}

	for _, text := range channels.ChunkText(msg.Content, telegramTextLimit) {
		tgMsg := tu.Message(tu.ID(chatID), text)
		if _, err := c.bot.SendMessage(ctx, tgMsg); err != nil {
			return fmt.Errorf("telegram: send message: %w", err)
		}
	}

	if len(msg.Media) > 0 {
		slog.Debug("telegram: media attachments dropped, adapter is text-only", "chat_id", msg.ChatID, "count", len(msg.Media))
	}
	return nil
}

func (c *Channel) handleMessage(msg *telego.Message) {
	senderID, chatID, peerKind := messageRouting(msg)
	if !c.checkPolicy(peerKind, senderID) {
		return
	}
	if msg.Text == "" {
		return
	}
	c.HandleMessage(senderID, chatID, msg.Text, nil, nil, peerKind)
}

func (c *Channel) checkPolicy(peerKind, senderID string) bool {
	policy := c.config.DMPolicy
	if peerKind == peerGroup {
		policy = c.config.GroupPolicy
	} else if policy == "" {
		policy = "pairing"
	}
	if policy == "pairing" && c.pairingService != nil {
		return c.pairingService.IsPaired(senderID, "telegram") || c.IsAllowed(senderID)
	}
	return c.CheckPolicy(peerKind, policy, policy, senderID)
}

// messageRouting derives the bus-facing sender/chat identity from a
// Telegram update: groups route by chat ID, direct messages route by the
// sender's own user ID (which also doubles as the chat ID for a DM).
func messageRouting(msg *telego.Message) (senderID, chatID, peerKind string) {
	chatID = fmt.Sprintf("%d", msg.Chat.ID)
	peerKind = peerDirect
	if msg.Chat.Type == "group" || msg.Chat.Type == "supergroup" {
		peerKind = peerGroup
	}
	if msg.From != nil {
		senderID = fmt.Sprintf("%d", msg.From.ID)
		if msg.From.Username != "" {
			senderID += "|" + msg.From.Username
		}
	}
	return senderID, chatID, peerKind
}

func parseChatID(chatIDStr string) (int64, error) {
	var id int64
	_, err := fmt.Sscanf(chatIDStr, "%d", &id)
	return id, err
}
