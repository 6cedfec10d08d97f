// Package discord adapts the Discord Bot API to the channels.Channel
// contract: listen for gateway message events, normalize them onto the
// message bus, and relay outbound replies back to the originating channel.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/nxlb/turnplane/internal/bus"
	"github.com/nxlb/turnplane/internal/channels"
	"github.com/nxlb/turnplane/internal/channels/typing"
	"github.com/nxlb/turnplane/internal/config"
	"github.com/nxlb/turnplane/internal/store"
)

const (
	discordTextLimit    = 2000
	pairingDebounceTime = 60 * time.Second
	typingMaxDuration   = 60 * time.Second
	typingKeepalive     = 9 * time.Second
)

// Channel connects to Discord via the gateway using discordgo.
type Channel struct {
	*channels.BaseChannel
	session         *discordgo.Session
	config          config.DiscordConfig
	botUserID       string
	requireMention  bool
	typingCtrls     sync.Map // channelID string -> *typing.Controller
	pairingService  store.PairingStore
	pairingDebounce sync.Map // senderID string -> time.Time
}

// New creates a Discord channel from config. pairingSvc is optional; nil in
// standalone (non-managed) mode.
func New(cfg config.DiscordConfig, msgBus *bus.MessageBus, pairingSvc store.PairingStore) (*Channel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	requireMention := true
	if cfg.RequireMention != nil {
		requireMention = *cfg.RequireMention
	}

	return &Channel{
		BaseChannel:    channels.NewBaseChannel("discord", msgBus, cfg.AllowFrom),
		session:        session,
		config:         cfg,
		requireMention: requireMention,
		pairingService: pairingSvc,
	}, nil
}

// Start opens the Discord gateway connection and begins receiving events.
func (c *Channel) Start(_ context.Context) error {
	slog.Info("starting discord bot")

	c.session.AddHandler(c.handleMessage)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("discord: open session: %w", err)
	}

	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("discord: fetch bot identity: %w", err)
	}
	c.botUserID = user.ID

	c.SetRunning(true)
	slog.Info("discord bot connected", "username", user.Username, "id", user.ID)
	return nil
}

// Stop closes the Discord gateway connection.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping discord bot")
	c.SetRunning(false)
	return c.session.Close()
}

// Send delivers an outbound message to a Discord channel, chunking text over
// Discord's 2000-character message limit.
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord: bot not running")
	}
	if msg.ChatID == "" {
		return fmt.Errorf("discord: empty chat id")
	}

	if ctrl, ok := c.typingCtrls.LoadAndDelete(msg.ChatID); ok {
		ctrl.(*typing.Controller).Stop()
	}

	if msg.Content == "" {
		return nil
	}

	for _, chunk := range channels.ChunkText(msg.Content, discordTextLimit) {
		if _, err := c.session.ChannelMessageSend(msg.ChatID, chunk); err != nil {
			return fmt.Errorf("discord: send message: %w", err)
		}
	}

	if len(msg.Media) > 0 {
		slog.Debug("discord: media attachments dropped, adapter is text-only", "chat_id", msg.ChatID, "count", len(msg.Media))
	}
	return nil
}

// handleMessage processes an incoming Discord gateway message event.
func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == c.botUserID || m.Author.Bot {
		return
	}

	senderID := m.Author.ID
	senderName := resolveDisplayName(m)
	channelID := m.ChannelID
	isDM := m.GuildID == ""

	peerKind := "group"
	if isDM {
		peerKind = "direct"
	}

	if isDM {
		if !c.checkDMPolicy(senderID, channelID) {
			return
		}
	} else if !c.CheckPolicy("group", "", c.config.GroupPolicy, senderID) {
		slog.Debug("discord group message rejected by policy", "user_id", senderID, "username", senderName)
		return
	}

	if !c.IsAllowed(senderID) {
		slog.Debug("discord message rejected by allowlist", "user_id", senderID, "username", senderName)
		return
	}

	content := m.Content
	for _, att := range m.Attachments {
		if content != "" {
			content += "\n"
		}
		content += fmt.Sprintf("[attachment: %s]", att.URL)
	}
	if content == "" {
		return
	}

	if peerKind == "group" && c.requireMention {
		mentioned := false
		for _, u := range m.Mentions {
			if u.ID == c.botUserID {
				mentioned = true
				break
			}
		}
		if !mentioned {
			return
		}
		content = fmt.Sprintf("[From: %s]\n%s", senderName, content)
	}

	slog.Debug("discord message received", "sender_id", senderID, "channel_id", channelID, "is_dm", isDM, "preview", channels.Truncate(content, 50))

	typingCtrl := typing.New(typing.Options{
		MaxDuration:       typingMaxDuration,
		KeepaliveInterval: typingKeepalive,
		StartFn: func() error {
			return c.session.ChannelTyping(channelID)
		},
	})
	if prev, ok := c.typingCtrls.Load(channelID); ok {
		prev.(*typing.Controller).Stop()
	}
	c.typingCtrls.Store(channelID, typingCtrl)
	typingCtrl.Start()

	metadata := map[string]string{
		"message_id":   m.ID,
		"username":     m.Author.Username,
		"display_name": senderName,
		"guild_id":     m.GuildID,
	}

	c.HandleMessage(senderID, channelID, content, nil, metadata, peerKind)
}

// checkDMPolicy evaluates the DM policy for a sender, handling the pairing flow.
func (c *Channel) checkDMPolicy(senderID, channelID string) bool {
	dmPolicy := c.config.DMPolicy
	if dmPolicy == "" {
		dmPolicy = "pairing"
	}

	switch dmPolicy {
	case "disabled":
		slog.Debug("discord DM rejected: disabled", "sender_id", senderID)
		return false
	case "open":
		return true
	case "allowlist":
		if !c.IsAllowed(senderID) {
			slog.Debug("discord DM rejected by allowlist", "sender_id", senderID)
			return false
		}
		return true
	default: // "pairing"
		paired := c.pairingService != nil && c.pairingService.IsPaired(senderID, c.Name())
		inAllowList := c.HasAllowList() && c.IsAllowed(senderID)
		if paired || inAllowList {
			return true
		}
		c.sendPairingReply(senderID, channelID)
		return false
	}
}

// sendPairingReply sends a pairing code to the user, debounced to avoid
// spamming the channel when the same unpaired sender keeps messaging.
func (c *Channel) sendPairingReply(senderID, channelID string) {
	if c.pairingService == nil {
		return
	}
	if lastSent, ok := c.pairingDebounce.Load(senderID); ok {
		if time.Since(lastSent.(time.Time)) < pairingDebounceTime {
			return
		}
	}

	code, err := c.pairingService.RequestPairing(senderID, c.Name(), channelID, "default")
	if err != nil {
		slog.Debug("discord pairing request failed", "sender_id", senderID, "error", err)
		return
	}

	replyText := fmt.Sprintf(
		"Turnplane: access not configured.\n\nYour Discord user ID: %s\n\nPairing code: %s\n\nAsk the bot owner to approve with:\n  turnplane pairing approve %s",
		senderID, code, code,
	)
	if _, err := c.session.ChannelMessageSend(channelID, replyText); err != nil {
		slog.Warn("failed to send discord pairing reply", "error", err)
		return
	}
	c.pairingDebounce.Store(senderID, time.Now())
	slog.Info("discord pairing reply sent", "sender_id", senderID, "code", code)
}

// resolveDisplayName returns the best available display name for a Discord
// message author: server nickname > global display name > username.
func resolveDisplayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}
