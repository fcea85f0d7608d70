// Package discord implements the Discord channel using discordgo. Guild
// messages need a bot mention; DMs are always active.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/jholhewres/relayclaw/pkg/relayclaw/agent"
	"github.com/jholhewres/relayclaw/pkg/relayclaw/channels"
)

// Config holds Discord channel configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// Token is the bot token.
	Token string `yaml:"token"`
}

// Discord implements channels.PresenceChannel.
type Discord struct {
	cfg     Config
	session *discordgo.Session
	logger  *slog.Logger
	handler func(channels.IncomingMessage)
	botID   string
}

// New builds the adapter.
func New(cfg Config, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{cfg: cfg, logger: logger.With("component", "discord")}
}

// Name returns the session-key provider name.
func (d *Discord) Name() string { return "discord" }

// Start opens the gateway connection.
func (d *Discord) Start(ctx context.Context, handler func(channels.IncomingMessage)) error {
	d.handler = handler

	session, err := discordgo.New("Bot " + d.cfg.Token)
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	session.AddHandler(d.onMessageCreate)

	if err := session.Open(); err != nil {
		return fmt.Errorf("opening gateway: %w", err)
	}
	d.session = session
	d.botID = session.State.User.ID
	d.logger.Info("connected", "user", session.State.User.Username)
	return nil
}

// Send delivers one outgoing message, media URLs appended as lines.
func (d *Discord) Send(ctx context.Context, msg channels.OutgoingMessage) error {
	if d.session == nil {
		return channels.ErrNotConnected
	}
	text := msg.Text
	if len(msg.MediaURLs) > 0 {
		text = strings.TrimSpace(text + "\n" + strings.Join(msg.MediaURLs, "\n"))
	}
	if _, err := d.session.ChannelMessageSend(msg.ChatID, text); err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	return nil
}

// SetTyping triggers the typing indicator. Discord's indicator expires on
// its own, so stop is a no-op.
func (d *Discord) SetTyping(ctx context.Context, chatID string, action agent.TypingAction) error {
	if action != agent.TypingStart && action != agent.TypingLoopStart {
		return nil
	}
	return d.session.ChannelTyping(chatID)
}

// Stop closes the gateway connection.
func (d *Discord) Stop(ctx context.Context) error {
	if d.session == nil {
		return nil
	}
	if err := d.session.Close(); err != nil {
		return fmt.Errorf("closing session: %w", err)
	}
	d.logger.Info("disconnected")
	return nil
}

func (d *Discord) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == d.botID || m.Author.Bot {
		return
	}
	if strings.TrimSpace(m.Content) == "" {
		return
	}

	isGuild := m.GuildID != ""
	mentioned := false
	for _, u := range m.Mentions {
		if u.ID == d.botID {
			mentioned = true
			break
		}
	}

	text := m.Content
	if mentioned {
		text = strings.TrimSpace(strings.ReplaceAll(text, "<@"+d.botID+">", ""))
	}

	d.handler(channels.IncomingMessage{
		Channel:    d.Name(),
		ChatID:     m.ChannelID,
		SenderID:   m.Author.ID,
		SenderName: m.Author.Username,
		Text:       text,
		IsGroup:    isGuild,
		Mentioned:  mentioned,
	})
}

var _ channels.PresenceChannel = (*Discord)(nil)
