// Package whatsapp implements the WhatsApp channel using whatsmeow — a
// native Go WhatsApp Web API library. Session state persists in SQLite; the
// first start prints a QR code to the log for pairing.
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/jholhewres/relayclaw/pkg/relayclaw/agent"
	"github.com/jholhewres/relayclaw/pkg/relayclaw/channels"

	_ "github.com/mattn/go-sqlite3" // session store driver
)

// Config holds WhatsApp channel configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// DatabasePath is the SQLite file for whatsmeow session tables.
	DatabasePath string `yaml:"database_path"`

	// Trigger is the mention keyword that activates the bot in groups.
	Trigger string `yaml:"trigger"`
}

// DefaultConfig returns working defaults.
func DefaultConfig() Config {
	return Config{
		DatabasePath: "./data/whatsapp.db",
		Trigger:      "@relayclaw",
	}
}

// WhatsApp implements channels.PresenceChannel.
type WhatsApp struct {
	cfg       Config
	client    *whatsmeow.Client
	logger    *slog.Logger
	handler   func(channels.IncomingMessage)
	connected atomic.Bool
}

// New builds the adapter.
func New(cfg Config, logger *slog.Logger) *WhatsApp {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = DefaultConfig().DatabasePath
	}
	return &WhatsApp{cfg: cfg, logger: logger.With("component", "whatsapp")}
}

// Name returns the session-key provider name.
func (w *WhatsApp) Name() string { return "whatsapp" }

// Start opens the session store, connects, and begins delivering messages.
func (w *WhatsApp) Start(ctx context.Context, handler func(channels.IncomingMessage)) error {
	w.handler = handler

	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", w.cfg.DatabasePath),
		waLog.Noop)
	if err != nil {
		return fmt.Errorf("creating session store: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return fmt.Errorf("getting device: %w", err)
	}
	store.SetOSInfo("RelayClaw", [3]uint32{1, 0, 0})

	w.client = whatsmeow.NewClient(device, waLog.Noop)
	w.client.AddEventHandler(w.handleEvent)
	w.client.EnableAutoReconnect = true

	if w.client.Store.ID == nil {
		qrChan, err := w.client.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("qr channel: %w", err)
		}
		if err := w.client.Connect(); err != nil {
			return fmt.Errorf("connecting: %w", err)
		}
		go func() {
			for evt := range qrChan {
				if evt.Event == "code" {
					w.logger.Info("scan QR code to pair", "code", evt.Code)
				} else {
					w.logger.Info("qr event", "event", evt.Event)
				}
			}
		}()
		return nil
	}

	if err := w.client.Connect(); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	w.connected.Store(true)
	w.logger.Info("connected", "jid", w.client.Store.ID.String())
	return nil
}

// Send delivers one outgoing message, media URLs appended as lines.
func (w *WhatsApp) Send(ctx context.Context, msg channels.OutgoingMessage) error {
	if !w.connected.Load() {
		return channels.ErrNotConnected
	}
	jid, err := parseJID(msg.ChatID)
	if err != nil {
		return fmt.Errorf("invalid JID %q: %w", msg.ChatID, err)
	}

	text := msg.Text
	if len(msg.MediaURLs) > 0 {
		text = strings.TrimSpace(text + "\n" + strings.Join(msg.MediaURLs, "\n"))
	}

	waMsg := &waE2E.Message{
		ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String(text)},
	}
	if _, err := w.client.SendMessage(ctx, jid, waMsg); err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	return nil
}

// SetTyping maps typing actions onto chat presence.
func (w *WhatsApp) SetTyping(ctx context.Context, chatID string, action agent.TypingAction) error {
	if !w.connected.Load() {
		return nil
	}
	jid, err := parseJID(chatID)
	if err != nil {
		return err
	}
	switch action {
	case agent.TypingStart, agent.TypingLoopStart:
		return w.client.SendChatPresence(ctx, jid, types.ChatPresenceComposing, types.ChatPresenceMediaText)
	case agent.TypingStop:
		return w.client.SendChatPresence(ctx, jid, types.ChatPresencePaused, types.ChatPresenceMediaText)
	}
	return nil
}

// Stop disconnects.
func (w *WhatsApp) Stop(ctx context.Context) error {
	w.connected.Store(false)
	if w.client != nil {
		w.client.Disconnect()
	}
	w.logger.Info("disconnected")
	return nil
}

func (w *WhatsApp) handleEvent(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		w.handleMessage(evt)
	case *events.Connected:
		w.connected.Store(true)
		w.logger.Info("connection established")
	case *events.Disconnected:
		w.connected.Store(false)
		w.logger.Warn("connection lost")
	case *events.LoggedOut:
		w.connected.Store(false)
		w.logger.Error("logged out, re-pairing required")
	}
}

func (w *WhatsApp) handleMessage(evt *events.Message) {
	if evt.Info.IsFromMe || evt.Info.Chat.Server == types.BroadcastServer {
		return
	}

	text := extractText(evt.Message)
	if strings.TrimSpace(text) == "" {
		return
	}

	mentioned := w.cfg.Trigger != "" && strings.Contains(strings.ToLower(text), strings.ToLower(w.cfg.Trigger))
	if mentioned {
		text = strings.TrimSpace(strings.ReplaceAll(text, w.cfg.Trigger, ""))
	}

	w.handler(channels.IncomingMessage{
		Channel:    w.Name(),
		ChatID:     evt.Info.Chat.String(),
		SenderID:   evt.Info.Sender.ToNonAD().String(),
		SenderName: evt.Info.PushName,
		Text:       text,
		IsGroup:    evt.Info.IsGroup,
		Mentioned:  mentioned,
	})
}

// extractText pulls the text content out of a WhatsApp message, including
// media captions.
func extractText(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if msg.Conversation != nil {
		return msg.GetConversation()
	}
	if ext := msg.ExtendedTextMessage; ext != nil {
		return ext.GetText()
	}
	if img := msg.ImageMessage; img != nil {
		return img.GetCaption()
	}
	if vid := msg.VideoMessage; vid != nil {
		return vid.GetCaption()
	}
	if doc := msg.DocumentMessage; doc != nil {
		return doc.GetCaption()
	}
	return ""
}

var _ channels.PresenceChannel = (*WhatsApp)(nil)

// parseJID accepts a bare phone number or a full JID string.
func parseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, fmt.Errorf("empty JID")
	}
	if strings.Contains(s, "@") {
		return types.ParseJID(s)
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if len(digits) < 10 {
		return types.JID{}, fmt.Errorf("phone number too short: %s", s)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}
