// Package telegram implements the Telegram channel over the raw Bot API:
// long polling for updates, sendMessage for replies, sendChatAction for the
// typing indicator. No SDK; the Bot API is a small JSON surface.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jholhewres/relayclaw/pkg/relayclaw/agent"
	"github.com/jholhewres/relayclaw/pkg/relayclaw/channels"
)

// Config holds Telegram channel configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// Token is the Bot API token from @BotFather.
	Token string `yaml:"token"`

	// Trigger is the mention keyword that activates the bot in groups.
	// The bot's @username mention always counts.
	Trigger string `yaml:"trigger"`
}

// Telegram implements channels.PresenceChannel.
type Telegram struct {
	cfg     Config
	client  *http.Client
	baseURL string
	logger  *slog.Logger
	handler func(channels.IncomingMessage)

	cancel   context.CancelFunc
	offset   int64
	username string
}

type tgUpdate struct {
	UpdateID int64      `json:"update_id"`
	Message  *tgMessage `json:"message"`
}

type tgMessage struct {
	MessageID int64   `json:"message_id"`
	From      *tgUser `json:"from"`
	Chat      tgChat  `json:"chat"`
	Text      string  `json:"text"`
	Caption   string  `json:"caption"`
	ThreadID  int64   `json:"message_thread_id"`
}

type tgUser struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
}

type tgChat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"` // private, group, supergroup, channel
}

// New builds the adapter.
func New(cfg Config, logger *slog.Logger) *Telegram {
	if logger == nil {
		logger = slog.Default()
	}
	return &Telegram{
		cfg:     cfg,
		client:  &http.Client{Timeout: 60 * time.Second},
		baseURL: "https://api.telegram.org/bot" + cfg.Token,
		logger:  logger.With("component", "telegram"),
	}
}

// Name returns the session-key provider name.
func (t *Telegram) Name() string { return "telegram" }

// Start verifies the token and begins the long-poll loop.
func (t *Telegram) Start(ctx context.Context, handler func(channels.IncomingMessage)) error {
	t.handler = handler

	data, err := t.apiCall(ctx, "getMe", nil)
	if err != nil {
		return fmt.Errorf("getMe: %w", err)
	}
	var me tgUser
	if err := json.Unmarshal(data, &me); err != nil {
		return fmt.Errorf("parsing getMe: %w", err)
	}
	t.username = me.Username
	t.logger.Info("connected", "username", me.Username)

	pollCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	go t.pollLoop(pollCtx)
	return nil
}

// Send delivers one outgoing message, media URLs appended as lines.
func (t *Telegram) Send(ctx context.Context, msg channels.OutgoingMessage) error {
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", msg.ChatID, err)
	}

	text := msg.Text
	if len(msg.MediaURLs) > 0 {
		text = strings.TrimSpace(text + "\n" + strings.Join(msg.MediaURLs, "\n"))
	}

	payload := map[string]any{
		"chat_id": chatID,
		"text":    text,
	}
	if msg.Thread != "" {
		if threadID, err := strconv.ParseInt(msg.Thread, 10, 64); err == nil {
			payload["message_thread_id"] = threadID
		}
	}
	_, err = t.apiCall(ctx, "sendMessage", payload)
	return err
}

// SetTyping sends the typing chat action. Telegram's indicator times out on
// its own after a few seconds, so stop is a no-op.
func (t *Telegram) SetTyping(ctx context.Context, chatID string, action agent.TypingAction) error {
	if action != agent.TypingStart && action != agent.TypingLoopStart {
		return nil
	}
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return err
	}
	_, err = t.apiCall(ctx, "sendChatAction", map[string]any{
		"chat_id": id,
		"action":  "typing",
	})
	return err
}

// Stop halts the poll loop.
func (t *Telegram) Stop(ctx context.Context) error {
	if t.cancel != nil {
		t.cancel()
	}
	t.logger.Info("stopped")
	return nil
}

func (t *Telegram) pollLoop(ctx context.Context) {
	backoff := time.Second
	for ctx.Err() == nil {
		updates, err := t.getUpdates(ctx, t.offset, 100, 30)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.logger.Warn("getUpdates error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		for _, u := range updates {
			if u.UpdateID >= t.offset {
				t.offset = u.UpdateID + 1
			}
			if u.Message != nil {
				t.handleMessage(u.Message)
			}
		}
	}
}

func (t *Telegram) handleMessage(msg *tgMessage) {
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	if strings.TrimSpace(text) == "" || msg.From == nil {
		return
	}

	isGroup := msg.Chat.Type == "group" || msg.Chat.Type == "supergroup"

	mention := "@" + t.username
	mentioned := t.username != "" && strings.Contains(text, mention)
	if mentioned {
		text = strings.TrimSpace(strings.ReplaceAll(text, mention, ""))
	}
	if !mentioned && t.cfg.Trigger != "" && strings.Contains(strings.ToLower(text), strings.ToLower(t.cfg.Trigger)) {
		mentioned = true
		text = strings.TrimSpace(strings.ReplaceAll(text, t.cfg.Trigger, ""))
	}

	thread := ""
	if msg.ThreadID != 0 {
		thread = strconv.FormatInt(msg.ThreadID, 10)
	}

	t.handler(channels.IncomingMessage{
		Channel:    t.Name(),
		ChatID:     strconv.FormatInt(msg.Chat.ID, 10),
		Thread:     thread,
		SenderID:   strconv.FormatInt(msg.From.ID, 10),
		SenderName: msg.From.FirstName,
		Text:       text,
		IsGroup:    isGroup,
		Mentioned:  mentioned,
	})
}

func (t *Telegram) getUpdates(ctx context.Context, offset int64, limit, timeoutSecs int) ([]tgUpdate, error) {
	data, err := t.apiCall(ctx, "getUpdates", map[string]any{
		"offset":          offset,
		"limit":           limit,
		"timeout":         timeoutSecs,
		"allowed_updates": []string{"message"},
	})
	if err != nil {
		return nil, err
	}
	var updates []tgUpdate
	if err := json.Unmarshal(data, &updates); err != nil {
		return nil, fmt.Errorf("parsing updates: %w", err)
	}
	return updates, nil
}

func (t *Telegram) apiCall(ctx context.Context, method string, payload map[string]any) (json.RawMessage, error) {
	url := t.baseURL + "/" + method
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request for %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	var result struct {
		OK          bool            `json:"ok"`
		Description string          `json:"description"`
		Result      json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding %s response: %w", method, err)
	}
	if !result.OK {
		return nil, fmt.Errorf("%s: %s", method, result.Description)
	}
	return result.Result, nil
}

var _ channels.PresenceChannel = (*Telegram)(nil)
