// Package channels – manager.go fans inbound messages from every connected
// adapter into the scheduler and routes replies and typing actions back to
// the adapter that owns the chat. It also applies group activation and
// send-policy gating before anything reaches the agent.
package channels

import (
	"context"
	"log/slog"
	"sync"

	"github.com/jholhewres/relayclaw/pkg/relayclaw/agent"
)

var _ agent.Sink = (*Manager)(nil)

// Manager owns the connected adapters and implements agent.Sink.
type Manager struct {
	scheduler *agent.Scheduler
	commands  *agent.CommandHandler
	store     agent.Store
	logger    *slog.Logger

	mu       sync.RWMutex
	adapters map[string]Channel
}

// NewManager creates the manager. The scheduler needs the manager as its
// reply sink and the manager needs the scheduler for routing, so the
// scheduler side attaches afterwards through Bind.
func NewManager(store agent.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:    store,
		logger:   logger.With("component", "channels"),
		adapters: make(map[string]Channel),
	}
}

// Bind attaches the scheduler and command handler. Must run before Start.
func (m *Manager) Bind(scheduler *agent.Scheduler, commands *agent.CommandHandler) {
	m.scheduler = scheduler
	m.commands = commands
}

// Add registers an adapter.
func (m *Manager) Add(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adapters[ch.Name()] = ch
}

// Start connects every registered adapter.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, ch := range m.adapters {
		ch := ch
		if err := ch.Start(ctx, m.handle); err != nil {
			return err
		}
		m.logger.Info("channel started", "channel", name)
	}
	return nil
}

// Stop disconnects every adapter.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, ch := range m.adapters {
		if err := ch.Stop(ctx); err != nil {
			m.logger.Warn("channel stop", "channel", name, "error", err)
		}
	}
}

// handle routes one inbound message: gating, directives, then the scheduler.
func (m *Manager) handle(msg IncomingMessage) {
	key := agent.SessionKey{Provider: msg.Channel, ChatID: msg.ChatID, Thread: msg.Thread}
	ctx := context.Background()

	if !m.allowed(key, msg) {
		m.logger.Debug("message gated",
			"channel", msg.Channel,
			"chat_id", msg.ChatID,
			"sender", msg.SenderID,
		)
		return
	}

	if res := m.commands.Handle(ctx, key, msg.Text); res.Handled {
		if res.Reply != "" {
			m.SendReply(key, agent.BlockReply{Text: res.Reply, Final: true})
		}
		return
	}

	outcome := m.scheduler.Submit(ctx, key, msg.Text)
	m.logger.Debug("message submitted",
		"channel", msg.Channel,
		"chat_id", msg.ChatID,
		"outcome", string(outcome),
	)
}

// allowed applies group activation and send policy from the session entry.
func (m *Manager) allowed(key agent.SessionKey, msg IncomingMessage) bool {
	entry, err := m.store.Get(key.String())
	if err != nil {
		// Unknown session: groups need a mention, DMs are open.
		return !msg.IsGroup || msg.Mentioned
	}

	if msg.IsGroup {
		activation := entry.GroupActivation
		if activation == "" {
			activation = agent.ActivationMention
		}
		if activation == agent.ActivationMention && !msg.Mentioned {
			return false
		}
	}

	if entry.SendPolicy == agent.SendPolicyOwner && msg.SenderID != "" && msg.SenderID != msg.ChatID {
		return false
	}
	return true
}

// ── agent.Sink ──

// SendReply delivers one block to the adapter owning the session's chat.
func (m *Manager) SendReply(key agent.SessionKey, reply agent.BlockReply) {
	m.deliver(key, OutgoingMessage{
		ChatID:    key.ChatID,
		Thread:    key.Thread,
		Text:      reply.Text,
		MediaURLs: reply.MediaURLs,
	})
}

// SendError delivers a recovery-policy message.
func (m *Manager) SendError(key agent.SessionKey, text string) {
	m.deliver(key, OutgoingMessage{
		ChatID:  key.ChatID,
		Thread:  key.Thread,
		Text:    text,
		IsError: true,
	})
}

// SetTyping forwards a typing action to adapters that support presence.
func (m *Manager) SetTyping(key agent.SessionKey, action agent.TypingAction) {
	if action == agent.TypingNone {
		return
	}
	m.mu.RLock()
	ch := m.adapters[key.Provider]
	m.mu.RUnlock()

	pc, ok := ch.(PresenceChannel)
	if !ok {
		return
	}
	if err := pc.SetTyping(context.Background(), key.ChatID, action); err != nil {
		m.logger.Debug("typing update failed", "channel", key.Provider, "error", err)
	}
}

func (m *Manager) deliver(key agent.SessionKey, msg OutgoingMessage) {
	m.mu.RLock()
	ch := m.adapters[key.Provider]
	m.mu.RUnlock()
	if ch == nil {
		m.logger.Warn("no channel for reply", "channel", key.Provider)
		return
	}
	if err := ch.Send(context.Background(), msg); err != nil {
		m.logger.Error("reply delivery failed",
			"channel", key.Provider,
			"chat_id", key.ChatID,
			"error", err,
		)
	}
}
