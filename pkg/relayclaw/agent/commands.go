// Package agent – commands.go parses control directives out of inbound text.
// Directives act on session state directly and never reach the agent; the
// channel manager runs this before submitting anything to the scheduler.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// CommandResult reports directive handling. When Handled is true the message
// must not be forwarded to the scheduler; Reply (if non-empty) goes straight
// back to the chat.
type CommandResult struct {
	Handled bool
	Reply   string
}

// CommandHandler executes control directives against the session store.
type CommandHandler struct {
	store     Store
	scheduler *Scheduler
	logger    *slog.Logger
}

// NewCommandHandler wires the handler.
func NewCommandHandler(store Store, scheduler *Scheduler, logger *slog.Logger) *CommandHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandHandler{
		store:     store,
		scheduler: scheduler,
		logger:    logger.With("component", "commands"),
	}
}

// Handle inspects text for a directive. Non-directive text returns
// Handled=false untouched.
func (h *CommandHandler) Handle(ctx context.Context, key SessionKey, text string) CommandResult {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return CommandResult{}
	}

	fields := strings.Fields(trimmed)
	cmd := strings.ToLower(fields[0])
	arg := ""
	if len(fields) > 1 {
		arg = strings.ToLower(fields[1])
	}

	switch cmd {
	case "/stop":
		// Same contract as a bare stop word: the fixed reply comes back even
		// when nothing was running.
		h.scheduler.AbortSession(ctx, key)
		return CommandResult{Handled: true, Reply: AbortedReply}

	case "/new", "/reset":
		return h.reset(key)

	case "/compact":
		instructions := strings.TrimSpace(strings.TrimPrefix(trimmed, fields[0]))
		return h.compact(ctx, key, instructions)

	case "/activation":
		return h.setActivation(key, arg)

	case "/send":
		return h.setSendPolicy(key, arg)

	case "/elevated":
		return h.setElevated(key, arg)
	}

	// Unknown slash text goes to the agent unchanged; people type "/help"
	// style messages at models all the time.
	return CommandResult{}
}

func (h *CommandHandler) reset(key SessionKey) CommandResult {
	entry, err := h.store.Get(key.String())
	if err != nil {
		entry = NewSessionEntry(key)
	}
	entry.SoftReset(false)
	if err := h.store.Put(entry); err != nil {
		h.logger.Warn("saving reset session", "session_key", key.String(), "error", err)
		return CommandResult{Handled: true, Reply: "Reset failed, try again."}
	}
	h.logger.Info("session reset", "session_key", key.String())
	return CommandResult{Handled: true, Reply: "Session reset. Starting fresh."}
}

// compact runs a real compaction turn on the backend. The counter moves only
// when the backend reports a completed compaction.
func (h *CommandHandler) compact(ctx context.Context, key SessionKey, instructions string) CommandResult {
	entry, n, err := h.scheduler.CompactSession(ctx, key, instructions)
	switch {
	case errors.Is(err, ErrRunActive):
		return CommandResult{Handled: true, Reply: "A run is active; try /compact again once it finishes."}
	case errors.Is(err, ErrSessionNotFound):
		return CommandResult{Handled: true, Reply: "No session to compact."}
	case err != nil:
		h.logger.Warn("compaction failed", "session_key", key.String(), "error", err)
		return CommandResult{Handled: true, Reply: "Compaction failed: " + err.Error()}
	case n == 0:
		return CommandResult{Handled: true, Reply: "The backend reported no compaction."}
	}
	return CommandResult{
		Handled: true,
		Reply:   fmt.Sprintf("Compacted session history (%d compactions total).", entry.CompactionCount),
	}
}

func (h *CommandHandler) setActivation(key SessionKey, arg string) CommandResult {
	switch GroupActivation(arg) {
	case ActivationMention, ActivationAlways:
	default:
		return CommandResult{Handled: true, Reply: "Usage: /activation mention|always"}
	}
	entry := h.getOrCreate(key)
	entry.GroupActivation = GroupActivation(arg)
	h.put(entry)
	return CommandResult{Handled: true, Reply: "Group activation set to " + arg + "."}
}

func (h *CommandHandler) setSendPolicy(key SessionKey, arg string) CommandResult {
	switch SendPolicy(arg) {
	case SendPolicyAll, SendPolicyAllowlist, SendPolicyOwner:
	default:
		return CommandResult{Handled: true, Reply: "Usage: /send all|allowlist|owner"}
	}
	entry := h.getOrCreate(key)
	entry.SendPolicy = SendPolicy(arg)
	h.put(entry)
	return CommandResult{Handled: true, Reply: "Send policy set to " + arg + "."}
}

func (h *CommandHandler) setElevated(key SessionKey, arg string) CommandResult {
	switch arg {
	case "on", "off":
	default:
		return CommandResult{Handled: true, Reply: "Usage: /elevated on|off"}
	}
	entry := h.getOrCreate(key)
	if arg == "on" {
		entry.ElevatedLevel = "full"
	} else {
		entry.ElevatedLevel = ""
	}
	h.put(entry)
	return CommandResult{Handled: true, Reply: "Elevated permissions " + arg + "."}
}

func (h *CommandHandler) getOrCreate(key SessionKey) *SessionEntry {
	entry, err := h.store.Get(key.String())
	if err != nil {
		entry = NewSessionEntry(key)
	}
	return entry
}

func (h *CommandHandler) put(entry *SessionEntry) {
	if err := h.store.Put(entry); err != nil {
		h.logger.Warn("saving session", "session_key", entry.SessionKey, "error", err)
	}
}
