// Package agent – session.go models the persistent per-conversation agent
// session: its identity, usage counters, and the flags later runs consume.
// SessionKey is the routing identity; SessionID is the backend identity and
// is regenerated on every reset.
package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SendPolicy gates which participants in a chat may trigger the agent.
type SendPolicy string

const (
	SendPolicyAll       SendPolicy = "all"
	SendPolicyAllowlist SendPolicy = "allowlist"
	SendPolicyOwner     SendPolicy = "owner"
)

// GroupActivation gates whether a group chat needs an explicit mention.
type GroupActivation string

const (
	ActivationMention GroupActivation = "mention"
	ActivationAlways  GroupActivation = "always"
)

// SessionKey identifies a conversation lane. Its string form is the map key
// in the store and the single-flight key in the scheduler.
type SessionKey struct {
	// Provider is the channel name ("whatsapp", "telegram", "discord").
	Provider string

	// ChatID is the provider-native chat or group identifier.
	ChatID string

	// Thread distinguishes sub-threads within a chat; empty for the main one.
	Thread string

	// Scope separates parallel sessions over the same chat (e.g. heartbeat).
	Scope string
}

func (k SessionKey) String() string {
	s := k.Provider + ":" + k.ChatID
	if k.Thread != "" {
		s += ":" + k.Thread
	}
	if k.Scope != "" {
		s += "#" + k.Scope
	}
	return s
}

// ParseSessionKey inverts SessionKey.String.
func ParseSessionKey(s string) (SessionKey, error) {
	var key SessionKey
	if idx := strings.LastIndex(s, "#"); idx >= 0 {
		key.Scope = s[idx+1:]
		s = s[:idx]
	}
	parts := strings.SplitN(s, ":", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return SessionKey{}, fmt.Errorf("invalid session key %q", s)
	}
	key.Provider = parts[0]
	key.ChatID = parts[1]
	if len(parts) == 3 {
		key.Thread = parts[2]
	}
	return key, nil
}

// SessionEntry is the persisted state of one agent session.
type SessionEntry struct {
	SessionKey string `json:"session_key"`

	// SessionID is the backend-facing identity. Regenerated on reset so the
	// backend starts a fresh history.
	SessionID string `json:"session_id"`

	// SessionFile is the transcript path, when the backend writes one.
	SessionFile string `json:"session_file,omitempty"`

	UpdatedAt   time.Time `json:"updated_at"`
	TotalTokens int       `json:"total_tokens"`

	// CompactionCount increments on every completed compaction. Monotone.
	CompactionCount int `json:"compaction_count"`

	// MemoryFlushCompactionCount is the CompactionCount as of the last
	// memory-flush turn. Never exceeds CompactionCount.
	MemoryFlushCompactionCount int        `json:"memory_flush_compaction_count"`
	MemoryFlushAt              *time.Time `json:"memory_flush_at,omitempty"`

	// AbortedLastRun is set when the previous run was stopped by the user
	// and cleared once the next run has consumed the reminder.
	AbortedLastRun bool `json:"aborted_last_run,omitempty"`

	SendPolicy      SendPolicy      `json:"send_policy,omitempty"`
	ElevatedLevel   string          `json:"elevated_level,omitempty"`
	GroupActivation GroupActivation `json:"group_activation,omitempty"`
}

// NewSessionEntry creates a fresh entry for a key.
func NewSessionEntry(key SessionKey) *SessionEntry {
	return &SessionEntry{
		SessionKey: key.String(),
		SessionID:  uuid.NewString(),
		UpdatedAt:  time.Now(),
	}
}

// Touch bumps the activity timestamp.
func (e *SessionEntry) Touch() {
	e.UpdatedAt = time.Now()
}

// TouchSkipped is the explicit no-op for runs that must not look like
// activity (skipped heartbeats). Kept as a method so call sites read as a
// decision rather than an omission.
func (e *SessionEntry) TouchSkipped() {}

// SoftReset regenerates the backend identity, optionally forgetting the
// transcript path, and zeroes the token counter. CompactionCount only ever
// grows; the flush marker catches up to it so the fresh history is not
// immediately due for a memory flush.
func (e *SessionEntry) SoftReset(deleteTranscript bool) {
	e.SessionID = uuid.NewString()
	if deleteTranscript {
		e.SessionFile = ""
	}
	e.TotalTokens = 0
	e.MemoryFlushCompactionCount = e.CompactionCount
	e.AbortedLastRun = false
	e.Touch()
}

// RecordCompaction registers one completed compaction.
func (e *SessionEntry) RecordCompaction() {
	e.CompactionCount++
	e.Touch()
}

// RecordMemoryFlush marks the flush as covering all compactions so far.
func (e *SessionEntry) RecordMemoryFlush() {
	e.MemoryFlushCompactionCount = e.CompactionCount
	now := time.Now()
	e.MemoryFlushAt = &now
	e.Touch()
}

// NeedsMemoryFlush reports whether compactions happened since the last flush.
func (e *SessionEntry) NeedsMemoryFlush() bool {
	return e.MemoryFlushCompactionCount < e.CompactionCount
}
