package agent

import (
	"strings"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		kind     string
		message  string
		category ErrorCategory
		action   ResetAction
	}{
		{
			name:     "context overflow",
			message:  "error: context_length_exceeded for this model",
			category: CategoryContextOverflow,
			action:   ResetSoft,
		},
		{
			name:     "context overflow phrasing",
			message:  "This model's maximum context length is 200000 tokens",
			category: CategoryContextOverflow,
			action:   ResetSoft,
		},
		{
			name:     "role ordering",
			message:  "messages: roles must alternate between user and assistant",
			category: CategoryRoleOrdering,
			action:   ResetSoftDeleteTranscript,
		},
		{
			name:     "corruption",
			message:  "tool_use ids were found without tool_result blocks",
			category: CategoryCorruption,
			action:   ResetHard,
		},
		{
			name:     "transport",
			message:  "Post https://api: unexpected EOF",
			category: CategoryTransport,
			action:   ResetNone,
		},
		{
			name:     "generic",
			kind:     "api_error",
			message:  "something odd happened",
			category: CategoryGeneric,
			action:   ResetNone,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cls := Classify(tt.kind, tt.message)
			if cls.Category != tt.category {
				t.Errorf("category = %q, want %q", cls.Category, tt.category)
			}
			if cls.Action != tt.action {
				t.Errorf("action = %v, want %v", cls.Action, tt.action)
			}
			if cls.UserMessage == "" {
				t.Error("empty user message")
			}
		})
	}
}

func TestClassifyUserMessages(t *testing.T) {
	t.Run("role ordering never leaks provider wording", func(t *testing.T) {
		cls := Classify("", "400 invalid_request_error: roles must alternate")
		if strings.Contains(cls.UserMessage, "400") || strings.Contains(cls.UserMessage, "invalid_request_error") {
			t.Errorf("raw provider error leaked: %q", cls.UserMessage)
		}
		if !strings.Contains(cls.UserMessage, "ordering conflict") {
			t.Errorf("expected ordering conflict wording: %q", cls.UserMessage)
		}
	})

	t.Run("transport keeps detail in fenced quote", func(t *testing.T) {
		cls := Classify("", "connection reset by peer")
		if !strings.Contains(cls.UserMessage, "```") || !strings.Contains(cls.UserMessage, "connection reset by peer") {
			t.Errorf("transport detail missing: %q", cls.UserMessage)
		}
	})

	t.Run("generic carries the message", func(t *testing.T) {
		cls := Classify("", "model refused to load")
		if !strings.Contains(cls.UserMessage, "Agent failed before reply") {
			t.Errorf("unexpected generic message: %q", cls.UserMessage)
		}
	})
}

func TestClassifyCompactionFailure(t *testing.T) {
	cls := ClassifyCompactionFailure("", "summarization step failed")
	if cls.Category != CategoryContextOverflow || cls.Action != ResetSoft {
		t.Errorf("compaction failure not treated as overflow: %+v", cls)
	}

	cls = ClassifyCompactionFailure("", "connection reset")
	if cls.Category != CategoryTransport {
		t.Errorf("recognized category overridden: %+v", cls)
	}
}

func TestApply(t *testing.T) {
	newStore := func(t *testing.T) Store {
		t.Helper()
		store, err := NewJSONStore(t.TempDir() + "/sessions.json")
		if err != nil {
			t.Fatal(err)
		}
		return store
	}

	t.Run("soft reset keeps entry, regenerates id", func(t *testing.T) {
		store := newStore(t)
		entry := NewSessionEntry(SessionKey{Provider: "telegram", ChatID: "1"})
		entry.SessionFile = "/tmp/t.jsonl"
		entry.CompactionCount = 3
		if err := store.Put(entry); err != nil {
			t.Fatal(err)
		}
		oldID := entry.SessionID

		cls := Classify("", "context_length_exceeded")
		if err := Apply(cls, store, entry); err != nil {
			t.Fatal(err)
		}

		got, err := store.Get(entry.SessionKey)
		if err != nil {
			t.Fatal(err)
		}
		if got.SessionID == oldID {
			t.Error("session id not regenerated")
		}
		if got.SessionFile == "" {
			t.Error("transcript deleted on plain soft reset")
		}
		if got.CompactionCount != 3 {
			t.Errorf("CompactionCount = %d, want 3; the counter only grows", got.CompactionCount)
		}
		if got.NeedsMemoryFlush() {
			t.Error("reset history due for a memory flush")
		}
		if got.TotalTokens != 0 {
			t.Error("token counter survived reset")
		}
	})

	t.Run("ordering conflict deletes transcript", func(t *testing.T) {
		store := newStore(t)
		entry := NewSessionEntry(SessionKey{Provider: "telegram", ChatID: "1"})
		entry.SessionFile = "/tmp/t.jsonl"
		store.Put(entry)

		Apply(Classify("", "roles must alternate"), store, entry)

		got, _ := store.Get(entry.SessionKey)
		if got.SessionFile != "" {
			t.Error("transcript path kept after ordering conflict")
		}
	})

	t.Run("hard reset removes entry", func(t *testing.T) {
		store := newStore(t)
		entry := NewSessionEntry(SessionKey{Provider: "telegram", ChatID: "1"})
		store.Put(entry)

		Apply(Classify("", "tool_use ids were found without tool_result"), store, entry)

		if _, err := store.Get(entry.SessionKey); err != ErrSessionNotFound {
			t.Errorf("entry survived hard reset: %v", err)
		}
	})
}
