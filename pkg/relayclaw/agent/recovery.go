// Package agent – recovery.go classifies terminal run errors and decides how
// much session state must be discarded to make the next run viable. Raw
// provider error codes never reach the user; each category has a fixed
// user-facing message.
package agent

import (
	"fmt"
	"strings"
)

// ResetAction says how much session state a classified error discards.
type ResetAction int

const (
	// ResetNone keeps the session untouched.
	ResetNone ResetAction = iota

	// ResetSoft regenerates the session identity; the transcript file stays
	// on disk for inspection.
	ResetSoft

	// ResetSoftDeleteTranscript regenerates identity and deletes the
	// transcript, for histories the backend can no longer replay.
	ResetSoftDeleteTranscript

	// ResetHard removes the session entry entirely.
	ResetHard
)

// ErrorCategory names a recognized failure class.
type ErrorCategory string

const (
	CategoryContextOverflow ErrorCategory = "context_overflow"
	CategoryRoleOrdering    ErrorCategory = "role_ordering"
	CategoryCorruption      ErrorCategory = "corruption"
	CategoryTransport       ErrorCategory = "transport"
	CategoryGeneric         ErrorCategory = "generic"
)

// Classification is the recovery decision for one run failure.
type Classification struct {
	Category    ErrorCategory
	UserMessage string
	Action      ResetAction
}

var contextOverflowPatterns = []string{
	"context_length_exceeded",
	"maximum context length",
	"context window exceeded",
	"prompt is too long",
}

var roleOrderingPatterns = []string{
	"roles must alternate",
	"unexpected role",
	"invalid message order",
	"incorrect role sequence",
}

var corruptionPatterns = []string{
	"tool_use ids were found without tool_result",
	"tool_result without tool_use",
	"unexpected tool_use_id",
	"corrupted session",
}

var transportPatterns = []string{
	"unexpected eof",
	"socket hang up",
	"connection reset",
	"connection refused",
	"broken pipe",
	"econnreset",
	"tls handshake",
}

// Classify maps a raw run error onto a recovery decision. Matching is
// substring-based over the lowercased message plus the backend's error kind.
func Classify(errKind, errMessage string) Classification {
	haystack := strings.ToLower(errKind + " " + errMessage)

	if matchesAny(haystack, contextOverflowPatterns) {
		return Classification{
			Category:    CategoryContextOverflow,
			UserMessage: "Session context limit exceeded, resetting the session. Please send your message again.",
			Action:      ResetSoft,
		}
	}
	if matchesAny(haystack, roleOrderingPatterns) {
		return Classification{
			Category:    CategoryRoleOrdering,
			UserMessage: "Session hit a message ordering conflict, resetting the session. Please send your message again.",
			Action:      ResetSoftDeleteTranscript,
		}
	}
	if matchesAny(haystack, corruptionPatterns) {
		return Classification{
			Category:    CategoryCorruption,
			UserMessage: "Session history was corrupted and had to be discarded. Starting fresh.",
			Action:      ResetHard,
		}
	}
	if matchesAny(haystack, transportPatterns) {
		return Classification{
			Category:    CategoryTransport,
			UserMessage: fmt.Sprintf("LLM connection failed. Please try again.\n```\n%s\n```", strings.TrimSpace(errMessage)),
			Action:      ResetNone,
		}
	}
	return Classification{
		Category:    CategoryGeneric,
		UserMessage: fmt.Sprintf("Agent failed before reply: %s", strings.TrimSpace(errMessage)),
		Action:      ResetNone,
	}
}

// ClassifyCompactionFailure handles errors surfaced during a compaction
// phase. Compaction failing on an oversized history gets the overflow
// treatment even when the provider words it differently.
func ClassifyCompactionFailure(errKind, errMessage string) Classification {
	cls := Classify(errKind, errMessage)
	if cls.Category == CategoryGeneric {
		return Classification{
			Category:    CategoryContextOverflow,
			UserMessage: "Session context limit exceeded, resetting the session. Please send your message again.",
			Action:      ResetSoft,
		}
	}
	return cls
}

func matchesAny(haystack string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(haystack, p) {
			return true
		}
	}
	return false
}

// Apply executes a classification against the session store. Persistence is
// best effort: a failed save never blocks the user-facing error reply.
func Apply(cls Classification, store Store, entry *SessionEntry) error {
	switch cls.Action {
	case ResetNone:
		return nil
	case ResetSoft:
		entry.SoftReset(false)
		return store.Put(entry)
	case ResetSoftDeleteTranscript:
		entry.SoftReset(true)
		return store.Put(entry)
	case ResetHard:
		return store.Delete(entry.SessionKey)
	}
	return nil
}
