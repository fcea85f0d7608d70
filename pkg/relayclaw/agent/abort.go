// Package agent – abort.go implements stop-word detection for interrupting
// active runs. Matching is exact over a fixed vocabulary after aggressive
// normalization; "please stop everything now" is a prompt, not a stop word.
package agent

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// AbortedReply is the fixed reply sent when a run is stopped by the user.
const AbortedReply = "Agent was aborted."

// AbortedRunReminder is injected into the next run's system prompt after an
// aborted run so the model knows the previous turn was cut short.
const AbortedRunReminder = "Note: your previous run was aborted by the user before it finished. Do not resume the aborted work unless asked."

// stopWords are matched exactly against the normalized message text.
var stopWords = map[string]bool{
	"stop": true, "abort": true, "wait": true, "exit": true, "halt": true,
	"esc": true, "interrupt": true,
	"please stop": true, "stop please": true,
	"stop agent": true, "stop the agent": true,

	// Portuguese / Spanish
	"pare": true, "parar": true, "cancela": true, "cancelar": true,
	"detente": true, "alto": true,

	// French / German
	"arrete": true, "arrête": true, "stopp": true,

	// CJK / Cyrillic
	"停止": true, "停": true, "ストップ": true, "стоп": true,
}

var trailingPunctRE = regexp.MustCompile(`[.!?…,，。;；:：'")\]}]+$`)

// timestampPrefixRE strips a leading "[...]" block, the batching prefix the
// scheduler puts in front of queued message text.
var timestampPrefixRE = regexp.MustCompile(`^\[[^\]]*\]\s*`)

// IsStopWord reports whether text is a standalone stop request.
func IsStopWord(text string) bool {
	normalized := normalizeStopText(text)
	if normalized == "" {
		return false
	}
	if normalized == "/stop" {
		return true
	}
	return stopWords[normalized]
}

// normalizeStopText lowercases, applies NFKC, strips a leading timestamp
// bracket and @mentions, drops trailing punctuation and collapses spaces.
func normalizeStopText(text string) string {
	normalized := norm.NFKC.String(text)
	normalized = strings.ToLower(normalized)
	normalized = timestampPrefixRE.ReplaceAllString(normalized, "")

	fields := strings.Fields(normalized)
	kept := fields[:0]
	for _, f := range fields {
		if !strings.HasPrefix(f, "@") {
			kept = append(kept, f)
		}
	}
	normalized = strings.Join(kept, " ")

	normalized = trailingPunctRE.ReplaceAllString(normalized, "")
	return strings.TrimSpace(normalized)
}
