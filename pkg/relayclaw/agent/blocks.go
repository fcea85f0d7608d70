// Package agent – blocks.go implements block-reply chunking: deciding where
// to flush the visible text of an in-flight assistant message. The writer
// only ever sees reasoning-stripped text, so a flush can never land inside
// an open reasoning tag regardless of how the tag straddled deltas.
package agent

import "strings"

// FlushMode selects block-reply granularity.
type FlushMode string

const (
	// FlushMessageEnd emits one block per completed assistant message.
	FlushMessageEnd FlushMode = "message-end"

	// FlushChunked emits blocks within a message per BlockPolicy.
	FlushChunked FlushMode = "chunked"
)

// BreakPreference orders the boundaries the chunker searches for.
type BreakPreference string

const (
	BreakParagraph BreakPreference = "paragraph"
	BreakSentence  BreakPreference = "sentence"
	BreakWord      BreakPreference = "word"
)

// BlockPolicy tunes chunked flushing. Zero values take defaults.
type BlockPolicy struct {
	// MinChars is the minimum accumulated size before a flush (default: 200).
	MinChars int `yaml:"min_chars"`

	// MaxChars forces a flush once the buffer reaches it (default: 1500).
	MaxChars int `yaml:"max_chars"`

	// BreakPreference is the most-preferred boundary (default: paragraph).
	// Less-preferred boundaries are still used as fallbacks.
	BreakPreference BreakPreference `yaml:"break_preference"`
}

// DefaultBlockPolicy returns chunking defaults tuned for chat UX: each
// flush is a new message, so coherent paragraphs beat low-latency fragments.
func DefaultBlockPolicy() BlockPolicy {
	return BlockPolicy{
		MinChars:        200,
		MaxChars:        1500,
		BreakPreference: BreakParagraph,
	}
}

// Effective returns a copy with defaults filled in for zero values.
func (p BlockPolicy) Effective() BlockPolicy {
	out := p
	if out.MinChars <= 0 {
		out.MinChars = 200
	}
	if out.MaxChars <= 0 {
		out.MaxChars = 1500
	}
	if out.BreakPreference == "" {
		out.BreakPreference = BreakParagraph
	}
	return out
}

// blockFlush receives one flushed block. Media URLs ride on the closing
// block only.
type blockFlush func(text string, media []string, final bool)

// blockWriter accumulates visible text and flushes per policy. It is not
// safe for concurrent use; the normalizer drives it from one goroutine.
type blockWriter struct {
	policy BlockPolicy
	mode   FlushMode
	flush  blockFlush
	buf    strings.Builder
}

func newBlockWriter(policy BlockPolicy, mode FlushMode, flush blockFlush) *blockWriter {
	if mode == "" {
		mode = FlushMessageEnd
	}
	return &blockWriter{policy: policy.Effective(), mode: mode, flush: flush}
}

// Append adds visible text and flushes any complete chunks.
func (w *blockWriter) Append(text string) {
	w.buf.WriteString(text)
	if w.mode != FlushChunked {
		return
	}
	for w.buf.Len() >= w.policy.MaxChars {
		chunk := w.buf.String()
		breakIdx := findBreak(chunk, w.policy.MinChars, w.policy.MaxChars, w.policy.BreakPreference)
		if breakIdx <= 0 || breakIdx >= len(chunk) {
			breakIdx = w.policy.MaxChars
		}
		w.emit(chunk[:breakIdx], nil, false)
		w.buf.Reset()
		w.buf.WriteString(chunk[breakIdx:])
	}
}

// Finish flushes whatever remains as the closing block of the message.
// In message-end mode this is the message's single block.
func (w *blockWriter) Finish(media []string) {
	text := w.buf.String()
	w.buf.Reset()
	if strings.TrimSpace(text) == "" && len(media) == 0 {
		return
	}
	w.emit(text, media, true)
}

func (w *blockWriter) emit(text string, media []string, final bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" && len(media) == 0 {
		return
	}
	w.flush(trimmed, media, final)
}

// findBreak finds a boundary between minIdx and maxIdx, searching from the
// preferred boundary kind down to a word break. Falls back to maxIdx.
func findBreak(text string, minIdx, maxIdx int, pref BreakPreference) int {
	if maxIdx > len(text) {
		maxIdx = len(text)
	}
	if minIdx >= maxIdx {
		return maxIdx
	}
	region := text[minIdx:maxIdx]

	if pref == BreakParagraph {
		if idx := strings.LastIndex(region, "\n\n"); idx >= 0 {
			return minIdx + idx + 2
		}
		if idx := strings.LastIndex(region, "\n"); idx >= 0 {
			return minIdx + idx + 1
		}
	}

	if pref == BreakParagraph || pref == BreakSentence {
		for i := len(region) - 1; i >= 0; i-- {
			ch := region[i]
			if (ch == '.' || ch == '!' || ch == '?') && i+1 < len(region) && region[i+1] == ' ' {
				return minIdx + i + 2
			}
		}
	}

	if idx := strings.LastIndex(region, " "); idx >= 0 {
		return minIdx + idx + 1
	}
	return maxIdx
}
