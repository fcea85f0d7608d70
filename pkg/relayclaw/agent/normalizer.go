// Package agent – normalizer.go turns the raw event stream of one agent run
// into stable reply/typing signals. It owns the rolling text buffer of the
// in-flight assistant message, detects reasoning-tag pairs that may straddle
// chunk boundaries, splits trailing media markers out of the display text,
// deduplicates repeated completions, and tracks unresolved tool failures.
package agent

import (
	"regexp"
	"strings"
)

// Reasoning tag spellings accepted in assistant text. Any close spelling
// terminates any open spelling — models mix them.
var (
	reasoningOpenTags  = []string{"<think>", "<thinking>", "<reasoning>"}
	reasoningCloseTags = []string{"</think>", "</thinking>", "</reasoning>"}
)

// mediaMarkerRE matches a trailing "MEDIA: url[, url...]" marker. The marker
// binds to the end of the visible text only; a MEDIA: line with prose after
// it is ordinary text.
var mediaMarkerRE = regexp.MustCompile(`\n?[ \t]*MEDIA:[ \t]*(\S[^\n]*?)\s*$`)

// SubscribeConfig controls how one run's stream is normalized.
type SubscribeConfig struct {
	Block     BlockPolicy
	FlushMode FlushMode
}

// Subscription is the handle returned by Subscribe. Wait blocks until the
// raw stream is exhausted; LastToolError exposes the unresolved-failure
// tracker for the run.
type Subscription struct {
	tracker *ToolErrorTracker
	done    chan struct{}
}

// LastToolError returns the most recent unresolved mutating-tool failure,
// or nil when every tracked failure has been cleared by a matching success.
func (s *Subscription) LastToolError() *ToolFailure {
	return s.tracker.LastUnresolved()
}

// Wait blocks until all events have been consumed and callbacks delivered.
func (s *Subscription) Wait() {
	<-s.done
}

// Subscribe consumes events until the channel closes, invoking cb
// sequentially (at most one callback in flight) in stream order.
func Subscribe(events <-chan RunEvent, cfg SubscribeConfig, cb Callbacks) *Subscription {
	sub := &Subscription{
		tracker: NewToolErrorTracker(),
		done:    make(chan struct{}),
	}
	n := &normalizer{cfg: cfg, cb: cb, tracker: sub.tracker}
	go func() {
		defer close(sub.done)
		for ev := range events {
			n.handle(ev)
		}
		n.finishPending()
	}()
	return sub
}

// normalizer holds per-run state. It runs on a single goroutine.
type normalizer struct {
	cfg     SubscribeConfig
	cb      Callbacks
	tracker *ToolErrorTracker

	msg              *messageState
	lastCompleted    string // visible text of the last finalized message
	hasCompleted     bool
	reasoningEndSent bool
}

// messageState is the rolling buffer for one in-flight assistant message.
type messageState struct {
	id  string
	raw strings.Builder

	emittedText  string // visible text delivered so far (forward-only)
	emittedMedia int    // media URLs delivered so far
	reasoningLen int    // reasoning chars already delivered

	blocks *blockWriter
}

func (n *normalizer) handle(ev RunEvent) {
	switch ev.Type {
	case EventMessageStart:
		n.finishPending()
		n.msg = &messageState{id: ev.MessageID}
		n.msg.blocks = newBlockWriter(n.cfg.Block, n.cfg.FlushMode, func(text string, media []string, final bool) {
			n.emitBlock(text, media, final)
		})
		n.reasoningEndSent = false

	case EventMessageDelta:
		if n.msg == nil {
			n.msg = &messageState{id: ev.MessageID}
			n.msg.blocks = newBlockWriter(n.cfg.Block, n.cfg.FlushMode, func(text string, media []string, final bool) {
				n.emitBlock(text, media, final)
			})
		}
		if ev.Delta != "" {
			n.msg.raw.WriteString(ev.Delta)
		} else if ev.Text != "" && len(ev.Text) > n.msg.raw.Len() {
			// Some backends send full snapshots instead of deltas.
			snapshot := ev.Text
			n.msg.raw.WriteString(snapshot[n.msg.raw.Len():])
		}
		n.emitProgress(false)

	case EventMessageEnd:
		n.finalizeMessage(ev)

	case EventReasoningDelta:
		if n.cb.OnReasoning != nil && ev.Delta != "" {
			n.cb.OnReasoning(formatReasoningQuote(ev.Delta))
		}

	case EventReasoningEnd:
		n.emitReasoningEnd()

	case EventToolStart:
		// Tool starts carry no reply-facing signal; results do.

	case EventToolEnd:
		sig := ActionSignature(ev.ToolName, ev.ToolArgs)
		n.tracker.Record(ev.ToolName, ev.ToolArgs, ev.ToolOutput, ev.ToolIsError)
		if n.cb.OnToolResult != nil {
			n.cb.OnToolResult(ToolResultEvent{
				ToolID:    ev.ToolID,
				ToolName:  ev.ToolName,
				Output:    ev.ToolOutput,
				IsError:   ev.ToolIsError,
				Signature: sig,
			})
		}

	case EventCompaction:
		phase := PhaseCompactionStart
		if ev.Phase == "end" {
			phase = PhaseCompactionEnd
		}
		n.emitLifecycle(LifecycleEvent{Phase: phase, WillRetry: ev.WillRetry})

	case EventAgentEnd:
		n.finishPending()
		if ev.StopReason == StopError {
			n.emitLifecycle(LifecycleEvent{
				Phase:       PhaseError,
				Error:       humanizeRunError(ev.ErrorKind, ev.ErrorMessage),
				ErrorKind:   ev.ErrorKind,
				ErrorDetail: ev.ErrorMessage,
			})
		}
		n.emitLifecycle(LifecycleEvent{Phase: PhaseRunEnd, Tokens: ev.Tokens})
	}
}

// emitProgress recomputes visible text from the rolling buffer and delivers
// any forward movement: new visible text, new reasoning content, or newly
// discovered media URLs.
func (n *normalizer) emitProgress(final bool) {
	m := n.msg
	if m == nil {
		return
	}

	visible, reasoning, open := splitReasoning(m.raw.String(), !final)
	visible, media := extractMediaURLs(visible)

	// Stream reasoning as it grows, even while the tag is still open.
	if len(reasoning) > m.reasoningLen {
		m.reasoningLen = len(reasoning)
		if n.cb.OnReasoning != nil {
			n.cb.OnReasoning(formatReasoningQuote(reasoning))
		}
	}
	if !open && reasoning != "" {
		n.emitReasoningEnd()
	}

	// Forward-only rule: media extraction can shrink the visible text
	// relative to a prior delta, and an event must not rewind. The one
	// exception is an empty-text event carrying newly discovered URLs.
	moved := len(visible) > len(m.emittedText)
	newMedia := len(media) > m.emittedMedia
	if !moved && !(visible == "" && newMedia) {
		if newMedia {
			m.emittedMedia = len(media)
		}
		return
	}

	if moved && m.blocks != nil {
		m.blocks.Append(visible[len(m.emittedText):])
	}

	if n.cb.OnText != nil {
		n.cb.OnText(TextEvent{MessageID: m.id, Text: visible, MediaURLs: media})
	}
	m.emittedText = visible
	m.emittedMedia = len(media)
}

// finalizeMessage closes out the in-flight message: final reasoning split,
// completion dedup, and the closing block flush.
func (n *normalizer) finalizeMessage(ev RunEvent) {
	if n.msg == nil && ev.Text == "" {
		n.checkStopError(ev)
		return
	}
	if n.msg == nil {
		n.msg = &messageState{id: ev.MessageID}
		n.msg.blocks = newBlockWriter(n.cfg.Block, n.cfg.FlushMode, func(text string, media []string, final bool) {
			n.emitBlock(text, media, final)
		})
	}
	m := n.msg
	if ev.Text != "" && len(ev.Text) > m.raw.Len() {
		m.raw.WriteString(ev.Text[m.raw.Len():])
	}

	visible, reasoning, _ := splitReasoning(m.raw.String(), false)
	visible, media := extractMediaURLs(visible)

	if len(reasoning) > m.reasoningLen && n.cb.OnReasoning != nil {
		n.cb.OnReasoning(formatReasoningQuote(reasoning))
	}
	if reasoning != "" {
		n.emitReasoningEnd()
	}

	// Completion dedup: a repeated completion with identical content to
	// one already delivered is dropped — only the first counts.
	if n.hasCompleted && visible == n.lastCompleted {
		n.msg = nil
		n.checkStopError(ev)
		return
	}
	n.lastCompleted = visible
	n.hasCompleted = true

	if len(visible) > len(m.emittedText) && m.blocks != nil {
		m.blocks.Append(visible[len(m.emittedText):])
	}
	if m.blocks != nil {
		m.blocks.Finish(media)
	} else if visible != "" || len(media) > 0 {
		n.emitBlock(visible, media, true)
	}
	n.msg = nil

	n.checkStopError(ev)
}

func (n *normalizer) checkStopError(ev RunEvent) {
	if ev.StopReason != StopError {
		return
	}
	n.emitLifecycle(LifecycleEvent{
		Phase:       PhaseError,
		Error:       humanizeRunError(ev.ErrorKind, ev.ErrorMessage),
		ErrorKind:   ev.ErrorKind,
		ErrorDetail: ev.ErrorMessage,
	})
}

// finishPending flushes a message whose end event never arrived (abort,
// stream teardown) so buffered text is not silently dropped.
func (n *normalizer) finishPending() {
	if n.msg == nil {
		return
	}
	n.finalizeMessage(RunEvent{Type: EventMessageEnd, MessageID: n.msg.id})
}

func (n *normalizer) emitBlock(text string, media []string, final bool) {
	if n.cb.OnBlock == nil {
		return
	}
	id := ""
	if n.msg != nil {
		id = n.msg.id
	}
	n.cb.OnBlock(BlockReply{MessageID: id, Text: text, MediaURLs: media, Final: final})
}

func (n *normalizer) emitReasoningEnd() {
	if n.reasoningEndSent {
		return
	}
	n.reasoningEndSent = true
	if n.cb.OnReasoningEnd != nil {
		n.cb.OnReasoningEnd()
	}
}

func (n *normalizer) emitLifecycle(ev LifecycleEvent) {
	if n.cb.OnLifecycle != nil {
		n.cb.OnLifecycle(ev)
	}
}

// splitReasoning separates raw assistant text into visible text and the
// concatenated content of reasoning-tag spans. Tags may straddle any number
// of chunk boundaries: while streaming (holdPartial), a trailing fragment
// that could be the prefix of a tag is withheld from the visible text so a
// split "<thi" + "nk>" never leaks. Reports whether a tag is still open.
func splitReasoning(raw string, holdPartial bool) (visible, reasoning string, open bool) {
	var vis, reas strings.Builder
	rest := raw
	first := true
	atStart := false
	for {
		idx, tag := findFirstTag(rest, reasoningOpenTags)
		if idx < 0 {
			break
		}
		if first {
			first = false
			atStart = strings.TrimSpace(rest[:idx]) == ""
		}
		vis.WriteString(rest[:idx])
		rest = rest[idx+len(tag):]

		closeIdx, closeTag := findFirstTag(rest, reasoningCloseTags)
		if closeIdx < 0 {
			// Unclosed tag: everything after the open marker is reasoning.
			reas.WriteString(rest)
			return trimVisible(vis.String(), atStart), strings.TrimSpace(reas.String()), true
		}
		reas.WriteString(rest[:closeIdx])
		rest = rest[closeIdx+len(closeTag):]
	}

	if holdPartial {
		rest = rest[:len(rest)-partialTagSuffix(rest)]
	}
	vis.WriteString(rest)
	return trimVisible(vis.String(), atStart), strings.TrimSpace(reas.String()), false
}

// findFirstTag returns the earliest occurrence of any tag in s.
func findFirstTag(s string, tags []string) (int, string) {
	best, bestTag := -1, ""
	for _, tag := range tags {
		if idx := strings.Index(s, tag); idx >= 0 && (best < 0 || idx < best) {
			best, bestTag = idx, tag
		}
	}
	return best, bestTag
}

// partialTagSuffix returns how many trailing bytes of s form a proper prefix
// of any reasoning tag (open or close).
func partialTagSuffix(s string) int {
	start := len(s) - 12 // longest tag is "</reasoning>" (12 bytes)
	if start < 0 {
		start = 0
	}
	for i := start; i < len(s); i++ {
		suffix := s[i:]
		for _, tag := range append(append([]string{}, reasoningOpenTags...), reasoningCloseTags...) {
			if len(suffix) < len(tag) && strings.HasPrefix(tag, suffix) {
				return len(suffix)
			}
		}
	}
	return 0
}

// trimVisible collapses the whitespace seam left where a reasoning span was
// removed from the start of the message. Text without such a seam keeps its
// leading whitespace; that is the model's own formatting.
func trimVisible(s string, reasoningAtStart bool) string {
	if !reasoningAtStart {
		return s
	}
	return strings.TrimLeft(s, " \n")
}

// extractMediaURLs splits a trailing MEDIA: marker out of the visible text.
func extractMediaURLs(text string) (string, []string) {
	loc := mediaMarkerRE.FindStringSubmatchIndex(text)
	if loc == nil {
		return text, nil
	}
	list := text[loc[2]:loc[3]]
	cleaned := strings.TrimRight(text[:loc[0]], " \n")

	var urls []string
	for _, part := range strings.Split(list, ",") {
		if u := strings.TrimSpace(part); u != "" {
			urls = append(urls, u)
		}
	}
	return cleaned, urls
}

// formatReasoningQuote wraps reasoning content in the quoted template used
// for every reasoning delivery, inline-tag or native.
func formatReasoningQuote(text string) string {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	for i, line := range lines {
		lines[i] = "> " + line
	}
	return "Reasoning:\n" + strings.Join(lines, "\n")
}

// humanizeRunError maps a raw error payload to a user-facing message.
func humanizeRunError(kind, message string) string {
	lower := strings.ToLower(kind + " " + message)
	switch {
	case strings.Contains(lower, "rate_limit") || strings.Contains(lower, "rate limit") || strings.Contains(lower, "429"):
		return "The agent hit a rate limit. Please try again in a moment."
	case message != "":
		return "The agent reported an API failure: " + message
	default:
		return "The agent reported an API failure."
	}
}
