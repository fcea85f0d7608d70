// Package agent – typing.go decides when the channel's typing indicator
// starts and stops around a run. Channels that cannot signal presence just
// ignore the actions; the controller never blocks the event path.
package agent

import "strings"

// TypingMode selects when the typing indicator runs.
type TypingMode string

const (
	// TypingInstant starts typing on the first partial text of the run.
	TypingInstant TypingMode = "instant"

	// TypingMessage starts typing on the first finished block or tool result.
	TypingMessage TypingMode = "message"

	// TypingThinking starts typing on the first reasoning output and keeps
	// it alive through the reasoning stream; plain deltas type one-shot.
	TypingThinking TypingMode = "thinking"

	// TypingNever disables the indicator.
	TypingNever TypingMode = "never"
)

// TypingAction is one instruction for the channel's presence API.
type TypingAction int

const (
	TypingNone TypingAction = iota
	TypingStart
	TypingLoopStart // keep-alive refresh until TypingStop
	TypingStop
)

// NoReplySentinel suppresses delivery of a reply entirely when it is the
// whole trimmed reply text.
const NoReplySentinel = "NO_REPLY"

// TypingController translates normalized run events into typing actions for
// one run. Not safe for concurrent use; the subscription goroutine drives it.
type TypingController struct {
	mode      TypingMode
	heartbeat bool
	active    bool
	looping   bool
}

// NewTypingController builds a controller for one run. Heartbeat runs never
// type regardless of mode: an unprompted probe must stay invisible.
func NewTypingController(mode TypingMode, heartbeat bool) *TypingController {
	if mode == "" {
		mode = TypingMessage
	}
	if heartbeat {
		mode = TypingNever
	}
	return &TypingController{mode: mode}
}

// OnText is called with each visible-text snapshot. Instant mode starts here,
// on the first partial text that is not a sentinel; message mode waits for a
// whole block or tool result.
func (c *TypingController) OnText(text string) TypingAction {
	switch c.mode {
	case TypingNever, TypingMessage:
		return TypingNone
	}
	if strings.TrimSpace(text) == "" || isSuppressedReply(text) {
		return TypingNone
	}
	if c.active {
		return TypingNone
	}
	c.active = true
	return TypingStart
}

// OnBlock is called with each normalized block reply before delivery.
func (c *TypingController) OnBlock(text string) TypingAction {
	return c.onOutput(text)
}

// OnToolResult is called with each tool result's output.
func (c *TypingController) OnToolResult(output string) TypingAction {
	return c.onOutput(output)
}

func (c *TypingController) onOutput(text string) TypingAction {
	if c.mode != TypingMessage || c.active {
		return TypingNone
	}
	if strings.TrimSpace(text) == "" || isSuppressedReply(text) {
		return TypingNone
	}
	c.active = true
	return TypingStart
}

// OnReasoning is called with each reasoning snapshot. In thinking mode the
// indicator loops for as long as reasoning keeps streaming.
func (c *TypingController) OnReasoning() TypingAction {
	if c.mode != TypingThinking {
		return TypingNone
	}
	if c.looping {
		return TypingNone
	}
	c.active = true
	c.looping = true
	return TypingLoopStart
}

// OnReasoningEnd closes a thinking-mode typing loop.
func (c *TypingController) OnReasoningEnd() TypingAction {
	if !c.looping {
		return TypingNone
	}
	c.looping = false
	c.active = false
	return TypingStop
}

// OnRunEnd is called when the run finishes for any reason.
func (c *TypingController) OnRunEnd() TypingAction {
	if !c.active && !c.looping {
		return TypingNone
	}
	c.active = false
	c.looping = false
	return TypingStop
}

// isSuppressedReply reports whether text is a sentinel that should never
// reach the user (and so should never trigger typing either).
func isSuppressedReply(text string) bool {
	trimmed := strings.TrimSpace(text)
	return trimmed == NoReplySentinel || trimmed == HeartbeatOKToken
}
