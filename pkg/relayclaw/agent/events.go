// Package agent – events.go defines the normalized event vocabulary the
// engine emits downstream. Raw backend events (backend.go) are decoded once
// by the normalizer and fan out as these stable shapes, so the typing
// controller and reply sink never re-parse backend protocol.
package agent

// NormalizedStream tags the stream a normalized event belongs to.
type NormalizedStream string

const (
	StreamDelta      NormalizedStream = "delta"
	StreamReasoning  NormalizedStream = "reasoning"
	StreamTool       NormalizedStream = "tool"
	StreamLifecycle  NormalizedStream = "lifecycle"
	StreamCompaction NormalizedStream = "compaction"
)

// TextEvent is a forward-moving snapshot of the visible (reasoning-stripped)
// text of the in-flight assistant message, with any media URLs already
// split out of the display text.
type TextEvent struct {
	MessageID string
	Text      string
	MediaURLs []string
}

// BlockReply is one chunk of assistant output flushed to the reply sink.
type BlockReply struct {
	MessageID string
	Text      string
	MediaURLs []string
	Final     bool // true for the closing block of a message
}

// ToolResultEvent reports one completed tool invocation.
type ToolResultEvent struct {
	ToolID    string
	ToolName  string
	Output    string
	IsError   bool
	Signature string // action signature (tool + significant args)
}

// LifecyclePhase enumerates normalized lifecycle transitions.
type LifecyclePhase string

const (
	PhaseRunStart        LifecyclePhase = "run_start"
	PhaseRunEnd          LifecyclePhase = "run_end"
	PhaseError           LifecyclePhase = "error"
	PhaseCompactionStart LifecyclePhase = "compaction_start"
	PhaseCompactionEnd   LifecyclePhase = "compaction_end"
)

// LifecycleEvent reports run boundaries, compaction phases and terminal
// errors with a human-readable message already derived from the payload.
type LifecycleEvent struct {
	Phase       LifecyclePhase
	Error       string // human-readable, PhaseError only
	ErrorKind   string // raw kind for the recovery policy
	ErrorDetail string // raw provider message for the recovery policy
	WillRetry   bool   // compaction phases
	Tokens      int    // PhaseRunEnd
}

// Callbacks receives normalized events from one subscription. Nil fields
// are skipped. Callbacks are invoked sequentially — at most one in flight
// per subscription — in stream order.
type Callbacks struct {
	OnText         func(TextEvent)
	OnReasoning    func(text string)
	OnReasoningEnd func()
	OnBlock        func(BlockReply)
	OnToolResult   func(ToolResultEvent)
	OnLifecycle    func(LifecycleEvent)
}
