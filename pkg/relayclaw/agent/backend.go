// Package agent – backend.go defines the capability surface the orchestration
// engine needs from an agent backend: start a run, receive its event stream,
// abort it, and optionally inject ("steer") text into a streaming run.
// Callers never branch on backend identity outside the adapter layer.
package agent

import "context"

// RunEventType tags one raw event from an agent run stream.
type RunEventType string

const (
	EventMessageStart RunEventType = "message_start"
	EventMessageDelta RunEventType = "message_update"
	EventMessageEnd   RunEventType = "message_end"

	// EventReasoningDelta carries native structured reasoning output from
	// backends that emit it directly rather than via inline tags.
	EventReasoningDelta RunEventType = "reasoning_delta"
	EventReasoningEnd   RunEventType = "reasoning_end"

	EventToolStart RunEventType = "tool_execution_start"
	EventToolEnd   RunEventType = "tool_execution_end"

	// EventCompaction signals backend-side transcript summarization.
	// Phase is "start" or "end".
	EventCompaction RunEventType = "compaction"

	EventAgentEnd RunEventType = "agent_end"
)

// Stop reasons reported on message_end and agent_end.
const (
	StopEndTurn = "end_turn"
	StopError   = "error"
	StopAborted = "aborted"
)

// RunEvent is the tagged union for one raw backend event. It is decoded once
// at the backend boundary; downstream code never inspects raw payloads.
type RunEvent struct {
	Type RunEventType

	// Message fields (message_* and reasoning_* events).
	MessageID  string
	Text       string // full accumulated text so far (message_update/end)
	Delta      string // incremental text for this event
	StopReason string // message_end / agent_end: end_turn, error, aborted

	// Error payload (StopReason == "error").
	ErrorKind    string // e.g. "rate_limit", "api_error", "context_overflow"
	ErrorMessage string

	// Tool fields (tool_execution_*).
	ToolID      string
	ToolName    string
	ToolArgs    map[string]any
	ToolOutput  string
	ToolIsError bool

	// Compaction fields.
	Phase     string
	WillRetry bool

	// Token usage reported on agent_end.
	Tokens int
}

// RunRequest describes one agent invocation.
type RunRequest struct {
	// SessionID is the backend-assigned session identifier to continue.
	SessionID string

	// Prompt is the user-facing turn content.
	Prompt string

	// ExtraSystemPrompt is appended to the backend's system prompt for
	// this run only (e.g. the aborted-last-run reminder).
	ExtraSystemPrompt string

	Config RunConfig
}

// RunConfig is the fully resolved backend/model/timeout/formatting snapshot
// captured when a run is enqueued. FollowupRun embeds it so a queued run is
// immune to later config changes.
type RunConfig struct {
	// Backend names the adapter to use ("claude-cli", "embedded", ...).
	Backend string `yaml:"backend"`

	// Model is the model identifier passed through to the backend.
	Model string `yaml:"model"`

	// Timeout is the per-run deadline. On expiry the run is treated as
	// aborted plus a fatal classification.
	Timeout Duration `yaml:"timeout"`

	// Embedded reports whether the backend supports structured embedded
	// turns (required for memory-flush turns; false for opaque CLIs).
	Embedded bool `yaml:"embedded"`

	// Block controls block-reply chunking of the visible text.
	Block BlockPolicy `yaml:"block"`

	// FlushMode selects message-end or chunked block delivery.
	FlushMode FlushMode `yaml:"flush_mode"`

	// Typing selects the typing-indicator mode for this run.
	Typing TypingMode `yaml:"typing"`
}

// Backend is the external agent capability. Implementations live under
// agent/backends; the engine only sees this interface.
type Backend interface {
	// StartRun begins one agent run and returns its event stream. The
	// stream is closed when the run finishes for any reason. Cancelling
	// ctx requests an abort; events already in flight may still arrive.
	StartRun(ctx context.Context, req RunRequest) (<-chan RunEvent, error)

	// Abort asks the backend to stop the run bound to sessionID. Abort is
	// a request, not a guarantee. Returns false if no run was active.
	Abort(ctx context.Context, sessionID string) bool

	// QueueSteerMessage injects text into the currently streaming run
	// without aborting it. Returns false when the backend cannot accept a
	// steer (caller falls back per queue settings).
	QueueSteerMessage(ctx context.Context, sessionID, text string) bool
}
