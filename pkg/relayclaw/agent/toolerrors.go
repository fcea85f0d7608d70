// Package agent – toolerrors.go tracks the last unresolved failure of
// mutating tools across one run. Failures are keyed by an action signature
// (tool name plus its semantically significant arguments), so a success
// against one target never clears a failure against another.
package agent

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// mutatingToolPrefixes marks tools whose failures are worth surfacing after
// the run: anything that writes, sends, deletes or otherwise changes state.
// Read-only tools fail transiently all the time and the model retries them.
var mutatingToolPrefixes = []string{
	"write", "edit", "create", "delete", "remove", "send", "move", "rename",
	"exec", "bash", "run", "install", "update", "set", "save", "post",
}

// significantArgKeys are the argument names that identify a tool action's
// target. Incidental arguments (limits, flags, cursor positions) are
// deliberately excluded from the signature.
var significantArgKeys = []string{
	"path", "file", "file_path", "target", "session_key", "session",
	"url", "id", "name", "chat_id", "recipient", "to",
}

// ToolFailure is one tracked mutating-tool failure.
type ToolFailure struct {
	ToolName  string
	Signature string
	Output    string
	At        time.Time
}

// Error renders the failure for inclusion in a follow-up prompt.
func (f *ToolFailure) Error() string {
	return fmt.Sprintf("%s failed (%s): %s", f.ToolName, f.Signature, f.Output)
}

// ActionSignature derives the signature for a tool invocation: the tool
// name joined with its significant arguments in a stable order.
func ActionSignature(toolName string, args map[string]any) string {
	parts := []string{toolName}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !isSignificantArg(k) {
			continue
		}
		if v, ok := args[k].(string); ok && v != "" {
			parts = append(parts, k+"="+v)
		}
	}
	return strings.Join(parts, "|")
}

func isSignificantArg(key string) bool {
	lower := strings.ToLower(key)
	for _, k := range significantArgKeys {
		if lower == k {
			return true
		}
	}
	return false
}

// isMutatingTool reports whether failures of this tool should be tracked.
func isMutatingTool(name string) bool {
	lower := strings.ToLower(name)
	for _, p := range mutatingToolPrefixes {
		if strings.HasPrefix(lower, p) || strings.Contains(lower, "_"+p) {
			return true
		}
	}
	return false
}

// ToolErrorTracker records mutating-tool outcomes for one run.
type ToolErrorTracker struct {
	mu         sync.Mutex
	unresolved *ToolFailure
}

// NewToolErrorTracker creates an empty tracker.
func NewToolErrorTracker() *ToolErrorTracker {
	return &ToolErrorTracker{}
}

// Record notes one completed tool invocation. A failure overwrites the
// tracked failure; a success clears it only on an exact signature match.
func (t *ToolErrorTracker) Record(toolName string, args map[string]any, output string, isError bool) {
	if !isMutatingTool(toolName) {
		return
	}
	sig := ActionSignature(toolName, args)

	t.mu.Lock()
	defer t.mu.Unlock()

	if isError {
		t.unresolved = &ToolFailure{
			ToolName:  toolName,
			Signature: sig,
			Output:    output,
			At:        time.Now(),
		}
		return
	}
	if t.unresolved != nil && t.unresolved.Signature == sig {
		t.unresolved = nil
	}
}

// LastUnresolved returns the tracked failure, or nil.
func (t *ToolErrorTracker) LastUnresolved() *ToolFailure {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.unresolved
}
