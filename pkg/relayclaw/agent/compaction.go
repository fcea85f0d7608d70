// Package agent – compaction.go coordinates memory-flush turns: before a
// user turn runs on a session whose history has been compacted since the
// last flush, a synthetic turn asks the agent to write durable notes to its
// memory file. The user's prompt then runs as an independent second turn.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const defaultMemoryFlushPrompt = "Before continuing, review this conversation and write anything worth remembering to %s. Current time: %s. Reply with %s when done."

// CompactionCoordinator decides when a memory-flush turn is due and runs it.
type CompactionCoordinator struct {
	backend Backend
	store   Store
	cfg     MemoryFlushConfig
	logger  *slog.Logger
}

// NewCompactionCoordinator wires the coordinator.
func NewCompactionCoordinator(backend Backend, store Store, cfg MemoryFlushConfig, logger *slog.Logger) *CompactionCoordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &CompactionCoordinator{
		backend: backend,
		store:   store,
		cfg:     cfg,
		logger:  logger.With("component", "compaction"),
	}
}

// MaybeRunMemoryFlush runs one flush turn if due. Returns whether a flush
// ran. Flush requires an embedded backend: opaque CLIs give no way to run a
// synthetic turn without it landing in the visible conversation.
func (c *CompactionCoordinator) MaybeRunMemoryFlush(ctx context.Context, entry *SessionEntry, run RunConfig) (bool, error) {
	if !c.cfg.Enabled || !run.Embedded {
		return false, nil
	}
	if !entry.NeedsMemoryFlush() {
		return false, nil
	}

	prompt := c.cfg.Prompt
	if prompt == "" {
		now := time.Now()
		memoryPath := fmt.Sprintf("memory/%s.md", now.Format("2006-01-02"))
		prompt = fmt.Sprintf(defaultMemoryFlushPrompt, memoryPath, now.Format(time.RFC1123), NoReplySentinel)
	}

	c.logger.Info("running memory flush",
		"session_key", entry.SessionKey,
		"compactions", entry.CompactionCount,
		"last_flushed", entry.MemoryFlushCompactionCount,
	)

	events, err := c.backend.StartRun(ctx, RunRequest{
		SessionID: entry.SessionID,
		Prompt:    prompt,
		Config:    run,
	})
	if err != nil {
		return false, fmt.Errorf("starting memory flush: %w", err)
	}

	// Drain the flush turn. Its output is never delivered; only compaction
	// phases and the terminal error matter here.
	var runErr error
	for ev := range events {
		switch ev.Type {
		case EventCompaction:
			if ev.Phase == "end" {
				entry.RecordCompaction()
			}
		case EventAgentEnd:
			if ev.StopReason == StopError {
				runErr = fmt.Errorf("%s: %s", ev.ErrorKind, ev.ErrorMessage)
			}
		}
	}
	if runErr != nil {
		return false, runErr
	}
	if ctx.Err() != nil {
		// Cancelled or aborted mid-flush: nothing durable was confirmed, so
		// the flush marker stays where it was.
		return false, ctx.Err()
	}

	entry.RecordMemoryFlush()
	if err := c.store.Put(entry); err != nil {
		c.logger.Warn("saving session after flush", "error", err)
	}
	return true, nil
}

// RunCompaction runs an explicit compaction turn for the /compact directive.
// Extra instructions are appended to the directive so the backend can bias
// what the summary keeps. Returns how many compactions the backend reported.
func (c *CompactionCoordinator) RunCompaction(ctx context.Context, entry *SessionEntry, run RunConfig, instructions string) (int, error) {
	prompt := "/compact"
	if instructions != "" {
		prompt += " " + instructions
	}

	events, err := c.backend.StartRun(ctx, RunRequest{
		SessionID: entry.SessionID,
		Prompt:    prompt,
		Config:    run,
	})
	if err != nil {
		return 0, fmt.Errorf("starting compaction: %w", err)
	}

	count := 0
	var runErr error
	for ev := range events {
		switch ev.Type {
		case EventCompaction:
			if ev.Phase == "end" {
				entry.RecordCompaction()
				count++
			}
		case EventAgentEnd:
			if ev.StopReason == StopError {
				runErr = fmt.Errorf("%s: %s", ev.ErrorKind, ev.ErrorMessage)
			}
		}
	}
	if runErr != nil {
		return count, runErr
	}
	if ctx.Err() != nil {
		return count, ctx.Err()
	}

	if count > 0 {
		entry.Touch()
		if err := c.store.Put(entry); err != nil {
			c.logger.Warn("saving session after compaction", "error", err)
		}
	}
	return count, nil
}
