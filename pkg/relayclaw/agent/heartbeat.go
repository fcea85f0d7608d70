// Package agent – heartbeat.go runs unprompted probe turns on a cron
// schedule. A heartbeat asks the agent whether anything needs attention;
// HEARTBEAT_OK in the reply means "all quiet" and is stripped or suppressed
// before anything reaches the user.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// HeartbeatOKToken is the all-quiet sentinel the heartbeat prompt asks for.
const HeartbeatOKToken = "HEARTBEAT_OK"

const defaultHeartbeatPrompt = "Read your pending tasks and recent context. If anything needs the user's attention, say so briefly. If all is quiet, reply exactly %s."

// StripHeartbeatToken removes HEARTBEAT_OK from the edges of text. Returns
// the stripped text and whether the token was present. A token buried in the
// middle of a sentence is left alone.
func StripHeartbeatToken(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == HeartbeatOKToken {
		return "", true
	}
	if rest, ok := strings.CutPrefix(trimmed, HeartbeatOKToken); ok {
		return strings.TrimSpace(rest), true
	}
	if rest, ok := strings.CutSuffix(trimmed, HeartbeatOKToken); ok {
		return strings.TrimSpace(rest), true
	}
	return trimmed, false
}

// HeartbeatService schedules probes through the run scheduler. Busy lanes
// skip their probe; the scheduler handles that silently.
type HeartbeatService struct {
	scheduler *Scheduler
	cfg       HeartbeatConfig
	logger    *slog.Logger
	cron      *cron.Cron
}

// NewHeartbeatService wires the service. Call Start to begin probing.
func NewHeartbeatService(scheduler *Scheduler, cfg HeartbeatConfig, logger *slog.Logger) *HeartbeatService {
	if logger == nil {
		logger = slog.Default()
	}
	return &HeartbeatService{
		scheduler: scheduler,
		cfg:       cfg,
		logger:    logger.With("component", "heartbeat"),
	}
}

// Prompt returns the effective heartbeat prompt.
func (h *HeartbeatService) Prompt() string {
	if h.cfg.Prompt != "" {
		return h.cfg.Prompt
	}
	return fmt.Sprintf(defaultHeartbeatPrompt, HeartbeatOKToken)
}

// Start registers the cron entry. No-op when disabled or without targets.
func (h *HeartbeatService) Start() error {
	if !h.cfg.Enabled || len(h.cfg.Targets) == 0 {
		return nil
	}

	h.cron = cron.New()
	_, err := h.cron.AddFunc(h.cfg.Schedule, h.tick)
	if err != nil {
		return fmt.Errorf("heartbeat schedule %q: %w", h.cfg.Schedule, err)
	}
	h.cron.Start()
	h.logger.Info("heartbeat started",
		"schedule", h.cfg.Schedule,
		"targets", len(h.cfg.Targets),
	)
	return nil
}

// Stop halts the cron scheduler and waits for a running tick.
func (h *HeartbeatService) Stop() {
	if h.cron == nil {
		return
	}
	ctx := h.cron.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(10 * time.Second):
		h.logger.Warn("heartbeat stop timed out")
	}
}

func (h *HeartbeatService) tick() {
	prompt := h.Prompt()
	for _, target := range h.cfg.Targets {
		key, err := ParseSessionKey(target)
		if err != nil {
			h.logger.Warn("invalid heartbeat target", "target", target, "error", err)
			continue
		}
		ran := h.scheduler.RunHeartbeat(context.Background(), key, prompt)
		h.logger.Debug("heartbeat tick", "target", target, "ran", ran)
	}
}
