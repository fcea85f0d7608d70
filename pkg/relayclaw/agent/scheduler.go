// Package agent – scheduler.go implements the per-session run scheduler. At
// most one agent run is in flight per session key; messages that arrive on a
// busy lane are steered, queued, or interrupt the run per queue config.
// Messages on an idle lane collect for a short batch window so rapid-fire
// texts become one prompt.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ErrRunActive reports a busy lane to operations that need it idle.
var ErrRunActive = errors.New("a run is active on this session")

// Sink receives replies and typing actions for delivery on a channel.
// Implementations must not block; slow transports buffer internally.
type Sink interface {
	SendReply(key SessionKey, reply BlockReply)
	SendError(key SessionKey, text string)
	SetTyping(key SessionKey, action TypingAction)
}

// Outcome reports how Submit disposed of a message.
type Outcome string

const (
	OutcomeBatched     Outcome = "batched"
	OutcomeQueued      Outcome = "queued"
	OutcomeSteered     Outcome = "steered"
	OutcomeInterrupted Outcome = "interrupted"
	OutcomeAborted     Outcome = "aborted"
	OutcomeDropped     Outcome = "dropped"
)

// FollowupRun is one queued run waiting for the lane to go idle. It carries
// the run config captured at enqueue time, so later config changes do not
// affect already queued work.
type FollowupRun struct {
	Prompt      string
	SummaryLine string
	EnqueuedAt  time.Time
	Run         RunConfig
	Heartbeat   bool
}

type pendingMessage struct {
	text string
	at   time.Time
}

// lane is the single-flight unit for one session key.
type lane struct {
	key SessionKey

	mu         sync.Mutex
	active     bool
	gen        int // bumped on abort so superseded runs stop delivering
	cancel     context.CancelFunc
	sessionID  string
	pending    []FollowupRun
	batch      []pendingMessage
	batchTimer *time.Timer
}

// Scheduler routes messages into per-key lanes and drives their runs.
type Scheduler struct {
	backend    Backend
	store      Store
	sink       Sink
	cfg        Config
	compaction *CompactionCoordinator
	logger     *slog.Logger

	mu    sync.Mutex
	lanes map[string]*lane
	wg    sync.WaitGroup
}

// NewScheduler wires a scheduler. The config is resolved through Effective.
func NewScheduler(backend Backend, store Store, sink Sink, cfg Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.Effective()
	return &Scheduler{
		backend:    backend,
		store:      store,
		sink:       sink,
		cfg:        cfg,
		compaction: NewCompactionCoordinator(backend, store, cfg.MemoryFlush, logger),
		logger:     logger.With("component", "scheduler"),
		lanes:      make(map[string]*lane),
	}
}

// Submit routes one inbound message. Stop words short-circuit before any
// agent invocation; everything else batches, queues, steers or interrupts.
func (s *Scheduler) Submit(ctx context.Context, key SessionKey, text string) Outcome {
	if IsStopWord(text) {
		// Stop words never reach the agent; the fixed reply goes back even
		// when nothing was running.
		s.abortFor(ctx, key)
		s.sink.SendReply(key, BlockReply{Text: AbortedReply, Final: true})
		return OutcomeAborted
	}

	l := s.lane(key)

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.active {
		l.batch = append(l.batch, pendingMessage{text: text, at: time.Now()})
		if l.batchTimer == nil {
			l.batchTimer = time.AfterFunc(s.cfg.Queue.BatchWindow.Std(), func() {
				s.flushBatch(l)
			})
		}
		return OutcomeBatched
	}

	mode := s.cfg.Queue.Mode
	if mode == QueueSteer {
		if s.backend.QueueSteerMessage(ctx, l.sessionID, text) {
			return OutcomeSteered
		}
		mode = s.cfg.Queue.SteerFallback
	}

	switch mode {
	case QueueInterrupt:
		s.abortLocked(ctx, l, false)
		l.pending = append([]FollowupRun{s.followup(text)}, l.pending...)
		return OutcomeInterrupted
	default:
		if s.cfg.Queue.MaxQueued > 0 && len(l.pending) >= s.cfg.Queue.MaxQueued {
			s.logger.Warn("queue full, dropping message", "session_key", key.String())
			return OutcomeDropped
		}
		l.pending = append(l.pending, s.followup(text))
		return OutcomeQueued
	}
}

// AbortSession aborts the active run for key, if any. Used by the explicit
// /stop directive; unlike a stop word, an idle lane is just a no-op.
func (s *Scheduler) AbortSession(ctx context.Context, key SessionKey) bool {
	return s.abortFor(ctx, key)
}

// RunHeartbeat runs one unprompted probe on key. A busy lane skips the probe
// silently: backpressure, not an error, and no activity bump.
func (s *Scheduler) RunHeartbeat(ctx context.Context, key SessionKey, prompt string) bool {
	l := s.lane(key)

	l.mu.Lock()
	if l.active || len(l.batch) > 0 {
		l.mu.Unlock()
		if entry, err := s.store.Get(key.String()); err == nil {
			entry.TouchSkipped()
		}
		s.logger.Debug("heartbeat skipped, lane busy", "session_key", key.String())
		return false
	}
	l.active = true
	l.mu.Unlock()

	f := s.followup(prompt)
	f.Heartbeat = true
	f.Run.Typing = TypingNever
	s.startDrain(l, f)
	return true
}

// CompactSession runs an explicit compaction turn for key. The lane must be
// idle; the turn holds it so regular messages queue behind the compaction.
// Returns the updated entry and how many compactions the backend reported.
func (s *Scheduler) CompactSession(ctx context.Context, key SessionKey, instructions string) (*SessionEntry, int, error) {
	l := s.lane(key)

	l.mu.Lock()
	if l.active || len(l.batch) > 0 {
		l.mu.Unlock()
		return nil, 0, ErrRunActive
	}
	l.active = true
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		if len(l.pending) > 0 {
			job := l.pending[0]
			l.pending = l.pending[1:]
			l.mu.Unlock()
			s.startDrain(l, job)
			return
		}
		l.active = false
		l.mu.Unlock()
	}()

	entry, err := s.store.Get(key.String())
	if err != nil {
		return nil, 0, err
	}

	rctx, cancel := context.WithTimeout(ctx, s.cfg.Run.Timeout.Std())
	defer cancel()

	n, err := s.compaction.RunCompaction(rctx, entry, s.cfg.Run, instructions)
	if err != nil {
		return nil, 0, err
	}
	return entry, n, nil
}

// Shutdown waits for in-flight runs to finish.
func (s *Scheduler) Shutdown() {
	s.wg.Wait()
}

func (s *Scheduler) followup(text string) FollowupRun {
	line := text
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	return FollowupRun{
		Prompt:      text,
		SummaryLine: line,
		EnqueuedAt:  time.Now(),
		Run:         s.cfg.Run,
	}
}

func (s *Scheduler) lane(key SessionKey) *lane {
	s.mu.Lock()
	defer s.mu.Unlock()
	ks := key.String()
	l, ok := s.lanes[ks]
	if !ok {
		l = &lane{key: key}
		s.lanes[ks] = l
	}
	return l
}

// abortFor aborts the active run matching key, falling back to any active
// lane on the same chat. Sets AbortedLastRun on the target session.
func (s *Scheduler) abortFor(ctx context.Context, key SessionKey) bool {
	s.mu.Lock()
	var target *lane
	if l, ok := s.lanes[key.String()]; ok && l.isActive() {
		target = l
	} else {
		for _, l := range s.lanes {
			if l.key.Provider == key.Provider && l.key.ChatID == key.ChatID && l.isActive() {
				target = l
				break
			}
		}
	}
	s.mu.Unlock()

	if target == nil {
		return false
	}

	target.mu.Lock()
	s.abortLocked(ctx, target, true)
	target.mu.Unlock()
	return true
}

func (l *lane) isActive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// abortLocked cancels the lane's active run. Caller holds l.mu.
func (s *Scheduler) abortLocked(ctx context.Context, l *lane, markAborted bool) {
	if !l.active {
		return
	}
	l.gen++
	if l.cancel != nil {
		l.cancel()
	}
	if l.sessionID != "" {
		s.backend.Abort(ctx, l.sessionID)
	}
	if markAborted {
		if entry, err := s.store.Get(l.key.String()); err == nil {
			entry.AbortedLastRun = true
			if err := s.store.Put(entry); err != nil {
				s.logger.Warn("saving aborted flag", "error", err)
			}
		}
	}
	s.logger.Info("run aborted", "session_key", l.key.String())
}

// flushBatch fires when the batch window closes: it drains collected
// messages into one prompt and starts the lane's drain loop.
func (s *Scheduler) flushBatch(l *lane) {
	l.mu.Lock()
	l.batchTimer = nil
	if len(l.batch) == 0 {
		l.mu.Unlock()
		return
	}
	prompt := batchPrompt(l.batch)
	l.batch = nil

	f := s.followup(prompt)
	if l.active {
		l.pending = append(l.pending, f)
		l.mu.Unlock()
		return
	}
	l.active = true
	l.mu.Unlock()

	s.startDrain(l, f)
}

// batchPrompt joins batched messages into one prompt. A single message
// passes through untouched; multiple messages get timestamp prefixes.
func batchPrompt(batch []pendingMessage) string {
	if len(batch) == 1 {
		return batch[0].text
	}
	lines := make([]string, 0, len(batch))
	for _, m := range batch {
		lines = append(lines, fmt.Sprintf("[%s] %s", m.at.Format("Jan 2 15:04"), m.text))
	}
	return strings.Join(lines, "\n")
}

// startDrain spawns the lane goroutine: run the first job, then keep popping
// queued follow-ups (and any batch that closed meanwhile) until idle.
func (s *Scheduler) startDrain(l *lane, first FollowupRun) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		job := first
		for {
			s.runOne(l, job)

			l.mu.Lock()
			if len(l.pending) > 0 {
				job = l.pending[0]
				l.pending = l.pending[1:]
				l.mu.Unlock()
				if job.SummaryLine != "" {
					s.logger.Info("draining queued run",
						"session_key", l.key.String(),
						"summary", job.SummaryLine,
						"waited", time.Since(job.EnqueuedAt).Round(time.Millisecond),
					)
				}
				continue
			}
			if len(l.batch) > 0 && l.batchTimer == nil {
				prompt := batchPrompt(l.batch)
				l.batch = nil
				l.mu.Unlock()
				job = s.followup(prompt)
				continue
			}
			l.active = false
			l.cancel = nil
			l.sessionID = ""
			l.mu.Unlock()
			return
		}
	}()
}

// runOne executes a single agent run on the lane.
func (s *Scheduler) runOne(l *lane, job FollowupRun) {
	key := l.key
	entry, err := s.store.Get(key.String())
	if errors.Is(err, ErrSessionNotFound) {
		entry = NewSessionEntry(key)
		if err := s.store.Put(entry); err != nil {
			s.logger.Warn("saving new session", "session_key", key.String(), "error", err)
		}
	} else if err != nil {
		// Real store failure: run on a throwaway entry and leave whatever is
		// persisted alone.
		s.logger.Warn("loading session", "session_key", key.String(), "error", err)
		entry = NewSessionEntry(key)
	}

	extraSystem := ""
	if entry.AbortedLastRun {
		extraSystem = AbortedRunReminder
		entry.AbortedLastRun = false
		if err := s.store.Put(entry); err != nil {
			s.logger.Warn("clearing aborted flag", "error", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), job.Run.Timeout.Std())
	defer cancel()

	// The lane is abortable from the moment work starts, including during a
	// memory flush. Abort bumps gen, so capture it before the flush.
	l.mu.Lock()
	l.cancel = cancel
	l.sessionID = entry.SessionID
	myGen := l.gen
	l.mu.Unlock()

	live := func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.gen == myGen
	}

	if !job.Heartbeat {
		if _, err := s.compaction.MaybeRunMemoryFlush(ctx, entry, job.Run); err != nil {
			if !live() {
				// Aborted mid-flush; the abort path already replied.
				return
			}
			cls := ClassifyCompactionFailure("", err.Error())
			s.deliverFailure(key, entry, cls)
			return
		}
		if !live() {
			return
		}
	}

	events, err := s.backend.StartRun(ctx, RunRequest{
		SessionID:         entry.SessionID,
		Prompt:            job.Prompt,
		ExtraSystemPrompt: extraSystem,
		Config:            job.Run,
	})
	if err != nil {
		cls := Classify("", err.Error())
		s.deliverFailure(key, entry, cls)
		return
	}

	typing := NewTypingController(job.Run.Typing, job.Heartbeat)

	var (
		runErrKind string
		runErrMsg  string
		compacted  bool
		tokens     int
	)

	sub := Subscribe(events, SubscribeConfig{Block: job.Run.Block, FlushMode: job.Run.FlushMode}, Callbacks{
		OnText: func(ev TextEvent) {
			if !live() {
				return
			}
			s.sink.SetTyping(key, typing.OnText(ev.Text))
		},
		OnReasoning: func(string) {
			if !live() {
				return
			}
			s.sink.SetTyping(key, typing.OnReasoning())
		},
		OnReasoningEnd: func() {
			if !live() {
				return
			}
			s.sink.SetTyping(key, typing.OnReasoningEnd())
		},
		OnBlock: func(b BlockReply) {
			if !live() {
				return
			}
			s.sink.SetTyping(key, typing.OnBlock(b.Text))
			s.deliverBlock(key, b)
		},
		OnToolResult: func(ev ToolResultEvent) {
			if !live() {
				return
			}
			s.sink.SetTyping(key, typing.OnToolResult(ev.Output))
		},
		OnLifecycle: func(ev LifecycleEvent) {
			switch ev.Phase {
			case PhaseCompactionEnd:
				compacted = true
			case PhaseError:
				runErrKind = ev.ErrorKind
				runErrMsg = ev.ErrorDetail
				if runErrMsg == "" {
					runErrMsg = ev.Error
				}
			case PhaseRunEnd:
				tokens = ev.Tokens
			}
		},
	})
	sub.Wait()

	if live() {
		s.sink.SetTyping(key, typing.OnRunEnd())
	}

	if !live() {
		// Superseded by an abort; the abort path already replied.
		return
	}

	if ctx.Err() == context.DeadlineExceeded {
		s.backend.Abort(context.Background(), entry.SessionID)
		cls := Classification{
			Category:    CategoryGeneric,
			UserMessage: fmt.Sprintf("Agent run exceeded its %s deadline and was stopped.", job.Run.Timeout),
			Action:      ResetNone,
		}
		s.deliverFailure(key, entry, cls)
		return
	}

	if runErrMsg != "" {
		cls := Classify(runErrKind, runErrMsg)
		s.deliverFailure(key, entry, cls)
		return
	}

	if compacted {
		entry.RecordCompaction()
	}
	entry.TotalTokens += tokens
	entry.Touch()
	if err := s.store.Put(entry); err != nil {
		s.logger.Warn("saving session", "session_key", key.String(), "error", err)
	}

	if f := sub.LastToolError(); f != nil {
		s.logger.Warn("run finished with unresolved tool failure",
			"session_key", key.String(),
			"tool", f.ToolName,
			"signature", f.Signature,
		)
	}
}

// deliverBlock applies sentinel handling before handing a block to the sink.
// HEARTBEAT_OK is stripped from reply edges regardless of how the run was
// triggered; a reply that was only the token is suppressed.
func (s *Scheduler) deliverBlock(key SessionKey, b BlockReply) {
	trimmed := strings.TrimSpace(b.Text)
	if trimmed == NoReplySentinel && len(b.MediaURLs) == 0 {
		return
	}
	stripped, _ := StripHeartbeatToken(trimmed)
	if stripped == "" && len(b.MediaURLs) == 0 {
		return
	}
	b.Text = stripped
	s.sink.SendReply(key, b)
}

// deliverFailure applies the recovery action and sends the fixed message.
func (s *Scheduler) deliverFailure(key SessionKey, entry *SessionEntry, cls Classification) {
	s.logger.Error("run failed",
		"session_key", key.String(),
		"category", string(cls.Category),
	)
	if err := Apply(cls, s.store, entry); err != nil {
		s.logger.Warn("applying recovery", "session_key", key.String(), "error", err)
	}
	s.sink.SendError(key, cls.UserMessage)
}
