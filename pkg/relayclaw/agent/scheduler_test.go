package agent

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeBackend scripts run behavior per test. The default script replies
// "Hello." and ends the turn.
type fakeBackend struct {
	mu      sync.Mutex
	runs    []RunRequest
	aborted []string
	steers  []string

	script    func(ctx context.Context, req RunRequest, ch chan<- RunEvent)
	steerable bool
}

func (f *fakeBackend) StartRun(ctx context.Context, req RunRequest) (<-chan RunEvent, error) {
	f.mu.Lock()
	f.runs = append(f.runs, req)
	script := f.script
	f.mu.Unlock()

	ch := make(chan RunEvent, 16)
	go func() {
		defer close(ch)
		if script != nil {
			script(ctx, req, ch)
			return
		}
		ch <- RunEvent{Type: EventMessageStart, MessageID: "m1"}
		ch <- RunEvent{Type: EventMessageDelta, MessageID: "m1", Delta: "Hello."}
		ch <- RunEvent{Type: EventMessageEnd, MessageID: "m1", StopReason: StopEndTurn}
		ch <- RunEvent{Type: EventAgentEnd, StopReason: StopEndTurn, Tokens: 10}
	}()
	return ch, nil
}

func (f *fakeBackend) Abort(_ context.Context, sessionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = append(f.aborted, sessionID)
	return true
}

func (f *fakeBackend) QueueSteerMessage(_ context.Context, sessionID, text string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.steerable {
		return false
	}
	f.steers = append(f.steers, text)
	return true
}

func (f *fakeBackend) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

func (f *fakeBackend) runPrompt(i int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs[i].Prompt
}

// recordSink captures deliveries for assertions.
type recordSink struct {
	mu      sync.Mutex
	replies []BlockReply
	errors  []string
}

func (s *recordSink) SendReply(_ SessionKey, reply BlockReply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, reply)
}

func (s *recordSink) SendError(_ SessionKey, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, text)
}

func (s *recordSink) SetTyping(SessionKey, TypingAction) {}

func (s *recordSink) replyTexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.replies))
	for i, r := range s.replies {
		out[i] = r.Text
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Queue.BatchWindow = Duration(10 * time.Millisecond)
	cfg.Run.Timeout = Duration(2 * time.Second)
	return cfg
}

func newTestScheduler(t *testing.T, backend *fakeBackend, cfg Config) (*Scheduler, *recordSink, Store) {
	t.Helper()
	store, err := NewJSONStore(filepath.Join(t.TempDir(), "sessions.json"))
	if err != nil {
		t.Fatal(err)
	}
	sink := &recordSink{}
	return NewScheduler(backend, store, sink, cfg, nil), sink, store
}

func TestSchedulerSingleMessage(t *testing.T) {
	backend := &fakeBackend{}
	s, sink, store := newTestScheduler(t, backend, testConfig())
	key := SessionKey{Provider: "telegram", ChatID: "1"}

	if outcome := s.Submit(context.Background(), key, "hi there"); outcome != OutcomeBatched {
		t.Fatalf("outcome = %q", outcome)
	}

	waitFor(t, "reply", func() bool { return len(sink.replyTexts()) > 0 })
	if texts := sink.replyTexts(); texts[0] != "Hello." {
		t.Errorf("unexpected reply: %q", texts[0])
	}
	if backend.runPrompt(0) != "hi there" {
		t.Errorf("single message prompt rewritten: %q", backend.runPrompt(0))
	}

	waitFor(t, "session save", func() bool {
		entry, err := store.Get(key.String())
		return err == nil && entry.TotalTokens == 10
	})
}

func TestSchedulerBatchesRapidMessages(t *testing.T) {
	backend := &fakeBackend{}
	s, sink, _ := newTestScheduler(t, backend, testConfig())
	key := SessionKey{Provider: "telegram", ChatID: "1"}

	s.Submit(context.Background(), key, "first part")
	s.Submit(context.Background(), key, "second part")

	waitFor(t, "reply", func() bool { return len(sink.replyTexts()) > 0 })

	if backend.runCount() != 1 {
		t.Fatalf("expected one batched run, got %d", backend.runCount())
	}
	prompt := backend.runPrompt(0)
	if !strings.Contains(prompt, "first part") || !strings.Contains(prompt, "second part") {
		t.Errorf("batch lost a message: %q", prompt)
	}
	if !strings.HasPrefix(prompt, "[") {
		t.Errorf("batched prompt missing timestamp prefix: %q", prompt)
	}
}

func TestSchedulerStopWordAborts(t *testing.T) {
	release := make(chan struct{})
	backend := &fakeBackend{
		script: func(ctx context.Context, req RunRequest, ch chan<- RunEvent) {
			ch <- RunEvent{Type: EventMessageStart, MessageID: "m1"}
			select {
			case <-release:
			case <-ctx.Done():
			}
			ch <- RunEvent{Type: EventAgentEnd, StopReason: StopAborted}
		},
	}
	s, sink, store := newTestScheduler(t, backend, testConfig())
	key := SessionKey{Provider: "telegram", ChatID: "1"}

	s.Submit(context.Background(), key, "do something long")
	waitFor(t, "run start", func() bool { return backend.runCount() == 1 })

	outcome := s.Submit(context.Background(), key, "[Dec 5 10:00] stop")
	if outcome != OutcomeAborted {
		t.Fatalf("stop word outcome = %q", outcome)
	}
	close(release)

	waitFor(t, "abort reply", func() bool {
		for _, text := range sink.replyTexts() {
			if text == AbortedReply {
				return true
			}
		}
		return false
	})

	// The stop word itself never becomes an agent run.
	time.Sleep(50 * time.Millisecond)
	if backend.runCount() != 1 {
		t.Errorf("stop word reached the backend: %d runs", backend.runCount())
	}

	waitFor(t, "aborted flag", func() bool {
		entry, err := store.Get(key.String())
		return err == nil && entry.AbortedLastRun
	})
}

func TestSchedulerStopWordOnIdleLane(t *testing.T) {
	backend := &fakeBackend{}
	s, sink, _ := newTestScheduler(t, backend, testConfig())
	key := SessionKey{Provider: "telegram", ChatID: "1"}

	outcome := s.Submit(context.Background(), key, "[Dec 5 10:00] stop")
	if outcome != OutcomeAborted {
		t.Fatalf("idle stop word outcome = %q", outcome)
	}
	if texts := sink.replyTexts(); len(texts) != 1 || texts[0] != AbortedReply {
		t.Errorf("unexpected replies: %v", texts)
	}

	// Well past the batch window: the stop word must not have been batched
	// into an agent prompt.
	time.Sleep(50 * time.Millisecond)
	if backend.runCount() != 0 {
		t.Errorf("idle stop word reached the backend: %q", backend.runPrompt(0))
	}
}

func TestSchedulerAbortDuringMemoryFlush(t *testing.T) {
	backend := &fakeBackend{
		script: func(ctx context.Context, req RunRequest, ch chan<- RunEvent) {
			<-ctx.Done()
			ch <- RunEvent{Type: EventAgentEnd, StopReason: StopAborted}
		},
	}
	cfg := testConfig()
	cfg.MemoryFlush.Enabled = true
	cfg.Run.Embedded = true
	s, sink, store := newTestScheduler(t, backend, cfg)
	key := SessionKey{Provider: "telegram", ChatID: "1"}

	entry := NewSessionEntry(key)
	entry.CompactionCount = 1
	if err := store.Put(entry); err != nil {
		t.Fatal(err)
	}

	s.Submit(context.Background(), key, "continue the task")
	waitFor(t, "flush start", func() bool { return backend.runCount() == 1 })

	if outcome := s.Submit(context.Background(), key, "stop"); outcome != OutcomeAborted {
		t.Fatalf("stop outcome = %q", outcome)
	}

	waitFor(t, "aborted flag", func() bool {
		got, err := store.Get(key.String())
		return err == nil && got.AbortedLastRun
	})

	// The aborted user turn must not start, and the interrupted flush must
	// not be recorded as done.
	time.Sleep(50 * time.Millisecond)
	if backend.runCount() != 1 {
		t.Errorf("superseded run started anyway: %d runs", backend.runCount())
	}
	if texts := sink.replyTexts(); len(texts) != 1 || texts[0] != AbortedReply {
		t.Errorf("unexpected replies: %v", texts)
	}
	got, err := store.Get(key.String())
	if err != nil {
		t.Fatal(err)
	}
	if got.MemoryFlushAt != nil {
		t.Error("interrupted flush recorded a timestamp")
	}
	s.Shutdown()
}

// faultStore wraps a Store with an injectable Get failure and a Put counter.
type faultStore struct {
	Store
	mu     sync.Mutex
	getErr error
	puts   int
}

func (f *faultStore) Get(key string) (*SessionEntry, error) {
	f.mu.Lock()
	err := f.getErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.Store.Get(key)
}

func (f *faultStore) Put(entry *SessionEntry) error {
	f.mu.Lock()
	f.puts++
	f.mu.Unlock()
	return f.Store.Put(entry)
}

func (f *faultStore) putCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.puts
}

func TestSchedulerStoreFailureDoesNotClobber(t *testing.T) {
	inner, err := NewJSONStore(filepath.Join(t.TempDir(), "sessions.json"))
	if err != nil {
		t.Fatal(err)
	}
	store := &faultStore{Store: inner, getErr: errors.New("read failed: input/output error")}

	release := make(chan struct{})
	backend := &fakeBackend{
		script: func(ctx context.Context, req RunRequest, ch chan<- RunEvent) {
			select {
			case <-release:
			case <-ctx.Done():
			}
			ch <- RunEvent{Type: EventAgentEnd, StopReason: StopEndTurn}
		},
	}
	sink := &recordSink{}
	s := NewScheduler(backend, store, sink, testConfig(), nil)
	key := SessionKey{Provider: "telegram", ChatID: "1"}

	s.Submit(context.Background(), key, "hello")
	waitFor(t, "run start", func() bool { return backend.runCount() == 1 })

	// A failing read is not "no session": nothing may be written over
	// whatever the store actually holds.
	if n := store.putCount(); n != 0 {
		t.Errorf("store written after failed read: %d puts", n)
	}
	close(release)
	s.Shutdown()
}

func TestSchedulerAbortedReminderConsumedOnce(t *testing.T) {
	backend := &fakeBackend{}
	s, sink, store := newTestScheduler(t, backend, testConfig())
	key := SessionKey{Provider: "telegram", ChatID: "1"}

	entry := NewSessionEntry(key)
	entry.AbortedLastRun = true
	if err := store.Put(entry); err != nil {
		t.Fatal(err)
	}

	s.Submit(context.Background(), key, "continue please")
	waitFor(t, "first reply", func() bool { return len(sink.replyTexts()) >= 1 })

	backend.mu.Lock()
	first := backend.runs[0]
	backend.mu.Unlock()
	if first.ExtraSystemPrompt != AbortedRunReminder {
		t.Errorf("reminder not injected: %q", first.ExtraSystemPrompt)
	}

	s.Submit(context.Background(), key, "and again")
	waitFor(t, "second run", func() bool { return backend.runCount() >= 2 })
	waitFor(t, "second reply", func() bool { return len(sink.replyTexts()) >= 2 })

	backend.mu.Lock()
	second := backend.runs[1]
	backend.mu.Unlock()
	if second.ExtraSystemPrompt != "" {
		t.Errorf("reminder repeated: %q", second.ExtraSystemPrompt)
	}
}

func TestSchedulerQueueModeDrainsInOrder(t *testing.T) {
	release := make(chan struct{})
	first := true
	var mu sync.Mutex
	backend := &fakeBackend{}
	backend.script = func(ctx context.Context, req RunRequest, ch chan<- RunEvent) {
		mu.Lock()
		isFirst := first
		first = false
		mu.Unlock()
		if isFirst {
			select {
			case <-release:
			case <-ctx.Done():
			}
		}
		ch <- RunEvent{Type: EventMessageStart, MessageID: "m"}
		ch <- RunEvent{Type: EventMessageEnd, MessageID: "m", Text: "done: " + req.Prompt, StopReason: StopEndTurn}
		ch <- RunEvent{Type: EventAgentEnd, StopReason: StopEndTurn}
	}

	cfg := testConfig()
	cfg.Queue.Mode = QueueFollowup
	s, sink, _ := newTestScheduler(t, backend, cfg)
	key := SessionKey{Provider: "telegram", ChatID: "1"}

	s.Submit(context.Background(), key, "job one")
	waitFor(t, "first run", func() bool { return backend.runCount() == 1 })

	if outcome := s.Submit(context.Background(), key, "job two"); outcome != OutcomeQueued {
		t.Fatalf("busy-lane outcome = %q", outcome)
	}
	if outcome := s.Submit(context.Background(), key, "job three"); outcome != OutcomeQueued {
		t.Fatalf("busy-lane outcome = %q", outcome)
	}
	close(release)

	waitFor(t, "all replies", func() bool { return len(sink.replyTexts()) >= 3 })
	texts := sink.replyTexts()
	if !strings.Contains(texts[1], "job two") || !strings.Contains(texts[2], "job three") {
		t.Errorf("queue drained out of order: %v", texts)
	}
}

func TestSchedulerSteerMode(t *testing.T) {
	release := make(chan struct{})
	backend := &fakeBackend{steerable: true}
	backend.script = func(ctx context.Context, req RunRequest, ch chan<- RunEvent) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		ch <- RunEvent{Type: EventAgentEnd, StopReason: StopEndTurn}
	}

	cfg := testConfig()
	cfg.Queue.Mode = QueueSteer
	s, _, _ := newTestScheduler(t, backend, cfg)
	key := SessionKey{Provider: "telegram", ChatID: "1"}

	s.Submit(context.Background(), key, "start run")
	waitFor(t, "run start", func() bool { return backend.runCount() == 1 })

	if outcome := s.Submit(context.Background(), key, "also consider this"); outcome != OutcomeSteered {
		t.Fatalf("steer outcome = %q", outcome)
	}
	backend.mu.Lock()
	steers := len(backend.steers)
	backend.mu.Unlock()
	if steers != 1 {
		t.Errorf("steer not delivered: %d", steers)
	}
	close(release)
}

func TestSchedulerSteerFallbackQueues(t *testing.T) {
	release := make(chan struct{})
	backend := &fakeBackend{steerable: false}
	backend.script = func(ctx context.Context, req RunRequest, ch chan<- RunEvent) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		ch <- RunEvent{Type: EventAgentEnd, StopReason: StopEndTurn}
	}

	cfg := testConfig()
	cfg.Queue.Mode = QueueSteer
	s, _, _ := newTestScheduler(t, backend, cfg)
	key := SessionKey{Provider: "telegram", ChatID: "1"}

	s.Submit(context.Background(), key, "start run")
	waitFor(t, "run start", func() bool { return backend.runCount() == 1 })

	if outcome := s.Submit(context.Background(), key, "follow up"); outcome != OutcomeQueued {
		t.Fatalf("fallback outcome = %q", outcome)
	}
	close(release)
	waitFor(t, "queued run", func() bool { return backend.runCount() == 2 })
}

func TestSchedulerRunErrorDeliversRecovery(t *testing.T) {
	backend := &fakeBackend{
		script: func(ctx context.Context, req RunRequest, ch chan<- RunEvent) {
			ch <- RunEvent{Type: EventAgentEnd, StopReason: StopError, ErrorKind: "api_error", ErrorMessage: "context_length_exceeded"}
		},
	}
	s, sink, store := newTestScheduler(t, backend, testConfig())
	key := SessionKey{Provider: "telegram", ChatID: "1"}

	entry := NewSessionEntry(key)
	oldID := entry.SessionID
	store.Put(entry)

	s.Submit(context.Background(), key, "huge request")

	waitFor(t, "error reply", func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.errors) > 0
	})
	sink.mu.Lock()
	errText := sink.errors[0]
	sink.mu.Unlock()
	if !strings.Contains(errText, "context limit exceeded") {
		t.Errorf("unexpected recovery message: %q", errText)
	}

	waitFor(t, "soft reset", func() bool {
		got, err := store.Get(key.String())
		return err == nil && got.SessionID != oldID
	})
}

func TestSchedulerHeartbeat(t *testing.T) {
	t.Run("suppresses all-quiet reply", func(t *testing.T) {
		backend := &fakeBackend{
			script: func(ctx context.Context, req RunRequest, ch chan<- RunEvent) {
				ch <- RunEvent{Type: EventMessageStart, MessageID: "m"}
				ch <- RunEvent{Type: EventMessageEnd, MessageID: "m", Text: "HEARTBEAT_OK", StopReason: StopEndTurn}
				ch <- RunEvent{Type: EventAgentEnd, StopReason: StopEndTurn}
			},
		}
		s, sink, _ := newTestScheduler(t, backend, testConfig())
		key := SessionKey{Provider: "telegram", ChatID: "1", Scope: "heartbeat"}

		if !s.RunHeartbeat(context.Background(), key, "probe") {
			t.Fatal("heartbeat did not run on idle lane")
		}
		waitFor(t, "run finish", func() bool { return backend.runCount() == 1 })
		time.Sleep(50 * time.Millisecond)
		if texts := sink.replyTexts(); len(texts) != 0 {
			t.Errorf("all-quiet heartbeat replied: %v", texts)
		}
	})

	t.Run("strips edge token, keeps alert", func(t *testing.T) {
		backend := &fakeBackend{
			script: func(ctx context.Context, req RunRequest, ch chan<- RunEvent) {
				ch <- RunEvent{Type: EventMessageStart, MessageID: "m"}
				ch <- RunEvent{Type: EventMessageEnd, MessageID: "m", Text: "HEARTBEAT_OK disk usage at 92%", StopReason: StopEndTurn}
				ch <- RunEvent{Type: EventAgentEnd, StopReason: StopEndTurn}
			},
		}
		s, sink, _ := newTestScheduler(t, backend, testConfig())
		key := SessionKey{Provider: "telegram", ChatID: "1", Scope: "heartbeat"}

		s.RunHeartbeat(context.Background(), key, "probe")
		waitFor(t, "alert reply", func() bool { return len(sink.replyTexts()) > 0 })
		if texts := sink.replyTexts(); texts[0] != "disk usage at 92%" {
			t.Errorf("token not stripped: %q", texts[0])
		}
	})

	t.Run("busy lane skips without activity bump", func(t *testing.T) {
		release := make(chan struct{})
		backend := &fakeBackend{
			script: func(ctx context.Context, req RunRequest, ch chan<- RunEvent) {
				select {
				case <-release:
				case <-ctx.Done():
				}
				ch <- RunEvent{Type: EventAgentEnd, StopReason: StopEndTurn}
			},
		}
		s, _, store := newTestScheduler(t, backend, testConfig())
		key := SessionKey{Provider: "telegram", ChatID: "1"}

		entry := NewSessionEntry(key)
		updatedAt := entry.UpdatedAt
		store.Put(entry)

		s.Submit(context.Background(), key, "long job")
		waitFor(t, "run start", func() bool { return backend.runCount() == 1 })

		if s.RunHeartbeat(context.Background(), key, "probe") {
			t.Error("heartbeat ran on busy lane")
		}
		got, err := store.Get(key.String())
		if err != nil {
			t.Fatal(err)
		}
		if !got.UpdatedAt.Equal(updatedAt) {
			t.Error("skipped heartbeat bumped activity timestamp")
		}
		close(release)
	})
}

func TestSchedulerHeartbeatTokenInUserRun(t *testing.T) {
	t.Run("edge token stripped", func(t *testing.T) {
		backend := &fakeBackend{
			script: func(ctx context.Context, req RunRequest, ch chan<- RunEvent) {
				ch <- RunEvent{Type: EventMessageStart, MessageID: "m"}
				ch <- RunEvent{Type: EventMessageEnd, MessageID: "m", Text: "HEARTBEAT_OK all systems nominal", StopReason: StopEndTurn}
				ch <- RunEvent{Type: EventAgentEnd, StopReason: StopEndTurn}
			},
		}
		s, sink, _ := newTestScheduler(t, backend, testConfig())
		key := SessionKey{Provider: "telegram", ChatID: "1"}

		s.Submit(context.Background(), key, "status?")
		waitFor(t, "reply", func() bool { return len(sink.replyTexts()) > 0 })
		if texts := sink.replyTexts(); texts[0] != "all systems nominal" {
			t.Errorf("token leaked into user reply: %q", texts[0])
		}
	})

	t.Run("token-only reply suppressed", func(t *testing.T) {
		backend := &fakeBackend{
			script: func(ctx context.Context, req RunRequest, ch chan<- RunEvent) {
				ch <- RunEvent{Type: EventMessageStart, MessageID: "m"}
				ch <- RunEvent{Type: EventMessageEnd, MessageID: "m", Text: "  HEARTBEAT_OK  ", StopReason: StopEndTurn}
				ch <- RunEvent{Type: EventAgentEnd, StopReason: StopEndTurn}
			},
		}
		s, sink, _ := newTestScheduler(t, backend, testConfig())
		key := SessionKey{Provider: "telegram", ChatID: "1"}

		s.Submit(context.Background(), key, "status?")
		waitFor(t, "run finish", func() bool { return backend.runCount() == 1 })
		time.Sleep(50 * time.Millisecond)
		if texts := sink.replyTexts(); len(texts) != 0 {
			t.Errorf("token-only reply delivered: %v", texts)
		}
	})
}

func TestSchedulerNoReplySuppressed(t *testing.T) {
	backend := &fakeBackend{
		script: func(ctx context.Context, req RunRequest, ch chan<- RunEvent) {
			ch <- RunEvent{Type: EventMessageStart, MessageID: "m"}
			ch <- RunEvent{Type: EventMessageEnd, MessageID: "m", Text: "NO_REPLY", StopReason: StopEndTurn}
			ch <- RunEvent{Type: EventAgentEnd, StopReason: StopEndTurn}
		},
	}
	s, sink, _ := newTestScheduler(t, backend, testConfig())
	key := SessionKey{Provider: "telegram", ChatID: "1"}

	s.Submit(context.Background(), key, "quiet please")
	waitFor(t, "run finish", func() bool { return backend.runCount() == 1 })
	time.Sleep(50 * time.Millisecond)
	if texts := sink.replyTexts(); len(texts) != 0 {
		t.Errorf("NO_REPLY delivered: %v", texts)
	}
}
