// Package backends contains agent.Backend implementations. The engine never
// imports this package's concrete types; wiring happens in the command layer.
//
// cli.go implements the subprocess backend: it spawns an agent CLI per run,
// hands it one JSON request on stdin, and reads JSONL run events from
// stdout. Abort kills the process group; steering writes a follow-up line
// to the still-open stdin.
package backends

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"

	"github.com/jholhewres/relayclaw/pkg/relayclaw/agent"
)

// CLIConfig configures the subprocess backend.
type CLIConfig struct {
	// Command is the agent binary ("claude" by default).
	Command string `yaml:"command"`

	// Args precede the generated flags.
	Args []string `yaml:"args"`

	// Dir is the working directory for spawned runs.
	Dir string `yaml:"dir"`

	// Steerable reports whether the CLI accepts mid-run stdin messages.
	Steerable bool `yaml:"steerable"`
}

// wireRequest is the JSON document written to the CLI's stdin.
type wireRequest struct {
	Type         string `json:"type"`
	SessionID    string `json:"session_id,omitempty"`
	Prompt       string `json:"prompt,omitempty"`
	SystemAppend string `json:"system_append,omitempty"`
	Model        string `json:"model,omitempty"`
}

// wireEvent is one JSONL line from the CLI's stdout.
type wireEvent struct {
	Type         string         `json:"type"`
	MessageID    string         `json:"message_id,omitempty"`
	Text         string         `json:"text,omitempty"`
	Delta        string         `json:"delta,omitempty"`
	StopReason   string         `json:"stop_reason,omitempty"`
	ErrorKind    string         `json:"error_kind,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	ToolID       string         `json:"tool_id,omitempty"`
	ToolName     string         `json:"tool_name,omitempty"`
	ToolArgs     map[string]any `json:"tool_args,omitempty"`
	ToolOutput   string         `json:"tool_output,omitempty"`
	ToolIsError  bool           `json:"tool_is_error,omitempty"`
	Phase        string         `json:"phase,omitempty"`
	WillRetry    bool           `json:"will_retry,omitempty"`
	Tokens       int            `json:"tokens,omitempty"`
}

type cliRun struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	mu    sync.Mutex
}

var _ agent.Backend = (*CLIBackend)(nil)

// CLIBackend runs an external agent CLI per request.
type CLIBackend struct {
	cfg    CLIConfig
	logger *slog.Logger

	mu   sync.Mutex
	runs map[string]*cliRun // keyed by session id
}

// NewCLIBackend builds the subprocess backend.
func NewCLIBackend(cfg CLIConfig, logger *slog.Logger) *CLIBackend {
	if cfg.Command == "" {
		cfg.Command = "claude"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CLIBackend{
		cfg:    cfg,
		logger: logger.With("component", "backend-cli"),
		runs:   make(map[string]*cliRun),
	}
}

// StartRun spawns the CLI and streams its events.
func (b *CLIBackend) StartRun(ctx context.Context, req agent.RunRequest) (<-chan agent.RunEvent, error) {
	args := append([]string(nil), b.cfg.Args...)
	if req.Config.Model != "" {
		args = append(args, "--model", req.Config.Model)
	}

	cmd := exec.CommandContext(ctx, b.cfg.Command, args...)
	cmd.Dir = b.cfg.Dir
	// Own process group so Abort can kill the CLI and its children together.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", b.cfg.Command, err)
	}

	run := &cliRun{cmd: cmd, stdin: stdin}
	b.mu.Lock()
	b.runs[req.SessionID] = run
	b.mu.Unlock()

	if err := run.write(wireRequest{
		Type:         "run",
		SessionID:    req.SessionID,
		Prompt:       req.Prompt,
		SystemAppend: req.ExtraSystemPrompt,
		Model:        req.Config.Model,
	}); err != nil {
		b.finish(req.SessionID, run)
		return nil, fmt.Errorf("writing request: %w", err)
	}

	events := make(chan agent.RunEvent, 64)
	go func() {
		defer close(events)
		defer b.finish(req.SessionID, run)

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		sawEnd := false
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var wire wireEvent
			if err := json.Unmarshal(line, &wire); err != nil {
				b.logger.Warn("bad event line", "error", err)
				continue
			}
			ev := toRunEvent(wire)
			events <- ev
			if ev.Type == agent.EventAgentEnd {
				sawEnd = true
			}
		}

		err := cmd.Wait()
		if !sawEnd {
			// CLI died without a terminal event: synthesize one so the
			// scheduler always sees a run boundary.
			end := agent.RunEvent{Type: agent.EventAgentEnd, StopReason: agent.StopEndTurn}
			if ctx.Err() != nil {
				end.StopReason = agent.StopAborted
			} else if err != nil {
				end.StopReason = agent.StopError
				end.ErrorKind = "process_exit"
				end.ErrorMessage = err.Error()
			}
			events <- end
		}
	}()
	return events, nil
}

// Abort kills the run bound to sessionID.
func (b *CLIBackend) Abort(ctx context.Context, sessionID string) bool {
	b.mu.Lock()
	run, ok := b.runs[sessionID]
	b.mu.Unlock()
	if !ok {
		return false
	}

	if run.cmd.Process != nil {
		// Negative pid signals the whole process group.
		if err := syscall.Kill(-run.cmd.Process.Pid, syscall.SIGTERM); err != nil {
			run.cmd.Process.Kill()
		}
	}
	b.logger.Info("aborted run", "session_id", sessionID)
	return true
}

// QueueSteerMessage writes a steer line to the running CLI's stdin.
func (b *CLIBackend) QueueSteerMessage(ctx context.Context, sessionID, text string) bool {
	if !b.cfg.Steerable {
		return false
	}
	b.mu.Lock()
	run, ok := b.runs[sessionID]
	b.mu.Unlock()
	if !ok {
		return false
	}
	if err := run.write(wireRequest{Type: "steer", SessionID: sessionID, Prompt: text}); err != nil {
		b.logger.Warn("steer failed", "session_id", sessionID, "error", err)
		return false
	}
	return true
}

func (b *CLIBackend) finish(sessionID string, run *cliRun) {
	b.mu.Lock()
	if b.runs[sessionID] == run {
		delete(b.runs, sessionID)
	}
	b.mu.Unlock()
	run.stdin.Close()
}

func (r *cliRun) write(req wireRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err = r.stdin.Write(append(data, '\n'))
	return err
}

func toRunEvent(w wireEvent) agent.RunEvent {
	return agent.RunEvent{
		Type:         agent.RunEventType(w.Type),
		MessageID:    w.MessageID,
		Text:         w.Text,
		Delta:        w.Delta,
		StopReason:   w.StopReason,
		ErrorKind:    w.ErrorKind,
		ErrorMessage: w.ErrorMessage,
		ToolID:       w.ToolID,
		ToolName:     w.ToolName,
		ToolArgs:     w.ToolArgs,
		ToolOutput:   w.ToolOutput,
		ToolIsError:  w.ToolIsError,
		Phase:        w.Phase,
		WillRetry:    w.WillRetry,
		Tokens:       w.Tokens,
	}
}
