// Package agent – config.go holds the engine configuration: queue behavior,
// batching, memory flush, heartbeat and session storage. Zero values resolve
// through Effective() so a minimal YAML file keeps working defaults.
package agent

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "500ms" or "5m", as well as bare nanosecond integers.
type Duration time.Duration

// Std converts back to the standard type.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err == nil {
		parsed, perr := time.ParseDuration(raw)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", raw, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var ns int64
	if err := value.Decode(&ns); err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	*d = Duration(ns)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

// QueueMode says what happens to a message that arrives while a run is
// already active on the same session key.
type QueueMode string

const (
	// QueueInterrupt aborts the active run and starts over with the new text.
	QueueInterrupt QueueMode = "interrupt"

	// QueueFollowup enqueues the message as a follow-up run.
	QueueFollowup QueueMode = "queue"

	// QueueSteer injects the message into the streaming run when the backend
	// supports it, falling back per SteerFallback when it does not.
	QueueSteer QueueMode = "steer"
)

// QueueConfig tunes busy-lane behavior.
type QueueConfig struct {
	Mode QueueMode `yaml:"mode"`

	// SteerFallback applies when Mode is steer and the backend refuses the
	// injection. Only interrupt and queue are valid here.
	SteerFallback QueueMode `yaml:"steer_fallback"`

	// BatchWindow is how long an idle lane collects further messages before
	// starting the run, so rapid-fire texts become one prompt.
	BatchWindow Duration `yaml:"batch_window"`

	// MaxQueued caps pending follow-up runs per lane; 0 means unlimited.
	MaxQueued int `yaml:"max_queued"`
}

// MemoryFlushConfig tunes the pre-compaction memory flush turn.
type MemoryFlushConfig struct {
	Enabled bool `yaml:"enabled"`

	// Prompt overrides the built-in flush instruction when set.
	Prompt string `yaml:"prompt"`
}

// HeartbeatConfig tunes the unprompted heartbeat probe.
type HeartbeatConfig struct {
	Enabled bool `yaml:"enabled"`

	// Schedule is a cron expression; default every 30 minutes.
	Schedule string `yaml:"schedule"`

	// Prompt overrides the built-in heartbeat instruction when set.
	Prompt string `yaml:"prompt"`

	// Targets lists session keys to probe.
	Targets []string `yaml:"targets"`
}

// StoreConfig selects session persistence.
type StoreConfig struct {
	// Driver is "json" or "sqlite".
	Driver string `yaml:"driver"`

	// Path is the sessions.json or .db path.
	Path string `yaml:"path"`
}

// Config is the engine configuration block.
type Config struct {
	Run         RunConfig         `yaml:"run"`
	Queue       QueueConfig       `yaml:"queue"`
	MemoryFlush MemoryFlushConfig `yaml:"memory_flush"`
	Heartbeat   HeartbeatConfig   `yaml:"heartbeat"`
	Store       StoreConfig       `yaml:"store"`

	// Workspace is the agent working directory (memory/ lives under it).
	Workspace string `yaml:"workspace"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Run: RunConfig{
			Backend:   "claude-cli",
			Timeout:   Duration(5 * time.Minute),
			Block:     DefaultBlockPolicy(),
			FlushMode: FlushMessageEnd,
			Typing:    TypingMessage,
		},
		Queue: QueueConfig{
			Mode:          QueueSteer,
			SteerFallback: QueueFollowup,
			BatchWindow:   Duration(500 * time.Millisecond),
		},
		Heartbeat: HeartbeatConfig{
			Schedule: "*/30 * * * *",
		},
		Store: StoreConfig{
			Driver: "json",
			Path:   "sessions.json",
		},
	}
}

// Effective returns a copy with defaults filled in for zero values.
func (c Config) Effective() Config {
	def := DefaultConfig()
	out := c

	if out.Run.Backend == "" {
		out.Run.Backend = def.Run.Backend
	}
	if out.Run.Timeout <= 0 {
		out.Run.Timeout = def.Run.Timeout
	}
	out.Run.Block = out.Run.Block.Effective()
	if out.Run.FlushMode == "" {
		out.Run.FlushMode = def.Run.FlushMode
	}
	if out.Run.Typing == "" {
		out.Run.Typing = def.Run.Typing
	}

	if out.Queue.Mode == "" {
		out.Queue.Mode = def.Queue.Mode
	}
	if out.Queue.SteerFallback == "" || out.Queue.SteerFallback == QueueSteer {
		out.Queue.SteerFallback = def.Queue.SteerFallback
	}
	if out.Queue.BatchWindow <= 0 {
		out.Queue.BatchWindow = def.Queue.BatchWindow
	}

	if out.Heartbeat.Schedule == "" {
		out.Heartbeat.Schedule = def.Heartbeat.Schedule
	}

	if out.Store.Driver == "" {
		out.Store.Driver = def.Store.Driver
	}
	if out.Store.Path == "" {
		out.Store.Path = def.Store.Path
	}
	return out
}
