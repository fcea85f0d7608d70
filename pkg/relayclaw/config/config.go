// Package config loads the relayclaw.yaml configuration file and composes
// the engine, backend and channel configuration blocks. Secrets come from
// the environment via ${VAR} expansion, so tokens never live in the file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/jholhewres/relayclaw/pkg/relayclaw/agent"
	"github.com/jholhewres/relayclaw/pkg/relayclaw/agent/backends"
	"github.com/jholhewres/relayclaw/pkg/relayclaw/channels/discord"
	"github.com/jholhewres/relayclaw/pkg/relayclaw/channels/telegram"
	"github.com/jholhewres/relayclaw/pkg/relayclaw/channels/whatsapp"
)

// ChannelsConfig groups the channel adapter blocks.
type ChannelsConfig struct {
	WhatsApp whatsapp.Config `yaml:"whatsapp"`
	Telegram telegram.Config `yaml:"telegram"`
	Discord  discord.Config  `yaml:"discord"`
}

// Config is the root configuration document.
type Config struct {
	// LogLevel is debug, info, warn, or error.
	LogLevel string `yaml:"log_level"`

	Agent    agent.Config       `yaml:"agent"`
	Backend  backends.CLIConfig `yaml:"backend"`
	Channels ChannelsConfig     `yaml:"channels"`
}

// Default returns the configuration defaults.
func Default() Config {
	return Config{
		LogLevel: "info",
		Agent:    agent.DefaultConfig(),
		Channels: ChannelsConfig{
			WhatsApp: whatsapp.DefaultConfig(),
		},
	}
}

// Load reads path, expands ${VAR} references from the environment, and
// resolves defaults. A missing file returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	expanded := os.Expand(string(data), func(name string) string {
		return os.Getenv(name)
	})

	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.Agent = cfg.Agent.Effective()
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	return &cfg, nil
}
