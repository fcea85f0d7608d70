// Package commands – serve.go starts the relay daemon: session store,
// scheduler, channels and heartbeat, wired together and torn down on SIGINT.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/relayclaw/pkg/relayclaw/agent"
	"github.com/jholhewres/relayclaw/pkg/relayclaw/agent/backends"
	"github.com/jholhewres/relayclaw/pkg/relayclaw/channels"
	"github.com/jholhewres/relayclaw/pkg/relayclaw/channels/discord"
	"github.com/jholhewres/relayclaw/pkg/relayclaw/channels/telegram"
	"github.com/jholhewres/relayclaw/pkg/relayclaw/channels/whatsapp"
	"github.com/jholhewres/relayclaw/pkg/relayclaw/config"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the relay daemon",
		Long: `Start RelayClaw as a daemon, connecting the enabled channels and
relaying messages to the agent backend.

Examples:
  relayclaw serve
  relayclaw serve --config ./relayclaw.yaml`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logger := newLogger(cfg.LogLevel, verbose)
	slog.SetDefault(logger)

	store, err := openStore(cfg.Agent.Store)
	if err != nil {
		return err
	}
	defer store.Close()

	backend := backends.NewCLIBackend(cfg.Backend, logger)

	manager := channels.NewManager(store, logger)
	scheduler := agent.NewScheduler(backend, store, manager, cfg.Agent, logger)
	commandHandler := agent.NewCommandHandler(store, scheduler, logger)
	manager.Bind(scheduler, commandHandler)

	if cfg.Channels.WhatsApp.Enabled {
		manager.Add(whatsapp.New(cfg.Channels.WhatsApp, logger))
	}
	if cfg.Channels.Telegram.Enabled {
		manager.Add(telegram.New(cfg.Channels.Telegram, logger))
	}
	if cfg.Channels.Discord.Enabled {
		manager.Add(discord.New(cfg.Channels.Discord, logger))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("starting channels: %w", err)
	}

	heartbeat := agent.NewHeartbeatService(scheduler, cfg.Agent.Heartbeat, logger)
	if err := heartbeat.Start(); err != nil {
		return err
	}

	logger.Info("relayclaw running", "config", configPath)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	heartbeat.Stop()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	manager.Stop(stopCtx)
	scheduler.Shutdown()
	return nil
}

func newLogger(level string, verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
}

func openStore(cfg agent.StoreConfig) (agent.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		return agent.NewSQLiteStore(cfg.Path)
	default:
		return agent.NewJSONStore(cfg.Path)
	}
}
