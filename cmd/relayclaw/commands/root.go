// Package commands implements the relayclaw CLI commands using cobra.
package commands

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "relayclaw",
		Short: "RelayClaw - chat relay for AI agents",
		Long: `RelayClaw relays chat messages (WhatsApp, Telegram, Discord) to an AI
agent backend and streams the replies back.

Examples:
  relayclaw serve
  relayclaw serve --config ./relayclaw.yaml
  relayclaw sessions list`,
		Version: version,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			// .env never overwrites real environment variables.
			_ = godotenv.Load()
		},
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newSessionsCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "relayclaw.yaml", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
