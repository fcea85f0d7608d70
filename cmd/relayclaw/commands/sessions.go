// Package commands – sessions.go inspects and manages persisted sessions.
package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/jholhewres/relayclaw/pkg/relayclaw/agent"
	"github.com/jholhewres/relayclaw/pkg/relayclaw/config"
)

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage agent sessions",
	}
	cmd.AddCommand(newSessionsListCmd(), newSessionsResetCmd())
	return cmd
}

func newSessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List persisted sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := storeFromFlags(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			entries, err := store.Load()
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("No sessions.")
				return nil
			}

			keys := make([]string, 0, len(entries))
			for k := range entries {
				keys = append(keys, k)
			}
			sort.Strings(keys)

			for _, k := range keys {
				e := entries[k]
				fmt.Printf("%-40s  tokens=%-8d compactions=%-3d updated=%s\n",
					k, e.TotalTokens, e.CompactionCount, e.UpdatedAt.Format("2006-01-02 15:04"))
			}
			return nil
		},
	}
}

func newSessionsResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <session-key>",
		Short: "Reset a session, keeping its key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := storeFromFlags(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			entry, err := store.Get(args[0])
			if err != nil {
				return fmt.Errorf("session %q: %w", args[0], err)
			}
			entry.SoftReset(false)
			if err := store.Put(entry); err != nil {
				return err
			}
			fmt.Printf("Session %s reset.\n", args[0])
			return nil
		},
	}
}

func storeFromFlags(cmd *cobra.Command) (agent.Store, error) {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return openStore(cfg.Agent.Store)
}
