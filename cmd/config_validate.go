package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/chatrouter/gateway/internal/config"
)

func configValidateCmd() *cobra.Command {
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Validate the gateway configuration file",
		Run: func(cmd *cobra.Command, args []string) {
			path := resolveConfigPath()
			cfg, err := config.Load(path)
			if err != nil {
				cmd.PrintErrf("config invalid: %v\n", err)
				os.Exit(1)
			}

			snap := cfg.Snapshot()
			if snap.Database.Mode != "sqlite" && snap.Database.PostgresDSN == "" {
				cmd.PrintErrln("config invalid: database.mode is postgres but CHATROUTER_POSTGRES_DSN is not set")
				os.Exit(1)
			}
			if len(snap.LLM.Providers) == 0 {
				cmd.Println("warning: no llm.providers configured; the LLM Gateway will always fall back")
			}

			fmt.Fprintf(cmd.OutOrStdout(), "config OK: %s (hash %s)\n", path, cfg.Hash())
		},
	}

	root := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate gateway configuration",
	}
	root.AddCommand(validate)
	root.AddCommand(configInitCmd())
	return root
}
