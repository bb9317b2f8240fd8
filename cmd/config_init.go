package cmd

import (
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/chatrouter/gateway/internal/config"
)

func configInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Interactively generate a config.json for first-time setup",
		Run: func(cmd *cobra.Command, args []string) {
			runConfigInit(cmd)
		},
	}
}

func runConfigInit(cmd *cobra.Command) {
	cfg := config.Default()

	var dbMode string
	var provider string
	var model string

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Persistence backend").
				Description("Postgres for production, SQLite for local/dev").
				Options(
					huh.NewOption("postgres (reads CHATROUTER_POSTGRES_DSN)", "postgres"),
					huh.NewOption("sqlite (embedded, single file)", "sqlite"),
				).
				Value(&dbMode),
			huh.NewInput().
				Title("Default LLM provider name").
				Description("e.g. openai, anthropic — API key is read from CHATROUTER_LLM_<NAME>_API_KEY").
				Value(&provider),
			huh.NewInput().
				Title("Default model").
				Value(&model),
		),
	)

	if err := form.Run(); err != nil {
		cmd.PrintErrf("config init canceled: %v\n", err)
		return
	}

	cfg.Database.Mode = dbMode
	if provider != "" {
		cfg.LLM.Providers[provider] = config.ProviderConfig{
			Name:         provider,
			DefaultModel: model,
		}
		cfg.LLM.ActiveProvider = provider
	}

	path := resolveConfigPath()
	if err := config.Save(path, cfg); err != nil {
		cmd.PrintErrf("failed to write %s: %v\n", path, err)
		os.Exit(1)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s — set your provider's API key env var before running `chatrouter serve`\n", path)
}
