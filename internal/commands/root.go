// Package commands wires the oak CLI: the daemon, the sync workflow, the
// MCP stdio surface, and the small inspection commands.
package commands

import (
	"errors"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/oakci/oak/internal/app"
	"github.com/oakci/oak/internal/output"
)

// Execute runs the CLI application.
func Execute() error {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	app.LoadDotEnv()

	root := &cobra.Command{
		Use:           "oak",
		Short:         "Codebase intelligence daemon for coding agents",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			showVersion, _ := cmd.Flags().GetBool("version")
			if showVersion {
				type resp struct {
					Version string `json:"version"`
				}
				return output.PrintSuccess(resp{Version: app.Version})
			}
			return cmd.Help()
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := app.EnsureConfigDir(); err != nil {
				return err
			}
			if dbPath, err := cmd.Flags().GetString("db-path"); err == nil && dbPath != "" {
				app.SetDBPathOverride(dbPath)
			}
			return nil
		},
	}

	root.PersistentFlags().String("db-path", "", "Override database path")
	root.Flags().BoolP("version", "v", false, "version for oak")

	root.AddCommand(NewDaemonCmd())
	root.AddCommand(NewSyncCmd())
	root.AddCommand(NewMCPCmd())
	root.AddCommand(NewDBCmd())
	root.AddCommand(NewStatsCmd())
	root.AddCommand(NewSuggestCmd())

	err := root.Execute()
	if err != nil {
		var pe printedError
		if !errors.As(err, &pe) {
			slog.Error("command failed", "error", err.Error())
		}
	}
	return err
}
