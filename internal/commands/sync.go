package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/oakci/oak/internal/app"
	"github.com/oakci/oak/internal/output"
	"github.com/oakci/oak/internal/syncer"
)

func NewSyncCmd() *cobra.Command {
	var (
		includeTeam bool
		forceFull   bool
		dryRun      bool
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile the local store after upgrades or team backups",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadSettings()
			if err != nil {
				return cmdErr(err)
			}
			dbPath, err := app.GetDBPath()
			if err != nil {
				return cmdErr(err)
			}

			daemon := syncer.NewHTTPController(cfg.HTTP.Addr, cfg.HTTP.AuthToken)
			o := syncer.New(daemon, dbPath, cfg.VectorDir, cfg.BackupDir)

			ctx := context.Background()
			plan, err := o.BuildPlan(ctx, syncer.PlanOptions{
				IncludeTeam: includeTeam,
				ForceFull:   forceFull,
			})
			if err != nil {
				return cmdErr(err)
			}

			result := o.Execute(ctx, plan, dryRun)
			return output.PrintSuccess(result)
		},
	}

	cmd.Flags().BoolVar(&includeTeam, "team", false, "Restore team backups from the shared backup dir")
	cmd.Flags().BoolVar(&forceFull, "full", false, "Force a full vector index rebuild")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the plan without executing it")
	return cmd
}
