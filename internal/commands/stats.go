package commands

import (
	"github.com/spf13/cobra"

	"github.com/oakci/oak/internal/app"
	"github.com/oakci/oak/internal/output"
	"github.com/oakci/oak/internal/store"
	"github.com/oakci/oak/internal/vector"
)

func NewStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show store and index counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadSettings()
			if err != nil {
				return cmdErr(err)
			}
			return withDB(func(db *DB) error {
				obs, err := store.GetObservationStats(db)
				if err != nil {
					return err
				}
				sessions, err := store.CountSessions(db)
				if err != nil {
					return err
				}
				activities, err := store.CountActivities(db)
				if err != nil {
					return err
				}
				unprocessed, err := store.CountUnprocessedBatches(db)
				if err != nil {
					return err
				}

				index := map[string]int{}
				if vs, err := vector.NewStore(cfg.VectorDir); err == nil {
					index = vs.Stats()
				}

				type resp struct {
					Version            string                  `json:"version"`
					SchemaVersion      int64                   `json:"schema_version"`
					Sessions           int                     `json:"sessions"`
					Activities         int                     `json:"activities"`
					UnprocessedBatches int                     `json:"unprocessed_batches"`
					Observations       *store.ObservationStats `json:"observations"`
					Index              map[string]int          `json:"index"`
				}
				return output.PrintSuccess(resp{
					Version:            app.Version,
					SchemaVersion:      store.LatestSchemaVersion(),
					Sessions:           sessions,
					Activities:         activities,
					UnprocessedBatches: unprocessed,
					Observations:       obs,
					Index:              index,
				})
			})
		},
	}
}
