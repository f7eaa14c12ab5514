package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/oakci/oak/internal/app"
	"github.com/oakci/oak/internal/embedding"
	"github.com/oakci/oak/internal/memory"
	"github.com/oakci/oak/internal/output"
	"github.com/oakci/oak/internal/store"
	"github.com/oakci/oak/internal/vector"
)

func NewDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database utilities",
	}

	cmd.AddCommand(newDBPathCmd())
	cmd.AddCommand(newDBCheckpointCmd())
	cmd.AddCommand(newDBReembedCmd())
	return cmd
}

func newDBPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the resolved database path",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, source, err := app.ResolveDBPathDetailed()
			if err != nil {
				return cmdErr(err)
			}

			type resp struct {
				Path   string `json:"path"`
				Source string `json:"source"`
			}
			return output.PrintSuccess(resp{Path: path, Source: source})
		},
	}
}

func newDBReembedCmd() *cobra.Command {
	var hard bool
	cmd := &cobra.Command{
		Use:   "reembed",
		Short: "Rebuild the vector index from the relational store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadSettings()
			if err != nil {
				return cmdErr(err)
			}
			return withDB(func(db *DB) error {
				vs, err := vector.NewStore(cfg.VectorDir)
				if err != nil {
					return err
				}
				emb, err := embedding.NewChainFromSettings(cfg.Embedding)
				if err != nil {
					return err
				}
				mem := memory.NewService(db, vs, emb)
				ctx := context.Background()

				if hard {
					// Recovers from index corruption: the on-disk store is
					// removed outright instead of cleared per collection.
					if err := vs.HardReset(); err != nil {
						return err
					}
					if err := store.ClearEmbeddedFlags(db); err != nil {
						return err
					}
				} else if err := mem.ReembedAll(ctx); err != nil {
					return err
				}

				embedded := 0
				prev := -1
				for {
					stats, err := store.GetObservationStats(db)
					if err != nil {
						return err
					}
					if stats.Unembedded == 0 || stats.Unembedded == prev {
						embedded = stats.Total - stats.Unembedded
						break
					}
					prev = stats.Unembedded
					if err := mem.EmbedPending(ctx); err != nil {
						return err
					}
				}

				type resp struct {
					Hard     bool           `json:"hard"`
					Embedded int            `json:"embedded"`
					Index    map[string]int `json:"index"`
				}
				return output.PrintSuccess(resp{Hard: hard, Embedded: embedded, Index: vs.Stats()})
			})
		},
	}
	cmd.Flags().BoolVar(&hard, "hard", false, "delete the on-disk index before rebuilding")
	return cmd
}

func newDBCheckpointCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoint",
		Short: "Checkpoint and truncate the WAL",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(db *DB) error {
				if err := store.CheckpointWAL(context.Background(), db, "TRUNCATE"); err != nil {
					return err
				}
				type resp struct {
					Checkpointed bool `json:"checkpointed"`
				}
				return output.PrintSuccess(resp{Checkpointed: true})
			})
		},
	}
}
