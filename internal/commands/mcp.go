package commands

import (
	"github.com/spf13/cobra"

	"github.com/oakci/oak/internal/app"
	"github.com/oakci/oak/internal/embedding"
	"github.com/oakci/oak/internal/mcptools"
	"github.com/oakci/oak/internal/memory"
	"github.com/oakci/oak/internal/retrieval"
	"github.com/oakci/oak/internal/vector"
)

func NewMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve memory and retrieval tools over MCP stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadSettings()
			if err != nil {
				return cmdErr(err)
			}
			db, closeDB, err := openDB()
			if err != nil {
				return cmdErr(err)
			}
			defer closeDB()

			vs, err := vector.NewStore(cfg.VectorDir)
			if err != nil {
				return cmdErr(err)
			}
			emb, err := embedding.NewChainFromSettings(cfg.Embedding)
			if err != nil {
				return cmdErr(err)
			}

			mem := memory.NewService(db, vs, emb)
			eng := retrieval.NewEngine(db, vs, emb, cfg.Retrieval)
			ts := mcptools.NewToolset(db, eng, mem)

			// Stdio is the protocol channel; logs already go to stderr.
			return mcptools.ServeStdio(mcptools.NewServer(ts))
		},
	}
}
