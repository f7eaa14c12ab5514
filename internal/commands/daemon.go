package commands

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oakci/oak/internal/app"
	"github.com/oakci/oak/internal/embedding"
	"github.com/oakci/oak/internal/ingest"
	"github.com/oakci/oak/internal/llm"
	"github.com/oakci/oak/internal/memory"
	"github.com/oakci/oak/internal/processor"
	"github.com/oakci/oak/internal/scheduler"
	"github.com/oakci/oak/internal/server"
	"github.com/oakci/oak/internal/store"
	"github.com/oakci/oak/internal/vector"
)

const shutdownGrace = 5 * time.Second

func NewDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the oak daemon: hook server, batch processor, scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadSettings()
			if err != nil {
				return cmdErr(err)
			}
			return runDaemon(cfg)
		},
	}
}

func runDaemon(cfg app.Settings) error {
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
	mem.Start()
	defer mem.Stop()

	// Imported resolution events may be waiting from a sync that ran while
	// the daemon was down.
	if applied, err := mem.ReplayUnappliedEvents(context.Background()); err != nil {
		slog.Warn("resolution replay failed", "error", err)
	} else if applied > 0 {
		slog.Info("applied imported resolution events", "count", applied)
	}

	var proc *processor.Processor
	var summarizer server.SessionSummarizer
	chat, err := llm.NewClient(cfg.LLM)
	if err != nil {
		slog.Warn("llm unavailable, extraction and summaries disabled", "error", err)
	} else {
		proc = processor.New(db, mem, chat, cfg.Processor)
		proc.Start()
		defer proc.Stop()
		summarizer = proc
	}

	var runner scheduler.AgentRunner
	if cliRunner, err := scheduler.NewCLIRunner(cfg.LLM.CLIAgent); err != nil {
		slog.Warn("no agent cli found, scheduled runs will fail", "error", err)
	} else {
		runner = cliRunner
	}
	sched := scheduler.New(db, runner, cfg.Scheduler)
	sched.Start()
	defer sched.Stop()

	ing := ingest.NewIngestor(db, 0)
	srv := server.New(db, ing, mem, summarizer, cfg.HTTP)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
	case <-srv.ShutdownRequests():
		slog.Info("shutting down", "reason", "admin request")
	case err := <-errCh:
		if err != nil {
			return cmdErr(err)
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Warn("http shutdown incomplete", "error", err)
	}
	if err := ing.Flush(); err != nil {
		slog.Warn("final activity flush failed", "error", err)
	}
	if err := store.CheckpointWAL(ctx, db, "TRUNCATE"); err != nil {
		slog.Warn("wal checkpoint failed", "error", err)
	}
	return nil
}
