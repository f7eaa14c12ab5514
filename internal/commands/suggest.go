package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/oakci/oak/internal/app"
	"github.com/oakci/oak/internal/embedding"
	"github.com/oakci/oak/internal/ingest"
	"github.com/oakci/oak/internal/llm"
	"github.com/oakci/oak/internal/models"
	"github.com/oakci/oak/internal/output"
	"github.com/oakci/oak/internal/suggest"
	"github.com/oakci/oak/internal/vector"
)

func NewSuggestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "suggest",
		Short: "Parent-session suggestions",
	}

	cmd.AddCommand(newSuggestParentCmd())
	cmd.AddCommand(newSuggestAcceptCmd())
	cmd.AddCommand(newSuggestDismissCmd())
	return cmd
}

func newSuggestParentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "parent <session-id>",
		Short: "Suggest the parent a session likely continues",
		Args:  cobra.ExactArgs(1),
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
				var chat llm.ChatClient
				if cfg.Suggestion.UseLLM {
					if chat, err = llm.NewClient(cfg.LLM); err != nil {
						return err
					}
				}

				eng := suggest.NewEngine(db, vs, emb, chat, cfg.Suggestion)
				sug, err := eng.ComputeSuggestedParent(context.Background(), args[0])
				if err != nil {
					return err
				}
				type resp struct {
					Suggestion *suggest.Suggestion `json:"suggestion"`
				}
				return output.PrintSuccess(resp{Suggestion: sug})
			})
		},
	}
}

func newSuggestAcceptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "accept <session-id> <parent-id>",
		Short: "Link a session to its suggested parent",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(db *DB) error {
				in := ingest.NewIngestor(db, 0)
				if err := in.SetSessionParent(args[0], args[1], models.ParentReasonInferred); err != nil {
					return err
				}
				type resp struct {
					SessionID string `json:"session_id"`
					ParentID  string `json:"parent_id"`
				}
				return output.PrintSuccess(resp{SessionID: args[0], ParentID: args[1]})
			})
		},
	}
}

func newSuggestDismissCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dismiss <session-id>",
		Short: "Stop suggesting parents for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(db *DB) error {
				eng := suggest.NewEngine(db, nil, nil, nil, app.DefaultSettings().Suggestion)
				if err := eng.Dismiss(args[0]); err != nil {
					return err
				}
				type resp struct {
					SessionID string `json:"session_id"`
					Dismissed bool   `json:"dismissed"`
				}
				return output.PrintSuccess(resp{SessionID: args[0], Dismissed: true})
			})
		},
	}
}
