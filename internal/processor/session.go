package processor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/oakci/oak/internal/llm"
	"github.com/oakci/oak/internal/models"
	"github.com/oakci/oak/internal/store"
)

// SummarizeSession generates a summary and title for an ended session,
// stores the summary as a session_summary observation, and marks the
// session processed. Safe to call repeatedly; processed sessions are
// skipped.
func (p *Processor) SummarizeSession(ctx context.Context, sessionID string) error {
	s, err := store.GetSession(p.db, sessionID)
	if err != nil {
		return err
	}
	if s.Processed {
		return nil
	}
	if s.IsActive() {
		return fmt.Errorf("session %s is still active", sessionID)
	}

	batches, err := store.ListBatchesForSession(p.db, sessionID)
	if err != nil {
		return err
	}
	input := sessionDigest(batches)
	if input == "" {
		// Nothing happened; mark processed so the session is not revisited.
		return store.MarkSessionProcessed(p.db, sessionID)
	}

	summary, err := p.chat.Chat(ctx, llm.ChatRequest{
		System:      sessionSummarySystemPrompt,
		User:        truncate(input, p.cfg.MaxContextChars),
		MaxTokens:   p.outputTokens(0),
		Temperature: 0.3,
	})
	if err != nil {
		return fmt.Errorf("session summary generation failed: %w", err)
	}
	summary = strings.TrimSpace(llm.StripReasoning(summary))
	if summary == "" {
		return store.MarkSessionProcessed(p.db, sessionID)
	}

	if err := store.SetSessionSummary(p.db, sessionID, summary); err != nil {
		return err
	}
	if _, _, err := p.mem.StoreObservation(ctx, &models.Observation{
		SessionID:   sessionID,
		Observation: summary,
		MemoryType:  models.MemoryTypeSessionSummary,
	}); err != nil {
		slog.Warn("failed to store session summary observation",
			"session_id", sessionID, "error", err)
	}

	if !s.TitleManuallyEdited {
		if err := p.generateTitle(ctx, sessionID, summary); err != nil {
			slog.Warn("title generation failed", "session_id", sessionID, "error", err)
		}
	}
	return store.MarkSessionProcessed(p.db, sessionID)
}

func (p *Processor) generateTitle(ctx context.Context, sessionID, summary string) error {
	title, err := p.chat.Chat(ctx, llm.ChatRequest{
		System:      sessionTitleSystemPrompt,
		User:        summary,
		MaxTokens:   24,
		Temperature: 0.3,
	})
	if err != nil {
		return err
	}
	title = strings.Trim(strings.TrimSpace(llm.StripReasoning(title)), `"'`)
	if title == "" {
		return nil
	}
	return store.SetSessionTitle(p.db, sessionID, title, false)
}

// sessionDigest condenses a session's batches into summarization input:
// the user prompts plus any response summaries, in order.
func sessionDigest(batches []*models.PromptBatch) string {
	var b strings.Builder
	for _, batch := range batches {
		if batch.SourceType != models.SourceTypeUser {
			continue
		}
		fmt.Fprintf(&b, "Prompt %d: %s\n", batch.PromptNumber, oneLine(batch.UserPrompt, 400))
		if batch.ResponseSummary != "" {
			fmt.Fprintf(&b, "Outcome: %s\n", oneLine(batch.ResponseSummary, 400))
		}
		if batch.Classification != "" {
			fmt.Fprintf(&b, "Kind: %s\n", batch.Classification)
		}
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}
