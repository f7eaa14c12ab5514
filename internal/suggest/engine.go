// Package suggest proposes parent sessions for sessions that started without
// an explicit link. Candidates come from the session-summary index; an
// optional LLM pass refines the ranking.
package suggest

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/oakci/oak/internal/app"
	"github.com/oakci/oak/internal/llm"
	"github.com/oakci/oak/internal/models"
	"github.com/oakci/oak/internal/store"
	"github.com/oakci/oak/internal/vector"
)

// Embedder is the slice of the embedding chain suggestion needs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Engine computes parent-session suggestions.
type Engine struct {
	db       *sql.DB
	vs       *vector.Store
	embedder Embedder
	chat     llm.ChatClient // nil disables the LLM pass
	cfg      app.SuggestionSettings
}

// NewEngine wires the suggestion engine. chat may be nil; scoring then falls
// back to vector similarity alone.
func NewEngine(db *sql.DB, vs *vector.Store, embedder Embedder, chat llm.ChatClient, cfg app.SuggestionSettings) *Engine {
	return &Engine{db: db, vs: vs, embedder: embedder, chat: chat, cfg: cfg}
}

// Suggestion is a scored parent candidate.
type Suggestion struct {
	SessionID      string  `json:"session_id"`
	SuggestedID    string  `json:"suggested_parent_id"`
	SuggestedTitle string  `json:"suggested_parent_title,omitempty"`
	Score          float64 `json:"score"`
	VectorScore    float64 `json:"vector_score"`
	LLMScore       float64 `json:"llm_score,omitempty"`
	TimeBonus      float64 `json:"time_bonus,omitempty"`
	Confidence     string  `json:"confidence"` // low | medium | high
	Reason         string  `json:"reason"`
}

// ComputeSuggestedParent scores candidates for one session. Returns nil
// when the session is already parented, has dismissed suggestions, has no
// summary yet, or no candidate clears the low threshold.
func (e *Engine) ComputeSuggestedParent(ctx context.Context, sessionID string) (*Suggestion, error) {
	s, err := store.GetSession(e.db, sessionID)
	if err != nil {
		return nil, err
	}
	if s.HasParent() || s.SuggestedParentDismissed {
		return nil, nil
	}
	if s.Summary == "" {
		return nil, nil
	}

	query := s.Summary
	if s.Title != "" {
		query = s.Title + "\n\n" + s.Summary
	}
	qv, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed session summary: %w", err)
	}

	maxCandidates := e.cfg.MaxCandidates
	if maxCandidates <= 0 {
		maxCandidates = 10
	}
	// Over-fetch: self and filtered candidates consume slots.
	hits, err := e.vs.Query(ctx, vector.CollectionSessionSummaries, qv, maxCandidates*2, nil)
	if err != nil {
		return nil, err
	}

	var best *Suggestion
	considered := 0
	for _, h := range hits {
		if considered >= maxCandidates {
			break
		}
		candidateID := h.Metadata[vector.MetaSessionID]
		if candidateID == "" || candidateID == sessionID {
			continue
		}
		cand, err := store.GetSession(e.db, candidateID)
		if err != nil {
			continue // summary doc outlived its session
		}
		if !e.eligible(s, cand) {
			continue
		}
		considered++

		sug, err := e.score(ctx, s, cand, h.Relevance)
		if err != nil {
			slog.Warn("failed to score parent candidate",
				"session_id", sessionID, "candidate_id", candidateID, "error", err)
			continue
		}
		if best == nil || sug.Score > best.Score {
			best = sug
		}
	}

	if best == nil || best.Score < e.cfg.LowThreshold {
		return nil, nil
	}
	return best, nil
}

// eligible applies the structural filters: same project, recent enough, and
// not already linked in either direction.
func (e *Engine) eligible(s, cand *models.Session) bool {
	if cand.ProjectRoot != s.ProjectRoot {
		return false
	}
	maxAge := time.Duration(e.cfg.MaxAgeDays) * 24 * time.Hour
	if maxAge <= 0 {
		maxAge = 30 * 24 * time.Hour
	}
	if candidateGap(s, cand) > maxAge {
		return false
	}
	// Linking toward an existing descendant would invert the chain.
	if cand.ParentSessionID == s.ID {
		return false
	}
	if linked, err := store.SessionsLinked(e.db, s.ID, cand.ID); err == nil && linked {
		return false
	}
	return true
}

// candidateGap measures how long before s started the candidate finished.
// A candidate whose end hook never arrived is measured from its start.
func candidateGap(s, cand *models.Session) time.Duration {
	ref := cand.StartedAt
	if cand.EndedAt != nil {
		ref = *cand.EndedAt
	}
	return s.StartedAt.Sub(ref)
}

func (e *Engine) score(ctx context.Context, s, cand *models.Session, vecScore float64) (*Suggestion, error) {
	sug := &Suggestion{
		SessionID:      s.ID,
		SuggestedID:    cand.ID,
		SuggestedTitle: cand.Title,
		VectorScore:    vecScore,
	}

	if e.cfg.UseLLM && e.chat != nil {
		llmScore, err := e.llmScore(ctx, s, cand)
		if err != nil {
			// The LLM pass is best-effort; similarity alone still ranks.
			slog.Warn("llm similarity scoring failed", "error", err)
			sug.Score = vecScore
		} else {
			sug.LLMScore = llmScore
			sug.Score = e.cfg.VectorWeight*vecScore + e.cfg.LLMWeight*llmScore
		}
	} else {
		sug.Score = vecScore
	}

	gap := candidateGap(s, cand)
	switch {
	case gap >= 0 && gap <= time.Hour:
		sug.TimeBonus = 0.05
	case gap >= 0 && gap <= 6*time.Hour:
		sug.TimeBonus = 0.02
	}
	sug.Score += sug.TimeBonus
	if sug.Score > 1 {
		sug.Score = 1
	}

	switch {
	case sug.Score >= e.cfg.HighThreshold:
		sug.Confidence = "high"
	case sug.Score >= e.cfg.MediumThreshold:
		sug.Confidence = "medium"
	default:
		sug.Confidence = "low"
	}
	sug.Reason = e.reason(sug, gap)
	return sug, nil
}

func (e *Engine) reason(sug *Suggestion, gap time.Duration) string {
	name := sug.SuggestedID
	if sug.SuggestedTitle != "" {
		name = fmt.Sprintf("%q", sug.SuggestedTitle)
	}
	r := fmt.Sprintf("summary closely matches %s (similarity %.2f)", name, sug.VectorScore)
	if sug.LLMScore > 0 {
		r += fmt.Sprintf(", model agreement %.2f", sug.LLMScore)
	}
	if sug.TimeBonus > 0 && gap >= 0 {
		r += fmt.Sprintf(", started %s after it ended", gap.Round(time.Minute))
	}
	return r
}

const similarityPrompt = `You compare two coding session summaries and judge whether the second session continues the first session's work.

Reply with only a number between 0.0 and 1.0. 1.0 means the second session clearly continues the first; 0.0 means they are unrelated.`

func (e *Engine) llmScore(ctx context.Context, s, cand *models.Session) (float64, error) {
	user := fmt.Sprintf("First session (%s):\n%s\n\nSecond session (%s):\n%s",
		cand.Title, cand.Summary, s.Title, s.Summary)
	resp, err := e.chat.Chat(ctx, llm.ChatRequest{
		System:      similarityPrompt,
		User:        user,
		MaxTokens:   16,
		Temperature: 0,
	})
	if err != nil {
		return 0, err
	}
	return llm.ParseScore(resp)
}

// Dismiss suppresses future suggestions for a session. Idempotent.
func (e *Engine) Dismiss(sessionID string) error {
	return store.SetSuggestedParentDismissed(e.db, sessionID, true)
}

// Reset re-enables suggestions after a dismissal. Idempotent.
func (e *Engine) Reset(sessionID string) error {
	return store.SetSuggestedParentDismissed(e.db, sessionID, false)
}
