package processor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oakci/oak/internal/app"
	"github.com/oakci/oak/internal/llm"
	"github.com/oakci/oak/internal/models"
	"github.com/oakci/oak/internal/store"
)

// scriptedChat answers each prompt kind with a canned reply, recognized by
// the system prompt's opening words.
type scriptedChat struct {
	classification string
	extraction     string
	plan           string
	summary        string
	title          string
	extractionErr  error
	calls          []string
}

func (c *scriptedChat) Chat(_ context.Context, req llm.ChatRequest) (string, error) {
	switch {
	case strings.HasPrefix(req.System, "You classify"):
		c.calls = append(c.calls, "classify")
		return c.classification, nil
	case strings.HasPrefix(req.System, "You extract"):
		c.calls = append(c.calls, "extract")
		if c.extractionErr != nil {
			return "", c.extractionErr
		}
		return c.extraction, nil
	case strings.HasPrefix(req.System, "You reconstruct"):
		c.calls = append(c.calls, "plan")
		return c.plan, nil
	case strings.HasPrefix(req.System, "You summarize"):
		c.calls = append(c.calls, "summary")
		return c.summary, nil
	case strings.HasPrefix(req.System, "You write a short title"):
		c.calls = append(c.calls, "title")
		return c.title, nil
	}
	return "", fmt.Errorf("unexpected system prompt: %.40s", req.System)
}

func (c *scriptedChat) Name() string { return "scripted" }

// recordingStore captures stored observations without a vector index.
type recordingStore struct{ stored []*models.Observation }

func (r *recordingStore) StoreObservation(_ context.Context, o *models.Observation) (*models.Observation, bool, error) {
	c := *o
	if c.ID == "" {
		c.ID = fmt.Sprintf("obs-%d", len(r.stored)+1)
	}
	r.stored = append(r.stored, &c)
	return &c, true, nil
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := store.InitDBWithPath(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestProcessor(t *testing.T, chat *scriptedChat) (*Processor, *sql.DB, *recordingStore) {
	t.Helper()
	db := openTestDB(t)
	rec := &recordingStore{}
	p := New(db, rec, chat, app.DefaultSettings().Processor)
	return p, db, rec
}

func seedBatch(t *testing.T, db *sql.DB, sessionID, prompt string, sourceType models.SourceType) *models.PromptBatch {
	t.Helper()
	now := time.Now()
	_, _, err := store.EnsureSession(db, sessionID, "claude-code", "/work", now.Add(-time.Hour))
	require.NoError(t, err)
	b, err := store.CreatePromptBatch(db, sessionID, prompt, sourceType, now.Add(-30*time.Minute))
	require.NoError(t, err)
	require.NoError(t, store.EndPromptBatch(db, b.ID, now))
	got, err := store.GetPromptBatch(db, b.ID)
	require.NoError(t, err)
	return got
}

func TestProcessBatchSkipsNonUserSources(t *testing.T) {
	chat := &scriptedChat{}
	p, db, rec := newTestProcessor(t, chat)

	tests := []struct {
		source models.SourceType
		want   string
	}{
		{models.SourceTypeAgentNotification, "agent_work"},
		{models.SourceTypeSystem, "system"},
	}
	for i, tt := range tests {
		b := seedBatch(t, db, fmt.Sprintf("sess-%d", i), "x", tt.source)
		require.NoError(t, p.ProcessBatch(context.Background(), b))

		got, err := store.GetPromptBatch(db, b.ID)
		require.NoError(t, err)
		assert.True(t, got.Processed)
		assert.True(t, got.ProcessSuccess)
		assert.Equal(t, tt.want, got.Classification)
	}
	assert.Empty(t, chat.calls, "non-user batches must not call the model")
	assert.Empty(t, rec.stored)
}

func TestProcessUserBatchFullPipeline(t *testing.T) {
	chat := &scriptedChat{
		classification: "implementation",
		extraction: `{"observations": [
			{"type": "gotcha", "observation": "migrations must run before the vector store opens", "importance": 8, "context": "startup ordering"},
			{"type": "made_up_type", "observation": "the config loader expands ~", "importance": 0}
		]}`,
	}
	p, db, rec := newTestProcessor(t, chat)
	b := seedBatch(t, db, "sess-1", "wire up the startup sequence", models.SourceTypeUser)
	_, err := store.InsertActivities(db, []*models.Activity{
		{SessionID: "sess-1", PromptBatchID: &b.ID, ToolName: "Edit", ToolInput: "main.go",
			FilePath: "main.go", Success: true, Timestamp: time.Now()},
	})
	require.NoError(t, err)

	require.NoError(t, p.ProcessBatch(context.Background(), b))

	require.Len(t, rec.stored, 2)
	assert.Equal(t, models.MemoryTypeGotcha, rec.stored[0].MemoryType)
	assert.Equal(t, 8, rec.stored[0].Importance)
	assert.Equal(t, "startup ordering", rec.stored[0].Context)
	// Unknown type coerces to discovery; out-of-range importance defaults.
	assert.Equal(t, models.MemoryTypeDiscovery, rec.stored[1].MemoryType)
	assert.Equal(t, 5, rec.stored[1].Importance)

	got, err := store.GetPromptBatch(db, b.ID)
	require.NoError(t, err)
	assert.True(t, got.Processed)
	assert.True(t, got.ProcessSuccess)
	assert.Equal(t, "implementation", got.Classification)

	acts, err := store.ListActivitiesForBatch(db, b.ID)
	require.NoError(t, err)
	require.Len(t, acts, 1)
	assert.True(t, acts[0].Processed)
	assert.Equal(t, rec.stored[0].ID, acts[0].ObservationID)
}

func TestProcessUserBatchExtractionFailure(t *testing.T) {
	chat := &scriptedChat{
		classification: "debugging",
		extractionErr:  errors.New("model unavailable"),
	}
	p, db, rec := newTestProcessor(t, chat)
	b := seedBatch(t, db, "sess-1", "fix it", models.SourceTypeUser)

	err := p.ProcessBatch(context.Background(), b)
	require.Error(t, err)
	assert.Empty(t, rec.stored)

	// Marked processed-unsuccessful: no automatic retry.
	got, err := store.GetPromptBatch(db, b.ID)
	require.NoError(t, err)
	assert.True(t, got.Processed)
	assert.False(t, got.ProcessSuccess)
	assert.Equal(t, "debugging", got.Classification)

	pending, err := store.ListUnprocessedBatches(db, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestProcessPlanBatchEmbedsPlan(t *testing.T) {
	chat := &scriptedChat{}
	p, db, rec := newTestProcessor(t, chat)
	b := seedBatch(t, db, "sess-1", "plan prompt", models.SourceTypeUser)
	require.NoError(t, store.SetBatchPlan(db, b.ID, "", "1. do the thing"))
	derived, err := store.CreateDerivedPlanBatch(db, "sess-1", b.ID, "", "1. do the thing", time.Now())
	require.NoError(t, err)

	require.NoError(t, p.ProcessBatch(context.Background(), derived))

	require.Len(t, rec.stored, 1)
	assert.Equal(t, models.MemoryTypePlan, rec.stored[0].MemoryType)
	assert.Equal(t, "1. do the thing", rec.stored[0].Observation)

	got, err := store.GetPromptBatch(db, derived.ID)
	require.NoError(t, err)
	assert.True(t, got.Processed)
	assert.True(t, got.PlanEmbedded)
	assert.Equal(t, "derived_plan", got.Classification)
	assert.Empty(t, chat.calls)
}

func TestPlanSynthesisFromTaskTools(t *testing.T) {
	chat := &scriptedChat{
		classification: "implementation",
		extraction:     `{"observations": []}`,
		plan:           "- [x] add the endpoint\n- [ ] write tests",
	}
	p, db, _ := newTestProcessor(t, chat)
	b := seedBatch(t, db, "sess-1", "build the endpoint", models.SourceTypeUser)
	_, err := store.InsertActivities(db, []*models.Activity{
		{SessionID: "sess-1", PromptBatchID: &b.ID, ToolName: "TodoWrite",
			ToolInput: `{"todos": ["add the endpoint", "write tests"]}`, Success: true, Timestamp: time.Now()},
	})
	require.NoError(t, err)

	require.NoError(t, p.ProcessBatch(context.Background(), b))
	assert.Contains(t, chat.calls, "plan")

	got, err := store.GetPromptBatch(db, b.ID)
	require.NoError(t, err)
	assert.Contains(t, got.PlanContent, "add the endpoint")

	// A derived-plan batch was materialized for later embedding.
	batches, err := store.ListBatchesForSession(db, "sess-1")
	require.NoError(t, err)
	var derived *models.PromptBatch
	for _, pb := range batches {
		if pb.SourceType == models.SourceTypeDerivedPlan {
			derived = pb
		}
	}
	require.NotNil(t, derived)
	require.NotNil(t, derived.SourcePlanBatchID)
	assert.Equal(t, b.ID, *derived.SourcePlanBatchID)
}

func TestSummarizeSession(t *testing.T) {
	chat := &scriptedChat{
		summary: "Implemented the hook server and wired session linking.",
		title:   "Hook server implementation",
	}
	p, db, rec := newTestProcessor(t, chat)
	b := seedBatch(t, db, "sess-1", "implement the hook server", models.SourceTypeUser)
	require.NoError(t, store.SetBatchResponseSummary(db, b.ID, "added routes"))
	require.NoError(t, store.EndSession(db, "sess-1", models.SessionStatusCompleted, time.Now()))

	require.NoError(t, p.SummarizeSession(context.Background(), "sess-1"))

	s, err := store.GetSession(db, "sess-1")
	require.NoError(t, err)
	assert.True(t, s.Processed)
	assert.Equal(t, "Implemented the hook server and wired session linking.", s.Summary)
	assert.Equal(t, "Hook server implementation", s.Title)

	require.Len(t, rec.stored, 1)
	assert.Equal(t, models.MemoryTypeSessionSummary, rec.stored[0].MemoryType)

	// Second call is a no-op.
	calls := len(chat.calls)
	require.NoError(t, p.SummarizeSession(context.Background(), "sess-1"))
	assert.Equal(t, calls, len(chat.calls))
}

func TestSummarizeSessionRejectsActive(t *testing.T) {
	p, db, _ := newTestProcessor(t, &scriptedChat{})
	seedBatch(t, db, "sess-1", "x", models.SourceTypeUser)
	require.Error(t, p.SummarizeSession(context.Background(), "sess-1"))
}
