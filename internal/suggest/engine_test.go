package suggest

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oakci/oak/internal/app"
	"github.com/oakci/oak/internal/llm"
	"github.com/oakci/oak/internal/models"
	"github.com/oakci/oak/internal/store"
	"github.com/oakci/oak/internal/vector"
)

type mapEmbedder map[string][]float32

func (m mapEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	v, ok := m[text]
	if !ok {
		return nil, fmt.Errorf("no vector for %q", text)
	}
	return v, nil
}

// stubChat always answers with a fixed score.
type stubChat struct{ reply string }

func (s stubChat) Chat(context.Context, llm.ChatRequest) (string, error) { return s.reply, nil }
func (s stubChat) Name() string                                          { return "stub" }

func newTestEngine(t *testing.T, emb Embedder, chat llm.ChatClient, useLLM bool) (*Engine, *sql.DB, *vector.Store) {
	t.Helper()
	db, err := store.InitDBWithPath(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	vs, err := vector.NewStore(t.TempDir())
	require.NoError(t, err)
	cfg := app.DefaultSettings().Suggestion
	cfg.UseLLM = useLLM
	return NewEngine(db, vs, emb, chat, cfg), db, vs
}

type seedOpts struct {
	project string
	started time.Time
	ended   *time.Time
	summary string
	title   string
	vec     []float32
}

func seedSession(t *testing.T, db *sql.DB, vs *vector.Store, id string, o seedOpts) {
	t.Helper()
	if o.project == "" {
		o.project = "/work"
	}
	_, _, err := store.EnsureSession(db, id, "claude-code", o.project, o.started)
	require.NoError(t, err)
	if o.ended != nil {
		require.NoError(t, store.EndSession(db, id, models.SessionStatusCompleted, *o.ended))
	}
	if o.summary != "" {
		require.NoError(t, store.SetSessionSummary(db, id, o.summary))
	}
	if o.title != "" {
		require.NoError(t, store.SetSessionTitle(db, id, o.title, false))
	}
	if o.vec != nil {
		require.NoError(t, vs.Upsert(context.Background(), vector.CollectionSessionSummaries, vector.Document{
			ID:        "summary-" + id,
			Content:   o.summary,
			Metadata:  map[string]string{vector.MetaSessionID: id},
			Embedding: o.vec,
		}))
	}
}

func ptr(t time.Time) *time.Time { return &t }

func TestComputeSuggestedParentVectorOnly(t *testing.T) {
	emb := mapEmbedder{"continuing the auth work": {1, 0, 0, 0}}
	eng, db, vs := newTestEngine(t, emb, nil, false)
	now := time.Now()

	seedSession(t, db, vs, "parent", seedOpts{
		started: now.Add(-2 * time.Hour), ended: ptr(now.Add(-30 * time.Minute)),
		summary: "implemented jwt auth", title: "auth work", vec: []float32{1, 0, 0, 0},
	})
	seedSession(t, db, vs, "child", seedOpts{
		started: now, summary: "continuing the auth work",
	})

	sug, err := eng.ComputeSuggestedParent(context.Background(), "child")
	require.NoError(t, err)
	require.NotNil(t, sug)
	assert.Equal(t, "parent", sug.SuggestedID)
	assert.Equal(t, 1.0, sug.Score) // 1.0 similarity + 0.05 bonus, clamped
	assert.Equal(t, 0.05, sug.TimeBonus)
	assert.Equal(t, "high", sug.Confidence)
	assert.Contains(t, sug.Reason, "auth work")
}

func TestComputeSuggestedParentUnendedCandidate(t *testing.T) {
	emb := mapEmbedder{"continuing the auth work": {1, 0, 0, 0}}
	eng, db, vs := newTestEngine(t, emb, nil, false)
	now := time.Now()

	// The candidate's end hook never arrived; the gap falls back to its
	// start time, which is beyond the 1h bonus window but within 6h.
	seedSession(t, db, vs, "parent", seedOpts{
		started: now.Add(-3 * time.Hour),
		summary: "implemented jwt auth", vec: []float32{1, 0, 0, 0},
	})
	seedSession(t, db, vs, "child", seedOpts{
		started: now, summary: "continuing the auth work",
	})

	sug, err := eng.ComputeSuggestedParent(context.Background(), "child")
	require.NoError(t, err)
	require.NotNil(t, sug)
	assert.Equal(t, "parent", sug.SuggestedID)
	assert.Equal(t, 0.02, sug.TimeBonus)
}

func TestComputeSuggestedParentBlendsLLMScore(t *testing.T) {
	emb := mapEmbedder{"child summary": {1, 0, 0, 0}}
	eng, db, vs := newTestEngine(t, emb, stubChat{reply: "0.75"}, true)
	now := time.Now()

	seedSession(t, db, vs, "parent", seedOpts{
		started: now.Add(-2 * time.Hour), ended: ptr(now.Add(-30 * time.Minute)),
		summary: "parent summary", vec: []float32{1, 0, 0, 0},
	})
	seedSession(t, db, vs, "child", seedOpts{started: now, summary: "child summary"})

	sug, err := eng.ComputeSuggestedParent(context.Background(), "child")
	require.NoError(t, err)
	require.NotNil(t, sug)
	// 0.6*1.0 + 0.4*0.75 + 0.05 time bonus
	assert.InDelta(t, 0.95, sug.Score, 0.001)
	assert.Equal(t, 0.75, sug.LLMScore)
	assert.Equal(t, "high", sug.Confidence)
}

func TestComputeSuggestedParentSkipsParentedAndDismissed(t *testing.T) {
	emb := mapEmbedder{"s": {1, 0, 0, 0}}
	eng, db, vs := newTestEngine(t, emb, nil, false)
	now := time.Now()

	seedSession(t, db, vs, "parent", seedOpts{
		started: now.Add(-time.Hour), ended: ptr(now.Add(-10 * time.Minute)),
		summary: "p", vec: []float32{1, 0, 0, 0},
	})
	seedSession(t, db, vs, "child", seedOpts{started: now, summary: "s"})

	require.NoError(t, eng.Dismiss("child"))
	sug, err := eng.ComputeSuggestedParent(context.Background(), "child")
	require.NoError(t, err)
	assert.Nil(t, sug)

	require.NoError(t, eng.Reset("child"))
	sug, err = eng.ComputeSuggestedParent(context.Background(), "child")
	require.NoError(t, err)
	require.NotNil(t, sug)

	require.NoError(t, store.SetSessionParent(db, "child", "parent", models.ParentReasonExplicit))
	sug, err = eng.ComputeSuggestedParent(context.Background(), "child")
	require.NoError(t, err)
	assert.Nil(t, sug)
}

func TestComputeSuggestedParentNeedsSummary(t *testing.T) {
	eng, db, vs := newTestEngine(t, mapEmbedder{}, nil, false)
	seedSession(t, db, vs, "child", seedOpts{started: time.Now()})

	sug, err := eng.ComputeSuggestedParent(context.Background(), "child")
	require.NoError(t, err)
	assert.Nil(t, sug)
}

func TestComputeSuggestedParentFiltersCandidates(t *testing.T) {
	emb := mapEmbedder{"child work": {1, 0, 0, 0}}
	eng, db, vs := newTestEngine(t, emb, nil, false)
	now := time.Now()

	// Wrong project.
	seedSession(t, db, vs, "other-project", seedOpts{
		project: "/elsewhere", started: now.Add(-time.Hour), ended: ptr(now.Add(-10 * time.Minute)),
		summary: "same topic", vec: []float32{1, 0, 0, 0},
	})
	// Too old.
	seedSession(t, db, vs, "ancient", seedOpts{
		started: now.Add(-45 * 24 * time.Hour), ended: ptr(now.Add(-40 * 24 * time.Hour)),
		summary: "same topic", vec: []float32{1, 0, 0, 0},
	})
	// Still running.
	seedSession(t, db, vs, "open", seedOpts{
		started: now.Add(-time.Hour), summary: "same topic", vec: []float32{1, 0, 0, 0},
	})
	seedSession(t, db, vs, "child", seedOpts{started: now, summary: "child work"})

	sug, err := eng.ComputeSuggestedParent(context.Background(), "child")
	require.NoError(t, err)
	assert.Nil(t, sug)
}

func TestComputeSuggestedParentRejectsReverseLink(t *testing.T) {
	emb := mapEmbedder{"child work": {1, 0, 0, 0}}
	eng, db, vs := newTestEngine(t, emb, nil, false)
	now := time.Now()

	seedSession(t, db, vs, "descendant", seedOpts{
		started: now.Add(-time.Hour), ended: ptr(now.Add(-10 * time.Minute)),
		summary: "same topic", vec: []float32{1, 0, 0, 0},
	})
	seedSession(t, db, vs, "child", seedOpts{started: now, summary: "child work"})
	require.NoError(t, store.SetSessionParent(db, "descendant", "child", models.ParentReasonExplicit))

	sug, err := eng.ComputeSuggestedParent(context.Background(), "child")
	require.NoError(t, err)
	assert.Nil(t, sug)
}

func TestComputeSuggestedParentBelowThreshold(t *testing.T) {
	emb := mapEmbedder{"child work": {1, 0, 0, 0}}
	eng, db, vs := newTestEngine(t, emb, nil, false)
	now := time.Now()

	// cosine ~0.32, below the 0.5 floor even with the time bonus
	seedSession(t, db, vs, "weak", seedOpts{
		started: now.Add(-time.Hour), ended: ptr(now.Add(-10 * time.Minute)),
		summary: "different topic", vec: []float32{1, 3, 0, 0},
	})
	seedSession(t, db, vs, "child", seedOpts{started: now, summary: "child work"})

	sug, err := eng.ComputeSuggestedParent(context.Background(), "child")
	require.NoError(t, err)
	assert.Nil(t, sug)
}
