package retrieval

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oakci/oak/internal/app"
	"github.com/oakci/oak/internal/models"
	"github.com/oakci/oak/internal/store"
	"github.com/oakci/oak/internal/vector"
)

// mapEmbedder returns a fixed vector per text, so cosine similarities in
// tests are exact.
type mapEmbedder map[string][]float32

func (m mapEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	v, ok := m[text]
	if !ok {
		return nil, fmt.Errorf("no vector for %q", text)
	}
	return v, nil
}

func newTestEngine(t *testing.T, emb Embedder) (*Engine, *sql.DB, *vector.Store) {
	t.Helper()
	db, err := store.InitDBWithPath(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	vs, err := vector.NewStore(t.TempDir())
	require.NoError(t, err)
	eng := NewEngine(db, vs, emb, app.DefaultSettings().Retrieval)
	return eng, db, vs
}

func upsertDoc(t *testing.T, vs *vector.Store, col, id, content string, vec []float32, meta map[string]string) {
	t.Helper()
	if meta == nil {
		meta = map[string]string{}
	}
	require.NoError(t, vs.Upsert(context.Background(), col, vector.Document{
		ID: id, Content: content, Metadata: meta, Embedding: vec,
	}))
}

func TestSearchIndexRanksAndFilters(t *testing.T) {
	ctx := context.Background()
	emb := mapEmbedder{"auth flow": {1, 0, 0, 0}}
	eng, _, vs := newTestEngine(t, emb)

	upsertDoc(t, vs, vector.CollectionMemory, "close", "jwt validation lives in middleware", []float32{1, 0, 0, 0},
		map[string]string{vector.MetaMemoryType: "discovery", vector.MetaStatus: "active"})
	upsertDoc(t, vs, vector.CollectionMemory, "near", "login redirects twice on expiry", []float32{1, 1, 0, 0},
		map[string]string{vector.MetaMemoryType: "gotcha", vector.MetaStatus: "active"})
	upsertDoc(t, vs, vector.CollectionMemory, "far", "the release script tags twice", []float32{0, 0, 1, 0},
		map[string]string{vector.MetaMemoryType: "discovery", vector.MetaStatus: "active"})

	resp, err := eng.SearchIndex(ctx, "auth flow", SearchOptions{})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2) // "far" is below the 0.35 threshold
	assert.Equal(t, "close", resp.Results[0].ID)
	assert.Equal(t, 1.0, resp.Results[0].Relevance)
	assert.Equal(t, "near", resp.Results[1].ID)
	assert.InDelta(t, 0.71, resp.Results[1].Relevance, 0.01)
	assert.Positive(t, resp.Results[0].TokenEstimate)
	assert.Positive(t, resp.TotalTokensAvailable)
}

func TestSearchIndexSkipsArchived(t *testing.T) {
	ctx := context.Background()
	emb := mapEmbedder{"q": {1, 0, 0, 0}}
	eng, _, vs := newTestEngine(t, emb)

	upsertDoc(t, vs, vector.CollectionMemory, "live", "still relevant", []float32{1, 0, 0, 0}, nil)
	upsertDoc(t, vs, vector.CollectionMemory, "archived", "old news", []float32{1, 0, 0, 0},
		map[string]string{vector.MetaArchived: "true"})

	resp, err := eng.SearchIndex(ctx, "q", SearchOptions{})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "live", resp.Results[0].ID)

	resp, err = eng.SearchIndex(ctx, "q", SearchOptions{IncludeArchived: true})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 2)
}

func TestSearchIndexSpansSummaries(t *testing.T) {
	ctx := context.Background()
	emb := mapEmbedder{"q": {1, 0, 0, 0}}
	eng, _, vs := newTestEngine(t, emb)

	upsertDoc(t, vs, vector.CollectionSessionSummaries, "sum-1", "refactored the auth module", []float32{1, 0, 0, 0}, nil)

	resp, err := eng.SearchIndex(ctx, "q", SearchOptions{})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, vector.CollectionSessionSummaries, resp.Results[0].Collection)
}

func TestSearchIndexEmptyCollections(t *testing.T) {
	emb := mapEmbedder{"q": {1, 0, 0, 0}}
	eng, _, _ := newTestEngine(t, emb)

	resp, err := eng.SearchIndex(context.Background(), "q", SearchOptions{})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	assert.Zero(t, resp.TotalTokensAvailable)
}

func TestGetContextPreviewsAndRelated(t *testing.T) {
	ctx := context.Background()
	eng, _, vs := newTestEngine(t, mapEmbedder{})

	long := strings.Repeat("the batch processor retries on lock contention. ", 10)
	upsertDoc(t, vs, vector.CollectionMemory, "anchor", long, []float32{1, 0, 0, 0}, nil)
	upsertDoc(t, vs, vector.CollectionMemory, "neighbor", "short neighboring note", []float32{1, 1, 0, 0}, nil)
	upsertDoc(t, vs, vector.CollectionMemory, "unrelated", "nothing in common", []float32{0, 0, 1, 0}, nil)

	resp, err := eng.GetContext(ctx, []string{"anchor", "missing-id"})
	require.NoError(t, err)
	require.Len(t, resp.Selected, 1)
	assert.Equal(t, "anchor", resp.Selected[0].ID)
	assert.True(t, resp.Selected[0].Truncated)
	assert.Len(t, resp.Selected[0].Preview, 200)

	require.Len(t, resp.Related, 1)
	assert.Equal(t, "neighbor", resp.Related[0].ID)
	assert.False(t, resp.Related[0].Truncated)
}

func TestGetContextAllMissing(t *testing.T) {
	eng, _, _ := newTestEngine(t, mapEmbedder{})
	resp, err := eng.GetContext(context.Background(), []string{"nope"})
	require.NoError(t, err)
	assert.Empty(t, resp.Selected)
	assert.Empty(t, resp.Related)
}

func TestFetchFullReturnsObservations(t *testing.T) {
	eng, db, _ := newTestEngine(t, mapEmbedder{})
	_, _, err := store.EnsureSession(db, "sess-1", "claude-code", "/work", time.Now())
	require.NoError(t, err)
	o, _, err := store.InsertObservation(db, &models.Observation{
		SessionID: "sess-1", Observation: "full detail", MemoryType: models.MemoryTypeDiscovery,
	})
	require.NoError(t, err)

	got, err := eng.FetchFull(context.Background(), []string{o.ID, "missing"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "full detail", got[0].Observation)
}

func TestGetTaskContextSplitsBudget(t *testing.T) {
	ctx := context.Background()
	emb := mapEmbedder{"fix the auth bug": {1, 0, 0, 0}}
	eng, _, vs := newTestEngine(t, emb)

	// The 70/30 split of a 100-token budget fits the code doc but not the
	// memory doc.
	codeText := strings.Repeat("handler ", 30)
	memText := strings.Repeat("memory ", 40)
	upsertDoc(t, vs, vector.CollectionCode, "code-1", codeText, []float32{1, 0, 0, 0}, nil)
	upsertDoc(t, vs, vector.CollectionMemory, "mem-1", memText, []float32{1, 0, 0, 0}, nil)

	tc, err := eng.GetTaskContext(ctx, "fix the auth bug", nil, 100)
	require.NoError(t, err)
	require.Len(t, tc.Code, 1)
	assert.Empty(t, tc.Memory)
	assert.LessOrEqual(t, tc.TokensUsed, 100)
}

func TestGetTaskContextSkipsIrrelevant(t *testing.T) {
	ctx := context.Background()
	emb := mapEmbedder{"task": {1, 0, 0, 0}}
	eng, _, vs := newTestEngine(t, emb)

	upsertDoc(t, vs, vector.CollectionMemory, "off-topic", "unrelated", []float32{0, 1, 0, 0}, nil)

	tc, err := eng.GetTaskContext(ctx, "task", nil, 1000)
	require.NoError(t, err)
	assert.Empty(t, tc.Memory)
	assert.Zero(t, tc.TokensUsed)
}

func TestGetTaskContextBoostsCurrentFiles(t *testing.T) {
	ctx := context.Background()
	emb := mapEmbedder{"refactor the auth flow": {1, 0, 0, 0}}
	eng, _, vs := newTestEngine(t, emb)

	// Cosine 0.3 sits under the 0.35 threshold; only the boost for a
	// matching working file lifts a hit over it.
	borderline := []float32{0.3, 0.9539392, 0, 0}
	upsertDoc(t, vs, vector.CollectionCode, "in-file", "token refresh handler", borderline,
		map[string]string{vector.MetaFilePath: "internal/auth/handler.go"})
	upsertDoc(t, vs, vector.CollectionCode, "elsewhere", "unrelated chunk", borderline,
		map[string]string{vector.MetaFilePath: "internal/report/render.go"})

	tc, err := eng.GetTaskContext(ctx, "refactor the auth flow",
		[]string{"internal/auth/handler.go"}, 1000)
	require.NoError(t, err)
	require.Len(t, tc.Code, 1)
	assert.Equal(t, "in-file", tc.Code[0].ID)
	assert.InDelta(t, 0.4, tc.Code[0].Relevance, 0.011)
}

func TestEstimateTokens(t *testing.T) {
	assert.Zero(t, EstimateTokens(""))
	assert.Positive(t, EstimateTokens("a"))
	long := strings.Repeat("word ", 100)
	assert.Greater(t, EstimateTokens(long), EstimateTokens("word"))
}
