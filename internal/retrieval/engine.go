// Package retrieval is the three-layer read path: a cheap index search,
// bounded previews with related items, and full fetch. Callers spend tokens
// progressively instead of pulling everything on the first call.
package retrieval

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"

	"github.com/oakci/oak/internal/app"
	"github.com/oakci/oak/internal/models"
	"github.com/oakci/oak/internal/store"
	"github.com/oakci/oak/internal/vector"
)

// Embedder is the slice of the embedding chain retrieval needs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Engine answers search and context queries.
type Engine struct {
	db       *sql.DB
	vs       *vector.Store
	embedder Embedder
	cfg      app.RetrievalSettings
}

// NewEngine wires the retrieval surfaces.
func NewEngine(db *sql.DB, vs *vector.Store, embedder Embedder, cfg app.RetrievalSettings) *Engine {
	return &Engine{db: db, vs: vs, embedder: embedder, cfg: cfg}
}

// IndexEntry is one layer-1 hit: enough to decide whether to fetch, cheap
// enough to return many.
type IndexEntry struct {
	ID            string  `json:"id"`
	Collection    string  `json:"collection"`
	MemoryType    string  `json:"memory_type,omitempty"`
	SessionID     string  `json:"session_id,omitempty"`
	FilePath      string  `json:"file_path,omitempty"`
	Status        string  `json:"status,omitempty"`
	Relevance     float64 `json:"relevance"`
	TokenEstimate int     `json:"token_estimate"`
}

// SearchResponse is the layer-1 result set.
type SearchResponse struct {
	Results              []IndexEntry `json:"results"`
	TotalTokensAvailable int          `json:"total_tokens_available"`
}

// SearchOptions narrow a layer-1 search.
type SearchOptions struct {
	Limit           int
	MemoryType      string
	Status          string
	IncludeArchived bool
	// Collections defaults to memory + session summaries.
	Collections []string
}

// SearchIndex runs a layer-1 search: ids, relevance, and token estimates
// only. Content stays on the server until layer 2 asks for it.
func (e *Engine) SearchIndex(ctx context.Context, query string, opts SearchOptions) (*SearchResponse, error) {
	qv, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	collections := opts.Collections
	if len(collections) == 0 {
		collections = []string{vector.CollectionMemory, vector.CollectionSessionSummaries}
	}

	var where map[string]string
	if opts.MemoryType != "" {
		where = map[string]string{vector.MetaMemoryType: opts.MemoryType}
	}

	var entries []IndexEntry
	total := 0
	for _, col := range collections {
		hits, err := e.vs.Query(ctx, col, qv, limit, where)
		if err != nil {
			return nil, err
		}
		for _, h := range hits {
			if h.Relevance < e.cfg.RelevanceThreshold {
				continue
			}
			if !opts.IncludeArchived && h.Metadata[vector.MetaArchived] == "true" {
				continue
			}
			if opts.Status != "" && h.Metadata[vector.MetaStatus] != opts.Status {
				continue
			}
			est := EstimateTokens(h.Content)
			total += est
			entries = append(entries, IndexEntry{
				ID:            h.ID,
				Collection:    col,
				MemoryType:    h.Metadata[vector.MetaMemoryType],
				SessionID:     h.Metadata[vector.MetaSessionID],
				FilePath:      h.Metadata[vector.MetaFilePath],
				Status:        h.Metadata[vector.MetaStatus],
				Relevance:     round2(h.Relevance),
				TokenEstimate: est,
			})
		}
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Relevance > entries[j].Relevance })
	if len(entries) > limit {
		entries = entries[:limit]
		total = 0
		for _, en := range entries {
			total += en.TokenEstimate
		}
	}
	return &SearchResponse{Results: entries, TotalTokensAvailable: total}, nil
}

// ContextItem is a layer-2 preview.
type ContextItem struct {
	ID         string  `json:"id"`
	Collection string  `json:"collection"`
	MemoryType string  `json:"memory_type,omitempty"`
	Preview    string  `json:"preview"`
	Relevance  float64 `json:"relevance,omitempty"`
	Truncated  bool    `json:"truncated"`
}

// ContextResponse is the layer-2 result: the selected items plus a handful
// of neighbors the caller did not ask for but probably wants.
type ContextResponse struct {
	Selected []ContextItem `json:"selected"`
	Related  []ContextItem `json:"related,omitempty"`
}

const maxRelatedItems = 5

// GetContext returns bounded previews for chosen ids, plus up to five
// related items discovered from the first selected document's embedding.
func (e *Engine) GetContext(ctx context.Context, ids []string) (*ContextResponse, error) {
	resp := &ContextResponse{}
	selected := make(map[string]bool, len(ids))

	var anchor *vector.Document
	for _, id := range ids {
		doc, col, err := e.findDocument(ctx, id)
		if err != nil {
			return nil, err
		}
		if doc == nil {
			continue
		}
		selected[id] = true
		if anchor == nil {
			anchor = doc
		}
		preview, truncated := e.preview(doc.Content)
		resp.Selected = append(resp.Selected, ContextItem{
			ID:         doc.ID,
			Collection: col,
			MemoryType: doc.Metadata[vector.MetaMemoryType],
			Preview:    preview,
			Truncated:  truncated,
		})
	}

	if anchor == nil || len(anchor.Embedding) == 0 {
		return resp, nil
	}
	hits, err := e.vs.Query(ctx, vector.CollectionMemory, anchor.Embedding,
		maxRelatedItems+len(ids), nil)
	if err != nil {
		return nil, err
	}
	for _, h := range hits {
		if selected[h.ID] || h.Metadata[vector.MetaArchived] == "true" {
			continue
		}
		if h.Relevance < e.cfg.RelevanceThreshold {
			continue
		}
		preview, truncated := e.preview(h.Content)
		resp.Related = append(resp.Related, ContextItem{
			ID:         h.ID,
			Collection: vector.CollectionMemory,
			MemoryType: h.Metadata[vector.MetaMemoryType],
			Preview:    preview,
			Relevance:  round2(h.Relevance),
			Truncated:  truncated,
		})
		if len(resp.Related) >= maxRelatedItems {
			break
		}
	}
	return resp, nil
}

// FetchFull is layer 3: complete observations from the authoritative store.
func (e *Engine) FetchFull(ctx context.Context, ids []string) ([]*models.Observation, error) {
	out := make([]*models.Observation, 0, len(ids))
	for _, id := range ids {
		o, err := store.GetObservation(e.db, id)
		if err != nil {
			continue // unknown ids are skipped, not fatal
		}
		out = append(out, o)
	}
	return out, nil
}

// TaskContextItem is one entry in an assembled task context.
type TaskContextItem struct {
	ID         string  `json:"id"`
	Collection string  `json:"collection"`
	Content    string  `json:"content"`
	Relevance  float64 `json:"relevance"`
	Tokens     int     `json:"tokens"`
}

// TaskContext is a budgeted context pack for starting a task.
type TaskContext struct {
	Code       []TaskContextItem `json:"code,omitempty"`
	Memory     []TaskContextItem `json:"memory,omitempty"`
	TokensUsed int               `json:"tokens_used"`
}

// codeBudgetShare is the fraction of a task-context budget reserved for
// code-side documents; the remainder goes to memories.
const codeBudgetShare = 0.7

// fileMatchBoost lifts hits whose file_path is one the caller is already
// working in. Enough to rescue a borderline hit, not enough to outrank a
// genuinely better match from elsewhere.
const fileMatchBoost = 0.1

// GetTaskContext assembles a context pack for a task description under a
// token budget: 70% code documents, 30% memories, each side filled greedily
// by relevance. currentFiles bias retrieval toward documents from the files
// the caller has open.
func (e *Engine) GetTaskContext(ctx context.Context, task string, currentFiles []string, budgetTokens int) (*TaskContext, error) {
	if budgetTokens <= 0 {
		budgetTokens = 2000
	}
	qv, err := e.embedder.Embed(ctx, task)
	if err != nil {
		return nil, fmt.Errorf("failed to embed task: %w", err)
	}
	fileSet := make(map[string]struct{}, len(currentFiles))
	for _, f := range currentFiles {
		if f != "" {
			fileSet[f] = struct{}{}
		}
	}

	out := &TaskContext{}
	codeBudget := int(float64(budgetTokens) * codeBudgetShare)
	memoryBudget := budgetTokens - codeBudget

	out.Code, err = e.fillBudget(ctx, vector.CollectionCode, qv, fileSet, codeBudget)
	if err != nil {
		return nil, err
	}
	out.Memory, err = e.fillBudget(ctx, vector.CollectionMemory, qv, fileSet, memoryBudget)
	if err != nil {
		return nil, err
	}
	for _, item := range out.Code {
		out.TokensUsed += item.Tokens
	}
	for _, item := range out.Memory {
		out.TokensUsed += item.Tokens
	}
	return out, nil
}

func (e *Engine) fillBudget(ctx context.Context, collection string, qv []float32, fileSet map[string]struct{}, budget int) ([]TaskContextItem, error) {
	hits, err := e.vs.Query(ctx, collection, qv, 50, nil)
	if err != nil {
		return nil, err
	}
	// Boosting can reorder hits, so threshold and sort on the adjusted
	// relevance before the greedy fill.
	var scored []TaskContextItem
	for _, h := range hits {
		if h.Metadata[vector.MetaArchived] == "true" {
			continue
		}
		rel := h.Relevance
		if _, ok := fileSet[h.Metadata[vector.MetaFilePath]]; ok {
			rel = math.Min(rel+fileMatchBoost, 1)
		}
		if rel < e.cfg.RelevanceThreshold {
			continue
		}
		scored = append(scored, TaskContextItem{
			ID:         h.ID,
			Collection: collection,
			Content:    h.Content,
			Relevance:  round2(rel),
			Tokens:     EstimateTokens(h.Content),
		})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Relevance > scored[j].Relevance })

	var items []TaskContextItem
	remaining := budget
	for _, item := range scored {
		if item.Tokens > remaining {
			continue // greedy: a smaller later item may still fit
		}
		items = append(items, item)
		remaining -= item.Tokens
	}
	return items, nil
}

func (e *Engine) findDocument(ctx context.Context, id string) (*vector.Document, string, error) {
	for _, col := range vector.AllCollections {
		doc, err := e.vs.GetDocument(ctx, col, id)
		if err != nil {
			return nil, "", err
		}
		if doc != nil {
			return doc, col, nil
		}
	}
	return nil, "", nil
}

func (e *Engine) preview(content string) (string, bool) {
	limit := e.cfg.PreviewChars
	if limit <= 0 {
		limit = 200
	}
	if len(content) <= limit {
		return content, false
	}
	return content[:limit], true
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
