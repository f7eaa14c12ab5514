// Package vector wraps chromem-go as the derived search index. The
// relational store stays authoritative; everything here can be rebuilt from
// it, so recovery from any inconsistency is delete-and-re-embed.
package vector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	chromem "github.com/philippgille/chromem-go"
)

// Collection names. One per document kind so dimension or schema trouble in
// one index never touches the others.
const (
	CollectionCode             = "oak_code"
	CollectionMemory           = "oak_memory"
	CollectionSessionSummaries = "oak_session_summaries"
)

// AllCollections lists every collection the store manages.
var AllCollections = []string{CollectionCode, CollectionMemory, CollectionSessionSummaries}

const dimensionsFile = "dimensions.json"

// Document is one entry in a collection with a pre-computed embedding.
type Document struct {
	ID        string
	Content   string
	Metadata  map[string]string
	Embedding []float32
}

// Result is one search hit. Relevance is cosine similarity clamped to [0,1].
type Result struct {
	ID        string
	Content   string
	Metadata  map[string]string
	Relevance float64
}

// Store is a persistent chromem-go database with per-collection dimension
// tracking. Embeddings are computed externally; the registered embedding
// function only guards against accidental text-only adds.
type Store struct {
	dir string

	mu          sync.RWMutex
	db          *chromem.DB
	collections map[string]*chromem.Collection
	dims        map[string]int
}

// NewStore opens (or creates) the vector store under dir.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create vector dir: %w", err)
	}
	db, err := chromem.NewPersistentDB(dir, false)
	if err != nil {
		return nil, fmt.Errorf("failed to open vector store: %w", err)
	}
	s := &Store{
		dir:         dir,
		db:          db,
		collections: make(map[string]*chromem.Collection),
		dims:        make(map[string]int),
	}
	s.loadDims()
	return s, nil
}

// rejectTextEmbedding is the registered chromem embedding function. All
// vectors arrive pre-computed; reaching this is a bug.
func rejectTextEmbedding(context.Context, string) ([]float32, error) {
	return nil, fmt.Errorf("vectors must be pre-computed, text embedding is not wired here")
}

func (s *Store) loadDims() {
	data, err := os.ReadFile(filepath.Join(s.dir, dimensionsFile))
	if err != nil {
		return
	}
	_ = json.Unmarshal(data, &s.dims)
}

// saveDims persists the dimension sidecar. Caller holds the write lock.
func (s *Store) saveDims() {
	data, err := json.Marshal(s.dims)
	if err != nil {
		return
	}
	if err := os.WriteFile(filepath.Join(s.dir, dimensionsFile), data, 0o644); err != nil {
		slog.Warn("failed to persist vector dimensions", "error", err)
	}
}

func (s *Store) collection(name string) (*chromem.Collection, error) {
	s.mu.RLock()
	if col, ok := s.collections[name]; ok {
		s.mu.RUnlock()
		return col, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if col, ok := s.collections[name]; ok {
		return col, nil
	}
	col, err := s.db.GetOrCreateCollection(name, nil, rejectTextEmbedding)
	if err != nil {
		return nil, fmt.Errorf("failed to open collection %q: %w", name, err)
	}
	s.collections[name] = col
	return col, nil
}

// checkDimensions compares an incoming vector against the collection's
// recorded dimensionality. On mismatch (an embedding model change) the
// collection is dropped and recreated empty; the relational store re-embeds.
func (s *Store) checkDimensions(name string, vectorLen int) error {
	if vectorLen == 0 {
		return fmt.Errorf("refusing to store an empty vector in %q", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	recorded := s.dims[name]
	if recorded == 0 {
		s.dims[name] = vectorLen
		s.saveDims()
		return nil
	}
	if recorded == vectorLen {
		return nil
	}

	slog.Warn("embedding dimensions changed, rebuilding collection",
		"collection", name, "recorded", recorded, "incoming", vectorLen)
	if err := s.db.DeleteCollection(name); err != nil {
		return fmt.Errorf("failed to drop collection %q: %w", name, err)
	}
	delete(s.collections, name)
	col, err := s.db.GetOrCreateCollection(name, nil, rejectTextEmbedding)
	if err != nil {
		return fmt.Errorf("failed to recreate collection %q: %w", name, err)
	}
	s.collections[name] = col
	s.dims[name] = vectorLen
	s.saveDims()
	return nil
}

// Upsert adds or replaces a document.
func (s *Store) Upsert(ctx context.Context, collection string, doc Document) error {
	if err := s.checkDimensions(collection, len(doc.Embedding)); err != nil {
		return err
	}
	col, err := s.collection(collection)
	if err != nil {
		return err
	}
	cd := chromem.Document{
		ID:        doc.ID,
		Content:   doc.Content,
		Metadata:  doc.Metadata,
		Embedding: doc.Embedding,
	}
	if err := col.AddDocuments(ctx, []chromem.Document{cd}, runtime.NumCPU()); err != nil {
		return fmt.Errorf("failed to upsert document %q: %w", doc.ID, err)
	}
	return nil
}

// Query searches a collection with a pre-computed vector, optionally
// filtered by metadata equality.
func (s *Store) Query(ctx context.Context, collection string, vector []float32, topK int, where map[string]string) ([]Result, error) {
	col, err := s.collection(collection)
	if err != nil {
		return nil, err
	}
	// chromem rejects topK > count.
	if n := col.Count(); n < topK {
		topK = n
	}
	if topK <= 0 {
		return nil, nil
	}
	hits, err := col.QueryEmbedding(ctx, vector, topK, where, nil)
	if err != nil {
		return nil, fmt.Errorf("vector query on %q failed: %w", collection, err)
	}
	out := make([]Result, 0, len(hits))
	for _, h := range hits {
		out = append(out, Result{
			ID:        h.ID,
			Content:   h.Content,
			Metadata:  h.Metadata,
			Relevance: clamp01(float64(h.Similarity)),
		})
	}
	return out, nil
}

// GetDocument loads one document by id. Returns nil when absent.
func (s *Store) GetDocument(ctx context.Context, collection, id string) (*Document, error) {
	col, err := s.collection(collection)
	if err != nil {
		return nil, err
	}
	d, err := col.GetByID(ctx, id)
	if err != nil {
		// chromem reports a missing id as an error; the index is derived,
		// so absence is a normal answer.
		return nil, nil
	}
	return &Document{ID: d.ID, Content: d.Content, Metadata: d.Metadata, Embedding: d.Embedding}, nil
}

// SetMetadata rewrites a document's metadata in place, keeping content and
// embedding. Used for archive flags and status mirrors. Missing ids are a
// no-op.
func (s *Store) SetMetadata(ctx context.Context, collection, id string, update func(map[string]string) map[string]string) error {
	doc, err := s.GetDocument(ctx, collection, id)
	if err != nil {
		return err
	}
	if doc == nil {
		return nil
	}
	meta := doc.Metadata
	if meta == nil {
		meta = make(map[string]string)
	}
	doc.Metadata = update(meta)
	return s.Upsert(ctx, collection, *doc)
}

// Clear empties one collection, keeping its recorded dimensions.
func (s *Store) Clear(collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.DeleteCollection(collection); err != nil {
		return fmt.Errorf("failed to clear collection %q: %w", collection, err)
	}
	delete(s.collections, collection)
	return nil
}

// Stats returns per-collection document counts. Collections that error
// mid-read (concurrent rebuild) report -1 instead of failing the call.
func (s *Store) Stats() map[string]int {
	out := make(map[string]int, len(AllCollections))
	for _, name := range AllCollections {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Warn("vector stats read raced a rebuild", "collection", name)
					out[name] = -1
				}
			}()
			col, err := s.collection(name)
			if err != nil {
				out[name] = -1
				return
			}
			out[name] = col.Count()
		}()
	}
	return out
}

// Dimensions returns the recorded dimensionality for a collection (0 if
// nothing has been stored yet).
func (s *Store) Dimensions(collection string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dims[collection]
}

// HardReset deletes the entire on-disk index and reopens empty.
func (s *Store) HardReset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("failed to remove vector dir: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to recreate vector dir: %w", err)
	}
	db, err := chromem.NewPersistentDB(s.dir, false)
	if err != nil {
		return fmt.Errorf("failed to reopen vector store: %w", err)
	}
	s.db = db
	s.collections = make(map[string]*chromem.Collection)
	s.dims = make(map[string]int)
	return nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
