// Package memory coordinates the dual store: relational rows are
// authoritative, the vector index is a derived projection kept current by a
// background embed worker.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/oakci/oak/internal/models"
	"github.com/oakci/oak/internal/store"
	"github.com/oakci/oak/internal/vector"
)

// Embedder is the slice of the embedding chain the service needs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Service owns observation writes and the embed worker.
type Service struct {
	db       *sql.DB
	vs       *vector.Store
	embedder Embedder

	kick chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewService wires the dual store.
func NewService(db *sql.DB, vs *vector.Store, embedder Embedder) *Service {
	return &Service{
		db:       db,
		vs:       vs,
		embedder: embedder,
		kick:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
}

// Start launches the background embed worker. The worker wakes on demand
// and on a slow tick that catches anything a crash left unembedded.
func (s *Service) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-s.kick:
			case <-ticker.C:
			}
			if err := s.EmbedPending(context.Background()); err != nil {
				slog.Warn("embed pass failed, will retry", "error", err)
			}
		}
	}()
}

// Stop shuts the worker down, waiting for an in-flight pass.
func (s *Service) Stop() {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
}

func (s *Service) kickWorker() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// StoreObservation persists an observation and schedules its embedding.
// Returns the stored row and whether it was new; duplicates by content hash
// return the existing row.
func (s *Service) StoreObservation(ctx context.Context, o *models.Observation) (*models.Observation, bool, error) {
	stored, created, err := store.InsertObservation(s.db, o)
	if err != nil {
		return nil, false, err
	}
	if created {
		s.kickWorker()
	}
	return stored, created, nil
}

// collectionFor routes an observation to its index.
func collectionFor(o *models.Observation) string {
	if o.MemoryType == models.MemoryTypeSessionSummary {
		return vector.CollectionSessionSummaries
	}
	return vector.CollectionMemory
}

// docText is what gets embedded: the observation plus its context, which
// carries the searchable detail.
func docText(o *models.Observation) string {
	if o.Context == "" {
		return o.Observation
	}
	return o.Observation + "\n\n" + o.Context
}

func docMetadata(o *models.Observation) map[string]string {
	meta := map[string]string{
		vector.MetaSessionID:  o.SessionID,
		vector.MetaMemoryType: string(o.MemoryType),
		vector.MetaStatus:     string(o.Status),
		vector.MetaImportance: strconv.Itoa(o.Importance),
		vector.MetaCreatedAt:  o.CreatedAt.UTC().Format(time.RFC3339),
	}
	if o.FilePath != "" {
		meta[vector.MetaFilePath] = o.FilePath
	}
	if o.Tags != "" {
		meta[vector.MetaTags] = o.Tags
	}
	return meta
}

// EmbedPending projects every unembedded observation into the vector index.
// Each observation fails independently; one bad embed does not hold back
// the rest.
func (s *Service) EmbedPending(ctx context.Context) error {
	pending, err := store.ListUnembeddedObservations(s.db, 100)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	texts := make([]string, len(pending))
	for i, o := range pending {
		texts[i] = docText(o)
	}
	vectors, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("embedding batch failed: %w", err)
	}

	var embedded []string
	for i, o := range pending {
		doc := vector.Document{
			ID:        o.ID,
			Content:   docText(o),
			Metadata:  docMetadata(o),
			Embedding: vectors[i],
		}
		if err := s.vs.Upsert(ctx, collectionFor(o), doc); err != nil {
			slog.Warn("failed to index observation", "observation_id", o.ID, "error", err)
			continue
		}
		embedded = append(embedded, o.ID)
	}
	if len(embedded) == 0 {
		return nil
	}
	if err := store.MarkObservationsEmbedded(s.db, embedded); err != nil {
		return fmt.Errorf("failed to mark observations embedded: %w", err)
	}
	// More may have arrived while this pass ran.
	if len(pending) == 100 {
		s.kickWorker()
	}
	return nil
}

// actionForTransition validates a lifecycle transition and names it.
func actionForTransition(from, to models.ObservationStatus) (models.ResolutionAction, error) {
	switch {
	case from == models.ObservationStatusActive && to == models.ObservationStatusResolved:
		return models.ResolutionActionResolved, nil
	case from == models.ObservationStatusActive && to == models.ObservationStatusSuperseded:
		return models.ResolutionActionSuperseded, nil
	case from != models.ObservationStatusActive && to == models.ObservationStatusActive:
		return models.ResolutionActionReactivated, nil
	case from == to:
		return "", fmt.Errorf("observation already %s", from)
	default:
		return "", fmt.Errorf("invalid status transition %s -> %s", from, to)
	}
}

// UpdateStatus applies a lifecycle transition, emits the resolution event,
// and mirrors the new status into the vector index.
func (s *Service) UpdateStatus(ctx context.Context, observationID string, to models.ObservationStatus, resolvedBySessionID, supersededBy string) error {
	o, err := store.GetObservation(s.db, observationID)
	if err != nil {
		return err
	}
	action, err := actionForTransition(o.Status, to)
	if err != nil {
		return err
	}
	if action == models.ResolutionActionSuperseded && supersededBy == "" {
		return fmt.Errorf("superseding an observation requires the successor id")
	}

	if action == models.ResolutionActionReactivated {
		if err := store.ClearResolutionFields(s.db, observationID); err != nil {
			return err
		}
	} else {
		now := time.Now()
		err = store.UpdateObservationStatus(s.db, observationID, store.StatusUpdate{
			Status:              to,
			ResolvedBySessionID: resolvedBySessionID,
			SupersededBy:        supersededBy,
			ResolvedAt:          &now,
		})
		if err != nil {
			return err
		}
	}

	// Local events are born applied: the transition above already happened.
	err = store.InsertResolutionEvent(s.db, &models.ResolutionEvent{
		ObservationID:       observationID,
		Action:              action,
		ResolvedBySessionID: resolvedBySessionID,
		SupersededBy:        supersededBy,
		Applied:             true,
	})
	if err != nil {
		return err
	}

	if err := s.vs.SetMetadata(ctx, collectionFor(o), observationID,
		func(meta map[string]string) map[string]string {
			meta[vector.MetaStatus] = string(to)
			return meta
		}); err != nil {
		// The index is derived; a miss here self-heals on re-embed.
		slog.Warn("failed to mirror status into index", "observation_id", observationID, "error", err)
	}
	return nil
}

// ReplayUnappliedEvents applies imported resolution events to locally
// present observations. Events whose observation has not arrived yet stay
// unapplied and are retried on the next replay.
func (s *Service) ReplayUnappliedEvents(ctx context.Context) (applied int, err error) {
	events, err := store.ListUnappliedResolutionEvents(s.db)
	if err != nil {
		return 0, err
	}
	for _, e := range events {
		o, err := store.GetObservation(s.db, e.ObservationID)
		if err != nil {
			continue // not imported yet
		}
		if err := s.applyEvent(ctx, o, e); err != nil {
			slog.Warn("failed to replay resolution event",
				"event_id", e.ID, "observation_id", e.ObservationID, "error", err)
			continue
		}
		if err := store.MarkResolutionEventApplied(s.db, e.ID); err != nil {
			return applied, err
		}
		applied++
	}
	return applied, nil
}

func (s *Service) applyEvent(ctx context.Context, o *models.Observation, e *models.ResolutionEvent) error {
	var to models.ObservationStatus
	switch e.Action {
	case models.ResolutionActionResolved:
		to = models.ObservationStatusResolved
	case models.ResolutionActionSuperseded:
		to = models.ObservationStatusSuperseded
	case models.ResolutionActionReactivated:
		to = models.ObservationStatusActive
	default:
		return fmt.Errorf("unknown resolution action %q", e.Action)
	}
	if o.Status == to {
		// Already converged (both machines made the same transition).
		return nil
	}
	if to == models.ObservationStatusActive {
		if err := store.ClearResolutionFields(s.db, o.ID); err != nil {
			return err
		}
	} else {
		now := e.CreatedAt
		if now.IsZero() {
			now = time.Now()
		}
		err := store.UpdateObservationStatus(s.db, o.ID, store.StatusUpdate{
			Status:              to,
			ResolvedBySessionID: e.ResolvedBySessionID,
			SupersededBy:        e.SupersededBy,
			ResolvedAt:          &now,
		})
		if err != nil {
			return err
		}
	}
	if err := s.vs.SetMetadata(ctx, collectionFor(o), o.ID,
		func(meta map[string]string) map[string]string {
			meta[vector.MetaStatus] = string(to)
			return meta
		}); err != nil {
		slog.Warn("failed to mirror replayed status into index", "observation_id", o.ID, "error", err)
	}
	return nil
}

// ArchiveMemories flags observations as archived in the index. The
// relational rows are retained untouched; archive narrows search, it does
// not delete history.
func (s *Service) ArchiveMemories(ctx context.Context, ids []string) (int, error) {
	archived := 0
	for _, id := range ids {
		o, err := store.GetObservation(s.db, id)
		if err != nil {
			continue
		}
		n, err := s.vs.Archive(ctx, collectionFor(o), id)
		if err != nil {
			return archived, err
		}
		archived += n
	}
	return archived, nil
}

// ReembedAll drops the derived index and schedules a full rebuild.
func (s *Service) ReembedAll(ctx context.Context) error {
	for _, c := range []string{vector.CollectionMemory, vector.CollectionSessionSummaries} {
		if err := s.vs.Clear(c); err != nil {
			return err
		}
	}
	if err := store.ClearEmbeddedFlags(s.db); err != nil {
		return err
	}
	s.kickWorker()
	return nil
}

// Stats merges relational and index counts for the status surface.
type Stats struct {
	Observations *store.ObservationStats `json:"observations"`
	Index        map[string]int          `json:"index"`
}

// GetStats aggregates both stores.
func (s *Service) GetStats() (*Stats, error) {
	obs, err := store.GetObservationStats(s.db)
	if err != nil {
		return nil, err
	}
	return &Stats{Observations: obs, Index: s.vs.Stats()}, nil
}
