package memory

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oakci/oak/internal/models"
	"github.com/oakci/oak/internal/store"
	"github.com/oakci/oak/internal/vector"
)

// hashEmbedder derives deterministic vectors from text hashes.
type hashEmbedder struct{ dims int }

func (h hashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	sum := sha256.Sum256([]byte(text))
	out := make([]float32, h.dims)
	for i := range out {
		bits := binary.LittleEndian.Uint32(sum[(i*4)%28:])
		out[i] = float32(bits%1000)/1000 - 0.5
	}
	return out, nil
}

func (h hashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, _ := h.Embed(ctx, t)
		out[i] = v
	}
	return out, nil
}

func newTestService(t *testing.T) (*Service, *sql.DB, *vector.Store) {
	t.Helper()
	db, err := store.InitDBWithPath(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	vs, err := vector.NewStore(t.TempDir())
	require.NoError(t, err)
	svc := NewService(db, vs, hashEmbedder{dims: 16})
	return svc, db, vs
}

func seedSession(t *testing.T, db *sql.DB, id string) {
	t.Helper()
	_, _, err := store.EnsureSession(db, id, "claude-code", "/work", time.Now())
	require.NoError(t, err)
}

func TestStoreObservationThenEmbed(t *testing.T) {
	svc, db, vs := newTestService(t)
	seedSession(t, db, "sess-1")
	ctx := context.Background()

	o, created, err := svc.StoreObservation(ctx, &models.Observation{
		SessionID:   "sess-1",
		Observation: "the scheduler needs its own db connection",
		MemoryType:  models.MemoryTypeDiscovery,
		Context:     "found while debugging lock contention",
	})
	require.NoError(t, err)
	require.True(t, created)
	assert.False(t, o.Embedded)

	require.NoError(t, svc.EmbedPending(ctx))

	got, err := store.GetObservation(db, o.ID)
	require.NoError(t, err)
	assert.True(t, got.Embedded)

	doc, err := vs.GetDocument(ctx, vector.CollectionMemory, o.ID)
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Contains(t, doc.Content, "lock contention")
	assert.Equal(t, "discovery", doc.Metadata[vector.MetaMemoryType])
	assert.Equal(t, "active", doc.Metadata[vector.MetaStatus])
}

func TestSessionSummariesUseOwnCollection(t *testing.T) {
	svc, db, vs := newTestService(t)
	seedSession(t, db, "sess-1")
	ctx := context.Background()

	o, _, err := svc.StoreObservation(ctx, &models.Observation{
		SessionID:   "sess-1",
		Observation: "refactored the ingest pipeline",
		MemoryType:  models.MemoryTypeSessionSummary,
	})
	require.NoError(t, err)
	require.NoError(t, svc.EmbedPending(ctx))

	doc, err := vs.GetDocument(ctx, vector.CollectionSessionSummaries, o.ID)
	require.NoError(t, err)
	assert.NotNil(t, doc)
	assert.Equal(t, 0, vs.Stats()[vector.CollectionMemory])
}

func TestUpdateStatusEmitsEventAndMirrorsIndex(t *testing.T) {
	svc, db, vs := newTestService(t)
	seedSession(t, db, "sess-1")
	ctx := context.Background()

	o, _, err := svc.StoreObservation(ctx, &models.Observation{
		SessionID:   "sess-1",
		Observation: "workaround for the flaky test",
		MemoryType:  models.MemoryTypeGotcha,
	})
	require.NoError(t, err)
	require.NoError(t, svc.EmbedPending(ctx))

	require.NoError(t, svc.UpdateStatus(ctx, o.ID, models.ObservationStatusResolved, "sess-2", ""))

	got, err := store.GetObservation(db, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ObservationStatusResolved, got.Status)
	assert.Equal(t, "sess-2", got.ResolvedBySessionID)

	events, err := store.ListLocalResolutionEvents(db)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Applied)
	assert.Equal(t, models.ResolutionActionResolved, events[0].Action)

	doc, err := vs.GetDocument(ctx, vector.CollectionMemory, o.ID)
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "resolved", doc.Metadata[vector.MetaStatus])

	// Resolving again is rejected.
	err = svc.UpdateStatus(ctx, o.ID, models.ObservationStatusResolved, "sess-3", "")
	require.Error(t, err)
}

func TestSupersedeRequiresSuccessor(t *testing.T) {
	svc, db, _ := newTestService(t)
	seedSession(t, db, "sess-1")
	ctx := context.Background()

	o, _, err := svc.StoreObservation(ctx, &models.Observation{
		SessionID: "sess-1", Observation: "old approach", MemoryType: models.MemoryTypeDecision,
	})
	require.NoError(t, err)

	err = svc.UpdateStatus(ctx, o.ID, models.ObservationStatusSuperseded, "", "")
	require.Error(t, err)

	require.NoError(t, svc.UpdateStatus(ctx, o.ID, models.ObservationStatusSuperseded, "", "new-obs"))
	got, err := store.GetObservation(db, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "new-obs", got.SupersededBy)
}

func TestReactivation(t *testing.T) {
	svc, db, _ := newTestService(t)
	seedSession(t, db, "sess-1")
	ctx := context.Background()

	o, _, err := svc.StoreObservation(ctx, &models.Observation{
		SessionID: "sess-1", Observation: "thing", MemoryType: models.MemoryTypeBugFix,
	})
	require.NoError(t, err)
	require.NoError(t, svc.UpdateStatus(ctx, o.ID, models.ObservationStatusResolved, "sess-2", ""))
	require.NoError(t, svc.UpdateStatus(ctx, o.ID, models.ObservationStatusActive, "", ""))

	got, err := store.GetObservation(db, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ObservationStatusActive, got.Status)
	assert.Empty(t, got.ResolvedBySessionID)
	assert.Nil(t, got.ResolvedAt)

	events, err := store.ListLocalResolutionEvents(db)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestReplayUnappliedEvents(t *testing.T) {
	svc, db, _ := newTestService(t)
	seedSession(t, db, "sess-1")
	ctx := context.Background()

	o, _, err := svc.StoreObservation(ctx, &models.Observation{
		SessionID: "sess-1", Observation: "imported fact", MemoryType: models.MemoryTypeGotcha,
	})
	require.NoError(t, err)

	// Simulate an imported event: another machine resolved this observation.
	require.NoError(t, store.InsertResolutionEvent(db, &models.ResolutionEvent{
		ObservationID:       o.ID,
		Action:              models.ResolutionActionResolved,
		SourceMachineID:     "other-machine",
		ResolvedBySessionID: "their-session",
		Applied:             false,
	}))
	// And one for an observation that has not arrived yet.
	require.NoError(t, store.InsertResolutionEvent(db, &models.ResolutionEvent{
		ObservationID:   "not-here-yet",
		Action:          models.ResolutionActionResolved,
		SourceMachineID: "other-machine",
		Applied:         false,
	}))

	applied, err := svc.ReplayUnappliedEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	got, err := store.GetObservation(db, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ObservationStatusResolved, got.Status)
	assert.Equal(t, "their-session", got.ResolvedBySessionID)

	// The orphan event stays queued for the next replay.
	pending, err := store.ListUnappliedResolutionEvents(db)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "not-here-yet", pending[0].ObservationID)

	// Replay is exactly-once per event.
	applied, err = svc.ReplayUnappliedEvents(ctx)
	require.NoError(t, err)
	assert.Zero(t, applied)
}

func TestReembedAll(t *testing.T) {
	svc, db, vs := newTestService(t)
	seedSession(t, db, "sess-1")
	ctx := context.Background()

	_, _, err := svc.StoreObservation(ctx, &models.Observation{
		SessionID: "sess-1", Observation: "fact", MemoryType: models.MemoryTypeDiscovery,
	})
	require.NoError(t, err)
	require.NoError(t, svc.EmbedPending(ctx))
	assert.Equal(t, 1, vs.Stats()[vector.CollectionMemory])

	require.NoError(t, svc.ReembedAll(ctx))
	assert.Equal(t, 0, vs.Stats()[vector.CollectionMemory])

	require.NoError(t, svc.EmbedPending(ctx))
	assert.Equal(t, 1, vs.Stats()[vector.CollectionMemory])
}

func TestArchiveMemories(t *testing.T) {
	svc, db, vs := newTestService(t)
	seedSession(t, db, "sess-1")
	ctx := context.Background()

	o, _, err := svc.StoreObservation(ctx, &models.Observation{
		SessionID: "sess-1", Observation: "old detail", MemoryType: models.MemoryTypeDiscovery,
	})
	require.NoError(t, err)
	require.NoError(t, svc.EmbedPending(ctx))

	n, err := svc.ArchiveMemories(ctx, []string{o.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	doc, err := vs.GetDocument(ctx, vector.CollectionMemory, o.ID)
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "true", doc.Metadata[vector.MetaArchived])

	// Relational row untouched.
	got, err := store.GetObservation(db, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ObservationStatusActive, got.Status)
}
