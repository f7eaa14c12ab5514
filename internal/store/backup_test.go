package store

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oakci/oak/internal/models"
)

func TestBackupRoundTrip(t *testing.T) {
	src := openTestDB(t)
	now := time.Now()

	_, _, err := EnsureSession(src, "sess-1", "claude-code", "/work", now)
	require.NoError(t, err)
	b, err := CreatePromptBatch(src, "sess-1", "a prompt with 'quotes'\nand a newline", models.SourceTypeUser, now)
	require.NoError(t, err)
	require.NoError(t, EndPromptBatch(src, b.ID, now.Add(time.Minute)))
	_, err = InsertActivities(src, []*models.Activity{
		testActivity("sess-1", &b.ID, "Edit", now),
	})
	require.NoError(t, err)
	obs, _, err := InsertObservation(src, &models.Observation{
		SessionID: "sess-1", Observation: "it's tricky", MemoryType: models.MemoryTypeGotcha,
	})
	require.NoError(t, err)
	require.NoError(t, MarkObservationsEmbedded(src, []string{obs.ID}))

	var buf bytes.Buffer
	require.NoError(t, ExportSQL(src, &buf))
	dump := buf.String()
	assert.True(t, strings.HasPrefix(dump, backupHeaderMarker))
	assert.Contains(t, dump, "-- schema_version: 5")
	assert.Contains(t, dump, "INSERT INTO sessions")

	dst := openTestDB(t)
	res, err := ImportSQL(dst, strings.NewReader(dump))
	require.NoError(t, err)
	assert.Equal(t, res.Statements, res.Inserted)
	assert.Zero(t, res.Skipped)

	s, err := GetSession(dst, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "claude-code", s.Agent)

	batches, err := ListBatchesForSession(dst, "sess-1")
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, "a prompt with 'quotes'\nand a newline", batches[0].UserPrompt)

	imported, err := GetObservation(dst, obs.ID)
	require.NoError(t, err)
	assert.Equal(t, "it's tricky", imported.Observation)
	// The importing machine rebuilds its own vector index.
	assert.False(t, imported.Embedded)

	// Re-import is a no-op.
	res, err = ImportSQL(dst, strings.NewReader(dump))
	require.NoError(t, err)
	assert.Zero(t, res.Inserted)
	assert.Equal(t, res.Statements, res.Skipped)
}

func TestBackupExportsResolutionEventsUnapplied(t *testing.T) {
	src := openTestDB(t)
	_, _, err := EnsureSession(src, "sess-1", "claude-code", "/work", time.Now())
	require.NoError(t, err)
	obs, _, err := InsertObservation(src, &models.Observation{
		SessionID: "sess-1", Observation: "resolved thing", MemoryType: models.MemoryTypeBugFix,
	})
	require.NoError(t, err)

	// Locally the event is already applied.
	require.NoError(t, InsertResolutionEvent(src, &models.ResolutionEvent{
		ObservationID:       obs.ID,
		Action:              models.ResolutionActionResolved,
		ResolvedBySessionID: "sess-1",
		Applied:             true,
	}))
	unapplied, err := ListUnappliedResolutionEvents(src)
	require.NoError(t, err)
	assert.Empty(t, unapplied)

	var buf bytes.Buffer
	require.NoError(t, ExportSQL(src, &buf))

	dst := openTestDB(t)
	_, err = ImportSQL(dst, strings.NewReader(buf.String()))
	require.NoError(t, err)

	// On the importing side the event waits for replay.
	unapplied, err = ListUnappliedResolutionEvents(dst)
	require.NoError(t, err)
	require.Len(t, unapplied, 1)
	assert.Equal(t, obs.ID, unapplied[0].ObservationID)
	assert.Equal(t, models.ResolutionActionResolved, unapplied[0].Action)

	require.NoError(t, MarkResolutionEventApplied(dst, unapplied[0].ID))
	unapplied, err = ListUnappliedResolutionEvents(dst)
	require.NoError(t, err)
	assert.Empty(t, unapplied)
}

func TestImportRejectsNonInsertStatements(t *testing.T) {
	db := openTestDB(t)
	_, err := ImportSQL(db, strings.NewReader("DROP TABLE sessions;"))
	require.Error(t, err)

	// Comments and blank lines are fine.
	res, err := ImportSQL(db, strings.NewReader("-- oak backup v1\n\n"))
	require.NoError(t, err)
	assert.Zero(t, res.Statements)
}

func TestInsertResolutionEventDedup(t *testing.T) {
	db := openTestDB(t)
	e := &models.ResolutionEvent{
		ObservationID: "obs-1",
		Action:        models.ResolutionActionResolved,
	}
	require.NoError(t, InsertResolutionEvent(db, e))
	require.NoError(t, InsertResolutionEvent(db, &models.ResolutionEvent{
		ObservationID: "obs-1",
		Action:        models.ResolutionActionResolved,
	}))

	events, err := ListLocalResolutionEvents(db)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
