package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oakci/oak/internal/models"
)

func TestScheduleLifecycle(t *testing.T) {
	db := openTestDB(t)
	next := time.Now().Add(time.Hour)

	require.NoError(t, UpsertSchedule(db, "nightly-review", "0 2 * * *", true, next))
	s, err := GetSchedule(db, "nightly-review")
	require.NoError(t, err)
	assert.True(t, s.Enabled)
	assert.Equal(t, "0 2 * * *", s.CronExpr)
	require.NotNil(t, s.NextRunAt)

	// Config change updates the expression, run history survives.
	ranAt := time.Now()
	require.NoError(t, UpdateScheduleAfterRun(db, "nightly-review", "run-1", ranAt, next))
	require.NoError(t, UpsertSchedule(db, "nightly-review", "30 2 * * *", true, next))
	s, err = GetSchedule(db, "nightly-review")
	require.NoError(t, err)
	assert.Equal(t, "30 2 * * *", s.CronExpr)
	assert.Equal(t, "run-1", s.LastRunID)
	require.NotNil(t, s.LastRunAt)
}

func TestUpsertSchedulePreservesDisabled(t *testing.T) {
	db := openTestDB(t)
	next := time.Now().Add(time.Hour)

	require.NoError(t, UpsertSchedule(db, "nightly", "0 2 * * *", true, next))
	_, err := db.Exec(`UPDATE agent_schedules SET enabled = 0 WHERE instance_name = ?`, "nightly")
	require.NoError(t, err)

	// A later sync updates the cron and next run but must not flip the
	// user's disabled flag back on.
	require.NoError(t, UpsertSchedule(db, "nightly", "30 2 * * *", true, next.Add(time.Hour)))
	s, err := GetSchedule(db, "nightly")
	require.NoError(t, err)
	assert.False(t, s.Enabled)
	assert.Equal(t, "30 2 * * *", s.CronExpr)
}

func TestGetScheduleMissing(t *testing.T) {
	db := openTestDB(t)
	_, err := GetSchedule(db, "ghost")
	require.ErrorIs(t, err, models.ErrScheduleNotFound)
}

func TestListDueSchedules(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()

	require.NoError(t, UpsertSchedule(db, "due", "* * * * *", true, now.Add(-time.Minute)))
	require.NoError(t, UpsertSchedule(db, "future", "* * * * *", true, now.Add(time.Hour)))
	require.NoError(t, UpsertSchedule(db, "disabled", "* * * * *", false, now.Add(-time.Minute)))

	due, err := ListDueSchedules(db, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "due", due[0].InstanceName)
}

func TestDeleteSchedulesNotIn(t *testing.T) {
	db := openTestDB(t)
	next := time.Now().Add(time.Hour)
	require.NoError(t, UpsertSchedule(db, "keep", "* * * * *", true, next))
	require.NoError(t, UpsertSchedule(db, "drop", "* * * * *", true, next))

	require.NoError(t, DeleteSchedulesNotIn(db, []string{"keep"}))
	all, err := ListSchedules(db)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "keep", all[0].InstanceName)

	require.NoError(t, DeleteSchedulesNotIn(db, nil))
	all, err = ListSchedules(db)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestAgentRunLifecycle(t *testing.T) {
	db := openTestDB(t)
	started := time.Now().Add(-2 * time.Minute)

	id, err := CreateAgentRun(db, "nightly-review", "review yesterday's sessions", started)
	require.NoError(t, err)

	running, err := HasRunningRun(db, "nightly-review")
	require.NoError(t, err)
	assert.True(t, running)

	require.NoError(t, FinishAgentRun(db, id, RunResult{
		Status:        models.RunStatusCompleted,
		EndedAt:       time.Now(),
		CostUSD:       0.12,
		TurnsUsed:     7,
		InputTokens:   1200,
		OutputTokens:  800,
		FilesModified: []string{"notes.md"},
	}))

	running, err = HasRunningRun(db, "nightly-review")
	require.NoError(t, err)
	assert.False(t, running)

	r, err := GetAgentRun(db, id)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, r.Status)
	assert.InDelta(t, 0.12, r.CostUSD, 1e-9)
	assert.Equal(t, []string{"notes.md"}, r.FilesModified)
	assert.Greater(t, r.DurationMS, int64(0))
}

func TestFinishAgentRunRejectsNonTerminal(t *testing.T) {
	db := openTestDB(t)
	id, err := CreateAgentRun(db, "a", "t", time.Now())
	require.NoError(t, err)
	err = FinishAgentRun(db, id, RunResult{Status: models.RunStatusRunning, EndedAt: time.Now()})
	require.Error(t, err)
}

func TestRecoverStaleRuns(t *testing.T) {
	db := openTestDB(t)

	staleID, err := CreateAgentRun(db, "stuck-agent", "task", time.Now().Add(-2*time.Hour))
	require.NoError(t, err)
	freshID, err := CreateAgentRun(db, "healthy-agent", "task", time.Now())
	require.NoError(t, err)

	recovered, err := RecoverStaleRuns(db, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, []string{staleID}, recovered)

	r, err := GetAgentRun(db, staleID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusTimeout, r.Status)
	assert.Contains(t, r.Error, "watchdog")

	r, err = GetAgentRun(db, freshID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, r.Status)

	// Nothing left to recover.
	recovered, err = RecoverStaleRuns(db, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, recovered)
}

func TestSessionRelationshipsCanonicalOrder(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, UpsertSessionRelationship(db, "zzz", "aaa", "related", 0.8, "suggestion"))

	linked, err := SessionsLinked(db, "aaa", "zzz")
	require.NoError(t, err)
	assert.True(t, linked)
	linked, err = SessionsLinked(db, "zzz", "aaa")
	require.NoError(t, err)
	assert.True(t, linked)

	// Upsert same pair updates score instead of duplicating.
	require.NoError(t, UpsertSessionRelationship(db, "aaa", "zzz", "related", 0.9, "manual"))
	rels, err := ListRelationshipsForSession(db, "aaa")
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, "aaa", rels[0].SessionAID)
	assert.Equal(t, "zzz", rels[0].SessionBID)
	assert.InDelta(t, 0.9, rels[0].SimilarityScore, 1e-9)
	assert.Equal(t, "manual", rels[0].CreatedBy)

	err = UpsertSessionRelationship(db, "aaa", "aaa", "related", 1, "manual")
	require.Error(t, err)
}
