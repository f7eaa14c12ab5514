package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oakci/oak/internal/app"
	"github.com/oakci/oak/internal/models"
	"github.com/oakci/oak/internal/store"
)

type stubRunner struct {
	mu    sync.Mutex
	calls []string
	tasks []string
	err   error
}

func (r *stubRunner) Run(_ context.Context, inst app.AgentInstance, task string) (store.RunResult, error) {
	r.mu.Lock()
	r.calls = append(r.calls, inst.Name)
	r.tasks = append(r.tasks, task)
	r.mu.Unlock()
	if r.err != nil {
		return store.RunResult{}, r.err
	}
	return store.RunResult{Status: models.RunStatusCompleted, EndedAt: time.Now(), TurnsUsed: 3}, nil
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := store.InitDBWithPath(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testConfig(instances ...app.AgentInstance) app.SchedulerSettings {
	cfg := app.DefaultSettings().Scheduler
	cfg.Instances = instances
	return cfg
}

func TestSyncSchedules(t *testing.T) {
	db := openTestDB(t)
	s := New(db, nil, testConfig(
		app.AgentInstance{Name: "nightly", Cron: "0 3 * * *", Task: "tidy"},
		app.AgentInstance{Name: "broken", Cron: "not a cron", Task: "x"},
	))
	now := time.Now()

	require.NoError(t, s.SyncSchedules(now))

	sched, err := store.GetSchedule(db, "nightly")
	require.NoError(t, err)
	assert.True(t, sched.Enabled)
	require.NotNil(t, sched.NextRunAt)
	assert.True(t, sched.NextRunAt.After(now))

	_, err = store.GetSchedule(db, "broken")
	require.ErrorIs(t, err, models.ErrScheduleNotFound)
}

func TestSyncSchedulesPreservesDisabled(t *testing.T) {
	db := openTestDB(t)
	s := New(db, nil, testConfig(
		app.AgentInstance{Name: "nightly", Cron: "0 3 * * *", Task: "tidy"},
	))
	require.NoError(t, s.SyncSchedules(time.Now()))

	_, err := db.Exec(`UPDATE agent_schedules SET enabled = 0 WHERE instance_name = ?`, "nightly")
	require.NoError(t, err)

	// Every daemon start syncs; a disabled schedule must survive it.
	require.NoError(t, s.SyncSchedules(time.Now()))
	sched, err := store.GetSchedule(db, "nightly")
	require.NoError(t, err)
	assert.False(t, sched.Enabled)
}

func TestSyncSchedulesRemovesUnconfigured(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, store.UpsertSchedule(db, "stale", "* * * * *", true, time.Now()))

	s := New(db, nil, testConfig(app.AgentInstance{Name: "kept", Cron: "* * * * *", Task: "x"}))
	require.NoError(t, s.SyncSchedules(time.Now()))

	_, err := store.GetSchedule(db, "stale")
	require.ErrorIs(t, err, models.ErrScheduleNotFound)
	_, err = store.GetSchedule(db, "kept")
	require.NoError(t, err)
}

func TestCheckAndRunDispatchesDue(t *testing.T) {
	db := openTestDB(t)
	runner := &stubRunner{}
	inst := app.AgentInstance{Name: "nightly", Cron: "* * * * *", Task: "tidy the backlog"}
	s := New(db, runner, testConfig(inst))
	now := time.Now()

	require.NoError(t, store.UpsertSchedule(db, "nightly", inst.Cron, true, now.Add(-time.Minute)))
	require.NoError(t, s.CheckAndRun(context.Background(), now))

	require.Equal(t, []string{"nightly"}, runner.calls)
	assert.Equal(t, []string{"tidy the backlog"}, runner.tasks)

	runs, err := store.ListAgentRuns(db, "nightly", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunStatusCompleted, runs[0].Status)
	assert.Equal(t, 3, runs[0].TurnsUsed)

	sched, err := store.GetSchedule(db, "nightly")
	require.NoError(t, err)
	assert.Equal(t, runs[0].ID, sched.LastRunID)
	require.NotNil(t, sched.NextRunAt)
	assert.True(t, sched.NextRunAt.After(now))

	// Schedule advanced: nothing due on the next pass.
	require.NoError(t, s.CheckAndRun(context.Background(), now))
	assert.Len(t, runner.calls, 1)
}

func TestRunScheduledAgentSuppressesOverlap(t *testing.T) {
	db := openTestDB(t)
	runner := &stubRunner{}
	inst := app.AgentInstance{Name: "nightly", Cron: "* * * * *", Task: "x"}
	s := New(db, runner, testConfig(inst))
	now := time.Now()
	require.NoError(t, store.UpsertSchedule(db, "nightly", inst.Cron, true, now.Add(-time.Minute)))

	// A run from the previous tick is still going.
	_, err := store.CreateAgentRun(db, "nightly", "x", now.Add(-5*time.Minute))
	require.NoError(t, err)

	require.NoError(t, s.RunScheduledAgent(context.Background(), inst, now))
	assert.Empty(t, runner.calls)

	// The schedule still advances so dispatches do not pile up.
	sched, err := store.GetSchedule(db, "nightly")
	require.NoError(t, err)
	require.NotNil(t, sched.NextRunAt)
	assert.True(t, sched.NextRunAt.After(now))
}

func TestRunScheduledAgentRecordsFailure(t *testing.T) {
	db := openTestDB(t)
	runner := &stubRunner{err: errors.New("agent crashed")}
	inst := app.AgentInstance{Name: "nightly", Cron: "* * * * *", Task: "x"}
	s := New(db, runner, testConfig(inst))

	require.NoError(t, s.RunScheduledAgent(context.Background(), inst, time.Now()))

	runs, err := store.ListAgentRuns(db, "nightly", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunStatusFailed, runs[0].Status)
	assert.Contains(t, runs[0].Error, "agent crashed")
}

func TestRunScheduledAgentUnknownTemplate(t *testing.T) {
	db := openTestDB(t)
	runner := &stubRunner{}
	inst := app.AgentInstance{Name: "nightly", Cron: "* * * * *", Task: "x", Template: "nope"}
	s := New(db, runner, testConfig(inst))

	require.NoError(t, s.RunScheduledAgent(context.Background(), inst, time.Now()))
	assert.Empty(t, runner.calls)

	runs, err := store.ListAgentRuns(db, "nightly", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunStatusFailed, runs[0].Status)
	assert.Contains(t, runs[0].Error, "unknown template")
}

func TestResolveTaskTemplates(t *testing.T) {
	task, err := resolveTask(app.AgentInstance{Task: "check the logs", Template: "review"})
	require.NoError(t, err)
	assert.Contains(t, task, "code-review agent")
	assert.Contains(t, task, "check the logs")

	task, err = resolveTask(app.AgentInstance{Task: "plain"})
	require.NoError(t, err)
	assert.Equal(t, "plain", task)
}

func TestRecoverStaleRuns(t *testing.T) {
	db := openTestDB(t)
	s := New(db, nil, testConfig())

	staleID, err := store.CreateAgentRun(db, "nightly", "x", time.Now().Add(-2*time.Hour))
	require.NoError(t, err)
	freshID, err := store.CreateAgentRun(db, "hourly", "y", time.Now().Add(-5*time.Minute))
	require.NoError(t, err)

	ids, err := s.RecoverStaleRuns(time.Now())
	require.NoError(t, err)
	require.Equal(t, []string{staleID}, ids)

	stale, err := store.GetAgentRun(db, staleID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusTimeout, stale.Status)

	fresh, err := store.GetAgentRun(db, freshID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, fresh.Status)
}

func TestRunWithoutRunnerFails(t *testing.T) {
	db := openTestDB(t)
	inst := app.AgentInstance{Name: "nightly", Cron: "* * * * *", Task: "x"}
	s := New(db, nil, testConfig(inst))

	require.NoError(t, s.RunScheduledAgent(context.Background(), inst, time.Now()))
	runs, err := store.ListAgentRuns(db, "nightly", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunStatusFailed, runs[0].Status)
	assert.Contains(t, runs[0].Error, "no agent runner configured")
}
