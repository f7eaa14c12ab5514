// Package scheduler runs configured agent instances on cron schedules.
// Schedule state lives in the database so runs survive daemon restarts; a
// watchdog times out runs orphaned by a crash.
package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"golang.org/x/sync/errgroup"

	"github.com/oakci/oak/internal/app"
	"github.com/oakci/oak/internal/models"
	"github.com/oakci/oak/internal/store"
)

// AgentRunner executes one scheduled agent task. Implementations shell out
// to the agent binary; the scheduler only records outcomes.
type AgentRunner interface {
	Run(ctx context.Context, instance app.AgentInstance, task string) (store.RunResult, error)
}

// Scheduler owns the cron loop.
type Scheduler struct {
	db     *sql.DB
	runner AgentRunner
	cfg    app.SchedulerSettings

	cancel context.CancelFunc
	stop   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// New wires the scheduler. runner may be nil; due runs are then recorded as
// failed rather than silently dropped.
func New(db *sql.DB, runner AgentRunner, cfg app.SchedulerSettings) *Scheduler {
	return &Scheduler{db: db, runner: runner, cfg: cfg, stop: make(chan struct{})}
}

// NextRunAfter computes the next cron tick strictly after ref.
func NextRunAfter(cronExpr string, ref time.Time) (time.Time, error) {
	return gronx.NextTickAfter(cronExpr, ref, false)
}

// SyncSchedules reconciles schedule rows with configuration: configured
// instances get rows with a fresh next-run time, unconfigured rows are
// removed. Run history on surviving rows is preserved.
func (s *Scheduler) SyncSchedules(now time.Time) error {
	g := gronx.New()
	var keep []string
	for _, inst := range s.cfg.Instances {
		if !g.IsValid(inst.Cron) {
			slog.Warn("skipping schedule with invalid cron expression",
				"instance", inst.Name, "cron", inst.Cron)
			continue
		}
		next, err := NextRunAfter(inst.Cron, now)
		if err != nil {
			slog.Warn("failed to compute next run", "instance", inst.Name, "error", err)
			continue
		}
		if err := store.UpsertSchedule(s.db, inst.Name, inst.Cron, true, next); err != nil {
			return err
		}
		keep = append(keep, inst.Name)
	}
	return store.DeleteSchedulesNotIn(s.db, keep)
}

// CheckAndRun dispatches every due schedule once.
func (s *Scheduler) CheckAndRun(ctx context.Context, now time.Time) error {
	due, err := store.ListDueSchedules(s.db, now)
	if err != nil {
		return err
	}
	instances := make(map[string]app.AgentInstance, len(s.cfg.Instances))
	for _, inst := range s.cfg.Instances {
		instances[inst.Name] = inst
	}
	// Due instances run concurrently; one slow agent must not starve the
	// others past their cron slots.
	var g errgroup.Group
	for _, sched := range due {
		inst, ok := instances[sched.InstanceName]
		if !ok {
			// Row outlived its config; the next sync removes it.
			continue
		}
		g.Go(func() error {
			if err := s.RunScheduledAgent(ctx, inst, now); err != nil {
				slog.Warn("scheduled run failed", "instance", inst.Name, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// RunScheduledAgent executes one instance now. Overlapping runs of the same
// instance are suppressed; the schedule still advances so a stuck run does
// not pile up dispatches.
func (s *Scheduler) RunScheduledAgent(ctx context.Context, inst app.AgentInstance, now time.Time) error {
	running, err := store.HasRunningRun(s.db, inst.Name)
	if err != nil {
		return err
	}
	if running {
		slog.Info("skipping scheduled run, previous run still active", "instance", inst.Name)
		return s.advanceSchedule(inst, "", now)
	}

	runID, err := store.CreateAgentRun(s.db, inst.Name, inst.Task, now)
	if err != nil {
		return err
	}

	res := s.execute(ctx, inst)
	if err := store.FinishAgentRun(s.db, runID, res); err != nil {
		return err
	}
	slog.Info("scheduled run finished",
		"instance", inst.Name, "run_id", runID, "status", res.Status)
	return s.advanceSchedule(inst, runID, now)
}

func (s *Scheduler) execute(ctx context.Context, inst app.AgentInstance) store.RunResult {
	task, err := resolveTask(inst)
	if err != nil {
		return failedResult(err)
	}
	if s.runner == nil {
		return failedResult(fmt.Errorf("no agent runner configured"))
	}

	timeout := time.Duration(inst.TimeoutMinutes) * time.Minute
	if timeout <= 0 {
		timeout = time.Duration(s.cfg.DefaultTimeoutMin) * time.Minute
	}
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := s.runner.Run(runCtx, inst, task)
	if err != nil {
		status := models.RunStatusFailed
		if runCtx.Err() == context.DeadlineExceeded {
			status = models.RunStatusTimeout
		}
		return store.RunResult{Status: status, EndedAt: time.Now(), Error: err.Error()}
	}
	if res.EndedAt.IsZero() {
		res.EndedAt = time.Now()
	}
	if !res.Status.IsTerminal() {
		res.Status = models.RunStatusCompleted
	}
	return res
}

func failedResult(err error) store.RunResult {
	return store.RunResult{
		Status:  models.RunStatusFailed,
		EndedAt: time.Now(),
		Error:   err.Error(),
	}
}

func (s *Scheduler) advanceSchedule(inst app.AgentInstance, runID string, now time.Time) error {
	next, err := NextRunAfter(inst.Cron, now)
	if err != nil {
		return err
	}
	return store.UpdateScheduleAfterRun(s.db, inst.Name, runID, now, next)
}

// builtinTemplates wrap an instance's task with a role prompt.
var builtinTemplates = map[string]string{
	"default":     "{{task}}",
	"maintenance": "You are a maintenance agent for this repository. Work conservatively and leave the tree building.\n\n{{task}}",
	"review":      "You are a code-review agent. Read, do not modify; report findings.\n\n{{task}}",
}

func resolveTask(inst app.AgentInstance) (string, error) {
	if inst.Template == "" {
		return inst.Task, nil
	}
	tmpl, ok := builtinTemplates[inst.Template]
	if !ok {
		return "", fmt.Errorf("unknown template %q for instance %s", inst.Template, inst.Name)
	}
	return strings.ReplaceAll(tmpl, "{{task}}", inst.Task), nil
}

// RecoverStaleRuns times out runs that outlived their deadline plus the
// watchdog buffer. Catches runs orphaned by a daemon crash.
func (s *Scheduler) RecoverStaleRuns(now time.Time) ([]string, error) {
	deadline := time.Duration(s.cfg.DefaultTimeoutMin+s.cfg.WatchdogBufferMin) * time.Minute
	if deadline <= 0 {
		deadline = 40 * time.Minute
	}
	ids, err := store.RecoverStaleRuns(s.db, now.Add(-deadline))
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		slog.Warn("watchdog recovered stale agent runs", "count", len(ids), "run_ids", ids)
	}
	return ids, nil
}

// Start launches the cron loop: sync once, then check due schedules and run
// the watchdog every interval.
func (s *Scheduler) Start() {
	interval := time.Duration(s.cfg.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.SyncSchedules(time.Now()); err != nil {
			slog.Warn("schedule sync failed", "error", err)
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
			}
			now := time.Now()
			if _, err := s.RecoverStaleRuns(now); err != nil {
				slog.Warn("watchdog pass failed", "error", err)
			}
			if err := s.CheckAndRun(ctx, now); err != nil {
				slog.Warn("schedule check failed", "error", err)
			}
		}
	}()
}

// Stop signals the loop and waits up to the configured deadline for an
// in-flight run to let go.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stop) })

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	deadline := time.Duration(s.cfg.StopTimeoutSeconds) * time.Second
	if deadline <= 0 {
		deadline = 10 * time.Second
	}
	select {
	case <-done:
	case <-time.After(deadline):
		slog.Warn("scheduler stop deadline exceeded, cancelling in-flight run")
		if s.cancel != nil {
			s.cancel()
		}
		<-done
	}
}
