// Package syncer converges local state (daemon version, schema, vector
// index, team backups) to the desired configuration as a plan-then-execute
// workflow. It runs in the CLI process, not the daemon.
package syncer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/oakci/oak/internal/app"
	"github.com/oakci/oak/internal/identity"
	"github.com/oakci/oak/internal/store"
)

// Sync reasons. A plan carries the set that triggered it.
const (
	ReasonVersionChanged    = "OAK_VERSION_CHANGED"
	ReasonSchemaChanged     = "SCHEMA_VERSION_CHANGED"
	ReasonTeamBackups       = "TEAM_BACKUPS_AVAILABLE"
	ReasonManualFullRebuild = "MANUAL_FULL_REBUILD"
	ReasonNoChanges         = "NO_CHANGES"
)

// DaemonStatus is what the daemon's status endpoint reports.
type DaemonStatus struct {
	Running       bool   `json:"running"`
	Version       string `json:"version"`
	SchemaVersion int64  `json:"schema_version"`
}

// DaemonController abstracts daemon lifecycle operations so the orchestrator
// can be tested without a live process.
type DaemonController interface {
	Status(ctx context.Context) (*DaemonStatus, error)
	Stop(ctx context.Context) error
	Start(ctx context.Context) error
}

// PlanOptions are the sync inputs.
type PlanOptions struct {
	IncludeTeam bool
	ForceFull   bool
}

// SyncPlan describes what an execution will do and why.
type SyncPlan struct {
	NeedsSync           bool     `json:"needs_sync"`
	Reasons             []string `json:"reasons"`
	StopDaemon          bool     `json:"stop_daemon"`
	StartDaemon         bool     `json:"start_daemon"`
	RunMigrations       bool     `json:"run_migrations"`
	RestoreTeamBackups  bool     `json:"restore_team_backups"`
	FullIndexRebuild    bool     `json:"full_index_rebuild"`
	BinaryVersion       string   `json:"binary_version"`
	DaemonVersion       string   `json:"daemon_version,omitempty"`
	LocalSchemaVersion  int64    `json:"local_schema_version"`
	DaemonSchemaVersion int64    `json:"daemon_schema_version,omitempty"`
	TeamBackupFiles     []string `json:"team_backup_files,omitempty"`
}

// SyncResult is the execution outcome. Errors abort critical steps;
// warnings let the workflow continue.
type SyncResult struct {
	Plan       *SyncPlan `json:"plan"`
	DryRun     bool      `json:"dry_run"`
	Errors     []string  `json:"errors,omitempty"`
	Warnings   []string  `json:"warnings,omitempty"`
	Imported   int       `json:"imported_rows"`
	Skipped    int       `json:"skipped_rows"`
	BackupFile string    `json:"backup_file,omitempty"`
	Duration   string    `json:"duration"`
}

// Orchestrator drives plan and execute.
type Orchestrator struct {
	daemon    DaemonController
	dbPath    string
	vectorDir string
	backupDir string
}

// New wires the orchestrator.
func New(daemon DaemonController, dbPath, vectorDir, backupDir string) *Orchestrator {
	return &Orchestrator{daemon: daemon, dbPath: dbPath, vectorDir: vectorDir, backupDir: backupDir}
}

// localBackupName is this machine's export file inside the backup dir.
func localBackupName() string {
	return fmt.Sprintf("oak-%s.sql", identity.MachineID())
}

// BuildPlan inspects the daemon and the backup dir and decides what a sync
// must do. A plan with NeedsSync=false carries the single NO_CHANGES reason.
func (o *Orchestrator) BuildPlan(ctx context.Context, opts PlanOptions) (*SyncPlan, error) {
	plan := &SyncPlan{
		BinaryVersion:      app.Version,
		LocalSchemaVersion: store.LatestSchemaVersion(),
	}

	status, err := o.daemon.Status(ctx)
	if err != nil {
		// Unreachable daemon is a stopped daemon.
		status = &DaemonStatus{Running: false}
	}
	if status.Running {
		plan.DaemonVersion = status.Version
		plan.DaemonSchemaVersion = status.SchemaVersion
		if status.Version == "" || status.Version != app.Version {
			plan.Reasons = append(plan.Reasons, ReasonVersionChanged)
		}
		if status.SchemaVersion != plan.LocalSchemaVersion {
			plan.Reasons = append(plan.Reasons, ReasonSchemaChanged)
		}
	}

	if opts.IncludeTeam {
		files, err := o.teamBackupFiles()
		if err != nil {
			return nil, err
		}
		if len(files) > 0 {
			plan.TeamBackupFiles = files
			plan.Reasons = append(plan.Reasons, ReasonTeamBackups)
			plan.RestoreTeamBackups = true
		}
	}
	if opts.ForceFull {
		plan.Reasons = append(plan.Reasons, ReasonManualFullRebuild)
		plan.FullIndexRebuild = true
	}

	if len(plan.Reasons) == 0 {
		plan.Reasons = []string{ReasonNoChanges}
		return plan, nil
	}
	plan.NeedsSync = true
	plan.StopDaemon = status.Running
	plan.StartDaemon = true
	plan.RunMigrations = true
	return plan, nil
}

func (o *Orchestrator) teamBackupFiles() ([]string, error) {
	entries, err := os.ReadDir(o.backupDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read backup dir: %w", err)
	}
	local := localBackupName()
	var files []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".sql" || e.Name() == local {
			continue
		}
		files = append(files, filepath.Join(o.backupDir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// Execute runs the plan. Steps are idempotent: restore passes dedup by
// content hash, the export overwrites this machine's previous backup, and a
// repeated run against converged state is a no-op. Only daemon stop/start
// failures are critical.
func (o *Orchestrator) Execute(ctx context.Context, plan *SyncPlan, dryRun bool) *SyncResult {
	started := time.Now()
	res := &SyncResult{Plan: plan, DryRun: dryRun}
	defer func() { res.Duration = time.Since(started).Round(time.Millisecond).String() }()

	if !plan.NeedsSync || dryRun {
		return res
	}

	if plan.StopDaemon {
		if err := o.daemon.Stop(ctx); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("stop daemon: %v", err))
			return res
		}
	}

	// First restore pass: schemas may still be misaligned; failures here
	// are retried in pass two after migrations.
	if plan.RestoreTeamBackups {
		o.restorePass(plan.TeamBackupFiles, res)
	}

	if plan.FullIndexRebuild {
		if err := os.RemoveAll(o.vectorDir); err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("delete vector dir: %v", err))
		}
	}

	if plan.StartDaemon {
		if err := o.daemon.Start(ctx); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("start daemon: %v", err))
			return res
		}
	}

	if file, err := o.exportLocalBackup(); err != nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf("export backup: %v", err))
	} else {
		res.BackupFile = file
	}

	// Second pass now that the daemon has migrated the schema. Already
	// imported rows dedup to no-ops.
	if plan.RestoreTeamBackups {
		o.restorePass(plan.TeamBackupFiles, res)
	}
	return res
}

func (o *Orchestrator) restorePass(files []string, res *SyncResult) {
	db, err := store.InitDBWithPath(o.dbPath)
	if err != nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf("open db for restore: %v", err))
		return
	}
	defer func() { _ = db.Close() }()

	for _, file := range files {
		f, err := os.Open(file) //nolint:gosec // G304: paths come from the local backup dir listing
		if err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("open %s: %v", filepath.Base(file), err))
			continue
		}
		imported, err := store.ImportSQL(db, f)
		_ = f.Close()
		if err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("import %s: %v", filepath.Base(file), err))
			continue
		}
		res.Imported += imported.Inserted
		res.Skipped += imported.Skipped
	}
}

func (o *Orchestrator) exportLocalBackup() (string, error) {
	db, err := store.InitDBWithPath(o.dbPath)
	if err != nil {
		return "", err
	}
	defer func() { _ = db.Close() }()

	if err := os.MkdirAll(o.backupDir, 0750); err != nil {
		return "", err
	}
	path := filepath.Join(o.backupDir, localBackupName())
	f, err := os.Create(path) //nolint:gosec // G304: path is built from config
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	if err := store.ExportSQL(db, f); err != nil {
		return "", err
	}
	return path, nil
}
