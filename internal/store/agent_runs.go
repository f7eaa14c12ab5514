package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/oakci/oak/internal/identity"
	"github.com/oakci/oak/internal/models"
)

const agentRunColumns = `id, agent_name, task, status, started_at, ended_at,
	duration_ms, cost_usd, turns_used, input_tokens, output_tokens,
	files_created, files_modified, files_deleted, warnings,
	project_config, system_prompt_hash, error, source_machine_id`

func scanAgentRunRow(row interface{ Scan(dest ...any) error }) (*models.AgentRun, error) {
	var (
		r                              models.AgentRun
		startedAt                      string
		endedAt                        sql.NullString
		created, modified, deleted     sql.NullString
		warnings, projectConfig        sql.NullString
		promptHash, runErr             sql.NullString
	)
	err := row.Scan(
		&r.ID, &r.AgentName, &r.Task, &r.Status, &startedAt, &endedAt,
		&r.DurationMS, &r.CostUSD, &r.TurnsUsed, &r.InputTokens, &r.OutputTokens,
		&created, &modified, &deleted, &warnings,
		&projectConfig, &promptHash, &runErr, &r.SourceMachineID,
	)
	if err != nil {
		return nil, err
	}
	r.StartedAt = parseISO(startedAt)
	r.EndedAt = scanNullTimeISO(endedAt)
	r.FilesCreated = unmarshalStringList(created)
	r.FilesModified = unmarshalStringList(modified)
	r.FilesDeleted = unmarshalStringList(deleted)
	r.Warnings = unmarshalStringList(warnings)
	r.ProjectConfig = scanNullString(projectConfig)
	r.SystemPromptHash = scanNullString(promptHash)
	r.Error = scanNullString(runErr)
	return &r, nil
}

// CreateAgentRun inserts a run in running state and returns its id.
func CreateAgentRun(db *sql.DB, agentName, task string, startedAt time.Time) (string, error) {
	id := uuid.NewString()
	iso, epoch := timePair(startedAt)
	err := RetryWithBackoff(func() error {
		_, err := db.ExecContext(context.Background(), `
			INSERT INTO agent_runs (id, agent_name, task, status,
				started_at, started_at_epoch, source_machine_id)
			VALUES (?, ?, ?, 'running', ?, ?, ?)
		`, id, agentName, task, iso, epoch, identity.MachineID())
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to create agent run: %w", err)
	}
	return id, nil
}

// GetAgentRun loads a run by id.
func GetAgentRun(db *sql.DB, id string) (*models.AgentRun, error) {
	row := db.QueryRowContext(context.Background(),
		`SELECT `+agentRunColumns+` FROM agent_runs WHERE id = ?`, id)
	r, err := scanAgentRunRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent run %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load agent run: %w", err)
	}
	return r, nil
}

// RunResult carries the terminal state of a finished run.
type RunResult struct {
	Status           models.RunStatus
	EndedAt          time.Time
	CostUSD          float64
	TurnsUsed        int
	InputTokens      int64
	OutputTokens     int64
	FilesCreated     []string
	FilesModified    []string
	FilesDeleted     []string
	Warnings         []string
	ProjectConfig    string
	SystemPromptHash string
	Error            string
}

// FinishAgentRun records a run's terminal state. Duration is derived from
// the stored start time.
func FinishAgentRun(db *sql.DB, id string, res RunResult) error {
	if !res.Status.IsTerminal() {
		return fmt.Errorf("finish status must be terminal, got %q", res.Status)
	}
	iso, epoch := timePair(res.EndedAt)
	return RetryWithBackoff(func() error {
		_, err := db.ExecContext(context.Background(), `
			UPDATE agent_runs
			SET status = ?, ended_at = ?, ended_at_epoch = ?,
			    duration_ms = (? - started_at_epoch) * 1000,
			    cost_usd = ?, turns_used = ?, input_tokens = ?, output_tokens = ?,
			    files_created = ?, files_modified = ?, files_deleted = ?, warnings = ?,
			    project_config = ?, system_prompt_hash = ?, error = ?
			WHERE id = ?
		`, string(res.Status), iso, epoch, epoch,
			res.CostUSD, res.TurnsUsed, res.InputTokens, res.OutputTokens,
			marshalStringList(res.FilesCreated), marshalStringList(res.FilesModified),
			marshalStringList(res.FilesDeleted), marshalStringList(res.Warnings),
			nullIfEmpty(res.ProjectConfig), nullIfEmpty(res.SystemPromptHash),
			nullIfEmpty(res.Error), id)
		if err != nil {
			return fmt.Errorf("failed to finish agent run: %w", err)
		}
		return nil
	})
}

// HasRunningRun reports whether the named agent has an in-flight run.
// Used to suppress overlapping scheduled executions.
func HasRunningRun(db *sql.DB, agentName string) (bool, error) {
	var n int
	err := db.QueryRowContext(context.Background(), `
		SELECT COUNT(*) FROM agent_runs
		WHERE agent_name = ? AND status = 'running'
	`, agentName).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check running run: %w", err)
	}
	return n > 0, nil
}

// RecoverStaleRuns marks runs stuck in running state past their deadline as
// timed out. Catches runs orphaned by a daemon crash. Returns the ids fixed.
func RecoverStaleRuns(db *sql.DB, olderThan time.Time) ([]string, error) {
	_, cutoffEpoch := timePair(olderThan)
	nowISO, nowEpoch := timePair(time.Now())

	rows, err := db.QueryContext(context.Background(), `
		SELECT id FROM agent_runs
		WHERE status = 'running' AND started_at_epoch < ?
	`, cutoffEpoch)
	if err != nil {
		return nil, fmt.Errorf("failed to find stale runs: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	err = Transact(db, func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(context.Background(), `
				UPDATE agent_runs
				SET status = 'timeout', ended_at = ?, ended_at_epoch = ?,
				    duration_ms = (? - started_at_epoch) * 1000,
				    error = 'recovered by watchdog: run exceeded its deadline'
				WHERE id = ? AND status = 'running'
			`, nowISO, nowEpoch, nowEpoch, id); err != nil {
				return fmt.Errorf("failed to recover stale run %s: %w", id, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// ListAgentRuns returns recent runs for an agent, newest first. Empty
// agentName lists across all agents.
func ListAgentRuns(db *sql.DB, agentName string, limit int) ([]*models.AgentRun, error) {
	if limit <= 0 {
		limit = 20
	}
	q := `SELECT ` + agentRunColumns + ` FROM agent_runs`
	var args []any
	if agentName != "" {
		q += ` WHERE agent_name = ?`
		args = append(args, agentName)
	}
	q += ` ORDER BY started_at_epoch DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.QueryContext(context.Background(), q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list agent runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.AgentRun
	for rows.Next() {
		r, err := scanAgentRunRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
