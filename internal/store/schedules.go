package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oakci/oak/internal/models"
)

const scheduleColumns = `instance_name, enabled, cron_expr,
	last_run_at, last_run_id, next_run_at`

func scanScheduleRow(row interface{ Scan(dest ...any) error }) (*models.AgentSchedule, error) {
	var (
		s                  models.AgentSchedule
		enabled            int
		lastRunAt          sql.NullString
		lastRunID, nextRun sql.NullString
	)
	err := row.Scan(&s.InstanceName, &enabled, &s.CronExpr, &lastRunAt, &lastRunID, &nextRun)
	if err != nil {
		return nil, err
	}
	s.Enabled = enabled != 0
	s.LastRunAt = scanNullTimeISO(lastRunAt)
	s.LastRunID = scanNullString(lastRunID)
	s.NextRunAt = scanNullTimeISO(nextRun)
	return &s, nil
}

// UpsertSchedule creates or updates a schedule row from config. The cron
// expression and next run follow config; run history is preserved, and the
// enabled flag is set only on insert so a schedule the user disabled stays
// disabled across syncs.
func UpsertSchedule(db *sql.DB, instanceName, cronExpr string, enabled bool, nextRun time.Time) error {
	nextISO, nextEpoch := timePair(nextRun)
	return RetryWithBackoff(func() error {
		_, err := db.ExecContext(context.Background(), `
			INSERT INTO agent_schedules (instance_name, enabled, cron_expr, next_run_at, next_run_at_epoch)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(instance_name)
			DO UPDATE SET cron_expr = excluded.cron_expr,
			              next_run_at = excluded.next_run_at,
			              next_run_at_epoch = excluded.next_run_at_epoch
		`, instanceName, boolToInt(enabled), cronExpr, nextISO, nextEpoch)
		if err != nil {
			return fmt.Errorf("failed to upsert schedule: %w", err)
		}
		return nil
	})
}

// DeleteSchedulesNotIn removes schedule rows whose instance no longer
// appears in config.
func DeleteSchedulesNotIn(db *sql.DB, keep []string) error {
	if len(keep) == 0 {
		return RetryWithBackoff(func() error {
			_, err := db.ExecContext(context.Background(), `DELETE FROM agent_schedules`)
			return err
		})
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keep)), ",")
	args := make([]any, len(keep))
	for i, name := range keep {
		args[i] = name
	}
	return RetryWithBackoff(func() error {
		_, err := db.ExecContext(context.Background(),
			`DELETE FROM agent_schedules WHERE instance_name NOT IN (`+placeholders+`)`,
			args...)
		return err
	})
}

// GetSchedule loads a schedule by instance name.
func GetSchedule(db *sql.DB, instanceName string) (*models.AgentSchedule, error) {
	row := db.QueryRowContext(context.Background(),
		`SELECT `+scheduleColumns+` FROM agent_schedules WHERE instance_name = ?`, instanceName)
	s, err := scanScheduleRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrScheduleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load schedule: %w", err)
	}
	return s, nil
}

// ListSchedules returns all schedule rows.
func ListSchedules(db *sql.DB) ([]*models.AgentSchedule, error) {
	rows, err := db.QueryContext(context.Background(),
		`SELECT `+scheduleColumns+` FROM agent_schedules ORDER BY instance_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.AgentSchedule
	for rows.Next() {
		s, err := scanScheduleRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListDueSchedules returns enabled schedules whose next run time has passed.
func ListDueSchedules(db *sql.DB, now time.Time) ([]*models.AgentSchedule, error) {
	_, nowEpoch := timePair(now)
	rows, err := db.QueryContext(context.Background(), `
		SELECT `+scheduleColumns+` FROM agent_schedules
		WHERE enabled = 1 AND next_run_at_epoch IS NOT NULL AND next_run_at_epoch <= ?
		ORDER BY next_run_at_epoch ASC
	`, nowEpoch)
	if err != nil {
		return nil, fmt.Errorf("failed to list due schedules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.AgentSchedule
	for rows.Next() {
		s, err := scanScheduleRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// UpdateScheduleAfterRun advances a schedule's bookkeeping after dispatch.
func UpdateScheduleAfterRun(db *sql.DB, instanceName, runID string, ranAt, nextRun time.Time) error {
	ranISO, ranEpoch := timePair(ranAt)
	nextISO, nextEpoch := timePair(nextRun)
	return RetryWithBackoff(func() error {
		_, err := db.ExecContext(context.Background(), `
			UPDATE agent_schedules
			SET last_run_at = ?, last_run_at_epoch = ?, last_run_id = ?,
			    next_run_at = ?, next_run_at_epoch = ?
			WHERE instance_name = ?
		`, ranISO, ranEpoch, nullIfEmpty(runID), nextISO, nextEpoch, instanceName)
		if err != nil {
			return fmt.Errorf("failed to update schedule: %w", err)
		}
		return nil
	})
}
