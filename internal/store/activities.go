package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/oakci/oak/internal/identity"
	"github.com/oakci/oak/internal/models"
)

const activityColumns = `id, session_id, prompt_batch_id, tool_name, tool_input,
	tool_output_summary, file_path, files_affected, duration_ms, success,
	error_message, timestamp, processed, observation_id, source_machine_id, content_hash`

func scanActivityRow(row interface{ Scan(dest ...any) error }) (*models.Activity, error) {
	var (
		a                              models.Activity
		batchID                        sql.NullInt64
		filePath, filesAffected        sql.NullString
		errMsg, obsID, contentHash     sql.NullString
		ts                             string
		success, processed             int
	)
	err := row.Scan(
		&a.ID, &a.SessionID, &batchID, &a.ToolName, &a.ToolInput,
		&a.ToolOutputSummary, &filePath, &filesAffected, &a.DurationMS, &success,
		&errMsg, &ts, &processed, &obsID, &a.SourceMachineID, &contentHash,
	)
	if err != nil {
		return nil, err
	}
	a.PromptBatchID = scanNullInt64(batchID)
	a.FilePath = scanNullString(filePath)
	a.FilesAffected = unmarshalStringList(filesAffected)
	a.Success = success != 0
	a.ErrorMessage = scanNullString(errMsg)
	a.Timestamp = parseISO(ts)
	a.Processed = processed != 0
	a.ObservationID = scanNullString(obsID)
	a.ContentHash = scanNullString(contentHash)
	return &a, nil
}

const insertActivitySQL = `
	INSERT OR IGNORE INTO activities (session_id, prompt_batch_id, tool_name,
		tool_input, tool_output_summary, file_path, files_affected, duration_ms,
		success, error_message, timestamp, timestamp_epoch, source_machine_id, content_hash)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

func activityArgs(a *models.Activity) []any {
	iso, epoch := timePair(a.Timestamp)
	var batchID any
	if a.PromptBatchID != nil {
		batchID = *a.PromptBatchID
	}
	hash := a.ContentHash
	if hash == "" {
		hash = identity.ActivityContentHash(a.SessionID, a.ToolName, a.ToolInput, a.Timestamp.UnixMilli())
	}
	return []any{
		a.SessionID, batchID, a.ToolName,
		a.ToolInput, a.ToolOutputSummary, nullIfEmpty(a.FilePath),
		marshalStringList(a.FilesAffected), a.DurationMS,
		boolToInt(a.Success), nullIfEmpty(a.ErrorMessage), iso, epoch,
		identity.MachineID(), hash,
	}
}

// InsertActivities writes a buffered flush of activities in one transaction,
// then applies the per-session and per-batch counter deltas as aggregated
// updates instead of one per row. If the transaction fails on a foreign key
// (the batch row vanished under a race), it falls back to inserting row by
// row, dropping only the rows that fail.
// Returns the number of rows actually inserted.
func InsertActivities(db *sql.DB, activities []*models.Activity) (int, error) {
	if len(activities) == 0 {
		return 0, nil
	}

	inserted := 0
	err := Transact(db, func(tx *sql.Tx) error {
		inserted = 0
		ctx := context.Background()
		stmt, err := tx.PrepareContext(ctx, insertActivitySQL)
		if err != nil {
			return fmt.Errorf("failed to prepare activity insert: %w", err)
		}
		defer func() { _ = stmt.Close() }()

		sessionCounts := make(map[string]int)
		batchCounts := make(map[int64]int)
		for _, a := range activities {
			res, err := stmt.ExecContext(ctx, activityArgs(a)...)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				continue // duplicate content hash
			}
			inserted++
			sessionCounts[a.SessionID]++
			if a.PromptBatchID != nil {
				batchCounts[*a.PromptBatchID]++
			}
		}
		return applyActivityCounters(tx, sessionCounts, batchCounts)
	})
	if err == nil {
		return inserted, nil
	}
	if !IsForeignKeyConstraintErr(err) {
		return 0, fmt.Errorf("failed to insert activities: %w", err)
	}

	slog.Warn("activity batch insert hit foreign key, retrying row by row",
		"count", len(activities))
	return insertActivitiesRowByRow(db, activities)
}

// insertActivitiesRowByRow is the degraded path: each row in its own
// transaction so one bad foreign key drops one activity, not the flush.
func insertActivitiesRowByRow(db *sql.DB, activities []*models.Activity) (int, error) {
	inserted := 0
	for _, a := range activities {
		a := a
		err := Transact(db, func(tx *sql.Tx) error {
			ctx := context.Background()
			res, err := tx.ExecContext(ctx, insertActivitySQL, activityArgs(a)...)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				return nil
			}
			sessionCounts := map[string]int{a.SessionID: 1}
			batchCounts := map[int64]int{}
			if a.PromptBatchID != nil {
				batchCounts[*a.PromptBatchID] = 1
			}
			if err := applyActivityCounters(tx, sessionCounts, batchCounts); err != nil {
				return err
			}
			inserted++
			return nil
		})
		if err != nil {
			if IsForeignKeyConstraintErr(err) {
				slog.Warn("dropping activity with dangling reference",
					"session_id", a.SessionID, "tool", a.ToolName)
				continue
			}
			return inserted, fmt.Errorf("failed to insert activity: %w", err)
		}
	}
	return inserted, nil
}

func applyActivityCounters(tx *sql.Tx, sessionCounts map[string]int, batchCounts map[int64]int) error {
	ctx := context.Background()
	for sessionID, n := range sessionCounts {
		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET tool_count = tool_count + ? WHERE id = ?`,
			n, sessionID); err != nil {
			return fmt.Errorf("failed to bump session tool count: %w", err)
		}
	}
	for batchID, n := range batchCounts {
		if _, err := tx.ExecContext(ctx,
			`UPDATE prompt_batches SET activity_count = activity_count + ? WHERE id = ?`,
			n, batchID); err != nil {
			return fmt.Errorf("failed to bump batch activity count: %w", err)
		}
	}
	return nil
}

// ListActivitiesForBatch returns a batch's activities in timestamp order.
func ListActivitiesForBatch(db *sql.DB, batchID int64) ([]*models.Activity, error) {
	rows, err := db.QueryContext(context.Background(), `
		SELECT `+activityColumns+` FROM activities
		WHERE prompt_batch_id = ?
		ORDER BY timestamp_epoch ASC, id ASC
	`, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list batch activities: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectActivities(rows)
}

// ListActivitiesForSession returns a session's newest activities, optionally
// narrowed to one tool.
func ListActivitiesForSession(db *sql.DB, sessionID, toolName string, limit int) ([]*models.Activity, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + activityColumns + ` FROM activities WHERE session_id = ?`
	args := []any{sessionID}
	if toolName != "" {
		q += ` AND tool_name = ?`
		args = append(args, toolName)
	}
	q += ` ORDER BY timestamp_epoch DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.QueryContext(context.Background(), q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list session activities: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectActivities(rows)
}

// ListRecentActivities returns the newest activities across all sessions.
func ListRecentActivities(db *sql.DB, limit int) ([]*models.Activity, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(context.Background(), `
		SELECT `+activityColumns+` FROM activities
		ORDER BY timestamp_epoch DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list activities: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectActivities(rows)
}

// SearchActivities runs a full-text query over tool names, output summaries,
// and file paths.
func SearchActivities(db *sql.DB, query string, limit int) ([]*models.Activity, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.QueryContext(context.Background(), `
		SELECT `+activityColumns+` FROM activities
		WHERE id IN (SELECT rowid FROM activities_fts WHERE activities_fts MATCH ?)
		ORDER BY timestamp_epoch DESC
		LIMIT ?
	`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search activities: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectActivities(rows)
}

func collectActivities(rows *sql.Rows) ([]*models.Activity, error) {
	var out []*models.Activity
	for rows.Next() {
		a, err := scanActivityRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// MarkActivitiesProcessed flags a batch's activities as consumed by
// extraction and links them to the observation they produced.
func MarkActivitiesProcessed(db *sql.DB, batchID int64, observationID string) error {
	return RetryWithBackoff(func() error {
		_, err := db.ExecContext(context.Background(), `
			UPDATE activities SET processed = 1, observation_id = ?
			WHERE prompt_batch_id = ?
		`, nullIfEmpty(observationID), batchID)
		return err
	})
}

// CountActivities returns the total activity count.
func CountActivities(db *sql.DB) (int, error) {
	var n int
	err := db.QueryRowContext(context.Background(), `SELECT COUNT(*) FROM activities`).Scan(&n)
	return n, err
}
