package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/oakci/oak/internal/identity"
	"github.com/oakci/oak/internal/models"
)

const batchColumns = `id, session_id, prompt_number, user_prompt, started_at, ended_at,
	status, activity_count, processed, process_success, classification, source_type,
	plan_file_path, plan_content, plan_embedded, source_plan_batch_id,
	response_summary, source_machine_id, content_hash`

func scanBatchRow(row interface{ Scan(dest ...any) error }) (*models.PromptBatch, error) {
	var (
		b                                  models.PromptBatch
		startedAt                          string
		endedAt, classification            sql.NullString
		planFile, planContent, respSummary sql.NullString
		contentHash                        sql.NullString
		sourcePlanBatch                    sql.NullInt64
		processed, processSuccess, planEmb int
	)
	err := row.Scan(
		&b.ID, &b.SessionID, &b.PromptNumber, &b.UserPrompt, &startedAt, &endedAt,
		&b.Status, &b.ActivityCount, &processed, &processSuccess, &classification, &b.SourceType,
		&planFile, &planContent, &planEmb, &sourcePlanBatch,
		&respSummary, &b.SourceMachineID, &contentHash,
	)
	if err != nil {
		return nil, err
	}
	b.StartedAt = parseISO(startedAt)
	b.EndedAt = scanNullTimeISO(endedAt)
	b.Processed = processed != 0
	b.Classification = scanNullString(classification)
	b.PlanFilePath = scanNullString(planFile)
	b.PlanContent = scanNullString(planContent)
	b.PlanEmbedded = planEmb != 0
	b.SourcePlanBatchID = scanNullInt64(sourcePlanBatch)
	b.ResponseSummary = scanNullString(respSummary)
	b.ProcessSuccess = processSuccess != 0
	b.ContentHash = scanNullString(contentHash)
	return &b, nil
}

// CreatePromptBatch opens a new batch for the session. In one transaction it
// completes any still-active batch, assigns the next prompt_number, and bumps
// the session's prompt counter. Returns the new batch.
// maxStoredPromptChars bounds user_prompt at rest. Pathological prompts
// (pasted logs, whole files) would otherwise bloat the store and every
// backup of it; extraction applies its own tighter budget later.
const maxStoredPromptChars = 10000

func CreatePromptBatch(db *sql.DB, sessionID, userPrompt string, sourceType models.SourceType, startedAt time.Time) (*models.PromptBatch, error) {
	// Truncate before hashing so the content hash matches the stored text.
	userPrompt = truncateRunes(userPrompt, maxStoredPromptChars)
	iso, epoch := timePair(startedAt)
	var batchID int64
	err := Transact(db, func(tx *sql.Tx) error {
		ctx := context.Background()

		// End the previous active batch at the new batch's start time.
		if _, err := tx.ExecContext(ctx, `
			UPDATE prompt_batches
			SET status = 'completed', ended_at = ?, ended_at_epoch = ?
			WHERE session_id = ? AND status = 'active'
		`, iso, epoch, sessionID); err != nil {
			return fmt.Errorf("failed to close previous batch: %w", err)
		}

		var next int
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(prompt_number), 0) + 1 FROM prompt_batches WHERE session_id = ?
		`, sessionID).Scan(&next); err != nil {
			return fmt.Errorf("failed to assign prompt number: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO prompt_batches (session_id, prompt_number, user_prompt,
				started_at, started_at_epoch, status, source_type, source_machine_id, content_hash)
			VALUES (?, ?, ?, ?, ?, 'active', ?, ?, ?)
		`, sessionID, next, userPrompt, iso, epoch, string(sourceType),
			identity.MachineID(), identity.BatchContentHash(sessionID, next, userPrompt))
		if err != nil {
			return fmt.Errorf("failed to create prompt batch: %w", err)
		}
		batchID, err = res.LastInsertId()
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions SET prompt_count = prompt_count + 1 WHERE id = ?
		`, sessionID); err != nil {
			return fmt.Errorf("failed to bump prompt count: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return GetPromptBatch(db, batchID)
}

// GetPromptBatch loads a batch by id.
func GetPromptBatch(db *sql.DB, id int64) (*models.PromptBatch, error) {
	row := db.QueryRowContext(context.Background(),
		`SELECT `+batchColumns+` FROM prompt_batches WHERE id = ?`, id)
	b, err := scanBatchRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrBatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load batch %d: %w", id, err)
	}
	return b, nil
}

// ActiveBatch returns the session's currently active batch, or nil.
func ActiveBatch(db *sql.DB, sessionID string) (*models.PromptBatch, error) {
	row := db.QueryRowContext(context.Background(), `
		SELECT `+batchColumns+` FROM prompt_batches
		WHERE session_id = ? AND status = 'active'
		ORDER BY prompt_number DESC
		LIMIT 1
	`, sessionID)
	b, err := scanBatchRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load active batch: %w", err)
	}
	return b, nil
}

// EndPromptBatch completes a batch. Idempotent: ending a completed batch
// changes nothing.
func EndPromptBatch(db *sql.DB, batchID int64, endedAt time.Time) error {
	iso, epoch := timePair(endedAt)
	return RetryWithBackoff(func() error {
		_, err := db.ExecContext(context.Background(), `
			UPDATE prompt_batches
			SET status = 'completed', ended_at = ?, ended_at_epoch = ?
			WHERE id = ? AND status = 'active'
		`, iso, epoch, batchID)
		if err != nil {
			return fmt.Errorf("failed to end batch: %w", err)
		}
		return nil
	})
}

// EndActiveBatches completes every active batch for the session. Used by the
// session-end path so no batch outlives its session.
func EndActiveBatches(db *sql.DB, sessionID string, endedAt time.Time) error {
	iso, epoch := timePair(endedAt)
	return RetryWithBackoff(func() error {
		_, err := db.ExecContext(context.Background(), `
			UPDATE prompt_batches
			SET status = 'completed', ended_at = ?, ended_at_epoch = ?
			WHERE session_id = ? AND status = 'active'
		`, iso, epoch, sessionID)
		return err
	})
}

// ListUnprocessedBatches returns completed, unprocessed batches that
// originated on this machine, oldest first. Imported batches are never
// reprocessed; their observations arrive with the import.
func ListUnprocessedBatches(db *sql.DB, limit int) ([]*models.PromptBatch, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := db.QueryContext(context.Background(), `
		SELECT `+batchColumns+` FROM prompt_batches
		WHERE processed = 0 AND status = 'completed' AND source_machine_id = ?
		ORDER BY id ASC
		LIMIT ?
	`, identity.MachineID(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unprocessed batches: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.PromptBatch
	for rows.Next() {
		b, err := scanBatchRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// MarkPromptBatchProcessed flags a batch done, recording whether extraction
// succeeded and the classification the processor assigned.
func MarkPromptBatchProcessed(db *sql.DB, batchID int64, success bool, classification string) error {
	return RetryWithBackoff(func() error {
		_, err := db.ExecContext(context.Background(), `
			UPDATE prompt_batches
			SET processed = 1, process_success = ?, classification = ?
			WHERE id = ?
		`, boolToInt(success), nullIfEmpty(classification), batchID)
		return err
	})
}

// SetBatchPlan attaches plan content captured from a planning tool to the
// batch. The processor later synthesizes a derived plan batch from it.
func SetBatchPlan(db *sql.DB, batchID int64, planFilePath, planContent string) error {
	return RetryWithBackoff(func() error {
		_, err := db.ExecContext(context.Background(), `
			UPDATE prompt_batches SET plan_file_path = ?, plan_content = ? WHERE id = ?
		`, nullIfEmpty(planFilePath), nullIfEmpty(planContent), batchID)
		return err
	})
}

// MarkBatchPlanEmbedded flags the batch's plan as projected into the vector
// index.
func MarkBatchPlanEmbedded(db *sql.DB, batchID int64) error {
	return RetryWithBackoff(func() error {
		_, err := db.ExecContext(context.Background(),
			`UPDATE prompt_batches SET plan_embedded = 1 WHERE id = ?`, batchID)
		return err
	})
}

// CreateDerivedPlanBatch inserts a pre-completed derived_plan batch carrying
// plan content, linked back to the batch the plan came from.
func CreateDerivedPlanBatch(db *sql.DB, sessionID string, sourceBatchID int64, planFilePath, planContent string, now time.Time) (*models.PromptBatch, error) {
	iso, epoch := timePair(now)
	var batchID int64
	err := Transact(db, func(tx *sql.Tx) error {
		ctx := context.Background()
		var next int
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(prompt_number), 0) + 1 FROM prompt_batches WHERE session_id = ?
		`, sessionID).Scan(&next); err != nil {
			return fmt.Errorf("failed to assign prompt number: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO prompt_batches (session_id, prompt_number, user_prompt,
				started_at, started_at_epoch, ended_at, ended_at_epoch, status,
				source_type, plan_file_path, plan_content, source_plan_batch_id,
				source_machine_id, content_hash)
			VALUES (?, ?, '', ?, ?, ?, ?, 'completed', 'derived_plan', ?, ?, ?, ?, ?)
		`, sessionID, next, iso, epoch, iso, epoch,
			nullIfEmpty(planFilePath), nullIfEmpty(planContent), sourceBatchID,
			identity.MachineID(), identity.BatchContentHash(sessionID, next, planContent))
		if err != nil {
			return fmt.Errorf("failed to create derived plan batch: %w", err)
		}
		batchID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, err
	}
	return GetPromptBatch(db, batchID)
}

// SetBatchResponseSummary stores the agent's final response summary for a
// batch, if the hook surface delivered one.
func SetBatchResponseSummary(db *sql.DB, batchID int64, summary string) error {
	return RetryWithBackoff(func() error {
		_, err := db.ExecContext(context.Background(),
			`UPDATE prompt_batches SET response_summary = ? WHERE id = ?`,
			nullIfEmpty(summary), batchID)
		return err
	})
}

// ListBatchesForSession returns all batches for a session in prompt order.
func ListBatchesForSession(db *sql.DB, sessionID string) ([]*models.PromptBatch, error) {
	rows, err := db.QueryContext(context.Background(), `
		SELECT `+batchColumns+` FROM prompt_batches
		WHERE session_id = ?
		ORDER BY prompt_number ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.PromptBatch
	for rows.Next() {
		b, err := scanBatchRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// CountUnprocessedBatches counts completed local batches awaiting the
// processor.
func CountUnprocessedBatches(db *sql.DB) (int, error) {
	var n int
	err := db.QueryRowContext(context.Background(), `
		SELECT COUNT(*) FROM prompt_batches
		WHERE processed = 0 AND status = 'completed' AND source_machine_id = ?
	`, identity.MachineID()).Scan(&n)
	return n, err
}
