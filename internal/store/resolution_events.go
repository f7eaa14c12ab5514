package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/oakci/oak/internal/identity"
	"github.com/oakci/oak/internal/models"
)

const resolutionColumns = `id, observation_id, action, source_machine_id,
	resolved_by_session_id, superseded_by, applied, content_hash, created_at`

func scanResolutionRow(row interface{ Scan(dest ...any) error }) (*models.ResolutionEvent, error) {
	var (
		e                        models.ResolutionEvent
		resolvedBy, supersededBy sql.NullString
		applied                  int
		createdAt                string
	)
	err := row.Scan(
		&e.ID, &e.ObservationID, &e.Action, &e.SourceMachineID,
		&resolvedBy, &supersededBy, &applied, &e.ContentHash, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	e.ResolvedBySessionID = scanNullString(resolvedBy)
	e.SupersededBy = scanNullString(supersededBy)
	e.Applied = applied != 0
	e.CreatedAt = parseISO(createdAt)
	return &e, nil
}

// InsertResolutionEvent records an observation lifecycle transition. Local
// events are inserted already-applied (the status change happened in the
// same call); imported events arrive unapplied and are replayed later.
// Duplicate (machine, hash) pairs are silently ignored.
func InsertResolutionEvent(db *sql.DB, e *models.ResolutionEvent) error {
	if e.SourceMachineID == "" {
		e.SourceMachineID = identity.MachineID()
	}
	if e.ContentHash == "" {
		e.ContentHash = identity.ResolutionEventContentHash(
			e.ObservationID, string(e.Action), e.ResolvedBySessionID, e.SupersededBy)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	iso, epoch := timePair(e.CreatedAt)
	return RetryWithBackoff(func() error {
		_, err := db.ExecContext(context.Background(), `
			INSERT OR IGNORE INTO resolution_events (observation_id, action,
				source_machine_id, resolved_by_session_id, superseded_by,
				applied, content_hash, created_at, created_at_epoch)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, e.ObservationID, string(e.Action), e.SourceMachineID,
			nullIfEmpty(e.ResolvedBySessionID), nullIfEmpty(e.SupersededBy),
			boolToInt(e.Applied), e.ContentHash, iso, epoch)
		if err != nil {
			return fmt.Errorf("failed to insert resolution event: %w", err)
		}
		return nil
	})
}

// ListUnappliedResolutionEvents returns imported events that have not been
// replayed against local observations yet, oldest first.
func ListUnappliedResolutionEvents(db *sql.DB) ([]*models.ResolutionEvent, error) {
	rows, err := db.QueryContext(context.Background(), `
		SELECT `+resolutionColumns+` FROM resolution_events
		WHERE applied = 0
		ORDER BY created_at_epoch ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list unapplied resolution events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.ResolutionEvent
	for rows.Next() {
		e, err := scanResolutionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkResolutionEventApplied flags one event as replayed.
func MarkResolutionEventApplied(db *sql.DB, id int64) error {
	return RetryWithBackoff(func() error {
		_, err := db.ExecContext(context.Background(),
			`UPDATE resolution_events SET applied = 1 WHERE id = ?`, id)
		return err
	})
}

// ListLocalResolutionEvents returns events that originated on this machine,
// for backup export.
func ListLocalResolutionEvents(db *sql.DB) ([]*models.ResolutionEvent, error) {
	rows, err := db.QueryContext(context.Background(), `
		SELECT `+resolutionColumns+` FROM resolution_events
		WHERE source_machine_id = ?
		ORDER BY id ASC
	`, identity.MachineID())
	if err != nil {
		return nil, fmt.Errorf("failed to list local resolution events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.ResolutionEvent
	for rows.Next() {
		e, err := scanResolutionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
