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

const observationColumns = `id, session_id, prompt_batch_id, observation, memory_type,
	context, tags, importance, file_path, created_at, embedded, status,
	resolved_by_session_id, resolved_at, superseded_by, session_origin_type,
	source_machine_id, content_hash`

func scanObservationRow(row interface{ Scan(dest ...any) error }) (*models.Observation, error) {
	var (
		o                           models.Observation
		batchID                     sql.NullInt64
		filePath, resolvedBy        sql.NullString
		resolvedAt, supersededBy    sql.NullString
		originType, contentHash     sql.NullString
		createdAt                   string
		embedded                    int
	)
	err := row.Scan(
		&o.ID, &o.SessionID, &batchID, &o.Observation, &o.MemoryType,
		&o.Context, &o.Tags, &o.Importance, &filePath, &createdAt, &embedded, &o.Status,
		&resolvedBy, &resolvedAt, &supersededBy, &originType,
		&o.SourceMachineID, &contentHash,
	)
	if err != nil {
		return nil, err
	}
	o.PromptBatchID = scanNullInt64(batchID)
	o.FilePath = scanNullString(filePath)
	o.CreatedAt = parseISO(createdAt)
	o.Embedded = embedded != 0
	o.ResolvedBySessionID = scanNullString(resolvedBy)
	o.ResolvedAt = scanNullTimeISO(resolvedAt)
	o.SupersededBy = scanNullString(supersededBy)
	o.SessionOriginType = scanNullString(originType)
	o.ContentHash = scanNullString(contentHash)
	return &o, nil
}

// InsertObservation stores a new observation. If an observation with the
// same content hash already exists, the existing row is returned untouched
// and created is false.
func InsertObservation(db *sql.DB, o *models.Observation) (*models.Observation, bool, error) {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.ContentHash == "" {
		o.ContentHash = identity.ObservationContentHash(
			o.Observation, string(o.MemoryType), o.Context, o.FilePath)
	}
	if o.Status == "" {
		o.Status = models.ObservationStatusActive
	}
	if o.Importance <= 0 {
		o.Importance = 5
	}
	if o.SourceMachineID == "" {
		o.SourceMachineID = identity.MachineID()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}

	existing, err := GetObservationByContentHash(db, o.ContentHash)
	if err != nil && !errors.Is(err, models.ErrObservationNotFound) {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	iso, epoch := timePair(o.CreatedAt)
	var batchID any
	if o.PromptBatchID != nil {
		batchID = *o.PromptBatchID
	}
	insertErr := RetryWithBackoff(func() error {
		_, err := db.ExecContext(context.Background(), `
			INSERT INTO observations (id, session_id, prompt_batch_id, observation,
				memory_type, context, tags, importance, file_path,
				created_at, created_at_epoch, embedded, status, session_origin_type,
				source_machine_id, content_hash)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)
		`, o.ID, o.SessionID, batchID, o.Observation,
			string(o.MemoryType), o.Context, o.Tags, o.Importance, nullIfEmpty(o.FilePath),
			iso, epoch, string(o.Status), nullIfEmpty(o.SessionOriginType),
			o.SourceMachineID, o.ContentHash)
		return err
	})
	if insertErr != nil {
		if IsUniqueConstraintErr(insertErr) {
			existing, err := GetObservationByContentHash(db, o.ContentHash)
			return existing, false, err
		}
		return nil, false, fmt.Errorf("failed to insert observation: %w", insertErr)
	}
	return o, true, nil
}

// GetObservation loads an observation by id.
func GetObservation(db *sql.DB, id string) (*models.Observation, error) {
	row := db.QueryRowContext(context.Background(),
		`SELECT `+observationColumns+` FROM observations WHERE id = ?`, id)
	o, err := scanObservationRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrObservationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load observation %s: %w", id, err)
	}
	return o, nil
}

// GetObservationByContentHash looks an observation up by its dedup hash.
func GetObservationByContentHash(db *sql.DB, hash string) (*models.Observation, error) {
	if hash == "" {
		return nil, models.ErrObservationNotFound
	}
	row := db.QueryRowContext(context.Background(),
		`SELECT `+observationColumns+` FROM observations WHERE content_hash = ?`, hash)
	o, err := scanObservationRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrObservationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load observation by hash: %w", err)
	}
	return o, nil
}

// ObservationFilter narrows ListObservations.
type ObservationFilter struct {
	Status     models.ObservationStatus
	MemoryType models.MemoryType
	SessionID  string
	Limit      int
}

// ListObservations returns observations newest first, optionally filtered.
func ListObservations(db *sql.DB, f ObservationFilter) ([]*models.Observation, error) {
	q := `SELECT ` + observationColumns + ` FROM observations WHERE 1=1`
	var args []any
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.MemoryType != "" {
		q += ` AND memory_type = ?`
		args = append(args, string(f.MemoryType))
	}
	if f.SessionID != "" {
		q += ` AND session_id = ?`
		args = append(args, f.SessionID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	q += ` ORDER BY created_at_epoch DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.QueryContext(context.Background(), q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list observations: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectObservations(rows)
}

// ListUnembeddedObservations returns observations awaiting vector projection.
func ListUnembeddedObservations(db *sql.DB, limit int) ([]*models.Observation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(context.Background(), `
		SELECT `+observationColumns+` FROM observations
		WHERE embedded = 0
		ORDER BY created_at_epoch ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unembedded observations: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectObservations(rows)
}

func collectObservations(rows *sql.Rows) ([]*models.Observation, error) {
	var out []*models.Observation
	for rows.Next() {
		o, err := scanObservationRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// MarkObservationsEmbedded flags rows as projected into the vector index.
func MarkObservationsEmbedded(db *sql.DB, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return Transact(db, func(tx *sql.Tx) error {
		ctx := context.Background()
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx,
				`UPDATE observations SET embedded = 1 WHERE id = ?`, id); err != nil {
				return fmt.Errorf("failed to mark observation embedded: %w", err)
			}
		}
		return nil
	})
}

// ClearEmbeddedFlags resets every observation to unembedded. Used before a
// full re-embed.
func ClearEmbeddedFlags(db *sql.DB) error {
	return RetryWithBackoff(func() error {
		_, err := db.ExecContext(context.Background(),
			`UPDATE observations SET embedded = 0`)
		return err
	})
}

// StatusUpdate carries a partial observation status change. Empty fields are
// left untouched via COALESCE.
type StatusUpdate struct {
	Status              models.ObservationStatus
	ResolvedBySessionID string
	SupersededBy        string
	ResolvedAt          *time.Time
}

// UpdateObservationStatus applies a lifecycle transition. The caller
// validates the transition; this just writes it.
func UpdateObservationStatus(db *sql.DB, id string, u StatusUpdate) error {
	var resolvedISO any
	var resolvedEpoch any
	if u.ResolvedAt != nil {
		iso, epoch := timePair(*u.ResolvedAt)
		resolvedISO, resolvedEpoch = iso, epoch
	}
	return RetryWithBackoff(func() error {
		res, err := db.ExecContext(context.Background(), `
			UPDATE observations
			SET status = ?,
			    resolved_by_session_id = COALESCE(?, resolved_by_session_id),
			    superseded_by = COALESCE(?, superseded_by),
			    resolved_at = COALESCE(?, resolved_at),
			    resolved_at_epoch = COALESCE(?, resolved_at_epoch)
			WHERE id = ?
		`, string(u.Status), nullIfEmpty(u.ResolvedBySessionID),
			nullIfEmpty(u.SupersededBy), resolvedISO, resolvedEpoch, id)
		if err != nil {
			return fmt.Errorf("failed to update observation status: %w", err)
		}
		ra, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if ra == 0 {
			return models.ErrObservationNotFound
		}
		return nil
	})
}

// ClearResolutionFields wipes the resolution metadata on reactivation.
func ClearResolutionFields(db *sql.DB, id string) error {
	return RetryWithBackoff(func() error {
		_, err := db.ExecContext(context.Background(), `
			UPDATE observations
			SET status = 'active', resolved_by_session_id = NULL,
			    resolved_at = NULL, resolved_at_epoch = NULL, superseded_by = NULL
			WHERE id = ?
		`, id)
		return err
	})
}

// LatestSummaryObservation returns the newest session_summary observation
// for a session, or nil.
func LatestSummaryObservation(db *sql.DB, sessionID string) (*models.Observation, error) {
	row := db.QueryRowContext(context.Background(), `
		SELECT `+observationColumns+` FROM observations
		WHERE session_id = ? AND memory_type = 'session_summary'
		ORDER BY created_at_epoch DESC, id DESC
		LIMIT 1
	`, sessionID)
	o, err := scanObservationRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load summary observation: %w", err)
	}
	return o, nil
}

// ObservationStats summarizes the observation table for status surfaces.
type ObservationStats struct {
	Total      int            `json:"total"`
	Active     int            `json:"active"`
	Resolved   int            `json:"resolved"`
	Superseded int            `json:"superseded"`
	Unembedded int            `json:"unembedded"`
	ByType     map[string]int `json:"by_type"`
}

// GetObservationStats aggregates observation counts.
func GetObservationStats(db *sql.DB) (*ObservationStats, error) {
	ctx := context.Background()
	stats := &ObservationStats{ByType: make(map[string]int)}

	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN status = 'active' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status = 'resolved' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status = 'superseded' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN embedded = 0 THEN 1 ELSE 0 END), 0)
		FROM observations
	`).Scan(&stats.Total, &stats.Active, &stats.Resolved, &stats.Superseded, &stats.Unembedded)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate observation stats: %w", err)
	}

	rows, err := db.QueryContext(ctx,
		`SELECT memory_type, COUNT(*) FROM observations GROUP BY memory_type`)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate observation types: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, err
		}
		stats.ByType[t] = n
	}
	return stats, rows.Err()
}
