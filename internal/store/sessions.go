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

// sessionColumns is the canonical SELECT list for session rows. Keep in
// sync with scanSessionRow.
const sessionColumns = `id, agent, project_root, started_at, ended_at, status,
	prompt_count, tool_count, processed, summary, title, title_manually_edited,
	parent_session_id, parent_reason, suggested_parent_dismissed,
	transcript_path, source_machine_id, content_hash`

func scanSessionRow(row interface{ Scan(dest ...any) error }) (*models.Session, error) {
	var (
		s                                        models.Session
		endedAt                                  sql.NullString
		summary, title, parentID, parentReason   sql.NullString
		transcriptPath, contentHash              sql.NullString
		processed, titleEdited, parentDismissed  int
		startedAt                                string
	)
	err := row.Scan(
		&s.ID, &s.Agent, &s.ProjectRoot, &startedAt, &endedAt, &s.Status,
		&s.PromptCount, &s.ToolCount, &processed, &summary, &title, &titleEdited,
		&parentID, &parentReason, &parentDismissed,
		&transcriptPath, &s.SourceMachineID, &contentHash,
	)
	if err != nil {
		return nil, err
	}
	s.StartedAt = parseISO(startedAt)
	s.EndedAt = scanNullTimeISO(endedAt)
	s.Processed = processed != 0
	s.Summary = scanNullString(summary)
	s.Title = scanNullString(title)
	s.TitleManuallyEdited = titleEdited != 0
	s.ParentSessionID = scanNullString(parentID)
	s.ParentReason = models.ParentReason(scanNullString(parentReason))
	s.SuggestedParentDismissed = parentDismissed != 0
	s.TranscriptPath = scanNullString(transcriptPath)
	s.ContentHash = scanNullString(contentHash)
	return &s, nil
}

// EnsureSession creates the session row on first reference and returns the
// existing row afterwards. Idempotent; never mutates an existing session's
// parent link or agent.
func EnsureSession(db *sql.DB, sessionID, agent, projectRoot string, startedAt time.Time) (*models.Session, bool, error) {
	if sessionID == "" {
		return nil, false, fmt.Errorf("session id is required")
	}

	existing, err := GetSession(db, sessionID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, models.ErrSessionNotFound) {
		return nil, false, err
	}

	iso, epoch := timePair(startedAt)
	insertErr := RetryWithBackoff(func() error {
		_, err := db.ExecContext(context.Background(), `
			INSERT INTO sessions (id, agent, project_root, started_at, started_at_epoch,
				status, source_machine_id, content_hash)
			VALUES (?, ?, ?, ?, ?, 'active', ?, ?)
		`, sessionID, agent, projectRoot, iso, epoch,
			identity.MachineID(), identity.SessionContentHash(sessionID, agent, projectRoot))
		return err
	})
	if insertErr != nil {
		// Race: another hook created the row between lookup and insert.
		if IsUniqueConstraintErr(insertErr) {
			s, err := GetSession(db, sessionID)
			return s, false, err
		}
		return nil, false, fmt.Errorf("failed to create session: %w", insertErr)
	}

	s, err := GetSession(db, sessionID)
	return s, true, err
}

// GetSession loads a session by id.
func GetSession(db *sql.DB, sessionID string) (*models.Session, error) {
	row := db.QueryRowContext(context.Background(),
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, sessionID)
	s, err := scanSessionRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	return s, nil
}

// EndSession completes a session. Status only advances from active; ending
// an already-ended session is a no-op (hooks can be delivered twice).
func EndSession(db *sql.DB, sessionID string, status models.SessionStatus, endedAt time.Time) error {
	if !status.IsTerminal() {
		return fmt.Errorf("end status must be terminal, got %q", status)
	}
	iso, epoch := timePair(endedAt)
	return RetryWithBackoff(func() error {
		_, err := db.ExecContext(context.Background(), `
			UPDATE sessions
			SET ended_at = ?, ended_at_epoch = ?, status = ?
			WHERE id = ? AND status = 'active'
		`, iso, epoch, status, sessionID)
		if err != nil {
			return fmt.Errorf("failed to end session: %w", err)
		}
		return nil
	})
}

// SetSessionParent updates the parent link and appends a session_link_event
// in one transaction. Cycle detection happens in the ingest layer before
// this is called.
func SetSessionParent(db *sql.DB, sessionID, parentID string, reason models.ParentReason) error {
	iso, epoch := timePair(time.Now())
	return Transact(db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(context.Background(), `
			UPDATE sessions SET parent_session_id = ?, parent_reason = ? WHERE id = ?
		`, parentID, string(reason), sessionID)
		if err != nil {
			return fmt.Errorf("failed to set session parent: %w", err)
		}
		ra, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if ra == 0 {
			return models.ErrSessionNotFound
		}
		_, err = tx.ExecContext(context.Background(), `
			INSERT INTO session_link_events (session_id, parent_session_id, reason, created_at, created_at_epoch)
			VALUES (?, ?, ?, ?, ?)
		`, sessionID, parentID, string(reason), iso, epoch)
		if err != nil {
			return fmt.Errorf("failed to record session link event: %w", err)
		}
		return nil
	})
}

// AncestorChain walks parent links starting at sessionID, up to maxDepth
// hops. Used for cycle detection before linking.
func AncestorChain(db *sql.DB, sessionID string, maxDepth int) ([]string, error) {
	var chain []string
	current := sessionID
	for i := 0; i < maxDepth; i++ {
		var parent sql.NullString
		err := db.QueryRowContext(context.Background(),
			`SELECT parent_session_id FROM sessions WHERE id = ?`, current).Scan(&parent)
		if errors.Is(err, sql.ErrNoRows) {
			return chain, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to walk ancestor chain: %w", err)
		}
		if !parent.Valid || parent.String == "" {
			return chain, nil
		}
		chain = append(chain, parent.String)
		current = parent.String
	}
	return chain, nil
}

// FindCompletedSessionEndedAfter returns the most recently ended completed
// session for the agent/project whose ended_at is at or after minEndedEpoch.
func FindCompletedSessionEndedAfter(db *sql.DB, agent, projectRoot, exclude string, minEndedEpoch int64) (*models.Session, error) {
	row := db.QueryRowContext(context.Background(), `
		SELECT `+sessionColumns+` FROM sessions
		WHERE agent = ? AND project_root = ? AND id != ?
		  AND status = 'completed' AND ended_at_epoch >= ?
		ORDER BY ended_at_epoch DESC
		LIMIT 1
	`, agent, projectRoot, exclude, minEndedEpoch)
	s, err := scanSessionRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find completed session: %w", err)
	}
	return s, nil
}

// FindActiveSession returns the most recently started active session in the
// project, excluding the given id. Covers the race window where the prior
// session's end hook has not landed yet.
func FindActiveSession(db *sql.DB, projectRoot, exclude string) (*models.Session, error) {
	row := db.QueryRowContext(context.Background(), `
		SELECT `+sessionColumns+` FROM sessions
		WHERE project_root = ? AND id != ? AND status = 'active'
		ORDER BY started_at_epoch DESC
		LIMIT 1
	`, projectRoot, exclude)
	s, err := scanSessionRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find active session: %w", err)
	}
	return s, nil
}

// SetSessionSummary stores the generated summary.
func SetSessionSummary(db *sql.DB, sessionID, summary string) error {
	return RetryWithBackoff(func() error {
		_, err := db.ExecContext(context.Background(),
			`UPDATE sessions SET summary = ? WHERE id = ?`, summary, sessionID)
		return err
	})
}

// SetSessionTitle stores a title. Generated titles never overwrite a
// manually-edited one; manual edits set the flag.
func SetSessionTitle(db *sql.DB, sessionID, title string, manual bool) error {
	return RetryWithBackoff(func() error {
		if manual {
			_, err := db.ExecContext(context.Background(),
				`UPDATE sessions SET title = ?, title_manually_edited = 1 WHERE id = ?`,
				title, sessionID)
			return err
		}
		_, err := db.ExecContext(context.Background(),
			`UPDATE sessions SET title = ? WHERE id = ? AND title_manually_edited = 0`,
			title, sessionID)
		return err
	})
}

// SetSuggestedParentDismissed toggles the dismissal flag. Idempotent.
func SetSuggestedParentDismissed(db *sql.DB, sessionID string, dismissed bool) error {
	return RetryWithBackoff(func() error {
		_, err := db.ExecContext(context.Background(),
			`UPDATE sessions SET suggested_parent_dismissed = ? WHERE id = ?`,
			boolToInt(dismissed), sessionID)
		return err
	})
}

// SetSessionTranscriptPath records where the agent wrote its transcript.
func SetSessionTranscriptPath(db *sql.DB, sessionID, path string) error {
	return RetryWithBackoff(func() error {
		_, err := db.ExecContext(context.Background(),
			`UPDATE sessions SET transcript_path = ? WHERE id = ?`, path, sessionID)
		return err
	})
}

// MarkSessionProcessed flags a session whose summary/title generation ran.
func MarkSessionProcessed(db *sql.DB, sessionID string) error {
	return RetryWithBackoff(func() error {
		_, err := db.ExecContext(context.Background(),
			`UPDATE sessions SET processed = 1 WHERE id = ?`, sessionID)
		return err
	})
}

// ListRecentSessions returns sessions ordered by start time, newest first.
func ListRecentSessions(db *sql.DB, limit int) ([]*models.Session, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.QueryContext(context.Background(),
		`SELECT `+sessionColumns+` FROM sessions ORDER BY started_at_epoch DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Session
	for rows.Next() {
		s, err := scanSessionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// CountSessions returns the total session count.
func CountSessions(db *sql.DB) (int, error) {
	var n int
	err := db.QueryRowContext(context.Background(), `SELECT COUNT(*) FROM sessions`).Scan(&n)
	return n, err
}
