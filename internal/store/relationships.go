package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/oakci/oak/internal/models"
)

// canonicalPair orders two session ids so the undirected link is stored once.
func canonicalPair(a, b string) (string, string) {
	if a < b {
		return a, b
	}
	return b, a
}

// UpsertSessionRelationship records an undirected link between two sessions.
// Re-inserting an existing pair updates the score and creator.
func UpsertSessionRelationship(db *sql.DB, sessionA, sessionB, relType string, score float64, createdBy string) error {
	if sessionA == sessionB {
		return fmt.Errorf("cannot relate a session to itself")
	}
	a, b := canonicalPair(sessionA, sessionB)
	iso, epoch := timePair(time.Now())
	return RetryWithBackoff(func() error {
		_, err := db.ExecContext(context.Background(), `
			INSERT INTO session_relationships (session_a_id, session_b_id,
				relationship_type, similarity_score, created_by, created_at, created_at_epoch)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_a_id, session_b_id, relationship_type)
			DO UPDATE SET similarity_score = excluded.similarity_score,
			              created_by = excluded.created_by
		`, a, b, relType, score, createdBy, iso, epoch)
		if err != nil {
			return fmt.Errorf("failed to upsert session relationship: %w", err)
		}
		return nil
	})
}

// SessionsLinked reports whether the two sessions share any relationship.
func SessionsLinked(db *sql.DB, sessionA, sessionB string) (bool, error) {
	a, b := canonicalPair(sessionA, sessionB)
	var n int
	err := db.QueryRowContext(context.Background(), `
		SELECT COUNT(*) FROM session_relationships
		WHERE session_a_id = ? AND session_b_id = ?
	`, a, b).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check session relationship: %w", err)
	}
	return n > 0, nil
}

// ListRelationshipsForSession returns every relationship touching a session.
func ListRelationshipsForSession(db *sql.DB, sessionID string) ([]*models.SessionRelationship, error) {
	rows, err := db.QueryContext(context.Background(), `
		SELECT id, session_a_id, session_b_id, relationship_type,
		       similarity_score, created_by, created_at
		FROM session_relationships
		WHERE session_a_id = ? OR session_b_id = ?
		ORDER BY created_at_epoch DESC
	`, sessionID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list session relationships: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.SessionRelationship
	for rows.Next() {
		var (
			r         models.SessionRelationship
			createdAt string
		)
		if err := rows.Scan(&r.ID, &r.SessionAID, &r.SessionBID, &r.RelationshipType,
			&r.SimilarityScore, &r.CreatedBy, &createdAt); err != nil {
			return nil, err
		}
		r.CreatedAt = parseISO(createdAt)
		out = append(out, &r)
	}
	return out, rows.Err()
}
