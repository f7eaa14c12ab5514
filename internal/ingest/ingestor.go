// Package ingest is the write path between hook events and the relational
// store: session lifecycle, parent linking, prompt batch rotation, and the
// buffered activity writer.
package ingest

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oakci/oak/internal/models"
	"github.com/oakci/oak/internal/store"
)

const (
	// immediateLinkGap is how soon after a session end a new start still
	// counts as the same line of work (clear/compact restarts).
	immediateLinkGap = 5 * time.Minute
	// fallbackLinkGap bounds how far back a resume can reach.
	fallbackLinkGap = 24 * time.Hour
	// maxAncestorWalk caps cycle detection; a deeper chain than this is
	// already pathological.
	maxAncestorWalk = 64
	// defaultFlushThreshold is how many buffered activities trigger a flush.
	defaultFlushThreshold = 10
)

// Ingestor owns hook-event writes. One instance per daemon; the activity
// buffer is not durable, so the session-end path must flush it.
type Ingestor struct {
	db        *sql.DB
	threshold int

	mu     sync.Mutex
	buffer []*models.Activity
}

// NewIngestor creates an ingestor. threshold <= 0 uses the default.
func NewIngestor(db *sql.DB, threshold int) *Ingestor {
	if threshold <= 0 {
		threshold = defaultFlushThreshold
	}
	return &Ingestor{db: db, threshold: threshold}
}

// StartSession ensures the session row exists and, for restart sources
// (clear/compact/resume), links it to the session it continues. Duplicate
// start events are no-ops.
func (in *Ingestor) StartSession(sessionID, agent, projectRoot, source string, startedAt time.Time) (*models.Session, bool, error) {
	s, created, err := store.EnsureSession(in.db, sessionID, agent, projectRoot, startedAt)
	if err != nil {
		return nil, false, err
	}
	if !created {
		return s, false, nil
	}

	reason, linkable := parentReasonForSource(source)
	if !linkable {
		return s, true, nil
	}
	parent, err := in.FindLinkableParent(agent, projectRoot, sessionID, startedAt)
	if err != nil {
		slog.Warn("parent lookup failed, session starts unlinked",
			"session_id", sessionID, "error", err)
		return s, true, nil
	}
	if parent == nil {
		return s, true, nil
	}
	if err := in.SetSessionParent(sessionID, parent.ID, reason); err != nil {
		slog.Warn("parent link failed, session starts unlinked",
			"session_id", sessionID, "parent_id", parent.ID, "error", err)
		return s, true, nil
	}
	s.ParentSessionID = parent.ID
	s.ParentReason = reason
	return s, true, nil
}

// parentReasonForSource maps a session-start source to a link reason.
// Plain startups are not linked here; the suggestion engine may infer a
// parent for them later.
func parentReasonForSource(source string) (models.ParentReason, bool) {
	switch source {
	case "clear":
		return models.ParentReasonClear, true
	case "compact":
		return models.ParentReasonCompact, true
	case "resume":
		return models.ParentReasonResume, true
	default:
		return "", false
	}
}

// SetSessionParent links a session to its parent after validating the link:
// both sessions exist, no self-link, and the parent's ancestor chain does
// not already contain the session.
func (in *Ingestor) SetSessionParent(sessionID, parentID string, reason models.ParentReason) error {
	if sessionID == parentID {
		return &models.CycleError{SessionID: sessionID, ParentID: parentID}
	}
	if _, err := store.GetSession(in.db, sessionID); err != nil {
		return err
	}
	if _, err := store.GetSession(in.db, parentID); err != nil {
		return fmt.Errorf("parent session: %w", err)
	}

	chain, err := store.AncestorChain(in.db, parentID, maxAncestorWalk)
	if err != nil {
		return err
	}
	for _, ancestor := range chain {
		if ancestor == sessionID {
			return &models.CycleError{SessionID: sessionID, ParentID: parentID}
		}
	}
	if err := store.SetSessionParent(in.db, sessionID, parentID, reason); err != nil {
		return err
	}
	// The relationship row keeps the pair out of future parent suggestions.
	if err := store.UpsertSessionRelationship(in.db, sessionID, parentID, "continues", 1.0, string(reason)); err != nil {
		slog.Warn("failed to record session relationship",
			"session_id", sessionID, "parent_id", parentID, "error", err)
	}
	return nil
}

// FindLinkableParent picks the session a restart continues. Precedence:
// a session that ended within the immediate gap before startedAt, then a
// still-active session in the same project (its end hook may not have
// landed yet), then a session that ended within the fallback window.
func (in *Ingestor) FindLinkableParent(agent, projectRoot, excludeID string, startedAt time.Time) (*models.Session, error) {
	recent, err := store.FindCompletedSessionEndedAfter(in.db, agent, projectRoot, excludeID,
		startedAt.Add(-immediateLinkGap).Unix())
	if err != nil {
		return nil, err
	}
	if recent != nil {
		return recent, nil
	}

	active, err := store.FindActiveSession(in.db, projectRoot, excludeID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return active, nil
	}

	return store.FindCompletedSessionEndedAfter(in.db, agent, projectRoot, excludeID,
		startedAt.Add(-fallbackLinkGap).Unix())
}

// SubmitPrompt opens a new prompt batch, classifying the prompt text first.
// Opening a batch completes any prior active one.
func (in *Ingestor) SubmitPrompt(sessionID, prompt string, submittedAt time.Time) (*models.PromptBatch, error) {
	sourceType := ClassifyPromptSource(prompt)
	return store.CreatePromptBatch(in.db, sessionID, prompt, sourceType, submittedAt)
}

// AddActivity buffers one activity, flushing when the buffer fills. The
// flush happens outside the lock so slow SQLite writes never stall the
// hook handler that is buffering the next event.
func (in *Ingestor) AddActivity(a *models.Activity) error {
	in.mu.Lock()
	in.buffer = append(in.buffer, a)
	shouldFlush := len(in.buffer) >= in.threshold
	in.mu.Unlock()

	if shouldFlush {
		return in.Flush()
	}
	return nil
}

// Flush writes all buffered activities. Safe to call with an empty buffer.
// On write failure the batch is dropped, not requeued: activities are
// best-effort telemetry and requeuing a poisoned batch would wedge the
// buffer forever.
func (in *Ingestor) Flush() error {
	in.mu.Lock()
	pending := in.buffer
	in.buffer = nil
	in.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	inserted, err := store.InsertActivities(in.db, pending)
	if err != nil {
		slog.Error("activity flush failed, dropping batch",
			"count", len(pending), "error", err)
		return err
	}
	if inserted < len(pending) {
		slog.Debug("activity flush skipped duplicates",
			"buffered", len(pending), "inserted", inserted)
	}
	return nil
}

// BufferedCount returns the number of unflushed activities.
func (in *Ingestor) BufferedCount() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.buffer)
}

// EndPrompt completes the session's active batch, flushing first so the
// batch's activity count is final when the processor picks it up.
func (in *Ingestor) EndPrompt(sessionID string, endedAt time.Time) (*models.PromptBatch, error) {
	if err := in.Flush(); err != nil {
		return nil, err
	}
	active, err := store.ActiveBatch(in.db, sessionID)
	if err != nil {
		return nil, err
	}
	if active == nil {
		return nil, nil
	}
	if err := store.EndPromptBatch(in.db, active.ID, endedAt); err != nil {
		return nil, err
	}
	return store.GetPromptBatch(in.db, active.ID)
}

// EndSession flushes buffered activities, completes open batches, and
// advances the session to a terminal status.
func (in *Ingestor) EndSession(sessionID string, status models.SessionStatus, endedAt time.Time) error {
	if err := in.Flush(); err != nil {
		// Keep going: ending the session matters more than the tail of
		// activity telemetry.
		slog.Warn("flush on session end failed", "session_id", sessionID, "error", err)
	}
	if err := store.EndActiveBatches(in.db, sessionID, endedAt); err != nil {
		return err
	}
	return store.EndSession(in.db, sessionID, status, endedAt)
}
