package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/oakci/oak/internal/models"
	"github.com/oakci/oak/internal/store"
	"github.com/oakci/oak/internal/vector"
)

// Hook handlers never fail the agent: malformed or erroring events are
// logged and answered with an error status, always HTTP 200.

type sessionStartRequest struct {
	SessionID       string `json:"session_id"`
	Agent           string `json:"agent"`
	Source          string `json:"source"`
	ParentSessionID string `json:"parent_session_id,omitempty"`
	ProjectRoot     string `json:"project_root,omitempty"`
	Cwd             string `json:"cwd,omitempty"`
}

type indexStats struct {
	CodeChunks         int    `json:"code_chunks"`
	MemoryObservations int    `json:"memory_observations"`
	Status             string `json:"status"`
}

type sessionContext struct {
	InjectedContext string      `json:"injected_context,omitempty"`
	ProjectRoot     string      `json:"project_root,omitempty"`
	Index           *indexStats `json:"index,omitempty"`
}

type sessionStartResponse struct {
	Status    string          `json:"status"`
	SessionID string          `json:"session_id"`
	Context   *sessionContext `json:"context,omitempty"`
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	var req sessionStartRequest
	if err := decodeJSON(r, &req); err != nil || req.SessionID == "" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "error", "error": "invalid payload"})
		return
	}
	key := dedupKey("session-start", req.SessionID, req.Agent, req.Source)
	if !s.dedup.Add(key) {
		writeJSON(w, http.StatusOK, sessionStartResponse{Status: "duplicate", SessionID: req.SessionID})
		return
	}

	projectRoot := req.ProjectRoot
	if projectRoot == "" {
		projectRoot = req.Cwd
	}
	sess, _, err := s.ingestor.StartSession(req.SessionID, req.Agent, projectRoot, req.Source, time.Now())
	if err != nil {
		slog.Warn("session-start hook failed", "session_id", req.SessionID, "error", err)
		writeJSON(w, http.StatusOK, sessionStartResponse{Status: "error", SessionID: req.SessionID})
		return
	}
	if req.ParentSessionID != "" && !sess.HasParent() {
		if err := s.ingestor.SetSessionParent(req.SessionID, req.ParentSessionID, models.ParentReasonExplicit); err != nil {
			slog.Warn("explicit parent link failed", "session_id", req.SessionID, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, sessionStartResponse{
		Status:    "ok",
		SessionID: req.SessionID,
		Context:   s.buildSessionContext(sess),
	})
}

func (s *Server) buildSessionContext(sess *models.Session) *sessionContext {
	ctx := &sessionContext{ProjectRoot: sess.ProjectRoot}
	if sess.ParentSessionID != "" {
		if parent, err := store.GetSession(s.db, sess.ParentSessionID); err == nil && parent.Summary != "" {
			title := parent.Title
			if title == "" {
				title = parent.ID
			}
			ctx.InjectedContext = fmt.Sprintf("Previous session %q: %s", title, parent.Summary)
		}
	}
	if s.stats != nil {
		if stats, err := s.stats.GetStats(); err == nil {
			idx := &indexStats{
				CodeChunks:         stats.Index[vector.CollectionCode],
				MemoryObservations: stats.Index[vector.CollectionMemory],
				Status:             "ok",
			}
			if idx.CodeChunks == 0 && idx.MemoryObservations == 0 {
				idx.Status = "empty"
			}
			ctx.Index = idx
		}
	}
	return ctx
}

type sessionEndRequest struct {
	SessionID string `json:"session_id"`
	Agent     string `json:"agent"`
}

func (s *Server) handleSessionEnd(w http.ResponseWriter, r *http.Request) {
	var req sessionEndRequest
	if err := decodeJSON(r, &req); err != nil || req.SessionID == "" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "error", "error": "invalid payload"})
		return
	}
	if err := s.ingestor.EndSession(req.SessionID, models.SessionStatusCompleted, time.Now()); err != nil {
		slog.Warn("session-end hook failed", "session_id", req.SessionID, "error", err)
		writeJSON(w, http.StatusOK, map[string]string{"status": "error"})
		return
	}
	if s.summarizer != nil {
		go func(id string) {
			if err := s.summarizer.SummarizeSession(context.Background(), id); err != nil {
				slog.Warn("session summarization failed", "session_id", id, "error", err)
			}
		}(req.SessionID)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "session_id": req.SessionID})
}

type promptSubmitRequest struct {
	SessionID string `json:"session_id"`
	Prompt    string `json:"prompt"`
	Agent     string `json:"agent"`
}

func (s *Server) handlePromptSubmit(w http.ResponseWriter, r *http.Request) {
	var req promptSubmitRequest
	if err := decodeJSON(r, &req); err != nil || req.SessionID == "" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "error", "error": "invalid payload"})
		return
	}
	batch, err := s.ingestor.SubmitPrompt(req.SessionID, req.Prompt, time.Now())
	if err != nil {
		slog.Warn("prompt-submit hook failed", "session_id", req.SessionID, "error", err)
		writeJSON(w, http.StatusOK, map[string]string{"status": "error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"prompt_batch_id": batch.ID,
	})
}

type postToolUseRequest struct {
	SessionID         string   `json:"session_id"`
	ToolName          string   `json:"tool_name"`
	ToolInput         string   `json:"tool_input"`
	ToolOutputSummary string   `json:"tool_output_summary"`
	FilePath          string   `json:"file_path,omitempty"`
	FilesAffected     []string `json:"files_affected,omitempty"`
	DurationMS        int64    `json:"duration_ms,omitempty"`
	Success           bool     `json:"success"`
	ErrorMessage      string   `json:"error_message,omitempty"`
}

func (s *Server) handlePostToolUse(w http.ResponseWriter, r *http.Request) {
	var req postToolUseRequest
	if err := decodeJSON(r, &req); err != nil || req.SessionID == "" || req.ToolName == "" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "error", "error": "invalid payload"})
		return
	}
	activity := &models.Activity{
		SessionID:         req.SessionID,
		ToolName:          req.ToolName,
		ToolInput:         req.ToolInput,
		ToolOutputSummary: req.ToolOutputSummary,
		FilePath:          req.FilePath,
		FilesAffected:     req.FilesAffected,
		DurationMS:        req.DurationMS,
		Success:           req.Success,
		ErrorMessage:      req.ErrorMessage,
		Timestamp:         time.Now(),
	}
	if batch, err := store.ActiveBatch(s.db, req.SessionID); err == nil && batch != nil {
		activity.PromptBatchID = &batch.ID
	}
	if err := s.ingestor.AddActivity(activity); err != nil {
		slog.Warn("post-tool-use hook failed", "session_id", req.SessionID, "error", err)
		writeJSON(w, http.StatusOK, map[string]string{"status": "error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func dedupKey(event, sessionID, agent, source string) string {
	return event + "|" + sessionID + "|" + agent + "|" + source
}
