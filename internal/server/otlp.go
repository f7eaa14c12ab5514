package server

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/oakci/oak/internal/models"
	"github.com/oakci/oak/internal/store"
)

// OTLP/JSON log bridge: agents that only speak OpenTelemetry deliver the
// same three lifecycle events as the hook endpoints, encoded as log records.
// Only the event names and attributes oak understands are read; everything
// else in the payload is ignored.

type otlpLogsRequest struct {
	ResourceLogs []struct {
		ScopeLogs []struct {
			LogRecords []otlpLogRecord `json:"logRecords"`
		} `json:"scopeLogs"`
	} `json:"resourceLogs"`
}

type otlpLogRecord struct {
	EventName  string          `json:"eventName,omitempty"`
	Attributes []otlpAttribute `json:"attributes"`
}

type otlpAttribute struct {
	Key   string `json:"key"`
	Value struct {
		StringValue string `json:"stringValue,omitempty"`
		IntValue    string `json:"intValue,omitempty"`
		BoolValue   *bool  `json:"boolValue,omitempty"`
	} `json:"value"`
}

func (rec otlpLogRecord) attr(key string) string {
	for _, a := range rec.Attributes {
		if a.Key == key {
			if a.Value.StringValue != "" {
				return a.Value.StringValue
			}
			return a.Value.IntValue
		}
	}
	return ""
}

func (rec otlpLogRecord) boolAttr(key string, def bool) bool {
	for _, a := range rec.Attributes {
		if a.Key == key && a.Value.BoolValue != nil {
			return *a.Value.BoolValue
		}
	}
	return def
}

func (rec otlpLogRecord) eventName() string {
	if rec.EventName != "" {
		return rec.EventName
	}
	return rec.attr("event.name")
}

func (s *Server) handleOTLPLogs(w http.ResponseWriter, r *http.Request) {
	var req otlpLogsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "error", "error": "invalid payload"})
		return
	}
	accepted := 0
	for _, rl := range req.ResourceLogs {
		for _, sl := range rl.ScopeLogs {
			for _, rec := range sl.LogRecords {
				if s.applyLogRecord(rec) {
					accepted++
				}
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "accepted": accepted})
}

// applyLogRecord maps one OTel event onto the hook pipeline. Unknown events
// are skipped, not errors: agents emit plenty oak does not care about.
func (s *Server) applyLogRecord(rec otlpLogRecord) bool {
	name := rec.eventName()
	sessionID := rec.attr("conversation_id")
	if sessionID == "" {
		return false
	}
	agent := rec.attr("agent")
	now := time.Now()

	switch {
	case strings.HasSuffix(name, ".conversation_starts"):
		if !s.dedup.Add(dedupKey("session-start", sessionID, agent, "startup")) {
			return false
		}
		_, _, err := s.ingestor.StartSession(sessionID, agent, rec.attr("cwd"), "startup", now)
		if err != nil {
			slog.Warn("otlp session start failed", "session_id", sessionID, "error", err)
			return false
		}
		return true

	case strings.HasSuffix(name, ".user_prompt"):
		if _, err := s.ingestor.SubmitPrompt(sessionID, rec.attr("prompt"), now); err != nil {
			slog.Warn("otlp prompt failed", "session_id", sessionID, "error", err)
			return false
		}
		return true

	case strings.HasSuffix(name, ".tool_result"):
		activity := &models.Activity{
			SessionID:         sessionID,
			ToolName:          rec.attr("tool.name"),
			ToolInput:         rec.attr("tool.input"),
			ToolOutputSummary: rec.attr("tool.output_summary"),
			Success:           rec.boolAttr("tool.success", true),
			ErrorMessage:      rec.attr("tool.error"),
			Timestamp:         now,
		}
		if activity.ToolName == "" {
			return false
		}
		if batch, err := store.ActiveBatch(s.db, sessionID); err == nil && batch != nil {
			activity.PromptBatchID = &batch.ID
		}
		if err := s.ingestor.AddActivity(activity); err != nil {
			slog.Warn("otlp tool result failed", "session_id", sessionID, "error", err)
			return false
		}
		return true
	}
	return false
}
