// Package mcptools exposes the daemon's retrieval and memory surfaces as
// MCP tools over stdio, so coding agents can search and write memory from
// inside a conversation.
package mcptools

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/oakci/oak/internal/app"
	"github.com/oakci/oak/internal/memory"
	"github.com/oakci/oak/internal/models"
	"github.com/oakci/oak/internal/retrieval"
	"github.com/oakci/oak/internal/store"
	"github.com/oakci/oak/internal/vector"
)

// Toolset owns the handlers behind the MCP tools. Every tool returns one
// serialized JSON string; agents get structure without a custom transport.
type Toolset struct {
	db        *sql.DB
	retrieval *retrieval.Engine
	memory    *memory.Service
}

// NewToolset wires the tool handlers to their backing services.
func NewToolset(db *sql.DB, eng *retrieval.Engine, mem *memory.Service) *Toolset {
	return &Toolset{db: db, retrieval: eng, memory: mem}
}

// NewServer builds the stdio MCP server with every tool registered.
func NewServer(ts *Toolset) *server.MCPServer {
	s := server.NewMCPServer("oak", app.Version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)
	ts.register(s)
	return s
}

// ServeStdio blocks serving the MCP protocol on stdin/stdout.
func ServeStdio(s *server.MCPServer) error {
	return server.ServeStdio(s)
}

func (ts *Toolset) register(s *server.MCPServer) {
	s.AddTool(mcp.NewTool("search",
		mcp.WithDescription("Search the codebase memory index. Returns ids, relevance, and token estimates; fetch content with the context tool."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Natural-language search query")),
		mcp.WithString("search_type", mcp.Description("What to search: all, code, memory, plans, or sessions"), mcp.Enum("all", "code", "memory", "plans", "sessions")),
		mcp.WithNumber("limit", mcp.Description("Maximum results (default 20)")),
		mcp.WithBoolean("include_resolved", mcp.Description("Include resolved and superseded observations")),
	), ts.handleSearch)

	s.AddTool(mcp.NewTool("remember",
		mcp.WithDescription("Store an observation in memory for future sessions."),
		mcp.WithString("observation", mcp.Required(), mcp.Description("The fact worth remembering, one or two sentences")),
		mcp.WithString("memory_type", mcp.Description("gotcha, bug_fix, decision, discovery, trade_off, or plan"), mcp.Enum("gotcha", "bug_fix", "decision", "discovery", "trade_off", "plan")),
		mcp.WithString("context", mcp.Description("Supporting detail: code, error output, reasoning")),
		mcp.WithString("session_id", mcp.Description("Session to attribute the observation to")),
		mcp.WithString("file_path", mcp.Description("File the observation is about")),
		mcp.WithString("tags", mcp.Description("Comma-separated tags")),
		mcp.WithNumber("importance", mcp.Description("1-10, default 5")),
	), ts.handleRemember)

	s.AddTool(mcp.NewTool("context",
		mcp.WithDescription("Assemble a token-budgeted context pack of code and memory relevant to a task."),
		mcp.WithString("task", mcp.Required(), mcp.Description("What you are about to do")),
		mcp.WithArray("current_files", mcp.Description("Files you are working in; matching documents rank higher"), mcp.Items(map[string]any{"type": "string"})),
		mcp.WithNumber("max_tokens", mcp.Description("Token budget for the pack (default 2000)")),
	), ts.handleContext)

	s.AddTool(mcp.NewTool("fetch",
		mcp.WithDescription("Fetch full observations by id after a search."),
		mcp.WithArray("ids", mcp.Required(), mcp.Description("Observation ids to fetch"), mcp.Items(map[string]any{"type": "string"})),
	), ts.handleFetch)

	s.AddTool(mcp.NewTool("resolve_memory",
		mcp.WithDescription("Mark an observation resolved or superseded so it stops surfacing as active."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Observation id")),
		mcp.WithString("status", mcp.Required(), mcp.Description("New status"), mcp.Enum("resolved", "superseded")),
		mcp.WithString("session_id", mcp.Description("Session making the resolution")),
		mcp.WithString("superseded_by", mcp.Description("Successor observation id, required when superseding")),
	), ts.handleResolveMemory)

	s.AddTool(mcp.NewTool("sessions",
		mcp.WithDescription("List recent coding sessions."),
		mcp.WithNumber("limit", mcp.Description("Maximum sessions (default 10)")),
		mcp.WithBoolean("include_summary", mcp.Description("Include each session's summary text")),
	), ts.handleSessions)

	s.AddTool(mcp.NewTool("memories",
		mcp.WithDescription("List stored observations, newest first."),
		mcp.WithString("memory_type", mcp.Description("Filter by type")),
		mcp.WithString("session_id", mcp.Description("Filter by session")),
		mcp.WithNumber("limit", mcp.Description("Maximum observations (default 20)")),
		mcp.WithBoolean("include_resolved", mcp.Description("Include resolved and superseded observations")),
	), ts.handleMemories)

	s.AddTool(mcp.NewTool("stats",
		mcp.WithDescription("Report observation counts and vector index sizes."),
	), ts.handleStats)

	s.AddTool(mcp.NewTool("activity",
		mcp.WithDescription("List tool activity, newest first. Scoped to a session when session_id is given, full-text search when query is given, recent across all sessions otherwise."),
		mcp.WithString("session_id", mcp.Description("Limit to one session")),
		mcp.WithString("tool_name", mcp.Description("Filter to one tool")),
		mcp.WithString("query", mcp.Description("Full-text search over tool names, outputs, and file paths")),
		mcp.WithNumber("limit", mcp.Description("Maximum activities (default 50)")),
	), ts.handleActivity)

	s.AddTool(mcp.NewTool("archive_memories",
		mcp.WithDescription("Archive observations out of search results. Rows are kept; archive narrows retrieval, it does not delete."),
		mcp.WithArray("ids", mcp.Description("Explicit observation ids to archive"), mcp.Items(map[string]any{"type": "string"})),
		mcp.WithString("status_filter", mcp.Description("When no ids given, archive observations with this status (default resolved)"), mcp.Enum("resolved", "superseded", "active")),
		mcp.WithNumber("older_than_days", mcp.Description("When no ids given, only archive observations older than this")),
		mcp.WithBoolean("dry_run", mcp.Description("Report what would be archived without doing it")),
	), ts.handleArchiveMemories)
}

func (ts *Toolset) handleSearch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	opts := retrieval.SearchOptions{
		Limit: req.GetInt("limit", 0),
	}
	if !req.GetBool("include_resolved", false) {
		opts.Status = string(models.ObservationStatusActive)
	}
	switch req.GetString("search_type", "all") {
	case "code":
		opts.Collections = []string{vector.CollectionCode}
		opts.Status = ""
	case "memory":
		opts.Collections = []string{vector.CollectionMemory}
	case "plans":
		opts.Collections = []string{vector.CollectionMemory}
		opts.MemoryType = string(models.MemoryTypePlan)
	case "sessions":
		opts.Collections = []string{vector.CollectionSessionSummaries}
	default:
		opts.Collections = vector.AllCollections
	}
	resp, err := ts.retrieval.SearchIndex(ctx, query, opts)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(resp)
}

func (ts *Toolset) handleRemember(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text, err := req.RequireString("observation")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	sessionID := req.GetString("session_id", "")
	if sessionID == "" {
		sessionID = "manual"
	}
	o := &models.Observation{
		SessionID:   sessionID,
		Observation: text,
		MemoryType:  models.MemoryType(req.GetString("memory_type", string(models.MemoryTypeDiscovery))),
		Context:     req.GetString("context", ""),
		FilePath:    req.GetString("file_path", ""),
		Tags:        req.GetString("tags", ""),
		Importance:  req.GetInt("importance", 5),
	}
	stored, created, err := ts.memory.StoreObservation(ctx, o)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]any{
		"id":      stored.ID,
		"created": created,
		"status":  stored.Status,
	})
}

func (ts *Toolset) handleContext(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, err := req.RequireString("task")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	tc, err := ts.retrieval.GetTaskContext(ctx, task,
		req.GetStringSlice("current_files", nil), req.GetInt("max_tokens", 0))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(tc)
}

func (ts *Toolset) handleFetch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ids := req.GetStringSlice("ids", nil)
	if len(ids) == 0 {
		return mcp.NewToolResultError("ids is required"), nil
	}
	obs, err := ts.retrieval.FetchFull(ctx, ids)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]any{"observations": obs})
}

func (ts *Toolset) handleResolveMemory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	status, err := req.RequireString("status")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	to := models.ObservationStatus(status)
	if to != models.ObservationStatusResolved && to != models.ObservationStatusSuperseded {
		return mcp.NewToolResultError(fmt.Sprintf("invalid status %q", status)), nil
	}
	err = ts.memory.UpdateStatus(ctx, id, to,
		req.GetString("session_id", ""), req.GetString("superseded_by", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]string{"id": id, "status": status})
}

func (ts *Toolset) handleSessions(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessions, err := store.ListRecentSessions(ts.db, req.GetInt("limit", 10))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	includeSummary := req.GetBool("include_summary", false)
	type sessionEntry struct {
		ID          string     `json:"id"`
		Title       string     `json:"title,omitempty"`
		Agent       string     `json:"agent"`
		ProjectRoot string     `json:"project_root,omitempty"`
		Status      string     `json:"status"`
		StartedAt   time.Time  `json:"started_at"`
		EndedAt     *time.Time `json:"ended_at,omitempty"`
		Summary     string     `json:"summary,omitempty"`
		Related     []string   `json:"related_sessions,omitempty"`
	}
	out := make([]sessionEntry, 0, len(sessions))
	for _, s := range sessions {
		e := sessionEntry{
			ID:          s.ID,
			Title:       s.Title,
			Agent:       s.Agent,
			ProjectRoot: s.ProjectRoot,
			Status:      string(s.Status),
			StartedAt:   s.StartedAt,
			EndedAt:     s.EndedAt,
		}
		if includeSummary {
			e.Summary = s.Summary
		}
		if rels, err := store.ListRelationshipsForSession(ts.db, s.ID); err == nil {
			for _, r := range rels {
				other := r.SessionAID
				if other == s.ID {
					other = r.SessionBID
				}
				e.Related = append(e.Related, other)
			}
		}
		out = append(out, e)
	}
	return jsonResult(map[string]any{"sessions": out})
}

func (ts *Toolset) handleMemories(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	f := store.ObservationFilter{
		MemoryType: models.MemoryType(req.GetString("memory_type", "")),
		SessionID:  req.GetString("session_id", ""),
		Limit:      req.GetInt("limit", 20),
	}
	if !req.GetBool("include_resolved", false) {
		f.Status = models.ObservationStatusActive
	}
	obs, err := store.ListObservations(ts.db, f)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]any{"observations": obs})
}

func (ts *Toolset) handleStats(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, err := ts.memory.GetStats()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(stats)
}

func (ts *Toolset) handleActivity(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 50)
	if query := req.GetString("query", ""); query != "" {
		acts, err := store.SearchActivities(ts.db, query, limit)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(map[string]any{"activities": acts})
	}
	sessionID := req.GetString("session_id", "")
	if sessionID == "" {
		acts, err := store.ListRecentActivities(ts.db, limit)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(map[string]any{"activities": acts})
	}
	acts, err := store.ListActivitiesForSession(ts.db, sessionID,
		req.GetString("tool_name", ""), limit)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]any{"activities": acts})
}

func (ts *Toolset) handleArchiveMemories(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ids := req.GetStringSlice("ids", nil)
	if len(ids) == 0 {
		status := models.ObservationStatus(req.GetString("status_filter", string(models.ObservationStatusResolved)))
		obs, err := store.ListObservations(ts.db, store.ObservationFilter{Status: status, Limit: 1000})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		var cutoff time.Time
		if days := req.GetInt("older_than_days", 0); days > 0 {
			cutoff = time.Now().AddDate(0, 0, -days)
		}
		for _, o := range obs {
			if !cutoff.IsZero() && o.CreatedAt.After(cutoff) {
				continue
			}
			ids = append(ids, o.ID)
		}
	}
	if req.GetBool("dry_run", false) {
		return jsonResult(map[string]any{"dry_run": true, "would_archive": ids})
	}
	archived, err := ts.memory.ArchiveMemories(ctx, ids)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]any{"archived": archived})
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
