package models

import (
	"time"
)

// ID Strategy:
// - Sessions use externally-assigned opaque string IDs (the agent names them)
// - PromptBatches and Activities use int64 (monotonic ordering, auto-increment)
// - Observations and AgentRuns use UUID strings (distributed generation,
//   collision-free across machines that later merge via backup import)

// SessionStatus represents the lifecycle state of an agent session.
type SessionStatus string

// Session status constants. Status advances active -> completed or
// active -> abandoned and never moves backwards.
const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusAbandoned SessionStatus = "abandoned"
)

// IsTerminal returns true once the session has ended.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusAbandoned
}

// ParentReason records why a session was linked to its parent.
type ParentReason string

// Parent link reasons.
const (
	ParentReasonClear    ParentReason = "clear"
	ParentReasonCompact  ParentReason = "compact"
	ParentReasonResume   ParentReason = "resume"
	ParentReasonInferred ParentReason = "inferred"
	ParentReasonExplicit ParentReason = "explicit"
)

// BatchStatus represents the lifecycle state of a prompt batch.
type BatchStatus string

// Batch status constants.
const (
	BatchStatusActive    BatchStatus = "active"
	BatchStatusCompleted BatchStatus = "completed"
)

// SourceType classifies what produced a prompt batch. The batch processor
// dispatches on this tag: only "user" batches run the full extraction
// pipeline; the others are marked processed with a fixed classification.
type SourceType string

// Source type constants.
const (
	SourceTypeUser              SourceType = "user"
	SourceTypeAgentNotification SourceType = "agent_notification"
	SourceTypePlan              SourceType = "plan"
	SourceTypeSystem            SourceType = "system"
	SourceTypeDerivedPlan       SourceType = "derived_plan"
)

// MemoryType categorizes an extracted observation.
type MemoryType string

// Memory type constants.
const (
	MemoryTypeGotcha         MemoryType = "gotcha"
	MemoryTypeBugFix         MemoryType = "bug_fix"
	MemoryTypeDecision       MemoryType = "decision"
	MemoryTypeDiscovery      MemoryType = "discovery"
	MemoryTypeTradeOff       MemoryType = "trade_off"
	MemoryTypeSessionSummary MemoryType = "session_summary"
	MemoryTypePlan           MemoryType = "plan"
)

// KnownMemoryTypes lists the types the extraction schema accepts. Unknown
// types coming back from the LLM are coerced to discovery.
var KnownMemoryTypes = []MemoryType{
	MemoryTypeGotcha, MemoryTypeBugFix, MemoryTypeDecision,
	MemoryTypeDiscovery, MemoryTypeTradeOff, MemoryTypeSessionSummary,
	MemoryTypePlan,
}

// ObservationStatus is the lifecycle state of an observation.
type ObservationStatus string

// Observation status constants. Valid transitions:
// active -> resolved, active -> superseded (requires SupersededBy),
// resolved/superseded -> active (reactivated via resolution event replay).
const (
	ObservationStatusActive     ObservationStatus = "active"
	ObservationStatusResolved   ObservationStatus = "resolved"
	ObservationStatusSuperseded ObservationStatus = "superseded"
)

// ResolutionAction names an observation lifecycle transition carried by a
// resolution event.
type ResolutionAction string

// Resolution actions.
const (
	ResolutionActionResolved    ResolutionAction = "resolved"
	ResolutionActionSuperseded  ResolutionAction = "superseded"
	ResolutionActionReactivated ResolutionAction = "reactivated"
)

// RunStatus is the lifecycle state of a scheduled agent run.
type RunStatus string

// Agent run status constants.
const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
	RunStatusTimeout   RunStatus = "timeout"
)

// IsTerminal returns true if the run reached a final state.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled, RunStatusTimeout:
		return true
	}
	return false
}

// Session is a single agent run from launch to exit.
type Session struct {
	ID                       string        `json:"id"`
	Agent                    string        `json:"agent"`
	ProjectRoot              string        `json:"project_root"`
	StartedAt                time.Time     `json:"started_at"`
	EndedAt                  *time.Time    `json:"ended_at,omitempty"`
	Status                   SessionStatus `json:"status"`
	PromptCount              int           `json:"prompt_count"`
	ToolCount                int           `json:"tool_count"`
	Processed                bool          `json:"processed"`
	Summary                  string        `json:"summary,omitempty"`
	Title                    string        `json:"title,omitempty"`
	TitleManuallyEdited      bool          `json:"title_manually_edited,omitempty"`
	ParentSessionID          string        `json:"parent_session_id,omitempty"`
	ParentReason             ParentReason  `json:"parent_reason,omitempty"`
	SuggestedParentDismissed bool          `json:"suggested_parent_dismissed,omitempty"`
	TranscriptPath           string        `json:"transcript_path,omitempty"`
	SourceMachineID          string        `json:"source_machine_id"`
	ContentHash              string        `json:"content_hash,omitempty"`
}

// IsActive returns true while the session has not ended.
func (s *Session) IsActive() bool { return s.Status == SessionStatusActive }

// HasParent returns true if the session is linked to a parent session.
func (s *Session) HasParent() bool { return s.ParentSessionID != "" }

// PromptBatch is the unit of extraction work: all tool activities between
// one user prompt and the next within a session.
type PromptBatch struct {
	ID                int64       `json:"id"`
	SessionID         string      `json:"session_id"`
	PromptNumber      int         `json:"prompt_number"`
	UserPrompt        string      `json:"user_prompt"`
	StartedAt         time.Time   `json:"started_at"`
	EndedAt           *time.Time  `json:"ended_at,omitempty"`
	Status            BatchStatus `json:"status"`
	ActivityCount     int         `json:"activity_count"`
	Processed         bool        `json:"processed"`
	ProcessSuccess    bool        `json:"process_success"`
	Classification    string      `json:"classification,omitempty"`
	SourceType        SourceType  `json:"source_type"`
	PlanFilePath      string      `json:"plan_file_path,omitempty"`
	PlanContent       string      `json:"plan_content,omitempty"`
	PlanEmbedded      bool        `json:"plan_embedded,omitempty"`
	SourcePlanBatchID *int64      `json:"source_plan_batch_id,omitempty"`
	ResponseSummary   string      `json:"response_summary,omitempty"`
	SourceMachineID   string      `json:"source_machine_id"`
	ContentHash       string      `json:"content_hash,omitempty"`
}

// Activity is one tool invocation captured from a hook event.
// Immutable after insert except Processed and ObservationID.
type Activity struct {
	ID                int64     `json:"id"`
	SessionID         string    `json:"session_id"`
	PromptBatchID     *int64    `json:"prompt_batch_id,omitempty"`
	ToolName          string    `json:"tool_name"`
	ToolInput         string    `json:"tool_input"`
	ToolOutputSummary string    `json:"tool_output_summary"`
	FilePath          string    `json:"file_path,omitempty"`
	FilesAffected     []string  `json:"files_affected,omitempty"`
	DurationMS        int64     `json:"duration_ms"`
	Success           bool      `json:"success"`
	ErrorMessage      string    `json:"error_message,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
	Processed         bool      `json:"processed"`
	ObservationID     string    `json:"observation_id,omitempty"`
	SourceMachineID   string    `json:"source_machine_id"`
	ContentHash       string    `json:"content_hash,omitempty"`
}

// Observation is a durable, indexable fact extracted (or directly asserted)
// from agent work. The relational store is authoritative; the vector store
// holds a derived projection for search.
type Observation struct {
	ID                  string            `json:"id"`
	SessionID           string            `json:"session_id"`
	PromptBatchID       *int64            `json:"prompt_batch_id,omitempty"`
	Observation         string            `json:"observation"`
	MemoryType          MemoryType        `json:"memory_type"`
	Context             string            `json:"context,omitempty"`
	Tags                string            `json:"tags,omitempty"`
	Importance          int               `json:"importance"`
	FilePath            string            `json:"file_path,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	Embedded            bool              `json:"embedded"`
	Status              ObservationStatus `json:"status"`
	ResolvedBySessionID string            `json:"resolved_by_session_id,omitempty"`
	ResolvedAt          *time.Time        `json:"resolved_at,omitempty"`
	SupersededBy        string            `json:"superseded_by,omitempty"`
	SessionOriginType   string            `json:"session_origin_type,omitempty"`
	SourceMachineID     string            `json:"source_machine_id"`
	ContentHash         string            `json:"content_hash,omitempty"`
}

// ResolutionEvent is a first-class record of an observation lifecycle
// transition, exported in backups so other machines converge.
type ResolutionEvent struct {
	ID                  int64            `json:"id"`
	ObservationID       string           `json:"observation_id"`
	Action              ResolutionAction `json:"action"`
	SourceMachineID     string           `json:"source_machine_id"`
	ResolvedBySessionID string           `json:"resolved_by_session_id,omitempty"`
	SupersededBy        string           `json:"superseded_by,omitempty"`
	Applied             bool             `json:"applied"`
	ContentHash         string           `json:"content_hash"`
	CreatedAt           time.Time        `json:"created_at"`
}

// SessionRelationship is an undirected semantic link between two sessions.
// Stored with canonical ordering (SessionAID < SessionBID).
type SessionRelationship struct {
	ID               int64     `json:"id"`
	SessionAID       string    `json:"session_a_id"`
	SessionBID       string    `json:"session_b_id"`
	RelationshipType string    `json:"relationship_type"`
	SimilarityScore  float64   `json:"similarity_score"`
	CreatedBy        string    `json:"created_by"` // "suggestion" or "manual"
	CreatedAt        time.Time `json:"created_at"`
}

// AgentRun is the persisted record of one scheduled agent execution.
type AgentRun struct {
	ID               string     `json:"id"`
	AgentName        string     `json:"agent_name"`
	Task             string     `json:"task"`
	Status           RunStatus  `json:"status"`
	StartedAt        time.Time  `json:"started_at"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
	DurationMS       int64      `json:"duration_ms"`
	CostUSD          float64    `json:"cost_usd"`
	TurnsUsed        int        `json:"turns_used"`
	InputTokens      int64      `json:"input_tokens"`
	OutputTokens     int64      `json:"output_tokens"`
	FilesCreated     []string   `json:"files_created,omitempty"`
	FilesModified    []string   `json:"files_modified,omitempty"`
	FilesDeleted     []string   `json:"files_deleted,omitempty"`
	Warnings         []string   `json:"warnings,omitempty"`
	ProjectConfig    string     `json:"project_config,omitempty"`
	SystemPromptHash string     `json:"system_prompt_hash,omitempty"`
	Error            string     `json:"error,omitempty"`
	SourceMachineID  string     `json:"source_machine_id"`
}

// AgentSchedule is the cron runtime state for a configured agent instance.
type AgentSchedule struct {
	InstanceName string     `json:"instance_name"`
	Enabled      bool       `json:"enabled"`
	CronExpr     string     `json:"cron_expr"`
	LastRunAt    *time.Time `json:"last_run_at,omitempty"`
	LastRunID    string     `json:"last_run_id,omitempty"`
	NextRunAt    *time.Time `json:"next_run_at,omitempty"`
}

// ParentSuggestion is the suggestion engine's recommendation for a session's
// semantic parent.
type ParentSuggestion struct {
	SessionID       string  `json:"session_id"`
	Title           string  `json:"title"`
	Confidence      string  `json:"confidence"` // high, medium, low
	ConfidenceScore float64 `json:"confidence_score"`
	Reason          string  `json:"reason"`
}
