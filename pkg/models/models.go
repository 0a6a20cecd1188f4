package models

import (
	"time"
)

// ── Conversation ─────────────────────────────────────────────

// Message roles used in the LLM conversation.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ChatMessage is one entry of the ordered LLM conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`

	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`   // assistant messages with tool calls
	ToolCallID string     `json:"tool_call_id,omitempty"` // tool result messages
	Name       string     `json:"name,omitempty"`         // tool name for tool result messages
	IsError    bool       `json:"is_error,omitempty"`
}

// ToolCall is one LLM-requested invocation. ID correlates the tool result
// back to the call.
type ToolCall struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

// ToolDefinition is what gets bound to the LLM for a single call.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"` // JSON schema object
}

type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}

// ── Tool classification ──────────────────────────────────────

type ToolClass string

const (
	ToolClassRetrieval ToolClass = "retrieval"
	ToolClassAction    ToolClass = "action"
)

// ToolClassification is derived, never stored. Exactly one flag is set.
type ToolClassification struct {
	IsRetrieval bool `json:"is_retrieval"`
	IsAction    bool `json:"is_action"`
}

// Class returns the classification as a ToolClass.
func (c ToolClassification) Class() ToolClass {
	if c.IsAction {
		return ToolClassAction
	}
	return ToolClassRetrieval
}

// ClassificationOf builds the mutually exclusive flag pair for a class.
func ClassificationOf(class ToolClass) ToolClassification {
	if class == ToolClassRetrieval {
		return ToolClassification{IsRetrieval: true}
	}
	return ToolClassification{IsAction: true}
}

// ── Planned Actions ──────────────────────────────────────────

type ActionType string

const (
	ActionCreate ActionType = "create"
	ActionUpdate ActionType = "update"
	ActionDelete ActionType = "delete"
	ActionAdd    ActionType = "add"
	ActionRemove ActionType = "remove"
)

// RetrievalFact is a structured fact pulled out of a retrieval tool result.
type RetrievalFact struct {
	ToolName string                 `json:"tool_name"`
	EntityID string                 `json:"entity_id,omitempty"`
	URL      string                 `json:"url,omitempty"`
	Name     string                 `json:"name,omitempty"`
	Data     interface{}            `json:"data,omitempty"`
	Extra    map[string]interface{} `json:"extra,omitempty"`
}

// PlanningContext records what informed a planned action.
type PlanningContext struct {
	Query              string          `json:"query"`
	ConversationLength int             `json:"conversation_length"`
	RetrievalFacts     []RetrievalFact `json:"retrieval_facts,omitempty"`
}

// ActionSummary is the human-safe description shown for approval.
type ActionSummary struct {
	Verb       string            `json:"verb"`
	EntityType string            `json:"entity_type"`
	Parameters map[string]string `json:"parameters"`
	Text       string            `json:"text"`
}

// PlannedAction is a durable record of a mutating call awaiting user
// approval. This module never executes it.
type PlannedAction struct {
	ArtifactID      string                 `json:"artifact_id" db:"artifact_id"`
	ChatID          string                 `json:"chat_id" db:"chat_id"`
	MessageID       string                 `json:"message_id" db:"message_id"`
	ToolName        string                 `json:"tool_name" db:"tool_name"`
	ActionType      ActionType             `json:"action_type" db:"action_type"`
	EntityType      string                 `json:"entity_type" db:"entity_type"`
	CleanedArgs     map[string]interface{} `json:"cleaned_args"`
	PlaceholderRef  string                 `json:"placeholder_ref,omitempty" db:"placeholder_ref"`
	Sequence        int                    `json:"sequence" db:"sequence"`
	PlanningContext PlanningContext        `json:"planning_context"`
	Summary         ActionSummary          `json:"summary"`
	CreatedAt       time.Time              `json:"created_at" db:"created_at"`
}

// ── Clarifications ───────────────────────────────────────────

type ClarificationKind string

const (
	ClarificationAction    ClarificationKind = "action"
	ClarificationRetrieval ClarificationKind = "retrieval"
)

type ClarificationStatus string

const (
	ClarificationPending  ClarificationStatus = "pending"
	ClarificationResolved ClarificationStatus = "resolved"
)

// DisambiguationOption is one candidate the user can pick.
type DisambiguationOption struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Type        string                 `json:"type"`
	Identifier  string                 `json:"identifier,omitempty"` // e.g. project key "WEB"
	Email       string                 `json:"email,omitempty"`
	DisplayName string                 `json:"display_name,omitempty"`
	ProjectID   string                 `json:"project_id,omitempty"`
	URL         string                 `json:"url,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// ClarificationRequest is a durable, resumable request for more information.
// At most one pending request exists per conversation turn.
type ClarificationRequest struct {
	ID            string                 `json:"id" db:"id"`
	ChatID        string                 `json:"chat_id" db:"chat_id"`
	MessageID     string                 `json:"message_id" db:"message_id"`
	Kind          ClarificationKind      `json:"kind" db:"kind"`
	Reason        string                 `json:"reason" db:"reason"`
	Questions     []string               `json:"questions"`
	MissingFields []string               `json:"missing_fields"`
	Options       []DisambiguationOption `json:"disambiguation_options"`
	CategoryHints []string               `json:"category_hints"`
	OriginalQuery string                 `json:"original_query" db:"original_query"`
	ToolName      string                 `json:"tool_name,omitempty" db:"tool_name"`
	ToolArgs      map[string]interface{} `json:"tool_args,omitempty"`
	Status        ClarificationStatus    `json:"status" db:"status"`
	Answer        string                 `json:"answer,omitempty" db:"answer"`
	ResolvedBy    string                 `json:"resolved_by,omitempty" db:"resolved_by"`
	CreatedAt     time.Time              `json:"created_at" db:"created_at"`
	ResolvedAt    *time.Time             `json:"resolved_at,omitempty" db:"resolved_at"`
}

// ClarificationContext is supplied on the turn that answers a clarification.
type ClarificationContext struct {
	ClarificationID string            `json:"clarification_id"`
	Answer          string            `json:"answer"`
	OriginalQuery   string            `json:"original_query"`
	Kind            ClarificationKind `json:"kind,omitempty"`
	CategoryHints   []string          `json:"category_hints,omitempty"`
	// MessageID of the turn that raised the clarification; its routing
	// flow step is read back on resumption.
	MessageID string `json:"message_id,omitempty"`
}

// ── Flow Steps ───────────────────────────────────────────────

type StepType string

const (
	StepTypeTool    StepType = "tool"
	StepTypeRouting StepType = "routing"
)

type ExecutionStatus string

const (
	StatusPending ExecutionStatus = "pending"
	StatusSuccess ExecutionStatus = "success"
	StatusFailed  ExecutionStatus = "failed"
)

// FlowStep is one ordered entry of the audit/resume log for a turn.
type FlowStep struct {
	StepOrder       int                    `json:"step_order" db:"step_order"`
	StepType        StepType               `json:"step_type" db:"step_type"`
	ToolName        string                 `json:"tool_name,omitempty" db:"tool_name"`
	Content         string                 `json:"content" db:"content"`
	ExecutionData   map[string]interface{} `json:"execution_data,omitempty"`
	IsPlanned       bool                   `json:"is_planned" db:"is_planned"`
	IsExecuted      bool                   `json:"is_executed" db:"is_executed"`
	ExecutionStatus ExecutionStatus        `json:"execution_status" db:"execution_status"`
	CreatedAt       time.Time              `json:"created_at" db:"created_at"`
}

// ── Routing ──────────────────────────────────────────────────

// CategorySelection is one category chosen by the category router.
type CategorySelection struct {
	Category  string `json:"category"`
	Rationale string `json:"rationale"`
}

// ── Turns ────────────────────────────────────────────────────

// TurnRequest is everything the orchestrator needs for one user turn.
type TurnRequest struct {
	ChatID        string                `json:"chat_id"`
	MessageID     string                `json:"message_id"`
	UserID        string                `json:"user_id,omitempty"`
	WorkspaceSlug string                `json:"workspace_slug,omitempty"`
	WorkspaceID   string                `json:"workspace_id,omitempty"`
	ProjectID     string                `json:"project_id,omitempty"` // chat-level project scope
	Query         string                `json:"query"`
	Advisory      string                `json:"advisory,omitempty"`
	History       []ChatMessage         `json:"history,omitempty"`
	Timezone      string                `json:"timezone,omitempty"`
	Now           time.Time             `json:"now,omitempty"`
	Clarification *ClarificationContext `json:"clarification_context,omitempty"`
}

// Turn outcomes, recorded in the final summary.
const (
	OutcomeClarification = "clarification"
	OutcomeIterationCap  = "iteration_cap"
	OutcomeAnswered      = "answered"
	OutcomePlanned       = "planned"
	OutcomeFailed        = "failed"
	OutcomeTimedOut      = "timed_out"
)

// TurnSummary is recorded as the final flow step of every turn.
type TurnSummary struct {
	Outcome        string   `json:"outcome"`
	Iterations     int      `json:"iterations"`
	LLMCalls       int      `json:"llm_calls"`
	ToolCalls      int      `json:"tool_calls"`
	PlannedActions int      `json:"planned_actions"`
	Reminders      int      `json:"reminders"`
	LoopWarning    bool     `json:"loop_warning"`
	Categories     []string `json:"categories,omitempty"`
}

// ── Events ───────────────────────────────────────────────────

type EventKind string

const (
	EventReasoning     EventKind = "reasoning"
	EventProgress      EventKind = "progress"
	EventPlannedAction EventKind = "planned_action"
	EventClarification EventKind = "clarification"
	EventFinalAnswer   EventKind = "final_answer"
	EventError         EventKind = "error"
)

// Event is one item of the stream a turn produces for its caller.
// Kind decides which payload field is set.
type Event struct {
	Kind          EventKind             `json:"kind"`
	Text          string                `json:"text,omitempty"`
	Action        *PlannedAction        `json:"action,omitempty"`
	Actions       []*PlannedAction      `json:"actions,omitempty"` // persisted plan, on the final answer
	Clarification *ClarificationRequest `json:"clarification,omitempty"`
	Summary       *TurnSummary          `json:"summary,omitempty"`
	Code          string                `json:"code,omitempty"` // internal error signal, never user text
}

// ── Retention ────────────────────────────────────────────────

// Archive modes for expired conversation history.
const (
	ArchiveModeNone            = "none"              // purge without archiving
	ArchiveModeArchiveAndPurge = "archive-and-purge" // purge only after a successful archive
	ArchiveModeArchiveOnly     = "archive-only"      // archive, keep the hot copy
)

// ArchivedFlowStep is a flow step together with the turn it belongs to.
type ArchivedFlowStep struct {
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
	FlowStep
}

// ExpiredHistory is the conversation history older than a retention cutoff.
// Pending clarifications are never included: they can still be resumed.
type ExpiredHistory struct {
	FlowSteps      []ArchivedFlowStep     `json:"flow_steps,omitempty"`
	Clarifications []ClarificationRequest `json:"clarifications,omitempty"`
	Artifacts      []PlannedAction        `json:"artifacts,omitempty"`
}

func (h *ExpiredHistory) Empty() bool {
	return h == nil || len(h.FlowSteps)+len(h.Clarifications)+len(h.Artifacts) == 0
}

// PurgeStats counts records removed by a retention sweep.
type PurgeStats struct {
	FlowSteps      int `json:"flow_steps"`
	Clarifications int `json:"clarifications"`
	Artifacts      int `json:"artifacts"`
}

func (p PurgeStats) Total() int { return p.FlowSteps + p.Clarifications + p.Artifacts }

// ArchiveRecord describes one archive file written by a retention sweep.
type ArchiveRecord struct {
	DataKind    string    `json:"data_kind"` // flow_steps | clarifications | artifacts
	RecordCount int       `json:"record_count"`
	Backend     string    `json:"backend"`
	URI         string    `json:"uri"`
	Compressed  bool      `json:"compressed"`
	CreatedAt   time.Time `json:"created_at"`
}
