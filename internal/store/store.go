// Package store persists the entities the Council Engine and Unified Model
// Registry need across restarts: conversations, messages, session snapshots,
// boards, fail-lists, audit events, and the UMR's raw/unified model tables.
//
// The persistence store itself (the relational engine, migrations runner,
// connection pooling policy) is an external collaborator in the larger
// product; this package defines the contract the engine depends on and ships
// one concrete SQLite-backed implementation plus an in-memory reference
// implementation for tests and embedders without a database.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"council/internal/registry"
)

// ErrNotFound is returned by single-entity getters when no row matches.
var ErrNotFound = errors.New("store: not found")

// SessionStatus is the run status of a SessionState.
type SessionStatus string

const (
	StatusIdle          SessionStatus = "idle"
	StatusRunning       SessionStatus = "running"
	StatusPaused        SessionStatus = "paused"
	StatusAwaitingHuman SessionStatus = "awaiting_human"
	StatusComplete      SessionStatus = "complete"
	StatusFailed        SessionStatus = "failed"
)

// MessageRole distinguishes the three message variants of spec.md §3.
type MessageRole string

const (
	RoleUser          MessageRole = "user"
	RoleHumanChairman MessageRole = "human_chairman"
	RoleAssistant     MessageRole = "assistant"
)

// Task is one blueprint step.
type Task struct {
	ID             string   `json:"id"`
	Type           string   `json:"type"` // draft, analyze, vision, code, ...
	Label          string   `json:"label"`
	Breakpoint     bool     `json:"breakpoint,omitempty"`
	RequiredSkills []string `json:"required_skills,omitempty"`
}

// Blueprint is the acyclic ordered task list for a run (spec.md §9: data,
// not code — a list with a cursor, not a general DAG).
type Blueprint struct {
	Tasks []Task   `json:"tasks"`
	Edges []string `json:"edges,omitempty"` // reserved for simple linear annotations
}

// StageBuffer holds the in-progress or finalized output of one task's stages.
type StageBuffer struct {
	Stage1Drafts     map[string]string `json:"stage1_drafts,omitempty"`  // model_id -> draft text
	Stage2Ballots    map[string]string `json:"stage2_ballots,omitempty"` // model_id -> raw ballot text
	Stage2Result     json.RawMessage   `json:"stage2_result,omitempty"`  // consensus.Result, serialized
	Stage3Answer     string            `json:"stage3_answer,omitempty"`
	LabelToModel     map[string]string `json:"label_to_model,omitempty"`
	SubstitutesUsed  []string          `json:"substitutes_used,omitempty"`
	ChairmanFallback bool              `json:"chairman_fallback,omitempty"`
}

// PendingHumanInput records that a session is waiting at a breakpoint.
type PendingHumanInput struct {
	TaskID      string    `json:"task_id"`
	RequestedAt time.Time `json:"requested_at"`
}

// SessionState is the blueprint snapshot checkpointed after the blueprint
// and after every completed task.
type SessionState struct {
	Blueprint         Blueprint              `json:"blueprint"`
	CurrentTaskIndex  int                    `json:"current_task_index"`
	Status            SessionStatus          `json:"status"`
	StageBuffers      map[string]StageBuffer `json:"stage_buffers"` // task_id -> buffer
	PendingHumanInput *PendingHumanInput     `json:"pending_human_input,omitempty"`
	BoardID           string                 `json:"board_id"`
}

// Loading tracks which stages of the latest revision are still in flight —
// read by a reconnecting client to reconstruct spinner state without the bus.
type Loading struct {
	Stage1 bool `json:"stage1"`
	Stage2 bool `json:"stage2"`
	Stage3 bool `json:"stage3"`
}

// Rating is an optional end-of-session score (SPEC_FULL.md §3 expansion).
type Rating struct {
	Score   int    `json:"score"` // 1..5
	Comment string `json:"comment,omitempty"`
}

// Message is one turn of a conversation. Role selects which fields apply;
// only assistant messages carry stage buffers/metadata/loading.
type Message struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id"`
	Role           MessageRole       `json:"role"`
	Content        string            `json:"content"`
	CreatedAt      time.Time         `json:"created_at"`
	RevisionIndex  int               `json:"revision_index"` // assistant messages only
	Finalized      bool              `json:"finalized"`      // assistant messages only
	Stage1         map[string]string `json:"stage1,omitempty"`
	Stage2         json.RawMessage   `json:"stage2,omitempty"`
	Stage3         string            `json:"stage3,omitempty"`
	Metadata       map[string]any    `json:"metadata,omitempty"`
	Loading        Loading           `json:"loading,omitempty"`
	Rating         *Rating           `json:"rating,omitempty"`
}

// Conversation owns its messages and its current session state exclusively.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	BoardID   string    `json:"board_id"`
	CreatedAt time.Time `json:"created_at"`
	Archived  bool      `json:"archived"`
}

// Board is a configured council team.
type Board struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	Description       string            `json:"description,omitempty"`
	CouncilMembers    []string          `json:"council_members"` // 1..6 model ids
	Chairman          string            `json:"chairman"`
	Substitutes       map[string]string `json:"substitutes,omitempty"` // main -> alt
	Personalities     map[string]string `json:"personalities,omitempty"`
	ConsensusStrategy string            `json:"consensus_strategy"` // borda_count | chairman_cut
	ResponseTimeoutS  int               `json:"response_timeout_s"`
	UsageCount        int               `json:"usage_count"`
	LastUsedAt        *time.Time        `json:"last_used_at,omitempty"`
}

// Prompt is a reusable named system-prompt fragment, referenced by a board's
// personalities or by blueprint tasks. Owned independently so it can be
// shared across boards.
type Prompt struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Content string `json:"content"`
}

// FailList is a named set of model ids excluded from router candidates.
// At most one FailList is active globally.
type FailList struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	FailedModelIDs []string  `json:"failed_model_ids"`
	Active         bool      `json:"active"`
	CreatedAt      time.Time `json:"created_at"`
}

// AuditEvent is an append-only log record, indexed by session_id+timestamp.
type AuditEvent struct {
	SessionID  string          `json:"session_id"`
	Timestamp  time.Time       `json:"timestamp"`
	Step       string          `json:"step"`
	ModelID    string          `json:"model_id,omitempty"`
	TaskID     string          `json:"task_id,omitempty"`
	LogMessage string          `json:"log_message"`
	RawData    json.RawMessage `json:"raw_data_json,omitempty"`
}

// Store is the persistence interface the Council Engine, Router, and
// Health Manager depend on. A conversation's messages/session-state are
// exclusively owned by that conversation; writes are serialized per
// conversation id (see SPEC_FULL.md §5).
type Store interface {
	// Conversations & messages (C5 §4.5)
	CreateConversation(ctx context.Context, c Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	SetConversationTitle(ctx context.Context, id, title string) error
	Archive(ctx context.Context, id string) error
	DeletePermanent(ctx context.Context, id string) error
	Reset(ctx context.Context, id string) error // clears messages+session_state, preserves title

	AppendMessage(ctx context.Context, m Message) error
	UpdateMessage(ctx context.Context, m Message) error // update stage buffers of an unfinalized assistant message
	ListMessages(ctx context.Context, conversationID string) ([]Message, error)
	CountAssistantMessages(ctx context.Context, conversationID string) (int, error)

	SaveSession(ctx context.Context, conversationID string, s SessionState) error
	GetSessionState(ctx context.Context, conversationID string) (*SessionState, error)

	// Boards & prompts
	UpsertBoard(ctx context.Context, b Board) error
	GetBoard(ctx context.Context, id string) (*Board, error)
	ListBoards(ctx context.Context) ([]Board, error)
	RecordBoardUsage(ctx context.Context, id string, at time.Time) error

	UpsertPrompt(ctx context.Context, p Prompt) error
	GetPrompt(ctx context.Context, id string) (*Prompt, error)

	// Fail-lists (C8 §4.8)
	CreateFailList(ctx context.Context, fl FailList) error
	ActivateFailList(ctx context.Context, id string) error
	GetActiveFailList(ctx context.Context) (*FailList, error)
	ListFailLists(ctx context.Context) ([]FailList, error)

	// Audit (append-only)
	LogAuditEvent(ctx context.Context, e AuditEvent) error
	ListAuditEvents(ctx context.Context, sessionID string) ([]AuditEvent, error)

	// Unified Model Registry persistence (C2 §4.2, §6) — satisfies
	// registry.RawStore so a Registry can be constructed directly from a Store.
	SaveRawBaseModels(ctx context.Context, models []registry.RawBaseModel) error
	SaveRawEndpoints(ctx context.Context, baseModelID string, endpoints []registry.RawEndpoint) error
	LoadRawBaseModels(ctx context.Context) ([]registry.RawBaseModel, error)
	LoadRawEndpoints(ctx context.Context) (map[string][]registry.RawEndpoint, error)
	SaveUnifiedModels(ctx context.Context, models []registry.UnifiedModel) error
	LoadUnifiedModels(ctx context.Context) ([]registry.UnifiedModel, error)

	Migrate(ctx context.Context) error
	Close() error
}
