// Package capabilities declares every external collaborator the
// orchestration engine consumes (spec §6). None of these are implemented
// here beyond a minimal in-memory default (internal/memkanban) — storage
// schema, credential storage, search indexing, chat wire protocols, UI
// rendering, and TTS/STT are explicit Non-goals (spec §1); the engine only
// depends on these operations.
package capabilities

import (
	"context"

	"github.com/maslow-ai/maslow/internal/model"
)

// Kanban is the card store.
type Kanban interface {
	GetBoard(ctx context.Context, projectID string) ([]*model.Card, error)
	// GetNext returns the highest-priority, most-urgent backlog card for a
	// project ordered by (priority ASC, position ASC), or nil if none.
	GetNext(ctx context.Context, projectID string) (*model.Card, error)
	CreateCard(ctx context.Context, projectID, title, desc string, column model.Column) (*model.Card, error)
	UpdateCard(ctx context.Context, card *model.Card) error
	DeleteCard(ctx context.Context, cardID string) error
	MoveCard(ctx context.Context, cardID string, column model.Column) error
	// SkipToBack resets a card to the back of the backlog, clearing its
	// agent assignment and status.
	SkipToBack(ctx context.Context, cardID string) error
	SaveContext(ctx context.Context, cardID, snapshot, sessionID string) error
	Resume(ctx context.Context, cardID string) (snapshot, sessionID string, err error)
	AssignAgent(ctx context.Context, cardID string, agent model.Harness) error
	UpdateAgentStatus(ctx context.Context, cardID string, status model.AgentStatus, reason string) error
	StartWork(ctx context.Context, cardID string, agent model.Harness, branchName string) error
	CompleteWork(ctx context.Context, cardID string) error
	// InProgressCards returns every card currently in the in_progress
	// column across all active projects, for startup reconciliation and
	// the blocked-retry sweep.
	InProgressCards(ctx context.Context) ([]*model.Card, error)
}

// Projects is the project store.
type Projects interface {
	GetProjects(ctx context.Context) ([]*model.Project, error)
	GetProject(ctx context.Context, id string) (*model.Project, error)
}

// ChatSessions is the ChatSession store.
type ChatSessions interface {
	GetSession(ctx context.Context, chatID string) (*model.ChatSession, error)
	SaveSession(ctx context.Context, session *model.ChatSession) error
	UpdateLastActive(ctx context.Context, chatID string) error
	UpdateContextUsage(ctx context.Context, chatID string, pct float64) error
	DeleteSession(ctx context.Context, chatID string) error
	GetLastActiveChatID(ctx context.Context) (string, error)
}

// ModelEventType enumerates the conversational model's streamed event kinds.
type ModelEventType string

const (
	ModelEventText       ModelEventType = "text"
	ModelEventToolCall   ModelEventType = "tool_call"
	ModelEventToolResult ModelEventType = "tool_result"
	ModelEventError      ModelEventType = "error"
	ModelEventResult     ModelEventType = "result"
)

// ModelUsage carries the token accounting on a ModelEvent of type result.
type ModelUsage struct {
	InputTokens   int
	OutputTokens  int
	ContextWindow int
}

// ModelEvent is one streamed event from the conversational model.
type ModelEvent struct {
	Type       ModelEventType
	SessionID  string
	Content    string
	ToolCall   string
	ToolResult string
	Err        error
	Usage      ModelUsage
}

// Image is a single image attachment passed to the conversational model.
type Image struct {
	Name string
	Data []byte
}

// ModelRequest is the input to ConversationalModel.SendMessage.
type ModelRequest struct {
	Prompt          string
	Cwd             string
	ResumeSessionID string
	Images          []Image
}

// ConversationalModel is the chat-facing LLM collaborator (spec §6). Its
// wire protocol and provider are external; the engine only depends on this
// operation contract.
type ConversationalModel interface {
	SendMessage(ctx context.Context, req ModelRequest) (<-chan ModelEvent, error)
	GenerateHandoff(ctx context.Context, sessionID, cwd string) (string, error)
}

// ChatAdapter is the chat-transport collaborator (Telegram or similar).
type ChatAdapter interface {
	SendMessage(ctx context.Context, chatID, text string) error
	SendTyping(ctx context.Context, chatID string) error
	EditMessage(ctx context.Context, chatID, messageID, text string) error
	SendVoiceNote(ctx context.Context, chatID string, audio []byte) error
	SendRecordingVoice(ctx context.Context, chatID string) error
	GetFileBuffer(ctx context.Context, fileID string) ([]byte, error)
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Voice is the transcription/synthesis collaborator.
type Voice interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
	Synthesize(ctx context.Context, text string) ([]byte, error)
	IsAvailable(ctx context.Context) (stt, tts bool)
}

// Steering builds the steering-correction prompt block injected by
// PromptAssembler (may return "").
type Steering interface {
	BuildPromptBlock(ctx context.Context, projectID string) (string, error)
}

// Skill selects and renders the skill block injected by PromptAssembler.
type Skill interface {
	SelectForTask(ctx context.Context, card *model.Card) ([]string, error)
	BuildPromptBlock(ctx context.Context, skills []string) (string, error)
}

// ThinkingPartner is the decision/assumption/state-summary log consumed by
// SessionManager's workspace-action parser.
type ThinkingPartner interface {
	LogDecision(ctx context.Context, projectID, title, detail string) error
	AddAssumption(ctx context.Context, projectID, assumption string) error
	UpdateStateSummary(ctx context.Context, projectID, summary string) error
}

// BroadcastSink receives every observability event the engine emits.
type BroadcastSink interface {
	Emit(event Event)
}

// Event is a single observability broadcast (spec §6 closing bullet).
type Event struct {
	Type    string
	Payload map[string]any
}
