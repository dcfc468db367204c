// Package model holds the shared data types of spec §3: Project, Card,
// AgentProcess, and ChatSession. Persistence is out of scope (spec §1
// Non-goals) — these are plain structs exchanged with the Kanban/Project/
// ChatSession capability interfaces in internal/capabilities.
package model

import (
	"time"

	"github.com/maslow-ai/maslow/internal/ringbuf"
)

// ProjectStatus is the lifecycle state of a Project.
type ProjectStatus string

const (
	ProjectActive   ProjectStatus = "active"
	ProjectPaused   ProjectStatus = "paused"
	ProjectArchived ProjectStatus = "archived"
)

// Project is a workspace the Heartbeat schedules agents against.
type Project struct {
	ID                  string
	Name                string
	Status              ProjectStatus
	AgentTimeoutMinutes int // 0 means "use the process default"
	MaxConcurrentAgents int // 0 means "no per-project override"
}

// Column is the kanban column a Card sits in.
type Column string

const (
	ColumnBacklog    Column = "backlog"
	ColumnInProgress Column = "in_progress"
	ColumnReview     Column = "review"
	ColumnDone       Column = "done"
)

// AgentStatus is the agent-facing status of a Card, distinct from its
// kanban Column.
type AgentStatus string

const (
	AgentIdle      AgentStatus = "idle"
	AgentRunning   AgentStatus = "running"
	AgentBlocked   AgentStatus = "blocked"
	AgentCompleted AgentStatus = "completed"
)

// Harness identifies which external CLI agent works a card.
type Harness string

const (
	HarnessClaude Harness = "claude"
	HarnessCodex  Harness = "codex"
	HarnessGemini Harness = "gemini"
	HarnessOllama Harness = "ollama"
)

// Card is a unit of work on a project's kanban board.
type Card struct {
	ID               string
	ProjectID        string
	Title            string
	Description      string
	Column           Column
	Position         int
	Priority         int
	ContextSnapshot  string
	LastSessionID    string
	AssignedAgent    Harness
	AgentStatus      AgentStatus
	BlockedReason    string
	BranchName       string
	StartedAt        time.Time
	CompletedAt      time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ProcessStatus is the lifecycle state of an in-memory AgentProcess.
type ProcessStatus string

const (
	ProcessSpawning  ProcessStatus = "spawning"
	ProcessRunning   ProcessStatus = "running"
	ProcessIdle      ProcessStatus = "idle"
	ProcessCompleted ProcessStatus = "completed"
	ProcessFailed    ProcessStatus = "failed"
	ProcessCancelled ProcessStatus = "cancelled"
)

// ProcessHandle is an opaque handle to the running OS process or its
// supervisor goroutine. The registry never inspects these.
type ProcessHandle any

// AgentProcess is the in-memory supervisor record for one running external
// CLI agent (spec §3). It is never persisted.
type AgentProcess struct {
	CardID      string
	ProjectID   string
	Agent       Harness
	Status      ProcessStatus
	StartedAt   time.Time
	WorktreeDir string
	BranchName  string
	SpanID      string
	Logs        *ringbuf.Buffer

	// ExternalProcessHandle and SupervisorTaskHandle are opaque runtime
	// handles; AgentRunner stores the agent's *exec.Cmd (nil for Ollama) in
	// ExternalProcessHandle and leaves SupervisorTaskHandle unset. Both are
	// stripped to nil by AgentRegistry.ListRunning so a snapshot is always
	// safe to serialize.
	ExternalProcessHandle ProcessHandle
	SupervisorTaskHandle  ProcessHandle
}

// ChatSession is the per-chat conversational bookkeeping record (spec §3).
type ChatSession struct {
	ChatID              string
	ModelSessionID      string // empty means "no active model session"
	WorkingDirectory    string
	LastActiveAt        time.Time
	ContextUsagePercent float64
	PendingContinuation bool // set when a "continuation offered" warning was sent
}
