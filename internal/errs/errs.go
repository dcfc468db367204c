// Package errs defines the typed error kinds the orchestration engine
// returns, so callers can distinguish failure modes with errors.As instead
// of string matching.
package errs

import "fmt"

// Kind identifies a category of orchestration error.
type Kind string

const (
	KindNoActiveProject Kind = "NO_ACTIVE_PROJECT"
	KindCapacity        Kind = "CAPACITY"
	KindCardNotFound    Kind = "CARD_NOT_FOUND"
	KindWorktree        Kind = "WORKTREE"
	KindSpawn           Kind = "SPAWN"
	KindModelStream     Kind = "MODEL_STREAM"
	KindHandoff         Kind = "HANDOFF"
)

// Error is a typed orchestration error. It wraps an optional underlying
// cause and carries a Kind for errors.As-based dispatch.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func newErr(k Kind, msg string, cause error) *Error {
	return &Error{Kind: k, Message: msg, Cause: cause}
}

// NoActiveProject reports that submitTaskBrief had no candidate project.
func NoActiveProject(msg string) *Error { return newErr(KindNoActiveProject, msg, nil) }

// Capacity reports a registry reservation rejection.
func Capacity(msg string) *Error { return newErr(KindCapacity, msg, nil) }

// CardNotFound reports an operation against an unknown card.
func CardNotFound(cardID string) *Error {
	return newErr(KindCardNotFound, "card "+cardID+" not found", nil)
}

// Worktree reports a git worktree acquisition failure.
func Worktree(msg string, cause error) *Error { return newErr(KindWorktree, msg, cause) }

// Spawn reports a process launch failure.
func Spawn(msg string, cause error) *Error { return newErr(KindSpawn, msg, cause) }

// ModelStream reports a conversational-model error event or stream abort.
func ModelStream(msg string, cause error) *Error { return newErr(KindModelStream, msg, cause) }

// Handoff reports a handoff-summary generation failure.
func Handoff(msg string, cause error) *Error { return newErr(KindHandoff, msg, cause) }
