// Package ids generates the identifiers used for cards, agent processes,
// and tracing spans, the same way the teacher uses ksid.NewID() for task
// IDs (task/runner_test.go).
package ids

import "github.com/maruel/ksid"

// New returns a new lexicographically-sortable, time-ordered identifier.
func New() string {
	return ksid.NewID().String()
}
