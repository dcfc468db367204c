// Package promptassembler implements the PromptAssembler (spec §4.4): a
// pure function building the final instruction string handed to an
// AgentRunner spawn from a card, its project, and the steering/snapshot/
// skill material supplied by external collaborators.
//
// Grounded on the teacher's habit of keeping system-prompt text as Go
// string constants (server/titlegen.go's titleSystemPrompt) rather than
// loading it from disk at request time.
package promptassembler

import (
	"strings"

	"github.com/maslow-ai/maslow/internal/model"
)

const identityBlock = `You are an autonomous build agent working unsupervised on this repository.
Follow the conventions in this project's CLAUDE.md (or equivalent
operator instructions file) as though they were given to you directly.
You have full write access to the working tree checked out for you; no
human will review your intermediate steps.`

const deepResearchProtocol = `## Deep Research Protocol

Before writing any code, complete three passes:

1. Forward trace — follow the execution path touched by this task from
   its entry point to its effects, noting every function and type it
   passes through.
2. Inventory audit — list every file, type, and test that already exists
   in the area you are about to change, so you do not duplicate or
   contradict it.
3. Interface-contract validation — confirm the signatures and invariants
   you are about to rely on actually hold, by reading the code, not by
   assuming from the name.

Do not skip a pass because the task looks small.`

const completionChecklist = `## Completion checklist

Before pushing your branch:
- [ ] The verification prompt for this change has been run and passed.
- [ ] Nothing was committed that the verification step has not seen.
- [ ] The working tree has no unrelated or leftover changes.

Do not push before every item above is checked.`

// Options carries the optional, externally-produced prompt sections.
type Options struct {
	Steering         string // produced by the steering collaborator; omitted if empty
	PreviousSnapshot string // prior contextSnapshot, if any
	SkillBlock       string // produced by the skill collaborator; may be empty
}

// Build concatenates the eight sections of spec §4.4, in order. It performs
// no I/O: every template is a fixed Go string constant and every variable
// section is supplied by the caller.
func Build(card *model.Card, project *model.Project, opts Options) string {
	var b strings.Builder

	b.WriteString(identityBlock)
	b.WriteString("\n\n")

	b.WriteString("## Task\n\n")
	b.WriteString(card.Title)
	if card.Description != "" {
		b.WriteString("\n\n")
		b.WriteString(card.Description)
	}
	b.WriteString("\n\n")

	if project != nil && project.Name != "" {
		b.WriteString("## Project\n\n")
		b.WriteString(project.Name)
		b.WriteString("\n\n")
	}

	if opts.Steering != "" {
		b.WriteString("## Steering corrections\n\n")
		b.WriteString(opts.Steering)
		b.WriteString("\n\n")
	}

	if opts.PreviousSnapshot != "" {
		b.WriteString("## Previous context\n\n")
		b.WriteString(opts.PreviousSnapshot)
		b.WriteString("\n\n")
	}

	if opts.SkillBlock != "" {
		b.WriteString(opts.SkillBlock)
		b.WriteString("\n\n")
	}

	b.WriteString(deepResearchProtocol)
	b.WriteString("\n\n")
	b.WriteString(completionChecklist)

	return b.String()
}
