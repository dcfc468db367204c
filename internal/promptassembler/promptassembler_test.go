package promptassembler

import (
	"strings"
	"testing"

	"github.com/maslow-ai/maslow/internal/model"
)

func TestBuildOrdersSections(t *testing.T) {
	card := &model.Card{Title: "Fix the auth bug", Description: "Users get logged out randomly."}
	project := &model.Project{Name: "payments-api"}
	opts := Options{
		Steering:         "Always run gofmt before committing.",
		PreviousSnapshot: "Previously traced the bug to the session middleware.",
		SkillBlock:       "## Skills\n\ngo-debugging",
	}

	got := Build(card, project, opts)

	order := []string{
		"autonomous build agent",
		card.Title,
		card.Description,
		project.Name,
		opts.Steering,
		opts.PreviousSnapshot,
		opts.SkillBlock,
		"Deep Research Protocol",
		"Completion checklist",
	}
	last := -1
	for _, section := range order {
		idx := strings.Index(got, section)
		if idx == -1 {
			t.Fatalf("missing section %q in prompt:\n%s", section, got)
		}
		if idx < last {
			t.Fatalf("section %q appeared out of order", section)
		}
		last = idx
	}
}

func TestBuildOmitsEmptyOptionalSections(t *testing.T) {
	card := &model.Card{Title: "Quiet task"}
	got := Build(card, nil, Options{})

	for _, absent := range []string{"## Project", "## Steering corrections", "## Previous context"} {
		if strings.Contains(got, absent) {
			t.Errorf("expected %q to be omitted when empty, got:\n%s", absent, got)
		}
	}
	if !strings.Contains(got, "Deep Research Protocol") {
		t.Error("expected Deep Research Protocol boilerplate to always be present")
	}
	if !strings.Contains(got, "Completion checklist") {
		t.Error("expected completion checklist to always be present")
	}
}

func TestBuildIsPure(t *testing.T) {
	card := &model.Card{Title: "Idempotent task", Description: "desc"}
	project := &model.Project{Name: "proj"}
	opts := Options{Steering: "s", PreviousSnapshot: "p", SkillBlock: "b"}

	first := Build(card, project, opts)
	second := Build(card, project, opts)
	if first != second {
		t.Error("Build must be a pure function of its inputs")
	}
}
