package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/maslow-ai/maslow/internal/capabilities"
	"github.com/maslow-ai/maslow/internal/model"
)

const (
	actionStartMarker = ":::action"
	actionEndMarker   = ":::"
)

// rawAction is the tagged-union wire shape of one workspace-action block
// (spec §4.6.4), dispatched on Type the way claude.DecodeRecord dispatches
// on a Type field in the teacher's claude/reader.go.
type rawAction struct {
	Type        string `json:"type"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Column      string `json:"column"`
	Assumption  string `json:"assumption"`
	Summary     string `json:"summary"`
}

var knownActionTypes = map[string]bool{
	"create_card":    true,
	"move_card":      true,
	"log_decision":   true,
	"add_assumption": true,
	"update_state":   true,
}

// extractActionBlocks scans text for ":::action ... :::" delimited
// sections and returns each block's raw JSON body, grounded on
// claude/reader.go's line-oriented bufio.Scanner parsing style.
func extractActionBlocks(text string) []string {
	var blocks []string
	scanner := bufio.NewScanner(strings.NewReader(text))
	var cur *strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		switch {
		case cur == nil && trimmed == actionStartMarker:
			cur = &strings.Builder{}
		case cur != nil && trimmed == actionEndMarker:
			blocks = append(blocks, cur.String())
			cur = nil
		case cur != nil:
			cur.WriteString(line)
			cur.WriteByte('\n')
		}
	}
	return blocks
}

// executeActions parses every workspace-action block out of a model reply
// and executes the recognized ones. Malformed JSON, a non-string/missing
// type, an unknown type, or a missing required field are all silently
// skipped (logged at Warn, never propagated) per spec §4.6.4/§7 — a single
// action failure must never abort the rest of the reply.
func (m *Manager) executeActions(ctx context.Context, chatID, text string) {
	for _, block := range extractActionBlocks(text) {
		var probe map[string]json.RawMessage
		if err := json.Unmarshal([]byte(block), &probe); err != nil {
			slog.Warn("session: malformed action block, skipping", "chat", chatID, "err", err)
			continue
		}
		var typ string
		if raw, ok := probe["type"]; ok {
			if err := json.Unmarshal(raw, &typ); err != nil {
				slog.Warn("session: action type is not a string, skipping", "chat", chatID)
				continue
			}
		}
		if typ == "" || !knownActionTypes[typ] {
			slog.Warn("session: unknown or missing action type, skipping", "chat", chatID, "type", typ)
			continue
		}

		var a rawAction
		if err := json.Unmarshal([]byte(block), &a); err != nil {
			slog.Warn("session: malformed action block, skipping", "chat", chatID, "err", err)
			continue
		}
		if err := m.executeAction(ctx, a); err != nil {
			slog.Warn("session: action execution failed", "chat", chatID, "type", a.Type, "err", err)
		}
	}
}

func (m *Manager) executeAction(ctx context.Context, a rawAction) error {
	switch a.Type {
	case "create_card":
		if a.Title == "" {
			return missingField(a.Type, "title")
		}
		projectID, err := m.resolveActionProject(ctx)
		if err != nil {
			return err
		}
		col := model.ColumnBacklog
		if a.Column != "" {
			col = model.Column(a.Column)
		}
		_, err = m.Kanban.CreateCard(ctx, projectID, a.Title, a.Description, col)
		return err

	case "move_card":
		if a.Title == "" || a.Column == "" {
			return missingField(a.Type, "title/column")
		}
		projectID, err := m.resolveActionProject(ctx)
		if err != nil {
			return err
		}
		card, err := findCardByTitle(ctx, m.Kanban, projectID, a.Title)
		if err != nil {
			return err
		}
		if card == nil {
			return fmt.Errorf("move_card: no card titled %q on the current board", a.Title)
		}
		return m.Kanban.MoveCard(ctx, card.ID, model.Column(a.Column))

	case "log_decision":
		if a.Title == "" {
			return missingField(a.Type, "title")
		}
		if m.Thinking == nil {
			return errors.New("log_decision: no thinking partner configured")
		}
		projectID, err := m.resolveActionProject(ctx)
		if err != nil {
			return err
		}
		return m.Thinking.LogDecision(ctx, projectID, a.Title, a.Description)

	case "add_assumption":
		if a.Assumption == "" {
			return missingField(a.Type, "assumption")
		}
		if m.Thinking == nil {
			return errors.New("add_assumption: no thinking partner configured")
		}
		projectID, err := m.resolveActionProject(ctx)
		if err != nil {
			return err
		}
		return m.Thinking.AddAssumption(ctx, projectID, a.Assumption)

	case "update_state":
		if a.Summary == "" {
			return missingField(a.Type, "summary")
		}
		if m.Thinking == nil {
			return errors.New("update_state: no thinking partner configured")
		}
		projectID, err := m.resolveActionProject(ctx)
		if err != nil {
			return err
		}
		return m.Thinking.UpdateStateSummary(ctx, projectID, a.Summary)

	default:
		return nil
	}
}

func missingField(actionType, field string) error {
	return fmt.Errorf("%s: missing required field %q", actionType, field)
}

// resolveActionProject picks the project a chat-initiated workspace action
// applies to. The spec leaves the chat-to-project association unspecified;
// this mirrors Heartbeat.resolveProject's own fallback (first active
// project) since action blocks carry no project identifier of their own.
func (m *Manager) resolveActionProject(ctx context.Context) (string, error) {
	if m.Projects == nil {
		return "", errors.New("no project store configured")
	}
	projects, err := m.Projects.GetProjects(ctx)
	if err != nil {
		return "", err
	}
	for _, p := range projects {
		if p.Status == model.ProjectActive {
			return p.ID, nil
		}
	}
	return "", errors.New("no active project to apply a workspace action to")
}

func findCardByTitle(ctx context.Context, k capabilities.Kanban, projectID, title string) (*model.Card, error) {
	cards, err := k.GetBoard(ctx, projectID)
	if err != nil {
		return nil, err
	}
	for _, c := range cards {
		if c.Title == title {
			return c, nil
		}
	}
	return nil, nil
}
