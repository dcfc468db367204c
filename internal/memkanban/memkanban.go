// Package memkanban is a plain mutex-protected, in-memory implementation of
// the Kanban, Projects, and ChatSessions capability interfaces (spec §6).
// It exists only so the orchestration engine is runnable and testable
// standalone; it has no schema, no durability, and no indexing, so it does
// not reintroduce the persistent-storage-schema Non-goal (spec §1) that a
// real operator deployment would back with its own store instead.
//
// Grounded on the teacher's preference for a single sync.Mutex guarding a
// map-backed collection (task/runner.go's Runner table) rather than a
// reader/writer split or sharded locking.
package memkanban

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/maslow-ai/maslow/internal/capabilities"
	"github.com/maslow-ai/maslow/internal/clock"
	"github.com/maslow-ai/maslow/internal/errs"
	"github.com/maslow-ai/maslow/internal/ids"
	"github.com/maslow-ai/maslow/internal/model"
)

var zeroTime time.Time

// Store implements capabilities.Kanban, capabilities.Projects, and
// capabilities.ChatSessions over in-memory maps.
type Store struct {
	Clock clock.Source

	mu       sync.Mutex
	projects map[string]*model.Project
	cards    map[string]*model.Card
	chats    map[string]*model.ChatSession
}

// New returns an empty Store.
func New(c clock.Source) *Store {
	return &Store{
		Clock:    c,
		projects: make(map[string]*model.Project),
		cards:    make(map[string]*model.Card),
		chats:    make(map[string]*model.ChatSession),
	}
}

// SeedProject registers a project directly, bypassing the capability
// interface, so a board can be bootstrapped (as this package's tests do)
// without a separate storage-schema component; it is not part of the
// Kanban/Projects contract itself.
func (s *Store) SeedProject(p *model.Project) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[p.ID] = p
}

// SeedCard registers a card directly, for the same bootstrapping reason as
// SeedProject.
func (s *Store) SeedCard(c *model.Card) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cards[c.ID] = c
}

// --- capabilities.Projects ---

func (s *Store) GetProjects(context.Context) ([]*model.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetProject(_ context.Context, id string) (*model.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, errs.CardNotFound(id)
	}
	return p, nil
}

var _ capabilities.Projects = (*Store)(nil)

// --- capabilities.Kanban ---

func (s *Store) GetBoard(_ context.Context, projectID string) ([]*model.Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Card
	for _, c := range s.cards {
		if c.ProjectID == projectID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Position < out[j].Position
	})
	return out, nil
}

// GetNext returns the highest-priority, most-urgent backlog card for a
// project (spec §3: ordering within a column is (priority ASC, position
// ASC); smaller is more urgent).
func (s *Store) GetNext(_ context.Context, projectID string) (*model.Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *model.Card
	for _, c := range s.cards {
		if c.ProjectID != projectID || c.Column != model.ColumnBacklog {
			continue
		}
		if best == nil || c.Priority < best.Priority || (c.Priority == best.Priority && c.Position < best.Position) {
			best = c
		}
	}
	return best, nil
}

func (s *Store) CreateCard(_ context.Context, projectID, title, desc string, col model.Column) (*model.Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.Clock.Now()
	c := &model.Card{
		ID:          ids.New(),
		ProjectID:   projectID,
		Title:       title,
		Description: desc,
		Column:      col,
		Position:    s.nextPositionLocked(projectID, col),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.cards[c.ID] = c
	return c, nil
}

func (s *Store) nextPositionLocked(projectID string, col model.Column) int {
	max := -1
	for _, c := range s.cards {
		if c.ProjectID == projectID && c.Column == col && c.Position > max {
			max = c.Position
		}
	}
	return max + 1
}

func (s *Store) UpdateCard(_ context.Context, card *model.Card) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cards[card.ID]; !ok {
		return errs.CardNotFound(card.ID)
	}
	card.UpdatedAt = s.Clock.Now()
	s.cards[card.ID] = card
	return nil
}

func (s *Store) DeleteCard(_ context.Context, cardID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cards[cardID]; !ok {
		return errs.CardNotFound(cardID)
	}
	delete(s.cards, cardID)
	return nil
}

func (s *Store) MoveCard(_ context.Context, cardID string, col model.Column) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cards[cardID]
	if !ok {
		return errs.CardNotFound(cardID)
	}
	c.Column = col
	c.Position = s.nextPositionLocked(c.ProjectID, col)
	c.UpdatedAt = s.Clock.Now()
	return nil
}

// SkipToBack resets a card to the back of the backlog, clearing its agent
// assignment and status (spec §6).
func (s *Store) SkipToBack(_ context.Context, cardID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cards[cardID]
	if !ok {
		return errs.CardNotFound(cardID)
	}
	c.Column = model.ColumnBacklog
	c.Position = s.nextPositionLocked(c.ProjectID, model.ColumnBacklog)
	c.AgentStatus = ""
	c.BlockedReason = ""
	c.AssignedAgent = ""
	c.StartedAt = zeroTime
	c.CompletedAt = zeroTime
	c.UpdatedAt = s.Clock.Now()
	return nil
}

func (s *Store) SaveContext(_ context.Context, cardID, snapshot, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cards[cardID]
	if !ok {
		return errs.CardNotFound(cardID)
	}
	c.ContextSnapshot = snapshot
	c.LastSessionID = sessionID
	c.UpdatedAt = s.Clock.Now()
	return nil
}

func (s *Store) Resume(_ context.Context, cardID string) (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cards[cardID]
	if !ok {
		return "", "", errs.CardNotFound(cardID)
	}
	return c.ContextSnapshot, c.LastSessionID, nil
}

func (s *Store) AssignAgent(_ context.Context, cardID string, agent model.Harness) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cards[cardID]
	if !ok {
		return errs.CardNotFound(cardID)
	}
	c.AssignedAgent = agent
	c.UpdatedAt = s.Clock.Now()
	return nil
}

func (s *Store) UpdateAgentStatus(_ context.Context, cardID string, status model.AgentStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cards[cardID]
	if !ok {
		return errs.CardNotFound(cardID)
	}
	c.AgentStatus = status
	c.BlockedReason = reason
	c.UpdatedAt = s.Clock.Now()
	return nil
}

func (s *Store) StartWork(_ context.Context, cardID string, agent model.Harness, branchName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cards[cardID]
	if !ok {
		return errs.CardNotFound(cardID)
	}
	now := s.Clock.Now()
	c.Column = model.ColumnInProgress
	c.AgentStatus = model.AgentRunning
	c.AssignedAgent = agent
	c.BranchName = branchName
	c.StartedAt = now
	c.UpdatedAt = now
	return nil
}

func (s *Store) CompleteWork(_ context.Context, cardID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cards[cardID]
	if !ok {
		return errs.CardNotFound(cardID)
	}
	now := s.Clock.Now()
	c.Column = model.ColumnDone
	c.AgentStatus = model.AgentCompleted
	c.CompletedAt = now
	c.UpdatedAt = now
	return nil
}

func (s *Store) InProgressCards(_ context.Context) ([]*model.Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	active := make(map[string]bool, len(s.projects))
	for _, p := range s.projects {
		if p.Status == model.ProjectActive {
			active[p.ID] = true
		}
	}
	var out []*model.Card
	for _, c := range s.cards {
		if c.Column == model.ColumnInProgress && active[c.ProjectID] {
			out = append(out, c)
		}
	}
	return out, nil
}

var _ capabilities.Kanban = (*Store)(nil)

// --- capabilities.ChatSessions ---

func (s *Store) GetSession(_ context.Context, chatID string) (*model.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.chats[chatID]
	if !ok {
		return nil, nil
	}
	cp := *sess
	return &cp, nil
}

func (s *Store) SaveSession(_ context.Context, session *model.ChatSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *session
	cp.LastActiveAt = s.Clock.Now()
	s.chats[session.ChatID] = &cp
	return nil
}

func (s *Store) UpdateLastActive(_ context.Context, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.chats[chatID]; ok {
		sess.LastActiveAt = s.Clock.Now()
	}
	return nil
}

func (s *Store) UpdateContextUsage(_ context.Context, chatID string, pct float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.chats[chatID]; ok {
		sess.ContextUsagePercent = pct
	}
	return nil
}

func (s *Store) DeleteSession(_ context.Context, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.chats, chatID)
	return nil
}

func (s *Store) GetLastActiveChatID(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *model.ChatSession
	for _, sess := range s.chats {
		if best == nil || sess.LastActiveAt.After(best.LastActiveAt) {
			best = sess
		}
	}
	if best == nil {
		return "", nil
	}
	return best.ChatID, nil
}

var _ capabilities.ChatSessions = (*Store)(nil)
