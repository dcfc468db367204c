// Package heartbeat implements the Heartbeat (spec §4.5): the periodic
// scheduler that scans active projects, picks the next backlog card per
// project, spawns agents, reclaims stuck cards, and optionally runs the
// review-branch synthesizer.
//
// The stuck-card-reclaim and startup-reset sweeps are grounded directly on
// jaakkos-stringwork's Watchdog.check() two-phase shape (detect, then one
// mutex'd mutation); Heartbeat.Tick plays the role of Watchdog.check, and
// the registry+Kanban play the role of CollabService.Run.
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/maslow-ai/maslow/internal/agentrunner"
	"github.com/maslow-ai/maslow/internal/capabilities"
	"github.com/maslow-ai/maslow/internal/clock"
	"github.com/maslow-ai/maslow/internal/errs"
	"github.com/maslow-ai/maslow/internal/model"
	"github.com/maslow-ai/maslow/internal/promptassembler"
	"github.com/maslow-ai/maslow/internal/registry"
	"github.com/maslow-ai/maslow/internal/worktree"
)

// Spawner is the subset of AgentRunner that Heartbeat depends on.
type Spawner interface {
	Spawn(ctx context.Context, req agentrunner.SpawnRequest) (*model.AgentProcess, error)
}

// Synthesizer resolves review-column cards and merges branch-verified
// work. Its storage/verification details are an external collaborator
// (spec §9 "left fully opaque"); Heartbeat only owns the mutex and the
// opt-in flag.
type Synthesizer interface {
	Sweep(ctx context.Context) error
}

// WorktreeAcquirer is the subset of worktree.Manager that Heartbeat
// depends on; *worktree.Manager satisfies this directly.
type WorktreeAcquirer interface {
	Acquire(ctx context.Context, cardID string, agent model.Harness, title string) (worktree.Acquisition, error)
	Release(ctx context.Context, dir string) error
	SweepOrphans(ctx context.Context, liveCardIDs []string) error
}

// Heartbeat is the periodic scheduler.
type Heartbeat struct {
	Clock     clock.Source
	Kanban    capabilities.Kanban
	Projects  capabilities.Projects
	Registry  *registry.Registry
	Worktree  WorktreeAcquirer
	Runner    Spawner
	Broadcast capabilities.BroadcastSink
	Steering  capabilities.Steering
	Skill     capabilities.Skill

	Synthesizer Synthesizer

	// ConstraintsPath is the heartbeat constraints Markdown document. An
	// empty path means "use DefaultConstraints and never watch for
	// reload."
	ConstraintsPath string

	tickMutex  sync.Mutex
	synthMutex sync.Mutex

	constraintsMu sync.RWMutex
	constraints   Constraints

	stopCh   chan struct{}
	stopOnce sync.Once
	ticker   clock.Ticker
	wg       sync.WaitGroup
}

// Start loads the constraints document, resets any card left mid-flight by
// a crashed previous run, runs one immediate tick, and installs the
// periodic schedule (spec §4.5.5).
func (h *Heartbeat) Start(ctx context.Context) error {
	c, err := LoadConstraints(h.ConstraintsPath)
	if err != nil {
		return fmt.Errorf("heartbeat: load constraints: %w", err)
	}
	h.setConstraints(c)

	h.stopCh = make(chan struct{})

	if h.ConstraintsPath != "" {
		watchCtx, cancel := context.WithCancel(context.Background())
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			watchConstraints(watchCtx, h.ConstraintsPath, h.setConstraints)
		}()
		go func() {
			<-h.stopCh
			cancel()
		}()
	}

	if err := h.reconcileStartup(ctx); err != nil {
		slog.Warn("heartbeat: startup reconciliation failed", "err", err)
	}

	if err := h.Tick(ctx); err != nil {
		slog.Warn("heartbeat: initial tick failed", "err", err)
	}

	period := time.Duration(h.getConstraints().TickPeriodSeconds) * time.Second
	if period <= 0 {
		period = 60 * time.Second
	}
	h.ticker = h.Clock.NewTicker(period)
	h.wg.Add(1)
	go h.loop(ctx)

	return nil
}

func (h *Heartbeat) loop(ctx context.Context) {
	defer h.wg.Done()
	for {
		select {
		case <-h.stopCh:
			return
		case <-h.ticker.C():
			if err := h.Tick(ctx); err != nil {
				slog.Warn("heartbeat: tick failed", "err", err)
			}
		}
	}
}

// Stop halts the periodic schedule. Idempotent.
func (h *Heartbeat) Stop() {
	h.stopOnce.Do(func() {
		if h.stopCh != nil {
			close(h.stopCh)
		}
		if h.ticker != nil {
			h.ticker.Stop()
		}
	})
	h.wg.Wait()
}

// reconcileStartup resets any card left mid-flight by a crashed previous
// run, then sweeps .worktrees/ directories that no longer correspond to a
// live in-progress card (spec §5).
func (h *Heartbeat) reconcileStartup(ctx context.Context) error {
	cards, err := h.Kanban.InProgressCards(ctx)
	if err != nil {
		return fmt.Errorf("list in-progress cards: %w", err)
	}
	var liveCardIDs []string
	for _, card := range cards {
		if card.AgentStatus == model.AgentRunning || card.AgentStatus == model.AgentBlocked {
			if err := h.Kanban.SkipToBack(ctx, card.ID); err != nil {
				slog.Warn("heartbeat: reconciliation skipToBack failed", "card", card.ID, "err", err)
			}
			continue
		}
		liveCardIDs = append(liveCardIDs, card.ID)
	}
	if h.Worktree != nil {
		if err := h.Worktree.SweepOrphans(ctx, liveCardIDs); err != nil {
			slog.Warn("heartbeat: sweep orphan worktrees failed", "err", err)
		}
	}
	return nil
}

func (h *Heartbeat) getConstraints() Constraints {
	h.constraintsMu.RLock()
	defer h.constraintsMu.RUnlock()
	return h.constraints
}

func (h *Heartbeat) setConstraints(c Constraints) {
	h.constraintsMu.Lock()
	h.constraints = c
	h.constraintsMu.Unlock()
}

// Tick runs one scheduling pass (spec §4.5.2). It is non-reentrant: if a
// tick is already in progress, this call returns immediately without
// blocking and without deferring the next scheduled tick.
func (h *Heartbeat) Tick(ctx context.Context) error {
	if !h.tickMutex.TryLock() {
		return nil
	}
	defer h.tickMutex.Unlock()

	c := h.getConstraints()
	projectsScanned := 0

	if c.BuilderEnabled {
		projects, err := h.Projects.GetProjects(ctx)
		if err != nil {
			h.emit("heartbeat.error", map[string]any{"err": err.Error()})
			projects = nil
		}
		for _, p := range projects {
			if p.Status != model.ProjectActive {
				continue
			}
			projectsScanned++

			if h.Registry.HasLiveForProject(p.ID) {
				continue
			}
			if h.Registry.CountRunning() >= c.MaxConcurrentAgents {
				break
			}

			card, err := h.Kanban.GetNext(ctx, p.ID)
			if err != nil {
				h.emit("heartbeat.error", map[string]any{"projectId": p.ID, "err": err.Error()})
				continue
			}
			if card == nil {
				continue
			}

			if err := h.spawnFor(ctx, p, card, c); err != nil {
				h.emit("heartbeat.error", map[string]any{"cardId": card.ID, "err": err.Error()})
				continue
			}
		}
	}

	if err := h.sweepBlocked(ctx, c); err != nil {
		h.emit("heartbeat.error", map[string]any{"err": err.Error()})
	}

	agentsRunning := h.Registry.CountRunning()
	h.emit("heartbeat.tick", map[string]any{"projectsScanned": projectsScanned, "agentsRunning": agentsRunning})
	if projectsScanned == 0 {
		h.emit("heartbeat.idle", nil)
	}
	return nil
}

// spawnFor reserves, acquires a worktree, spawns, and commits for one
// card. Any failure releases whatever was already acquired and returns an
// error for the caller to log as heartbeat.error; it must never abort the
// rest of the tick.
func (h *Heartbeat) spawnFor(ctx context.Context, p *model.Project, card *model.Card, c Constraints) error {
	effCap := effectiveCap(p, c.MaxConcurrentAgents)
	tok, err := h.Registry.Reserve(card.ID, p.ID, effCap)
	if err != nil {
		return nil // capacity rejection is an expected, non-error continue
	}

	agent := card.AssignedAgent
	if agent == "" {
		agent = model.HarnessClaude
	}

	prompt := h.assemblePrompt(ctx, card, p)

	acq, err := h.Worktree.Acquire(ctx, card.ID, agent, card.Title)
	if err != nil {
		h.Registry.Release(card.ID)
		return err
	}

	var timeout time.Duration
	if p.AgentTimeoutMinutes > 0 {
		timeout = time.Duration(p.AgentTimeoutMinutes) * time.Minute
	}

	proc, err := h.Runner.Spawn(ctx, agentrunner.SpawnRequest{
		CardID:          card.ID,
		ProjectID:       p.ID,
		Agent:           agent,
		Prompt:          prompt,
		Cwd:             acq.WorktreeDir,
		WorktreeDir:     acq.WorktreeDir,
		BranchName:      acq.BranchName,
		ResumeSessionID: card.LastSessionID,
		AgentTimeout:    timeout,
		Title:           card.Title,
		Description:     card.Description,
	})
	if err != nil {
		h.Registry.Release(card.ID)
		if relErr := h.Worktree.Release(ctx, acq.WorktreeDir); relErr != nil {
			slog.Warn("heartbeat: worktree release after failed spawn", "card", card.ID, "err", relErr)
		}
		return err
	}

	if err := h.Registry.Commit(tok, proc); err != nil {
		return err
	}
	if err := h.Kanban.StartWork(ctx, card.ID, agent, acq.BranchName); err != nil {
		slog.Warn("heartbeat: startWork failed", "card", card.ID, "err", err)
	}
	h.emit("heartbeat.spawned", map[string]any{"cardId": card.ID})
	return nil
}

func (h *Heartbeat) assemblePrompt(ctx context.Context, card *model.Card, p *model.Project) string {
	opts := promptassembler.Options{PreviousSnapshot: card.ContextSnapshot}
	if h.Steering != nil {
		if block, err := h.Steering.BuildPromptBlock(ctx, p.ID); err == nil {
			opts.Steering = block
		}
	}
	if h.Skill != nil {
		if names, err := h.Skill.SelectForTask(ctx, card); err == nil {
			if block, err := h.Skill.BuildPromptBlock(ctx, names); err == nil {
				opts.SkillBlock = block
			}
		}
	}
	return promptassembler.Build(card, p, opts)
}

func (h *Heartbeat) sweepBlocked(ctx context.Context, c Constraints) error {
	cards, err := h.Kanban.InProgressCards(ctx)
	if err != nil {
		return fmt.Errorf("list in-progress cards: %w", err)
	}
	threshold := time.Duration(c.BlockedRetryMinutes) * time.Minute
	now := h.Clock.Now()
	for _, card := range cards {
		if card.AgentStatus != model.AgentBlocked {
			continue
		}
		if now.Sub(card.UpdatedAt) < threshold {
			continue
		}
		if err := h.Kanban.SkipToBack(ctx, card.ID); err != nil {
			slog.Warn("heartbeat: blocked-retry skipToBack failed", "card", card.ID, "err", err)
			continue
		}
		h.emit("heartbeat.retry", map[string]any{"cardId": card.ID, "previousStatus": "blocked"})
	}
	return nil
}

// Synthesize runs the review/branch-verification sweep (spec §4.5.3),
// protected by its own mutex, independent of the tick mutex.
func (h *Heartbeat) Synthesize(ctx context.Context) error {
	if !h.synthMutex.TryLock() {
		return nil
	}
	defer h.synthMutex.Unlock()

	c := h.getConstraints()
	if !c.SynthesizerEnabled || h.Synthesizer == nil {
		return nil
	}
	return h.Synthesizer.Sweep(ctx)
}

// SubmitOptions configures SubmitTaskBrief. Immediate is a pointer so the
// zero value (nil) means "use the spec default of true"; set it explicitly
// to suppress the post-creation tick.
type SubmitOptions struct {
	ProjectID string
	Immediate *bool
}

// SubmitTaskBrief creates a backlog card from free text (spec §4.5.4).
func (h *Heartbeat) SubmitTaskBrief(ctx context.Context, text string, opts SubmitOptions) (*model.Card, error) {
	project, err := h.resolveProject(ctx, text, opts.ProjectID)
	if err != nil {
		return nil, err
	}

	title := deriveTitle(text)
	card, err := h.Kanban.CreateCard(ctx, project.ID, title, text, model.ColumnBacklog)
	if err != nil {
		return nil, fmt.Errorf("heartbeat: create card: %w", err)
	}

	h.emit("heartbeat.cardCreated", map[string]any{"source": "submitTaskBrief", "title": title})

	if opts.Immediate == nil || *opts.Immediate {
		if err := h.Tick(ctx); err != nil {
			slog.Warn("heartbeat: post-submit tick failed", "err", err)
		}
	}
	return card, nil
}

func (h *Heartbeat) resolveProject(ctx context.Context, text, explicitID string) (*model.Project, error) {
	if explicitID != "" {
		p, err := h.Projects.GetProject(ctx, explicitID)
		if err != nil {
			return nil, fmt.Errorf("heartbeat: resolve explicit project: %w", err)
		}
		return p, nil
	}

	projects, err := h.Projects.GetProjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("heartbeat: list projects: %w", err)
	}
	var active []*model.Project
	for _, p := range projects {
		if p.Status == model.ProjectActive {
			active = append(active, p)
		}
	}
	if len(active) == 0 {
		return nil, errs.NoActiveProject("no active project to assign submitTaskBrief to")
	}

	lower := strings.ToLower(text)
	for _, p := range active {
		if p.Name != "" && strings.Contains(lower, strings.ToLower(p.Name)) {
			return p, nil
		}
	}
	return active[0], nil
}

// deriveTitle truncates text to its first sentence terminator, trims it,
// and caps it at 80 characters (spec §4.5.4).
func deriveTitle(text string) string {
	end := len(text)
	for i, r := range text {
		if r == '.' || r == '?' || r == '!' || r == '\n' {
			end = i
			break
		}
	}
	title := strings.TrimSpace(text[:end])
	if len(title) > 80 {
		title = strings.TrimSpace(title[:77]) + "..."
	}
	return title
}

func effectiveCap(p *model.Project, globalCap int) int {
	if p.MaxConcurrentAgents > 0 && p.MaxConcurrentAgents < globalCap {
		return p.MaxConcurrentAgents
	}
	return globalCap
}

func (h *Heartbeat) emit(eventType string, payload map[string]any) {
	if h.Broadcast == nil {
		return
	}
	h.Broadcast.Emit(capabilities.Event{Type: eventType, Payload: payload})
}
