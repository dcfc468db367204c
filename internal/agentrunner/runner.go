package agentrunner

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/maslow-ai/maslow/internal/capabilities"
	"github.com/maslow-ai/maslow/internal/clock"
	"github.com/maslow-ai/maslow/internal/errs"
	"github.com/maslow-ai/maslow/internal/ids"
	"github.com/maslow-ai/maslow/internal/model"
	"github.com/maslow-ai/maslow/internal/registry"
	"github.com/maslow-ai/maslow/internal/ringbuf"
	"github.com/maslow-ai/maslow/internal/worktree"
)

const (
	// DefaultAgentTimeout is the per-agent watchdog ceiling when a
	// project does not configure agentTimeoutMinutes (spec §4.2).
	DefaultAgentTimeout = 60 * time.Minute
	// DefaultGraceMS is how long Stop/shutdownAll wait after a graceful
	// signal before forcing a kill (spec §4.2).
	DefaultGraceMS = 5000 * time.Millisecond
	logBufferLines = 1000
)

// SpawnRequest is the input to Runner.Spawn (spec §4.2).
type SpawnRequest struct {
	CardID          string
	ProjectID       string
	Agent           model.Harness
	Prompt          string
	Cwd             string // the worktree directory; already acquired by the caller
	WorktreeDir     string
	BranchName      string
	ResumeSessionID string
	AgentTimeout    time.Duration // 0 means DefaultAgentTimeout

	// Title/Description seed the pull request opened on successful
	// completion (spec §4.2); Description may be empty.
	Title       string
	Description string

	// BaseBranch is the branch the card's branch was forked from, used for
	// the post-completion diff-stat/safety scan. Empty means "main".
	BaseBranch string
}

// DefaultBaseBranch is the fallback base branch for the diff-stat/safety
// scan when a SpawnRequest does not set BaseBranch.
const DefaultBaseBranch = "main"

// Runner is the AgentRunner. It supervises one OS process (or, for Ollama,
// one streaming HTTP request) per card, and owns every post-exit cleanup
// step.
type Runner struct {
	Worktree  *worktree.Manager
	Registry  *registry.Registry
	Kanban    capabilities.Kanban
	Broadcast capabilities.BroadcastSink
	Clock     clock.Source
	Ollama    *OllamaClient

	// CredentialEnvVar is the conversational model's API-key env var name;
	// it is scrubbed from every spawned agent's environment (spec §4.2).
	CredentialEnvVar string

	mu     sync.Mutex
	active map[string]*supervised
}

type supervised struct {
	cancel context.CancelFunc
	proc   *model.AgentProcess
	done   chan struct{}
}

// New returns a Runner with an empty supervision table.
func New(c clock.Source) *Runner {
	return &Runner{Clock: c, active: make(map[string]*supervised)}
}

// Spawn starts agent against req and returns once the process (or Ollama
// request) has been started and registered for supervision. It does not
// wait for completion; the process runs on its own goroutine and runs the
// post-exit invariants when it reaches a terminal state.
func (r *Runner) Spawn(ctx context.Context, req SpawnRequest) (*model.AgentProcess, error) {
	spanID := ids.New()
	logs := ringbuf.New(logBufferLines)
	proc := &model.AgentProcess{
		CardID:      req.CardID,
		ProjectID:   req.ProjectID,
		Agent:       req.Agent,
		Status:      model.ProcessSpawning,
		StartedAt:   r.now(),
		WorktreeDir: req.WorktreeDir,
		BranchName:  req.BranchName,
		SpanID:      spanID,
		Logs:        logs,
	}

	supCtx, cancel := context.WithCancel(context.Background())

	var start func() (<-chan string, error)
	if req.Agent == model.HarnessOllama {
		start = func() (<-chan string, error) {
			if r.Ollama == nil {
				return nil, errs.Spawn("ollama requested but no OllamaClient configured", nil)
			}
			return r.Ollama.Generate(supCtx, req.Prompt)
		}
	}

	var cmd *exec.Cmd
	var stdoutLines <-chan string
	if start == nil {
		name, args, err := BuildCommand(req.Agent, req.Prompt, req.ResumeSessionID)
		if err != nil {
			cancel()
			return nil, errs.Spawn("build command for "+string(req.Agent), err)
		}
		cmd = exec.CommandContext(supCtx, name, args...) //nolint:gosec // agent/prompt come from internal scheduling, not raw user input.
		cmd.Dir = req.Cwd
		// Cancelling supCtx (Stop, ShutdownAll) interrupts the agent first and
		// kills it only if it is still running DefaultGraceMS later.
		cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
		cmd.WaitDelay = DefaultGraceMS
		if r.CredentialEnvVar != "" {
			cmd.Env = scrubEnv(os.Environ(), r.CredentialEnvVar)
		} else {
			cmd.Env = os.Environ()
		}
		stdoutLines, err = r.pipeStdout(cmd)
		if err != nil {
			cancel()
			return nil, errs.Spawn("attach stdout pipe for card "+req.CardID, err)
		}
		if err := cmd.Start(); err != nil {
			cancel()
			return nil, errs.Spawn("start agent for card "+req.CardID, err)
		}
	} else {
		var err error
		stdoutLines, err = start()
		if err != nil {
			cancel()
			return nil, errs.Spawn("start ollama request for card "+req.CardID, err)
		}
	}

	proc.Status = model.ProcessRunning
	proc.ExternalProcessHandle = cmd

	sup := &supervised{cancel: cancel, proc: proc, done: make(chan struct{})}
	r.mu.Lock()
	r.active[req.CardID] = sup
	r.mu.Unlock()

	timeout := req.AgentTimeout
	if timeout <= 0 {
		timeout = DefaultAgentTimeout
	}

	go r.supervise(supCtx, cancel, cmd, stdoutLines, proc, timeout, req)

	return proc, nil
}

func (r *Runner) pipeStdout(cmd *exec.Cmd) (<-chan string, error) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = cmd.Stdout // commingle stderr into the same log stream
	ch := make(chan string, 256)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
		for scanner.Scan() {
			ch <- scanner.Text()
		}
	}()
	return ch, nil
}

// supervise owns the terminal-transition decision for one agent: it reads
// log lines until the source closes, waits for process exit (or the
// per-agent timeout, or explicit cancellation), determines the terminal
// status, and runs the guaranteed cleanup scope.
func (r *Runner) supervise(ctx context.Context, cancel context.CancelFunc, cmd *exec.Cmd, lines <-chan string, proc *model.AgentProcess, timeout time.Duration, req SpawnRequest) {
	defer cancel()

	logsDone := make(chan struct{})
	go func() {
		defer close(logsDone)
		for line := range lines {
			proc.Logs.Append(line)
		}
	}()

	// completion fires exactly once: for a real process, once both the
	// exit code is known and the stdout/stderr log drain has finished;
	// for Ollama, once the streamed response channel closes (there is no
	// separate process to Wait() on).
	type exitSignal struct{ err error }
	completion := make(chan exitSignal, 1)
	if cmd != nil {
		go func() {
			err := cmd.Wait()
			<-logsDone
			completion <- exitSignal{err: err}
		}()
	} else {
		go func() {
			<-logsDone
			completion <- exitSignal{}
		}()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var status model.ProcessStatus
	var failureReason string

	select {
	case sig := <-completion:
		if sig.err != nil {
			status = model.ProcessFailed
			failureReason = sig.err.Error()
		} else if pubErr := r.publish(ctx, proc, req); pubErr != nil {
			status = model.ProcessFailed
			failureReason = pubErr.Error()
		} else {
			status = model.ProcessCompleted
		}
	case <-timer.C:
		slog.Warn("agentrunner: per-agent timeout exceeded, stopping", "card", proc.CardID, "timeout", timeout)
		r.stopLocked(cmd, cancel)
		<-completion
		status = model.ProcessFailed
		failureReason = fmt.Sprintf("agent exceeded %s timeout", timeout)
	case <-ctx.Done():
		if cmd != nil {
			r.stopLocked(cmd, cancel)
		}
		<-completion
		status = model.ProcessCancelled
		failureReason = "stopped"
	}

	proc.Status = status
	r.finish(proc, failureReason, req)
}

// publish pushes the card's branch and opens a pull request for it, the
// second half of spec §4.2's completion condition. Ollama runs through the
// same worktree/branch lifecycle as the shell harnesses, so it publishes
// too; there is nothing harness-specific about the push/PR step.
func (r *Runner) publish(ctx context.Context, proc *model.AgentProcess, req SpawnRequest) error {
	if proc.WorktreeDir == "" || proc.BranchName == "" {
		// No worktree/branch was acquired for this spawn (e.g. a caller
		// driving AgentRunner directly without going through Heartbeat +
		// WorktreeManager); nothing to push.
		return nil
	}
	title := req.Title
	if title == "" {
		title = fmt.Sprintf("Agent work for card %s", proc.CardID)
	}
	body := req.Description
	if body == "" {
		body = fmt.Sprintf("Automated change by %s for card %s.", proc.Agent, proc.CardID)
	}
	return pushAndCreatePR(ctx, proc.WorktreeDir, proc.BranchName, title, body)
}

// stopLocked issues a graceful stop then, after GRACE_MS, a forced kill.
func (r *Runner) stopLocked(cmd *exec.Cmd, cancel context.CancelFunc) {
	if cmd == nil || cmd.Process == nil {
		cancel()
		return
	}
	_ = cmd.Process.Signal(os.Interrupt)
	timer := time.NewTimer(DefaultGraceMS)
	defer timer.Stop()
	done := make(chan struct{})
	go func() { cmd.Wait(); close(done) }() //nolint:errcheck // exit status observed by the primary Wait goroutine.
	select {
	case <-done:
	case <-timer.C:
		_ = cmd.Process.Kill()
		cancel()
	}
}

// Stop cancels the agent supervising cardID, if any, waiting for it to
// reach a terminal state before returning.
func (r *Runner) Stop(cardID string) {
	r.mu.Lock()
	sup, ok := r.active[cardID]
	r.mu.Unlock()
	if !ok {
		return
	}
	sup.cancel()
	<-sup.done
}

// ShutdownAll cancels every supervised agent concurrently and waits for
// all to reach a terminal state, or for ctx to be done, whichever comes
// first. Idempotent: a second call against an already-empty table returns
// immediately.
func (r *Runner) ShutdownAll(ctx context.Context) {
	r.mu.Lock()
	sups := make([]*supervised, 0, len(r.active))
	for _, s := range r.active {
		sups = append(sups, s)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sups {
		wg.Add(1)
		go func(s *supervised) {
			defer wg.Done()
			s.cancel()
			select {
			case <-s.done:
			case <-ctx.Done():
			}
		}(s)
	}
	wg.Wait()
}

// finish runs the guaranteed post-exit invariants of spec §4.2: persist a
// resumable snapshot, release the worktree, vacate the registry slot, and
// emit exactly one broadcast event. It always runs, regardless of which
// terminal status was reached.
func (r *Runner) finish(proc *model.AgentProcess, failureReason string, req SpawnRequest) {
	r.mu.Lock()
	sup, ok := r.active[proc.CardID]
	delete(r.active, proc.CardID)
	r.mu.Unlock()

	ctx := context.Background()
	if r.Kanban != nil {
		snapshot := strings.Join(proc.Logs.Tail(50), "\n")
		if proc.Status == model.ProcessCompleted {
			if scan := r.diffAndSafetyScan(ctx, proc, req); scan != "" {
				snapshot = snapshot + "\n\n" + scan
			}
		}
		if err := r.Kanban.SaveContext(ctx, proc.CardID, snapshot, proc.SpanID); err != nil {
			slog.Warn("agentrunner: saveContext failed", "card", proc.CardID, "err", err)
		}
		if proc.Status == model.ProcessFailed {
			if err := r.Kanban.UpdateAgentStatus(ctx, proc.CardID, model.AgentBlocked, failureReason); err != nil {
				slog.Warn("agentrunner: updateAgentStatus failed", "card", proc.CardID, "err", err)
			}
		} else if proc.Status == model.ProcessCompleted {
			if err := r.Kanban.CompleteWork(ctx, proc.CardID); err != nil {
				slog.Warn("agentrunner: completeWork failed", "card", proc.CardID, "err", err)
			}
		}
	}

	if r.Worktree != nil && proc.WorktreeDir != "" {
		if err := r.Worktree.Release(ctx, proc.WorktreeDir); err != nil {
			slog.Warn("agentrunner: worktree release failed", "card", proc.CardID, "err", err)
		}
	}

	if r.Registry != nil {
		r.Registry.Release(proc.CardID)
	}

	if r.Broadcast != nil {
		r.Broadcast.Emit(capabilities.Event{
			Type: terminalEventType(proc.Status),
			Payload: map[string]any{
				"cardId": proc.CardID,
				"agent":  string(proc.Agent),
				"reason": failureReason,
			},
		})
	}

	if ok {
		close(sup.done)
	}
}

// diffAndSafetyScan computes a DiffStat for the completed card's branch and
// runs CheckSafety against it, rendering both into a short text block that
// gets folded into the context snapshot (spec §5: an optional post-exit
// step, skipped entirely when the worktree's git remote isn't reachable).
func (r *Runner) diffAndSafetyScan(ctx context.Context, proc *model.AgentProcess, req SpawnRequest) string {
	if proc.WorktreeDir == "" || proc.BranchName == "" {
		return ""
	}
	base := req.BaseBranch
	if base == "" {
		base = DefaultBaseBranch
	}

	numstat, err := gitDiffNumstat(ctx, proc.WorktreeDir, proc.BranchName, base)
	if err != nil {
		slog.Warn("agentrunner: diff-stat unavailable, skipping safety scan", "card", proc.CardID, "err", err)
		return ""
	}
	ds := ParseDiffNumstat(numstat)
	if len(ds) == 0 {
		return ""
	}

	issues, err := CheckSafety(ctx, proc.WorktreeDir, proc.BranchName, base, ds)
	if err != nil {
		slog.Warn("agentrunner: safety scan failed", "card", proc.CardID, "err", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Diff: %d file(s) changed", len(ds))
	for _, i := range issues {
		fmt.Fprintf(&b, "\nSAFETY [%s] %s: %s", i.Kind, i.File, i.Detail)
	}
	return b.String()
}

func terminalEventType(status model.ProcessStatus) string {
	switch status {
	case model.ProcessCompleted:
		return "agent.completed"
	case model.ProcessCancelled:
		return "agent.cancelled"
	default:
		return "agent.failed"
	}
}

func (r *Runner) now() time.Time {
	if r.Clock != nil {
		return r.Clock.Now()
	}
	return time.Now()
}
