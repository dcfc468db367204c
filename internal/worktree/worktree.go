// Package worktree implements the WorktreeManager (spec §4.1): creates and
// destroys branch-scoped git worktrees that isolate one card's file state
// from every other card's.
//
// Grounded on the teacher's git-shelling idiom in
// backend/internal/container/container.go (exec.CommandContext, Dir set to
// the repo root, stderr captured into a bytes.Buffer and folded into the
// returned error) and the branch-exists retry loop in
// backend/internal/task/runner.go's Runner.setup.
package worktree

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/maslow-ai/maslow/internal/errs"
	"github.com/maslow-ai/maslow/internal/model"
)

const (
	defaultGitTimeout = time.Minute
	maxSlugLen        = 50
	cardPrefixLen     = 8
)

var nonAlnumRun = regexp.MustCompile(`[^a-z0-9]+`)

// Manager creates and destroys git worktrees under <RepoRoot>/.worktrees.
type Manager struct {
	RepoRoot   string
	GitTimeout time.Duration // defaults to one minute
}

// Acquisition is the result of a successful Acquire.
type Acquisition struct {
	WorktreeDir string
	BranchName  string
}

// Acquire computes the deterministic branch name for (agent, title, cardID)
// and creates a worktree for it, per spec §3/§4.1.
func (m *Manager) Acquire(ctx context.Context, cardID string, agent model.Harness, title string) (Acquisition, error) {
	prefix := cardPrefix(cardID)
	branch := BranchName(agent, title, cardID)
	dir := filepath.Join(m.RepoRoot, ".worktrees", prefix)

	timeout := m.GitTimeout
	if timeout <= 0 {
		timeout = defaultGitTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := os.MkdirAll(filepath.Dir(dir), 0o750); err != nil {
		return Acquisition{}, errs.Worktree("create worktrees dir", err)
	}

	// First attempt: create a new worktree with a fresh branch.
	if err := m.git(ctx, "worktree", "add", "-b", branch, dir); err == nil {
		return Acquisition{WorktreeDir: dir, BranchName: branch}, nil
	} else {
		slog.Info("worktree: branch exists, retrying against existing branch", "branch", branch, "err", err)
	}

	// Retry: the branch already exists, check it out into a new worktree.
	if err := m.git(ctx, "worktree", "add", dir, branch); err != nil {
		return Acquisition{}, errs.Worktree(fmt.Sprintf("acquire worktree for card %s", cardID), err)
	}
	return Acquisition{WorktreeDir: dir, BranchName: branch}, nil
}

// Release removes the worktree at dir. It is idempotent: it MUST succeed
// even when the directory or branch is already absent (spec §4.1).
func (m *Manager) Release(ctx context.Context, dir string) error {
	if dir == "" {
		return nil
	}
	timeout := m.GitTimeout
	if timeout <= 0 {
		timeout = defaultGitTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := m.git(ctx, "worktree", "remove", "--force", dir); err != nil {
		slog.Warn("worktree: remove --force failed, falling back to rmdir", "dir", dir, "err", err)
	}
	if _, statErr := os.Stat(dir); statErr == nil {
		if err := os.RemoveAll(dir); err != nil {
			return errs.Worktree("remove worktree directory "+dir, err)
		}
	}
	return nil
}

// SweepOrphans force-removes any directory under <RepoRoot>/.worktrees
// whose name isn't one of the supplied live card ID prefixes. Used by the
// startup reconciler (spec §5: "the startup reconciler detects these by
// scanning .worktrees/ for directories not referenced by any in_progress
// card and force-removes them").
func (m *Manager) SweepOrphans(ctx context.Context, liveCardIDs []string) error {
	live := make(map[string]bool, len(liveCardIDs))
	for _, id := range liveCardIDs {
		live[cardPrefix(id)] = true
	}
	root := filepath.Join(m.RepoRoot, ".worktrees")
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.Worktree("scan .worktrees", err)
	}
	var firstErr error
	for _, e := range entries {
		if !e.IsDir() || live[e.Name()] {
			continue
		}
		dir := filepath.Join(root, e.Name())
		slog.Warn("worktree: sweeping orphan directory", "dir", dir)
		if err := m.Release(ctx, dir); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Manager) git(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...) //nolint:gosec // args are constructed from internal state, not user input.
	cmd.Dir = m.RepoRoot
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, stderr.String())
	}
	return nil
}

func cardPrefix(cardID string) string {
	if len(cardID) <= cardPrefixLen {
		return cardID
	}
	return cardID[:cardPrefixLen]
}

// BranchName computes the deterministic branch name for (agent, title,
// cardID), per spec §3: "branchName is deterministic from (agent,
// slug(title), cardId[0:8]) and is prefixed agent/<agent>/".
func BranchName(agent model.Harness, title, cardID string) string {
	return fmt.Sprintf("agent/%s/%s-%s", agent, slugify(title), cardPrefix(cardID))
}

// slugify lowercases title, replaces runs of non-alphanumerics with a
// single hyphen, trims leading/trailing hyphens, and caps the result at
// maxSlugLen characters without leaving a trailing hyphen.
func slugify(title string) string {
	lower := strings.ToLower(title)
	slug := nonAlnumRun.ReplaceAllString(lower, "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > maxSlugLen {
		slug = slug[:maxSlugLen]
		slug = strings.TrimRight(slug, "-")
	}
	if slug == "" {
		slug = "task"
	}
	return slug
}
