package agentrunner

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// pushAndCreatePR pushes branch from worktreeDir to origin and opens a pull
// request for it, the last half of spec §4.2's completion condition
// ("running → completed on exit code 0 AND a successful push of the branch
// and successful PR creation"). Grounded on worktree.go's git-shelling idiom
// (exec.CommandContext, Dir set to the working tree, stderr captured and
// folded into the error) and on the gh-CLI invocation pattern shared across
// the retrieval pack (ytnobody-MADFLOW's internal/github package,
// johnfelixespinosa-agent-tui's model.go `exec.Command("gh", "pr", ...)`).
func pushAndCreatePR(ctx context.Context, worktreeDir, branch, title, body string) error {
	if err := shell(ctx, worktreeDir, "git", "push", "--set-upstream", "origin", branch); err != nil {
		return fmt.Errorf("push branch %s: %w", branch, err)
	}
	if err := shell(ctx, worktreeDir, "gh", "pr", "create", "--head", branch, "--title", title, "--body", body); err != nil {
		return fmt.Errorf("create pull request for %s: %w", branch, err)
	}
	return nil
}

func shell(ctx context.Context, dir, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec // name/args are built from internal scheduling state (branch, title), not raw user input.
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, stderr.String())
	}
	return nil
}
