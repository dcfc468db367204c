package agentrunner

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
)

// maxBinarySize is the per-file ceiling above which a binary addition is
// flagged rather than silently accepted.
const maxBinarySize = 500 * 1024

// SafetyIssue is one finding from CheckSafety: a large binary or a
// suspected hardcoded secret touched by a card's diff.
type SafetyIssue struct {
	File   string
	Kind   string
	Detail string
}

type secretPattern struct {
	re   *regexp.Regexp
	desc string
}

// secretPatterns are split across string concatenation so a pattern never
// matches its own source line. Grounded on the teacher's
// internal/task/safety.go secretPatterns.
var secretPatterns = []secretPattern{
	{regexp.MustCompile(`AK` + `IA[0-9A-Z]{16}`), "AWS access key"},
	{regexp.MustCompile(`-{5}BEGIN\s+(RSA|DSA|EC|OPENSSH|PGP)\s+PRIV` + `ATE\s+KEY-{5}`), "private key"},
	{regexp.MustCompile(`gh` + `p_[A-Za-z0-9_]{36}`), "GitHub personal access token"},
	{regexp.MustCompile(`gh` + `o_[A-Za-z0-9_]{36}`), "GitHub OAuth token"},
	{regexp.MustCompile(`github_` + `pat_[A-Za-z0-9_]{22,}`), "GitHub fine-grained PAT"},
	{regexp.MustCompile(`sk-` + `[A-Za-z0-9]{20,}`), "API secret key"},
	{regexp.MustCompile(`(?i)(pass` + `word|sec` + `ret|to` + `ken|api[_-]?key)\s*[:=]\s*['"][^'"]{8,}`), "hardcoded credential"},
}

// CheckSafety scans branch's diff against baseBranch for oversized binary
// additions and likely secret material, using ds to avoid re-walking files
// already known not to be binary. Grounded on the teacher's
// internal/task/safety.go CheckSafety.
func CheckSafety(ctx context.Context, dir, branch, baseBranch string, ds DiffStat) ([]SafetyIssue, error) {
	var issues []SafetyIssue
	for _, f := range ds {
		if !f.Binary {
			continue
		}
		size, err := gitCatFileSize(ctx, dir, branch, f.Path)
		if err != nil {
			slog.Warn("agentrunner: cat-file size failed during safety scan", "path", f.Path, "err", err)
			continue
		}
		if size > maxBinarySize {
			issues = append(issues, SafetyIssue{
				File:   f.Path,
				Kind:   "large_binary",
				Detail: fmt.Sprintf("binary file is %s (limit %s)", humanSize(size), humanSize(maxBinarySize)),
			})
		}
	}

	secretIssues, err := scanDiffForSecrets(ctx, dir, branch, baseBranch)
	if err != nil {
		return issues, err
	}
	return append(issues, secretIssues...), nil
}

func gitCatFileSize(ctx context.Context, dir, branch, path string) (int64, error) {
	cmd := exec.CommandContext(ctx, "git", "cat-file", "-s", branch+":"+path) //nolint:gosec // branch/path come from internal git state, not user input.
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64)
}

func scanDiffForSecrets(ctx context.Context, dir, branch, baseBranch string) ([]SafetyIssue, error) {
	cmd := exec.CommandContext(ctx, "git", "diff", "origin/"+baseBranch+"..."+branch) //nolint:gosec // branch names come from internal git state, not user input.
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("git diff for secret scan: %w: %s", err, stderr.String())
	}

	var issues []SafetyIssue
	seen := make(map[string]bool)
	var currentFile string

	scanner := bufio.NewScanner(&stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if after, ok := strings.CutPrefix(line, "+++ b/"); ok {
			currentFile = after
			continue
		}
		if !strings.HasPrefix(line, "+") || strings.HasPrefix(line, "+++") {
			continue
		}
		added := line[1:]
		for _, sp := range secretPatterns {
			if !sp.re.MatchString(added) {
				continue
			}
			key := currentFile + ":" + sp.desc
			if seen[key] {
				continue
			}
			seen[key] = true
			slog.Warn("agentrunner: secret pattern matched during safety scan", "file", currentFile, "pattern", sp.desc)
			issues = append(issues, SafetyIssue{
				File:   currentFile,
				Kind:   "secret",
				Detail: fmt.Sprintf("possible %s detected", sp.desc),
			})
		}
	}
	return issues, nil
}

func humanSize(b int64) string {
	switch {
	case b >= 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(b)/(1024*1024))
	case b >= 1024:
		return fmt.Sprintf("%.0f KB", float64(b)/1024)
	default:
		return fmt.Sprintf("%d B", b)
	}
}
