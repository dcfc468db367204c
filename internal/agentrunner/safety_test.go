package agentrunner

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func TestCheckSafety(t *testing.T) {
	t.Run("LargeBinary", func(t *testing.T) {
		ctx := t.Context()
		clone := initTestRepo(t, "main")

		runGit(t, clone, "checkout", "-b", "agent-0")
		data := make([]byte, 600*1024) // 600 KB > 500 KB threshold
		for i := range data {
			data[i] = byte(i % 256)
		}
		if err := os.WriteFile(filepath.Join(clone, "big.bin"), data, 0o600); err != nil {
			t.Fatal(err)
		}
		runGit(t, clone, "add", "big.bin")
		runGit(t, clone, "commit", "-m", "add binary")

		ds := DiffStat{{Path: "big.bin", Binary: true}}
		issues, err := CheckSafety(ctx, clone, "agent-0", "main", ds)
		if err != nil {
			t.Fatal(err)
		}
		if len(issues) != 1 {
			t.Fatalf("got %d issues, want 1", len(issues))
		}
		if issues[0].Kind != "large_binary" || issues[0].File != "big.bin" {
			t.Errorf("got %+v, want large_binary on big.bin", issues[0])
		}
	})

	t.Run("SmallBinaryOK", func(t *testing.T) {
		ctx := t.Context()
		clone := initTestRepo(t, "main")

		runGit(t, clone, "checkout", "-b", "agent-0")
		if err := os.WriteFile(filepath.Join(clone, "small.bin"), make([]byte, 100), 0o600); err != nil {
			t.Fatal(err)
		}
		runGit(t, clone, "add", "small.bin")
		runGit(t, clone, "commit", "-m", "add small binary")

		ds := DiffStat{{Path: "small.bin", Binary: true}}
		issues, err := CheckSafety(ctx, clone, "agent-0", "main", ds)
		if err != nil {
			t.Fatal(err)
		}
		if len(issues) != 0 {
			t.Errorf("got %d issues, want 0", len(issues))
		}
	})

	t.Run("SecretDetection", func(t *testing.T) {
		ctx := t.Context()
		clone := initTestRepo(t, "main")

		runGit(t, clone, "checkout", "-b", "agent-0")
		content := "package main\n" + `const awsKey = "AK` + `IAIOSFODNN7EXAMPLE"` + "\n"
		if err := os.WriteFile(filepath.Join(clone, "config.go"), []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}
		runGit(t, clone, "add", "config.go")
		runGit(t, clone, "commit", "-m", "add config")

		issues, err := CheckSafety(ctx, clone, "agent-0", "main", nil)
		if err != nil {
			t.Fatal(err)
		}
		if len(issues) != 1 || issues[0].Kind != "secret" {
			t.Fatalf("got %+v, want one secret issue", issues)
		}
		if !strings.Contains(issues[0].Detail, "AWS") {
			t.Errorf("detail = %q, want to contain AWS", issues[0].Detail)
		}
	})

	t.Run("NoIssues", func(t *testing.T) {
		ctx := t.Context()
		clone := initTestRepo(t, "main")

		runGit(t, clone, "checkout", "-b", "agent-0")
		if err := os.WriteFile(filepath.Join(clone, "clean.go"), []byte("package clean\n"), 0o600); err != nil {
			t.Fatal(err)
		}
		runGit(t, clone, "add", "clean.go")
		runGit(t, clone, "commit", "-m", "add clean")

		ds := DiffStat{{Path: "clean.go", Added: 1}}
		issues, err := CheckSafety(ctx, clone, "agent-0", "main", ds)
		if err != nil {
			t.Fatal(err)
		}
		if len(issues) != 0 {
			t.Errorf("got %d issues, want 0: %+v", len(issues), issues)
		}
	})
}

func TestHumanSize(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1024, "1 KB"},
		{500 * 1024, "500 KB"},
		{1024 * 1024, "1.0 MB"},
		{1536 * 1024, "1.5 MB"},
	}
	for _, tt := range tests {
		if got := humanSize(tt.in); got != tt.want {
			t.Errorf("humanSize(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestScanDiffForSecretsDeduplication(t *testing.T) {
	ctx := t.Context()
	clone := initTestRepo(t, "main")

	runGit(t, clone, "checkout", "-b", "agent-0")
	content := "key1 = \"AK" + "IAIOSFODNN7EXAMPLE\"\nkey2 = \"AK" + "IAIOSFODNN7EXAMPLE\"\n"
	if err := os.WriteFile(filepath.Join(clone, "keys.go"), []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	runGit(t, clone, "add", "keys.go")
	runGit(t, clone, "commit", "-m", "add keys")

	issues, err := scanDiffForSecrets(ctx, clone, "agent-0", "main")
	if err != nil {
		t.Fatal(err)
	}
	if len(issues) != 1 {
		t.Errorf("got %d issues, want 1 (deduplication)", len(issues))
	}
}

// initTestRepo creates a bare "origin" and a working clone with an initial
// commit on baseBranch, pushed upstream so "origin/<baseBranch>" resolves.
func initTestRepo(t *testing.T, baseBranch string) string {
	t.Helper()
	dir := t.TempDir()
	bare := filepath.Join(dir, "remote.git")
	clone := filepath.Join(dir, "clone")

	runGit(t, "", "init", "--bare", bare)
	runGit(t, "", "init", clone)
	runGit(t, clone, "config", "user.name", "Test")
	runGit(t, clone, "config", "user.email", "test@test.com")
	runGit(t, clone, "checkout", "-b", baseBranch)

	if err := os.WriteFile(filepath.Join(clone, "README.md"), []byte("hello\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	runGit(t, clone, "add", ".")
	runGit(t, clone, "commit", "-m", "init")
	runGit(t, clone, "remote", "add", "origin", bare)
	runGit(t, clone, "push", "-u", "origin", baseBranch)
	return clone
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...) //nolint:gosec // test helper with controlled args
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s: %v\n%s", strings.Join(args, " "), err, out)
	}
}
