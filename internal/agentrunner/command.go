// Package agentrunner implements the AgentRunner (spec §4.2): spawns one
// external CLI agent per card, streams its stdout into a bounded ring
// buffer, and runs the guaranteed post-exit cleanup (saveContext, worktree
// release, registry release, exactly one broadcast) on every terminal
// transition.
//
// Command construction mirrors the teacher's per-harness split
// (backend/internal/agent/codex/codex.go's buildArgs, backend/internal/agent/
// claude) but folds every harness into one file: each is a single
// exec.Command line here, not a JSON-RPC relay, so the teacher's heavier
// Codex handshake machinery has no equivalent need in this contract.
package agentrunner

import (
	"fmt"

	"github.com/maslow-ai/maslow/internal/model"
)

// errOllamaLibraryMediated signals that agent is handled by OllamaClient
// rather than an exec.Command line.
var errOllamaLibraryMediated = fmt.Errorf("ollama is library-mediated, not a shell invocation")

// BuildCommand returns the executable name and argument list for spawning
// agent with prompt, optionally resuming resumeSessionID. It returns
// errOllamaLibraryMediated for model.HarnessOllama, since that harness has
// no shell command (spec §4.2).
func BuildCommand(agent model.Harness, prompt, resumeSessionID string) (name string, args []string, err error) {
	switch agent {
	case model.HarnessClaude:
		args = []string{
			"-p", "--verbose",
			"--output-format", "stream-json",
			"--permission-mode", "bypassPermissions",
			"--max-turns", "50",
		}
		if resumeSessionID != "" {
			args = append(args, "--resume", resumeSessionID)
		}
		args = append(args, prompt)
		return "claude", args, nil

	case model.HarnessCodex:
		return "codex", []string{"--approval-mode", "full-auto", prompt}, nil

	case model.HarnessGemini:
		return "gemini", []string{"-y", prompt}, nil

	case model.HarnessOllama:
		return "", nil, errOllamaLibraryMediated

	default:
		return "", nil, fmt.Errorf("agentrunner: unknown harness %q", agent)
	}
}
