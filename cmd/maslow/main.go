// Command maslow is the Agent Orchestration Engine's process entrypoint: it
// loads configuration, wires the collaborators (in-memory storage, model,
// worktree, registry, runner), starts the Heartbeat, and builds the
// SessionManager. No chat adapter is wired here, so the SessionManager
// receives no messages from this entrypoint.
//
// Grounded on the teacher's cobra-based command surface (go.mod carries
// spf13/cobra as an indirect dependency; the other retrieved repos, e.g.
// ShayCichocki-Alphie's cmd/alphie, promote it to a direct root command with
// a --config flag, the shape followed here) and on server.go's
// context-cancellation-driven shutdown.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/maslow-ai/maslow/internal/agentrunner"
	"github.com/maslow-ai/maslow/internal/broadcast"
	"github.com/maslow-ai/maslow/internal/clock"
	"github.com/maslow-ai/maslow/internal/config"
	"github.com/maslow-ai/maslow/internal/heartbeat"
	"github.com/maslow-ai/maslow/internal/memkanban"
	"github.com/maslow-ai/maslow/internal/registry"
	"github.com/maslow-ai/maslow/internal/session"
	"github.com/maslow-ai/maslow/internal/session/genaimodel"
	"github.com/maslow-ai/maslow/internal/worktree"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "maslow",
		Short: "Autonomous coding assistant orchestration engine",
		RunE:  run,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "maslow.yaml", "path to the process configuration file")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogging() {
	w := os.Stderr
	var handler slog.Handler
	if isatty.IsTerminal(w.Fd()) {
		handler = tint.NewHandler(colorable.NewColorable(w), &tint.Options{Level: slog.LevelInfo})
	} else {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo})
	}
	slog.SetDefault(slog.New(handler))
}

func run(cmd *cobra.Command, _ []string) error {
	setupLogging()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("main: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	clk := clock.Real{}
	store := memkanban.New(clk)
	bus := broadcast.New()
	reg := registry.New(clk)
	wt := &worktree.Manager{RepoRoot: cfg.Workspace.Path}
	runner := agentrunner.New(clk)
	runner.Worktree = wt
	runner.Registry = reg
	runner.Kanban = store
	runner.Broadcast = bus
	runner.CredentialEnvVar = credentialEnvVarFor(cfg)
	if cfg.Ollama.Host != "" {
		runner.Ollama = &agentrunner.OllamaClient{
			Host:       cfg.Ollama.Host,
			Model:      cfg.Ollama.Model,
			MaxRetries: cfg.Ollama.MaxRetries,
		}
	}

	hb := &heartbeat.Heartbeat{
		Clock:           clk,
		Kanban:          store,
		Projects:        store,
		Registry:        reg,
		Worktree:        wt,
		Runner:          runner,
		Broadcast:       bus,
		ConstraintsPath: cfg.ConstraintsPath,
	}
	if err := hb.Start(ctx); err != nil {
		return fmt.Errorf("main: start heartbeat: %w", err)
	}
	defer hb.Stop()

	model, err := genaimodel.New(ctx, cfg.GenAIProvider, cfg.GenAIModel)
	if err != nil {
		return fmt.Errorf("main: start conversational model: %w", err)
	}

	mgr := &session.Manager{
		ChatSessions: store,
		Kanban:       store,
		Projects:     store,
		Model:        model,
		Broadcast:    bus,
		Heartbeat:    hb,
		Clock:        clk,
	}
	_ = mgr // wired in full once a concrete ChatAdapter (Telegram or similar, spec §1 Non-goal) is supplied by the operator.

	slog.Info("maslow: running", "workspace", cfg.Workspace.Path)
	<-ctx.Done()
	slog.Info("maslow: shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), agentrunner.DefaultGraceMS*2)
	defer shutdownCancel()
	runner.ShutdownAll(shutdownCtx)
	return nil
}

func credentialEnvVarFor(cfg *config.Config) string {
	if cfg.Anthropic.APIKey != "" {
		return "ANTHROPIC_API_KEY"
	}
	return ""
}
