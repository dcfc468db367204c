// Package config loads the process-level configuration consumed at startup
// (spec §6 closing bullet): telegram credentials, the conversational
// model's API key, workspace/database paths, and optional Ollama settings.
//
// Grounded on jaakkos-stringwork's internal/policy YAML config structs
// (yaml-tagged fields, gopkg.in/yaml.v3) and the teacher's own go.mod
// carrying the same library.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// TelegramConfig holds the chat-bridge credentials.
type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
	UserID   int64  `yaml:"user_id"`
}

// AnthropicConfig holds the conversational model's credential.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// OllamaConfig configures the optional Ollama harness.
type OllamaConfig struct {
	Host       string `yaml:"host"`
	Model      string `yaml:"model"`
	MaxRetries int    `yaml:"max_retries"`
}

// WorkspaceConfig points at the repository root the engine operates on.
type WorkspaceConfig struct {
	Path string `yaml:"path"`
}

// DatabaseConfig points at the persistence backend's location. The engine
// itself never opens this path (storage is an external collaborator,
// spec §1 Non-goal), and cmd/maslow, which wires the in-memory store, does
// not read it either.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// Config is the full process-level configuration document.
type Config struct {
	Telegram  TelegramConfig  `yaml:"telegram"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Database  DatabaseConfig  `yaml:"database"`
	Ollama    OllamaConfig    `yaml:"ollama"`

	// ConstraintsPath is the heartbeat constraints Markdown document
	// (spec §4.5.1). Not part of the spec §6 configuration bullet, but
	// needed to wire Heartbeat.ConstraintsPath at startup.
	ConstraintsPath string `yaml:"constraints_path"`
	// GenAIProvider/GenAIModel select the default ConversationalModel
	// implementation (internal/session/genaimodel).
	GenAIProvider string `yaml:"genai_provider"`
	GenAIModel    string `yaml:"genai_model"`
}

// Load reads and parses the YAML configuration document at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is operator-supplied at startup, not user input.
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &c, nil
}
