package gateway

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config holds the gateway configuration.
type Config struct {
	// Identity
	Name string `json:"name"` // "joi"

	// Client protocol listener
	ListenAddr string `json:"listen_addr"` // e.g., ":8787"

	// Postgres for conversations and messages
	PostgresURL string `json:"postgres_url"` // can use env var reference: "$JOI_PG_URL"

	// Local interaction history (sqlite)
	HistoryDir string `json:"history_dir,omitempty"`

	// Chat channels
	Channels []ChannelEntry `json:"channels"`

	// Agent responder
	Agent AgentConfig `json:"agent"`

	// Semantic recall over stored messages
	Memory MemoryConfig `json:"memory"`
}

// ChannelEntry configures one channel adapter instance.
type ChannelEntry struct {
	Type      string            `json:"type"`                 // "whatsapp", "matrix"
	ChannelID string            `json:"channel_id"`           // account identity on that network
	AuthDir   string            `json:"auth_dir,omitempty"`   // persistent credentials
	BridgeURL string            `json:"bridge_url,omitempty"` // unix:///run/wa.sock or tcp://host:port
	Options   map[string]string `json:"options,omitempty"`    // adapter-specific settings
}

// AgentConfig holds the LLM responder settings.
type AgentConfig struct {
	APIKey      string  `json:"api_key"` // can use env var reference: "$ANTHROPIC_API_KEY"
	Model       string  `json:"model,omitempty"`
	MaxOutput   int     `json:"max_output,omitempty"`  // max output tokens per request
	Temperature float64 `json:"temperature,omitempty"` // sampling temperature (0.0-1.0)
	System      string  `json:"system,omitempty"`      // system prompt
}

// MemoryConfig holds semantic recall settings.
type MemoryConfig struct {
	Enabled     bool   `json:"enabled"`
	EmbedderURL string `json:"embedder_url,omitempty"` // http://tei-embeddings:80
}

// LoadConfig reads config from a file path or environment.
// If path is empty, uses defaults suitable for container deployment.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return defaultConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	// Resolve env var references in all $-prefixed values
	cfg.PostgresURL = resolveEnv(cfg.PostgresURL)
	cfg.Agent.APIKey = resolveEnv(cfg.Agent.APIKey)
	cfg.Memory.EmbedderURL = resolveEnv(cfg.Memory.EmbedderURL)
	for i := range cfg.Channels {
		cfg.Channels[i].BridgeURL = resolveEnv(cfg.Channels[i].BridgeURL)
		for k, v := range cfg.Channels[i].Options {
			cfg.Channels[i].Options[k] = resolveEnv(v)
		}
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8787"
	}

	return &cfg, nil
}

// resolveEnv replaces $ENV_VAR references with actual values.
func resolveEnv(s string) string {
	if len(s) > 1 && s[0] == '$' {
		if v := os.Getenv(s[1:]); v != "" {
			return v
		}
	}
	return s
}

// defaultConfig returns a config using environment variables,
// suitable for the existing Docker Compose setup.
func defaultConfig() *Config {
	return &Config{
		Name:        "joi",
		ListenAddr:  envOr("JOI_LISTEN_ADDR", ":8787"),
		PostgresURL: envOr("JOI_PG_URL", ""),
		HistoryDir:  envOr("JOI_HISTORY_DIR", "/data"),
		Agent: AgentConfig{
			APIKey:      os.Getenv("ANTHROPIC_API_KEY"),
			Model:       envOr("JOI_AGENT_MODEL", "claude-sonnet-4-5"),
			MaxOutput:   8192,
			Temperature: 0.7,
		},
		Memory: MemoryConfig{
			Enabled:     envOr("JOI_EMBEDDER_URL", "") != "",
			EmbedderURL: envOr("JOI_EMBEDDER_URL", ""),
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
