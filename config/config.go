// Package config loads the council engine's static configuration: provider
// credentials, the default board (council membership, chairman, substitutes,
// personalities, consensus strategy), and the operational settings for the
// registry, store, event bus, and health manager.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config holds the application configuration.
type Config struct {
	Server    ServerConfig     `json:"server"`
	Providers []ProviderConfig `json:"providers"`
	Board     BoardConfig      `json:"board"`
	Registry  RegistryConfig   `json:"registry"`
	Store     StoreConfig      `json:"store"`
	Events    EventsConfig     `json:"events"`
	Health    HealthConfig     `json:"health"`
	Logging   LoggingConfig    `json:"logging"`
	Tracing   TracingConfig    `json:"tracing"`
}

// ServerConfig holds the listen address for the session-scoped streaming API.
type ServerConfig struct {
	Port int    `json:"port"`
	Host string `json:"host"`
}

// ProviderConfig configures one provider adapter.
type ProviderConfig struct {
	AccessProviderID string   `json:"access_provider_id"` // e.g. "openai", "anthropic", "vllm-local"
	Type             string   `json:"type"`                // "openai", "anthropic", "vllm"
	APIKeyEnv        string   `json:"api_key_env,omitempty"`
	APIKey           string   `json:"api_key,omitempty"`
	BaseURL          string   `json:"base_url,omitempty"`
	Endpoints        []string `json:"endpoints,omitempty"` // additional vLLM endpoints for round-robin
}

// BoardConfig is the default board the council engine starts with, matching
// store.Board's fields (a board is otherwise a first-class persisted
// entity; this is only the bootstrap default).
type BoardConfig struct {
	CouncilMembers     []string          `json:"council_models"`
	Chairman           string            `json:"chairman_model"`
	Substitutes        map[string]string `json:"substitute_models,omitempty"`
	Personalities      map[string]string `json:"model_personalities,omitempty"`
	ConsensusStrategy  string            `json:"consensus_strategy"` // "borda_count" | "chairman_cut"
	ResponseTimeoutS   int               `json:"response_timeout_s"`
}

// RegistryConfig controls Unified Model Registry refresh behavior.
type RegistryConfig struct {
	CatalogURL      string `json:"catalog_url"`
	EndpointsURL    string `json:"endpoints_url"`
	RefreshInterval string `json:"refresh_interval"` // parsed with time.ParseDuration
}

// StoreConfig selects and configures persistence.
type StoreConfig struct {
	Driver string `json:"driver"` // "sqlite" | "memory"
	DSN    string `json:"dsn,omitempty"`
}

// EventsConfig controls the per-session event bus retention ring.
type EventsConfig struct {
	RetentionPerSession int `json:"retention_per_session"`
}

// HealthConfig controls the Health & Fail-List Manager.
type HealthConfig struct {
	ProbeConcurrency int    `json:"probe_concurrency"`
	ProbeInterval    string `json:"probe_interval"` // parsed with time.ParseDuration
}

// LoggingConfig controls the slog setup.
type LoggingConfig struct {
	Level string `json:"level"` // "debug" | "info" | "warn" | "error"
}

// TracingConfig controls OpenTelemetry trace export.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint,omitempty"`
	ServiceName string `json:"service_name,omitempty"`
}

// LoadConfig loads configuration from a JSON file, resolving any
// APIKeyEnv-named provider credentials from the environment.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	for i := range config.Providers {
		if config.Providers[i].APIKeyEnv != "" {
			if envKey := os.Getenv(config.Providers[i].APIKeyEnv); envKey != "" {
				config.Providers[i].APIKey = envKey
			}
		}
	}

	return &config, nil
}

// DefaultConfig returns a default configuration suitable for local
// development against OpenAI and Anthropic.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
			Host: "0.0.0.0",
		},
		Providers: []ProviderConfig{
			{AccessProviderID: "openai", Type: "openai", APIKeyEnv: "OPENAI_API_KEY"},
			{AccessProviderID: "anthropic", Type: "anthropic", APIKeyEnv: "ANTHROPIC_API_KEY"},
		},
		Board: BoardConfig{
			CouncilMembers:    []string{"gpt-4:openai", "claude-opus:anthropic"},
			Chairman:          "claude-opus:anthropic",
			ConsensusStrategy: "borda_count",
			ResponseTimeoutS:  60,
		},
		Registry: RegistryConfig{
			RefreshInterval: "1h",
		},
		Store: StoreConfig{
			Driver: "sqlite",
			DSN:    "council.db",
		},
		Events: EventsConfig{
			RetentionPerSession: 1024,
		},
		Health: HealthConfig{
			ProbeConcurrency: 8,
			ProbeInterval:    "30s",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}
