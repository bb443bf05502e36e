// Package config loads runtime configuration: defaults -> TOML file ->
// environment variables (env wins).
package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

type Config struct {
	LLM       LLMConfig       `toml:"llm"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Engine    EngineConfig    `toml:"engine"`
	Transport TransportConfig `toml:"transport"`
	Room      RoomConfig      `toml:"room"`
	Agents    []AgentConfig   `toml:"agents"`
	Workspace WorkspaceConfig `toml:"workspace"`
	Observer  ObserverConfig  `toml:"observer"`
}

type LLMConfig struct {
	BaseURL string `toml:"base_url"`
	Model   string `toml:"model"`
	APIKey  string `toml:"api_key"`
	ForceV1 bool   `toml:"force_v1"`
}

type SchedulerConfig struct {
	TickMs        int `toml:"tick_ms"`
	TurnTimeoutMs int `toml:"turn_timeout_ms"`
	IdleBackoffMs int `toml:"idle_backoff_ms"`
	ProactiveMs   int `toml:"proactive_ms"`
	PokeAfterMs   int `toml:"poke_after_ms"`
}

type EngineConfig struct {
	MaxHops             int `toml:"max_hops"`
	MaxToolCallsPerTurn int `toml:"max_tool_calls_per_turn"`
	MaxContextMessages  int `toml:"max_context_messages"`
	LockMaxHoldMs       int `toml:"lock_max_hold_ms"`
	MaxContentChars     int `toml:"max_content_chars"`
}

type TransportConfig struct {
	CooldownMs   int `toml:"cooldown_ms"`
	IdleStreamMs int `toml:"idle_stream_ms"`
	HardStopMs   int `toml:"hard_stop_ms"`
}

type RoomConfig struct {
	FreshWindowMs int `toml:"fresh_window_ms"`
}

type AgentConfig struct {
	Name         string `toml:"name"`
	Model        string `toml:"model"`
	SystemPrompt string `toml:"system_prompt"`
}

type WorkspaceConfig struct {
	Path           string `toml:"path"`
	ShellTimeoutMs int    `toml:"shell_timeout_ms"`
}

type ObserverConfig struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	return Config{
		LLM: LLMConfig{BaseURL: "http://localhost:11434", Model: "qwen3:8b"},
		Scheduler: SchedulerConfig{
			TickMs:        400,
			TurnTimeoutMs: 8000,
			IdleBackoffMs: 1000,
			ProactiveMs:   3000,
			PokeAfterMs:   30000,
		},
		Engine: EngineConfig{
			MaxHops:             8,
			MaxToolCallsPerTurn: 6,
			MaxContextMessages:  40,
			LockMaxHoldMs:       120000,
			MaxContentChars:     8000,
		},
		Transport: TransportConfig{
			CooldownMs:   150,
			IdleStreamMs: 150000,
			HardStopMs:   300000,
		},
		Room:      RoomConfig{FreshWindowMs: 2000},
		Workspace: WorkspaceConfig{Path: filepath.Join(home, "chorus-workspace"), ShellTimeoutMs: 3600000},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "chorus.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("CHORUS_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("CHORUS_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("CHORUS_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("CHORUS_WORKSPACE"); v != "" {
		cfg.Workspace.Path = v
	}
	if v := os.Getenv("CHORUS_FORCE_V1"); v == "true" || v == "1" {
		cfg.LLM.ForceV1 = true
	}
	if v := os.Getenv("CHORUS_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}
	if v := os.Getenv("CHORUS_OBSERVER_ENDPOINT"); v != "" {
		cfg.Observer.Endpoint = v
	}
	if n := envInt("CHORUS_TICK_MS"); n > 0 {
		cfg.Scheduler.TickMs = n
	}
	if n := envInt("CHORUS_TURN_TIMEOUT_MS"); n > 0 {
		cfg.Scheduler.TurnTimeoutMs = n
	}
	if n := envInt("CHORUS_MAX_HOPS"); n > 0 {
		cfg.Engine.MaxHops = n
	}

	return cfg
}

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}
