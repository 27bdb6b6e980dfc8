// Package config loads server configuration from a TOML file and the environment.
package config

import (
	"fmt"
	"os"
	"strconv"

	"forge/internal/llm"

	"github.com/BurntSushi/toml"
)

// Provider names accepted in [llm].provider.
const (
	ProviderGemini  = "gemini"
	ProviderOffline = "offline"
)

type Config struct {
	Server   ServerSection   `toml:"server"`
	Sessions SessionsSection `toml:"sessions"`
	LLM      LLMSection      `toml:"llm"`
	Log      LogSection      `toml:"log"`
}

type ServerSection struct {
	Port      int    `toml:"port"`
	StaticDir string `toml:"static_dir"`
}

type SessionsSection struct {
	Max int `toml:"max"`
}

type LLMSection struct {
	Provider    string `toml:"provider"`
	Model       string `toml:"model"`
	APIKey      string `toml:"api_key"`
	MaxTokens   int    `toml:"max_tokens"`
	MaxSegments int    `toml:"max_segments"`
}

type LogSection struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerSection{
			Port:      8420,
			StaticDir: "./frontend/dist",
		},
		Sessions: SessionsSection{Max: 10},
		LLM: LLMSection{
			Provider:    ProviderGemini,
			Model:       "gemini-2.5-flash",
			MaxTokens:   llm.DefaultMaxTokens,
			MaxSegments: llm.DefaultMaxSegments,
		},
		Log: LogSection{Level: "info"},
	}
}

// Load reads path, applies environment overrides and validates the result.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("failed to decode config file: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat config file: %w", err)
		}
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (cfg *Config) applyEnv(getenv func(string) string) error {
	if v := getenv("PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		cfg.Server.Port = n
	}
	if v := getenv("STATIC_DIR"); v != "" {
		cfg.Server.StaticDir = v
	}
	if v := getenv("MAX_SESSIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MAX_SESSIONS: %w", err)
		}
		cfg.Sessions.Max = n
	}
	if v := getenv("FORGE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := getenv("GEMINI_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := getenv("FORGE_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	return nil
}

// Validate fills zero values with defaults and rejects impossible settings.
func (cfg *Config) Validate() error {
	def := Default()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = def.Server.Port
	}
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", cfg.Server.Port)
	}
	if cfg.Server.StaticDir == "" {
		cfg.Server.StaticDir = def.Server.StaticDir
	}

	if cfg.Sessions.Max <= 0 {
		cfg.Sessions.Max = def.Sessions.Max
	}

	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = def.LLM.Provider
	}
	switch cfg.LLM.Provider {
	case ProviderGemini, ProviderOffline:
	default:
		return fmt.Errorf("unknown llm provider %q", cfg.LLM.Provider)
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = def.LLM.Model
	}
	if cfg.LLM.MaxTokens <= 0 {
		cfg.LLM.MaxTokens = def.LLM.MaxTokens
	}
	if cfg.LLM.MaxSegments <= 0 {
		cfg.LLM.MaxSegments = def.LLM.MaxSegments
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}
	return nil
}
