// Package config loads agentd configuration from a YAML file with
// environment-variable overrides.
//
// The file lives at $XDG_CONFIG_HOME/agentd/config.yaml (falling back to
// ~/.config/agentd/config.yaml); a missing file means pure defaults.
// Environment variables (AGENTD_*) override file values. Secrets should be
// provided via environment variables rather than the file.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Storage   StorageConfig   `yaml:"storage"`
	Providers ProvidersConfig `yaml:"providers"`
	Diffusion DiffusionConfig `yaml:"diffusion"`
	Budget    BudgetConfig    `yaml:"budget"`
	Routing   RoutingConfig   `yaml:"routing"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

type ProvidersConfig struct {
	OpenAIAPIKey    string `yaml:"openai_api_key"`
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	GroqAPIKey      string `yaml:"groq_api_key"`
	GeminiAPIKey    string `yaml:"gemini_api_key"`
	TavilyAPIKey    string `yaml:"tavily_api_key"`
	OllamaBaseURL   string `yaml:"ollama_base_url"`
}

type DiffusionConfig struct {
	Endpoint string  `yaml:"endpoint"`
	APIKey   string  `yaml:"api_key"`
	UnitCost float64 `yaml:"unit_cost"`
}

type BudgetConfig struct {
	DefaultDailyLimit int                `yaml:"default_daily_limit"`
	DailyCostCap      float64            `yaml:"daily_cost_cap"`
	PerCapability     map[string]int     `yaml:"per_capability"`
	UnitCosts         map[string]float64 `yaml:"unit_costs"`
}

// RoleConfig names one provider/model binding and the budget capability it
// draws from. Secondary, when set, enables ensemble refinement for the role.
type RoleConfig struct {
	Provider    string      `yaml:"provider"`
	Model       string      `yaml:"model"`
	Capability  string      `yaml:"capability"`
	Temperature float64     `yaml:"temperature"`
	MaxTokens   int         `yaml:"max_tokens"`
	Secondary   *RoleConfig `yaml:"secondary,omitempty"`
}

// RoutingConfig is the role→provider table, constructed once at startup and
// passed in by reference everywhere.
type RoutingConfig struct {
	Roles        map[string]RoleConfig `yaml:"roles"`
	Fallbacks    map[string]RoleConfig `yaml:"fallbacks"` // keyed by primary capability
	Default      RoleConfig            `yaml:"default"`
	ResearchRole string                `yaml:"research_role"`
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4000,
		},
		Log: LogConfig{
			Level: "info",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Providers: ProvidersConfig{
			OllamaBaseURL: "http://localhost:11434",
		},
		Diffusion: DiffusionConfig{
			Endpoint: "http://localhost:8188",
			UnitCost: 0.02,
		},
		Budget: BudgetConfig{
			DefaultDailyLimit: 50,
			DailyCostCap:      10.0,
			UnitCosts: map[string]float64{
				"openai_gpt4o":      0.01,
				"openai_gpt4o_mini": 0.002,
				"anthropic_sonnet":  0.012,
				"groq_llama":        0.0005,
				"ollama_local":      0,
				"duckduckgo_search": 0,
				"tavily_search":     0.001,
				"image_generate":    0.02,
				"vision_qc":         0.001,
			},
		},
		Routing: RoutingConfig{
			Default: RoleConfig{
				Provider: "openai", Model: "gpt-4o-mini",
				Capability: "openai_gpt4o_mini", Temperature: 0.75, MaxTokens: 1024,
			},
			Roles: map[string]RoleConfig{
				"creative": {
					Provider: "anthropic", Model: "claude-sonnet-4-20250514",
					Capability: "anthropic_sonnet", Temperature: 0.9, MaxTokens: 1024,
					Secondary: &RoleConfig{
						Provider: "openai", Model: "gpt-4o",
						Capability: "openai_gpt4o", Temperature: 0.5, MaxTokens: 1024,
					},
				},
				"researcher": {
					Provider: "openai", Model: "gpt-4o",
					Capability: "openai_gpt4o", Temperature: 0.4, MaxTokens: 1024,
				},
				"reflection": {
					Provider: "openai", Model: "gpt-4o",
					Capability: "openai_gpt4o", Temperature: 0.2, MaxTokens: 2048,
				},
			},
			Fallbacks: map[string]RoleConfig{
				"anthropic_sonnet": {
					Provider: "groq", Model: "llama-3.1-8b-instant",
					Capability: "groq_llama", Temperature: 0.9, MaxTokens: 1024,
				},
				"openai_gpt4o": {
					Provider: "openai", Model: "gpt-4o-mini",
					Capability: "openai_gpt4o_mini", Temperature: 0.5, MaxTokens: 1024,
				},
			},
			ResearchRole: "researcher",
		},
	}
}

// Load reads the config file (if present) over defaults, then applies
// AGENTD_* environment overrides.
func Load() (Config, error) {
	return loadFrom(Path())
}

func loadFrom(path string) (Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// Defaults only.
	default:
		return Config{}, fmt.Errorf("reading %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

// Path returns the config file location.
func Path() string {
	return filepath.Join(configDir(), "config.yaml")
}

func configDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "agentd")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "agentd"
	}
	return filepath.Join(home, ".config", "agentd")
}

func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "agentd")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "agentd-data"
	}
	return filepath.Join(home, ".local", "share", "agentd")
}
