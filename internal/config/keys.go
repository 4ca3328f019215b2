package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "AGENTD_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "log.level", typ: kString, env: "AGENTD_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "storage.data_dir", typ: kString, env: "AGENTD_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "providers.openai_api_key", typ: kString, env: "AGENTD_OPENAI_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Providers.OpenAIAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Providers.OpenAIAPIKey },
	},
	{
		key: "providers.anthropic_api_key", typ: kString, env: "AGENTD_ANTHROPIC_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Providers.AnthropicAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Providers.AnthropicAPIKey },
	},
	{
		key: "providers.groq_api_key", typ: kString, env: "AGENTD_GROQ_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Providers.GroqAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Providers.GroqAPIKey },
	},
	{
		key: "providers.gemini_api_key", typ: kString, env: "AGENTD_GEMINI_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Providers.GeminiAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Providers.GeminiAPIKey },
	},
	{
		key: "providers.tavily_api_key", typ: kString, env: "AGENTD_TAVILY_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Providers.TavilyAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Providers.TavilyAPIKey },
	},
	{
		key: "providers.ollama_base_url", typ: kString, env: "AGENTD_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Providers.OllamaBaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Providers.OllamaBaseURL },
	},
	{
		key: "diffusion.endpoint", typ: kString, env: "AGENTD_DIFFUSION_ENDPOINT",
		apply:   func(cfg *Config, v any) { cfg.Diffusion.Endpoint = v.(string) },
		extract: func(cfg Config) any { return cfg.Diffusion.Endpoint },
	},
	{
		key: "diffusion.api_key", typ: kString, env: "AGENTD_DIFFUSION_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Diffusion.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Diffusion.APIKey },
	},
	{
		key: "diffusion.unit_cost", typ: kFloat, env: "AGENTD_DIFFUSION_UNIT_COST",
		apply:   func(cfg *Config, v any) { cfg.Diffusion.UnitCost = v.(float64) },
		extract: func(cfg Config) any { return cfg.Diffusion.UnitCost },
	},
	{
		key: "budget.default_daily_limit", typ: kInt, env: "AGENTD_BUDGET_DEFAULT_DAILY_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Budget.DefaultDailyLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Budget.DefaultDailyLimit },
	},
	{
		key: "budget.daily_cost_cap", typ: kFloat, env: "AGENTD_BUDGET_DAILY_COST_CAP",
		apply:   func(cfg *Config, v any) { cfg.Budget.DailyCostCap = v.(float64) },
		extract: func(cfg Config) any { return cfg.Budget.DailyCostCap },
	},
	{
		key: "routing.research_role", typ: kString, env: "AGENTD_ROUTING_RESEARCH_ROLE",
		apply:   func(cfg *Config, v any) { cfg.Routing.ResearchRole = v.(string) },
		extract: func(cfg Config) any { return cfg.Routing.ResearchRole },
	},
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
