// Package provider implements chat clients for the closed set of supported
// LLM backends. The router selects a variant through New; callers only see
// the Invoker interface.
package provider

import (
	"context"
	"fmt"
)

// Message is a chat message sent to a provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Config describes one concrete provider/model invocation target. It is
// constructed per call and never persisted.
type Config struct {
	Provider    string  `json:"provider"` // "openai", "anthropic", "groq", "ollama"
	Model       string  `json:"model"`
	APIKey      string  `json:"api_key,omitempty"`
	Endpoint    string  `json:"endpoint,omitempty"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

// Invoker sends a message list to a model and returns the assistant's text.
type Invoker interface {
	Invoke(ctx context.Context, messages []Message) (string, error)
}

// New builds the client for cfg.Provider. Unknown providers are an error;
// there is no ad hoc construction outside this switch.
func New(cfg Config) (Invoker, error) {
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.75
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 1024
	}
	switch cfg.Provider {
	case "openai":
		return newOpenAIClient(cfg, "https://api.openai.com/v1"), nil
	case "groq":
		return newOpenAIClient(cfg, "https://api.groq.com/openai/v1"), nil
	case "ollama":
		c := cfg
		if c.Endpoint == "" {
			c.Endpoint = "http://localhost:11434/v1"
		}
		if c.APIKey == "" {
			c.APIKey = "ollama"
		}
		return newOpenAIClient(c, c.Endpoint), nil
	case "anthropic":
		return newAnthropicClient(cfg), nil
	default:
		return nil, fmt.Errorf("unknown provider: %q", cfg.Provider)
	}
}
