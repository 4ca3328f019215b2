package budget

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/geovera/agentd/internal/provider"
	"github.com/geovera/agentd/internal/search"
)

// Ensemble outcome labels.
const (
	LabelEnsemble         = "ensemble"
	LabelSecondarySkipped = "secondary-skipped"
)

const refineInstruction = "You are refining another model's draft reply. " +
	"Review and polish the draft below: keep the speaker's voice and intent, " +
	"improve clarity and flow, and return only the final text with no commentary."

// InvokerFactory builds a provider client from a config. Tests substitute it
// with a stub.
type InvokerFactory func(cfg provider.Config) (provider.Invoker, error)

// Reply is one completed routed generation.
type Reply struct {
	Text         string
	Label        string
	Model        string
	UsedFallback bool
}

// Caller drives a full routed LLM call: resolve, optional search enrichment
// for the research role, primary invocation, and optional ensemble
// refinement by the role's secondary provider.
type Caller struct {
	router     *Router
	governor   *Governor
	newInvoker InvokerFactory
	tools      []search.Tool // tried in priority order, cheapest first
}

func NewCaller(router *Router, governor *Governor, tools []search.Tool) *Caller {
	return &Caller{
		router:     router,
		governor:   governor,
		newInvoker: provider.New,
		tools:      tools,
	}
}

// NewCallerWithFactory creates a Caller with a custom invoker factory (for testing).
func NewCallerWithFactory(router *Router, governor *Governor, tools []search.Tool, factory InvokerFactory) *Caller {
	c := NewCaller(router, governor, tools)
	c.newInvoker = factory
	return c
}

// Generate resolves role and produces one reply. system is the system
// context; history holds the user/assistant turns in order. A turn-level
// backend failure is returned to the caller — a missing reply would break
// the transcript invariant.
func (c *Caller) Generate(ctx context.Context, role string, override *provider.Config, system string, history []provider.Message) (Reply, error) {
	res := c.router.Resolve(role, override)

	if override == nil && role == c.router.ResearchRole() {
		if enrichment := c.enrich(ctx, lastUserContent(history)); enrichment != "" {
			system += "\n\n## Retrieved Context\n" + enrichment
		}
	}

	inv, err := c.newInvoker(res.Spec.Config)
	if err != nil {
		return Reply{}, fmt.Errorf("building provider client: %w", err)
	}

	messages := make([]provider.Message, 0, len(history)+1)
	messages = append(messages, provider.Message{Role: "system", Content: system})
	messages = append(messages, history...)

	draft, err := inv.Invoke(ctx, messages)
	if err != nil {
		return Reply{}, fmt.Errorf("invoking %s/%s: %w", res.Spec.Config.Provider, res.Spec.Config.Model, err)
	}

	reply := Reply{
		Text:         draft,
		Label:        res.Label,
		Model:        res.Spec.Config.Model,
		UsedFallback: res.UsedFallback,
	}

	// Ensemble refinement. Resolve already withholds the secondary when a
	// fallback was substituted or an explicit override was supplied.
	if res.Secondary == nil {
		return reply, nil
	}
	if !c.governor.Consume(res.Secondary.Capability) {
		reply.Label = LabelSecondarySkipped
		return reply, nil
	}

	refined, err := c.refine(ctx, *res.Secondary, system, lastUserContent(history), draft)
	if err != nil {
		slog.Warn("ensemble refinement failed, keeping draft", "model", res.Secondary.Config.Model, "error", err)
		reply.Label = LabelSecondarySkipped
		return reply, nil
	}

	reply.Text = refined
	reply.Label = LabelEnsemble
	reply.Model = res.Secondary.Config.Model
	return reply, nil
}

func (c *Caller) refine(ctx context.Context, spec ProviderSpec, system, question, draft string) (string, error) {
	inv, err := c.newInvoker(spec.Config)
	if err != nil {
		return "", err
	}

	messages := []provider.Message{
		{Role: "system", Content: refineInstruction + "\n\n## Original System Context\n" + system},
		{Role: "user", Content: fmt.Sprintf("Question:\n%s\n\nDraft reply:\n%s", question, draft)},
	}
	return inv.Invoke(ctx, messages)
}

// enrich runs the search tools in priority order. Each tool call is budget
// gated independently; missing credentials and exhausted budgets skip the
// tool silently.
func (c *Caller) enrich(ctx context.Context, query string) string {
	if query == "" {
		return ""
	}

	var parts []string
	for _, tool := range c.tools {
		if !tool.Available() {
			continue
		}
		if !c.governor.Consume(tool.Name()) {
			continue
		}
		result, err := tool.Search(ctx, query)
		if err != nil {
			slog.Warn("search tool failed", "tool", tool.Name(), "error", err)
			continue
		}
		if result != "" {
			parts = append(parts, result)
		}
	}
	return strings.Join(parts, "\n\n")
}

func lastUserContent(history []provider.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == "user" {
			return history[i].Content
		}
	}
	return ""
}
