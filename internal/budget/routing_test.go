package budget

import (
	"testing"

	"github.com/geovera/agentd/internal/provider"
	"github.com/geovera/agentd/internal/storage"
)

func testRouting() Routing {
	secondary := ProviderSpec{
		Capability: "openai_gpt4o",
		Config:     provider.Config{Provider: "openai", Model: "gpt-4o"},
	}
	return Routing{
		Roles: map[string]Route{
			"creative": {
				Primary: ProviderSpec{
					Capability: "anthropic_sonnet",
					Config:     provider.Config{Provider: "anthropic", Model: "claude-sonnet-4-20250514"},
				},
				Secondary: &secondary,
			},
		},
		Fallbacks: map[string]ProviderSpec{
			"anthropic_sonnet": {
				Capability: "groq_llama",
				Config:     provider.Config{Provider: "groq", Model: "llama-3.1-8b-instant"},
			},
		},
		Default: Route{
			Primary: ProviderSpec{
				Capability: "openai_gpt4o_mini",
				Config:     provider.Config{Provider: "openai", Model: "gpt-4o-mini"},
			},
		},
		ResearchRole: "researcher",
	}
}

// allowingStore grants or denies per capability and counts consumptions.
type allowingStore struct {
	deny     map[string]bool
	consumed []string
}

func (s *allowingStore) ConsumeBudget(capability, _ string, _ float64, _ int) (bool, error) {
	s.consumed = append(s.consumed, capability)
	return !s.deny[capability], nil
}

func (s *allowingStore) ListBudgetRecords(string) ([]storage.BudgetRecord, error) {
	return nil, nil
}

func newTestRouter(deny map[string]bool) (*Router, *allowingStore) {
	store := &allowingStore{deny: deny}
	g := NewGovernorWithClock(store, Limits{DefaultDailyLimit: 50}, testClock())
	return NewRouter(testRouting(), g), store
}

func TestResolveExplicitOverrideBypassesBudget(t *testing.T) {
	router, store := newTestRouter(nil)

	override := &provider.Config{Provider: "ollama", Model: "llama3.2"}
	res := router.Resolve("creative", override)

	if res.Label != LabelExplicit {
		t.Errorf("expected explicit label, got %q", res.Label)
	}
	if res.Spec.Config.Model != "llama3.2" {
		t.Errorf("override config not used: %+v", res.Spec.Config)
	}
	if res.Secondary != nil {
		t.Error("explicit override must not carry a secondary")
	}
	if len(store.consumed) != 0 {
		t.Errorf("override consumed budget: %v", store.consumed)
	}
}

func TestResolvePrimaryWithinQuota(t *testing.T) {
	router, store := newTestRouter(nil)

	res := router.Resolve("creative", nil)
	if res.Label != LabelPrimary {
		t.Errorf("expected primary label, got %q", res.Label)
	}
	if res.Spec.Config.Model != "claude-sonnet-4-20250514" {
		t.Errorf("wrong provider resolved: %+v", res.Spec.Config)
	}
	if res.Secondary == nil || res.Secondary.Config.Model != "gpt-4o" {
		t.Errorf("secondary not carried through: %+v", res.Secondary)
	}
	if len(store.consumed) != 1 || store.consumed[0] != "anthropic_sonnet" {
		t.Errorf("unexpected consumption trail: %v", store.consumed)
	}
}

func TestResolveUnknownRoleUsesDefault(t *testing.T) {
	router, _ := newTestRouter(nil)

	res := router.Resolve("nonexistent", nil)
	if res.Spec.Config.Model != "gpt-4o-mini" {
		t.Errorf("unknown role did not fall through to default: %+v", res.Spec.Config)
	}
}

func TestResolveFallbackOnExhaustion(t *testing.T) {
	router, store := newTestRouter(map[string]bool{"anthropic_sonnet": true})

	res := router.Resolve("creative", nil)
	if res.Label != LabelFallback {
		t.Errorf("expected fallback label, got %q", res.Label)
	}
	if !res.UsedFallback {
		t.Error("UsedFallback not set")
	}
	if res.Spec.Config.Model != "llama-3.1-8b-instant" {
		t.Errorf("wrong fallback provider: %+v", res.Spec.Config)
	}
	if res.Secondary != nil {
		t.Error("fallback resolution must not carry a secondary")
	}
	// The fallback's own consumption is still accounted.
	if len(store.consumed) != 2 || store.consumed[1] != "groq_llama" {
		t.Errorf("fallback consumption not recorded: %v", store.consumed)
	}
}

func TestResolveFallbackExhaustionNotBlocking(t *testing.T) {
	router, _ := newTestRouter(map[string]bool{
		"anthropic_sonnet": true,
		"groq_llama":       true,
	})

	res := router.Resolve("creative", nil)
	if res.Label != LabelFallback {
		t.Errorf("expected fallback even with fallback quota exhausted, got %q", res.Label)
	}
	if res.Spec.Config.Provider != "groq" {
		t.Errorf("wrong provider: %+v", res.Spec.Config)
	}
}

func TestResolveOverQuotaWithoutFallback(t *testing.T) {
	router, _ := newTestRouter(map[string]bool{"openai_gpt4o_mini": true})

	res := router.Resolve("nonexistent", nil)
	if res.Label != LabelOverQuota {
		t.Errorf("expected over-quota label, got %q", res.Label)
	}
	if res.Spec.Config.Model != "gpt-4o-mini" {
		t.Errorf("over-quota should still return the primary: %+v", res.Spec.Config)
	}
	if res.Secondary != nil {
		t.Error("over-quota resolution must withhold the secondary")
	}
}
