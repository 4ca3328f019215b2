package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg, err := loadFrom(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("missing file must yield defaults: %v", err)
	}
	if cfg.Server.Port != 4000 || cfg.Log.Level != "info" {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.Budget.DefaultDailyLimit != 50 || cfg.Budget.DailyCostCap != 10.0 {
		t.Errorf("unexpected budget defaults: %+v", cfg.Budget)
	}
	if cfg.Routing.ResearchRole != "researcher" {
		t.Errorf("unexpected research role %q", cfg.Routing.ResearchRole)
	}
	if _, ok := cfg.Routing.Roles["creative"]; !ok {
		t.Error("creative role missing from default routing")
	}
	if cfg.Routing.Roles["creative"].Secondary == nil {
		t.Error("creative role should carry an ensemble secondary by default")
	}
	if _, ok := cfg.Routing.Fallbacks["anthropic_sonnet"]; !ok {
		t.Error("anthropic fallback missing from defaults")
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: 9999
log:
  level: debug
budget:
  default_daily_limit: 12
routing:
  research_role: scout
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := loadFrom(path)
	if err != nil {
		t.Fatalf("loadFrom: %v", err)
	}
	if cfg.Server.Port != 9999 || cfg.Log.Level != "debug" {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.Budget.DefaultDailyLimit != 12 {
		t.Errorf("budget not applied: %+v", cfg.Budget)
	}
	if cfg.Routing.ResearchRole != "scout" {
		t.Errorf("routing not applied: %q", cfg.Routing.ResearchRole)
	}
	// Untouched sections keep their defaults.
	if cfg.Diffusion.Endpoint != "http://localhost:8188" {
		t.Errorf("default lost: %q", cfg.Diffusion.Endpoint)
	}
}

func TestLoadFromBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server: [not a map"), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	if _, err := loadFrom(path); err == nil {
		t.Error("expected parse error for malformed YAML")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AGENTD_SERVER_PORT", "5001")
	t.Setenv("AGENTD_OPENAI_API_KEY", "sk-test")
	t.Setenv("AGENTD_BUDGET_DAILY_COST_CAP", "3.5")

	cfg, err := loadFrom(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("loadFrom: %v", err)
	}
	if cfg.Server.Port != 5001 {
		t.Errorf("int override not applied: %d", cfg.Server.Port)
	}
	if cfg.Providers.OpenAIAPIKey != "sk-test" {
		t.Errorf("string override not applied: %q", cfg.Providers.OpenAIAPIKey)
	}
	if cfg.Budget.DailyCostCap != 3.5 {
		t.Errorf("float override not applied: %v", cfg.Budget.DailyCostCap)
	}
}

func TestEnvOverrideBadNumberKeepsDefault(t *testing.T) {
	t.Setenv("AGENTD_SERVER_PORT", "not-a-number")

	cfg, err := loadFrom(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("loadFrom: %v", err)
	}
	if cfg.Server.Port != 4000 {
		t.Errorf("unparseable override should keep the default, got %d", cfg.Server.Port)
	}
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 7000\n"), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	t.Setenv("AGENTD_SERVER_PORT", "8000")

	cfg, err := loadFrom(path)
	if err != nil {
		t.Fatalf("loadFrom: %v", err)
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("env should win over file, got %d", cfg.Server.Port)
	}
}

func TestShowAllHidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Providers.OpenAIAPIKey = "sk-super-secret"

	for _, info := range ShowAll(cfg) {
		if info.Key == "providers.openai_api_key" {
			t.Errorf("secret key listed by ShowAll: %+v", info)
		}
		if info.Value == "sk-super-secret" {
			t.Errorf("secret value leaked: %+v", info)
		}
	}
}

func TestSetKeyRefusesSecrets(t *testing.T) {
	if err := SetKey("providers.openai_api_key", "sk-x"); err == nil {
		t.Error("secrets must not be writable through config set")
	}
}

func TestSetKeyRoundTrip(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	if err := SetKey("server.port", "6001"); err != nil {
		t.Fatalf("SetKey: %v", err)
	}
	if err := SetKey("log.level", "debug"); err != nil {
		t.Fatalf("SetKey second key: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 6001 || cfg.Log.Level != "debug" {
		t.Errorf("set values not loaded back: %+v", cfg)
	}
}

func TestSetKeyBadValue(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	if err := SetKey("server.port", "many"); err == nil {
		t.Error("non-integer port must be rejected")
	}
}

func TestSetKeyUnknown(t *testing.T) {
	if err := SetKey("no.such.key", "1"); err == nil {
		t.Error("unknown keys must be rejected")
	}
}
