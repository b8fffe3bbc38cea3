package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dotbot.yaml")
	body := `
server:
  port: 9000
loop:
  max_iterations: 12
llm:
  providers:
    anthropic:
      type: anthropic
      api_key: test-key
  tiers:
    nano:
      provider: anthropic
      model: claude-haiku
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Loop.MaxIterations != 12 {
		t.Errorf("max iterations = %d, want 12", cfg.Loop.MaxIterations)
	}
	// Untouched fields keep their defaults.
	if cfg.Workspace.CleanupAfter != 24*time.Hour {
		t.Errorf("cleanup_after = %v, want 24h", cfg.Workspace.CleanupAfter)
	}
	if cfg.LLM.Tiers["nano"].Model != "claude-haiku" {
		t.Errorf("nano tier = %+v", cfg.LLM.Tiers["nano"])
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("TEST_DOTBOT_KEY", "sk-expanded")
	dir := t.TempDir()
	path := filepath.Join(dir, "dotbot.yaml")
	body := `
llm:
  providers:
    openai:
      type: openai
      api_key: ${TEST_DOTBOT_KEY}
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.LLM.Providers["openai"].APIKey; got != "sk-expanded" {
		t.Errorf("api key = %q, want sk-expanded", got)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = -1 }},
		{"ladder order", func(c *Config) { c.Loop.EscalateWorkhorseAt = 20; c.Loop.EscalateArchitectAt = 5 }},
		{"unknown tier provider", func(c *Config) {
			c.LLM.Tiers = map[string]TierConfig{"nano": {Provider: "missing", Model: "m"}}
		}},
		{"unknown provider type", func(c *Config) {
			c.LLM.Providers = map[string]ProviderConfig{"x": {Type: "grpc"}}
		}},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
		{"zero iterations", func(c *Config) { c.Loop.MaxIterations = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("DOTBOT_LOG_LEVEL", "debug")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %q, want debug", cfg.Logging.Level)
	}
}
