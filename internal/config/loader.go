package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads a YAML config file, expands ${ENV_VAR} references, overlays it
// on the defaults, and validates the result. An empty path yields the
// defaults (env overrides still apply).
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnv overlays the few settings that are commonly injected through the
// environment instead of the file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("DOTBOT_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("DOTBOT_DB_PATH"); v != "" {
		cfg.Auth.DBPath = v
	}
	if v := os.Getenv("DOTBOT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		if p, ok := cfg.LLM.Providers["anthropic"]; ok && p.APIKey == "" {
			p.APIKey = v
			cfg.LLM.Providers["anthropic"] = p
		}
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		if p, ok := cfg.LLM.Providers["openai"]; ok && p.APIKey == "" {
			p.APIKey = v
			cfg.LLM.Providers["openai"] = p
		}
	}
}
