package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the DotBot server.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	LLM       LLMConfig       `yaml:"llm"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Loop      LoopConfig      `yaml:"loop"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	MetricsPort int    `yaml:"metrics_port"`

	// WriteBuffer is the per-session outbound frame queue length. A full
	// queue fails the send rather than blocking the caller.
	WriteBuffer int `yaml:"write_buffer"`

	ReadLimit    int64         `yaml:"read_limit"`
	PingInterval time.Duration `yaml:"ping_interval"`
	PongTimeout  time.Duration `yaml:"pong_timeout"`
}

type AuthConfig struct {
	// DBPath is the sqlite file holding devices, invite tokens, and the
	// audit log.
	DBPath string `yaml:"db_path"`

	// InviteTokenTTL bounds how long an unused invite token stays valid.
	InviteTokenTTL time.Duration `yaml:"invite_token_ttl"`

	// JWTSecret signs browser session tokens.
	JWTSecret   string        `yaml:"jwt_secret"`
	SessionTTL  time.Duration `yaml:"session_ttl"`
	MaxFailures int           `yaml:"max_failures"`
	FailWindow  time.Duration `yaml:"fail_window"`
}

type LLMConfig struct {
	Providers map[string]ProviderConfig `yaml:"providers"`

	// Tiers maps tier names (nano, workhorse, architect) to a provider and
	// model. The loop escalates along this ladder.
	Tiers map[string]TierConfig `yaml:"tiers"`

	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float32 `yaml:"temperature"`
}

type ProviderConfig struct {
	// Type selects the SDK: "anthropic", "openai", or "openai_compatible".
	Type       string        `yaml:"type"`
	APIKey     string        `yaml:"api_key"`
	BaseURL    string        `yaml:"base_url"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

type TierConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

type BridgeConfig struct {
	// RequestTimeout is the default deadline for correlated service
	// requests (memory, skill, persona, council, knowledge, tools).
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// ExecutionGrace is added on top of each tool command's own timeout
	// before the bridge gives up on the response.
	ExecutionGrace time.Duration `yaml:"execution_grace"`
}

type LoopConfig struct {
	MaxIterations int `yaml:"max_iterations"`

	// EscalateWorkhorseAt and EscalateArchitectAt are the iteration numbers
	// at which the default escalation ladder swaps tiers.
	EscalateWorkhorseAt int `yaml:"escalate_workhorse_at"`
	EscalateArchitectAt int `yaml:"escalate_architect_at"`

	// StuckWindow is how many recent tool calls the stuck detector keeps.
	StuckWindow int `yaml:"stuck_window"`

	// MaxWarnings is how many stuck warnings are tolerated before the loop
	// force-escalates.
	MaxWarnings int `yaml:"max_warnings"`

	// WaitForUserTimeout bounds agent__wait_for_user suspensions.
	WaitForUserTimeout time.Duration `yaml:"wait_for_user_timeout"`
}

type PipelineConfig struct {
	// ShortPathMaxWords is the heuristic cutoff for classifying a message
	// as small talk when the classifier tier is unavailable.
	ShortPathMaxWords int `yaml:"short_path_max_words"`

	// ReceptionistIterations bounds the intake tool loop.
	ReceptionistIterations int `yaml:"receptionist_iterations"`

	// FinalAnswerMinChars: a last step output at least this long becomes
	// the final response on its own; shorter outputs are joined.
	FinalAnswerMinChars int `yaml:"final_answer_min_chars"`
}

type WorkspaceConfig struct {
	// CleanupAfter is how long a completed workspace is kept.
	CleanupAfter time.Duration `yaml:"cleanup_after"`

	// CleanupScanInterval is how often the completed-map is scanned.
	CleanupScanInterval time.Duration `yaml:"cleanup_scan_interval"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration with every field at its documented
// default. Load starts from this and overlays the file.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8787,
			MetricsPort:  9090,
			WriteBuffer:  64,
			ReadLimit:    4 << 20,
			PingInterval: 30 * time.Second,
			PongTimeout:  75 * time.Second,
		},
		Auth: AuthConfig{
			DBPath:         "dotbot.db",
			InviteTokenTTL: 24 * time.Hour,
			SessionTTL:     12 * time.Hour,
			MaxFailures:    3,
			FailWindow:     15 * time.Minute,
		},
		LLM: LLMConfig{
			MaxTokens:   4096,
			Temperature: 0.7,
		},
		Bridge: BridgeConfig{
			RequestTimeout: 30 * time.Second,
			ExecutionGrace: 5 * time.Second,
		},
		Loop: LoopConfig{
			MaxIterations:       24,
			EscalateWorkhorseAt: 6,
			EscalateArchitectAt: 10,
			StuckWindow:         8,
			MaxWarnings:         3,
			WaitForUserTimeout:  10 * time.Minute,
		},
		Pipeline: PipelineConfig{
			ShortPathMaxWords:      12,
			ReceptionistIterations: 6,
			FinalAnswerMinChars:    500,
		},
		Workspace: WorkspaceConfig{
			CleanupAfter:        24 * time.Hour,
			CleanupScanInterval: 10 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks cross-field requirements and fills derived defaults.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.WriteBuffer <= 0 {
		c.Server.WriteBuffer = 64
	}
	if c.Auth.MaxFailures <= 0 {
		c.Auth.MaxFailures = 3
	}
	if c.Auth.FailWindow <= 0 {
		c.Auth.FailWindow = 15 * time.Minute
	}
	if c.Loop.MaxIterations <= 0 {
		return fmt.Errorf("loop.max_iterations must be positive")
	}
	if c.Loop.EscalateWorkhorseAt > c.Loop.EscalateArchitectAt {
		return fmt.Errorf("loop escalation ladder out of order: workhorse at %d after architect at %d",
			c.Loop.EscalateWorkhorseAt, c.Loop.EscalateArchitectAt)
	}
	if c.Workspace.CleanupAfter <= 0 {
		return fmt.Errorf("workspace.cleanup_after must be positive")
	}
	for name, tier := range c.LLM.Tiers {
		if _, ok := c.LLM.Providers[tier.Provider]; !ok {
			return fmt.Errorf("llm.tiers.%s references unknown provider %q", name, tier.Provider)
		}
		if tier.Model == "" {
			return fmt.Errorf("llm.tiers.%s has no model", name)
		}
	}
	for name, p := range c.LLM.Providers {
		switch p.Type {
		case "anthropic", "openai", "openai_compatible":
		default:
			return fmt.Errorf("llm.providers.%s has unknown type %q", name, p.Type)
		}
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q invalid", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q invalid", c.Logging.Format)
	}
	return nil
}
