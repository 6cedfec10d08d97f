package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				Workspace:           "~/.turnplane/workspace",
				RestrictToWorkspace: true,
				Provider:            "anthropic",
				Model:               "claude-sonnet-4-5-20250929",
				MaxTokens:           8192,
				Temperature:         0.7,
				MaxToolIterations:   20,
				ContextWindow:       200000,
			},
		},
		Gateway: GatewayConfig{
			Host:             "0.0.0.0",
			Port:             18790,
			MaxMessageChars:  32000,
			RateLimitRPM:     20,
			SessionTimeoutMs: 5 * 60 * 1000,
			SuspendTimeoutMs: 30 * 60 * 1000,
			PingIntervalMs:   15 * 1000,
			DeadThresholdMs:  60 * 1000,
			LaneCapacities: map[string]int{
				"steer":    1,
				"collect":  20,
				"followup": 20,
			},
		},
		ExecutionLimits: ExecutionLimitsConfig{
			MaxIterations:  20,
			MaxExecutionMs: 10 * 60 * 1000,
			LoopDetection: LoopDetectionConfig{
				WindowSize:      5,
				RepeatThreshold: 3,
				MaxCycleLength:  3,
				OnDetected:      "stop",
			},
		},
		Pairing: PairingConfig{
			Enabled:         true,
			CodeLength:      6,
			ExpiryMs:        10 * 60 * 1000,
			MaxAttempts:     5,
			MaxPendingCodes: 1000,
		},
		Sessions: SessionsConfig{
			Storage: "~/.turnplane/sessions",
		},
	}
}

// Load reads config from a JSON file, then overlays env vars.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("TURNPLANE_ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("TURNPLANE_ANTHROPIC_BASE_URL", &c.Providers.Anthropic.APIBase)
	envStr("TURNPLANE_OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("TURNPLANE_OPENROUTER_API_KEY", &c.Providers.OpenRouter.APIKey)
	envStr("TURNPLANE_GROQ_API_KEY", &c.Providers.Groq.APIKey)
	envStr("TURNPLANE_DEEPSEEK_API_KEY", &c.Providers.DeepSeek.APIKey)
	envStr("TURNPLANE_GEMINI_API_KEY", &c.Providers.Gemini.APIKey)
	envStr("TURNPLANE_MISTRAL_API_KEY", &c.Providers.Mistral.APIKey)
	envStr("TURNPLANE_XAI_API_KEY", &c.Providers.XAI.APIKey)
	envStr("TURNPLANE_MINIMAX_API_KEY", &c.Providers.MiniMax.APIKey)
	envStr("TURNPLANE_COHERE_API_KEY", &c.Providers.Cohere.APIKey)
	envStr("TURNPLANE_PERPLEXITY_API_KEY", &c.Providers.Perplexity.APIKey)
	envStr("TURNPLANE_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("TURNPLANE_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("TURNPLANE_DISCORD_TOKEN", &c.Channels.Discord.Token)
	envStr("TURNPLANE_ZALO_TOKEN", &c.Channels.Zalo.Token)
	envStr("TURNPLANE_FEISHU_APP_ID", &c.Channels.Feishu.AppID)
	envStr("TURNPLANE_FEISHU_APP_SECRET", &c.Channels.Feishu.AppSecret)
	envStr("TURNPLANE_FEISHU_ENCRYPT_KEY", &c.Channels.Feishu.EncryptKey)
	envStr("TURNPLANE_FEISHU_VERIFICATION_TOKEN", &c.Channels.Feishu.VerificationToken)

	// Auto-enable channels if credentials are provided via env
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
	if c.Channels.Discord.Token != "" {
		c.Channels.Discord.Enabled = true
	}
	if c.Channels.Zalo.Token != "" {
		c.Channels.Zalo.Enabled = true
	}
	if c.Channels.Feishu.AppID != "" && c.Channels.Feishu.AppSecret != "" {
		c.Channels.Feishu.Enabled = true
	}

	// Allow overriding default provider/model
	envStr("TURNPLANE_PROVIDER", &c.Agents.Defaults.Provider)
	envStr("TURNPLANE_MODEL", &c.Agents.Defaults.Model)

	// Workspace & sessions
	envStr("TURNPLANE_WORKSPACE", &c.Agents.Defaults.Workspace)
	envStr("TURNPLANE_SESSIONS_STORAGE", &c.Sessions.Storage)

	// Gateway host/port
	envStr("TURNPLANE_HOST", &c.Gateway.Host)
	if v := os.Getenv("TURNPLANE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	// Database
	envStr("TURNPLANE_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("TURNPLANE_MODE", &c.Database.Mode)

	// Telemetry
	envStr("TURNPLANE_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("TURNPLANE_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("TURNPLANE_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("TURNPLANE_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("TURNPLANE_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	// Owner IDs from env (comma-separated)
	if v := os.Getenv("TURNPLANE_OWNER_IDS"); v != "" {
		c.Gateway.OwnerIDs = strings.Split(v, ",")
	}
}

// Save writes the config to a JSON file.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Hash returns a SHA-256 hash of the config for optimistic concurrency.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// WorkspacePath returns the expanded workspace path.
func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Agents.Defaults.Workspace)
}

// ResolveAgent returns the effective config for a given agent ID,
// merging defaults with per-agent overrides.
func (c *Config) ResolveAgent(agentID string) AgentDefaults {
	c.mu.RLock()
	defer c.mu.RUnlock()

	d := c.Agents.Defaults
	if spec, ok := c.Agents.List[agentID]; ok {
		if spec.Provider != "" {
			d.Provider = spec.Provider
		}
		if spec.Model != "" {
			d.Model = spec.Model
		}
		if len(spec.FallbackChain) > 0 {
			d.FallbackChain = spec.FallbackChain
		}
		if spec.MaxTokens > 0 {
			d.MaxTokens = spec.MaxTokens
		}
		if spec.Temperature > 0 {
			d.Temperature = spec.Temperature
		}
		if spec.MaxToolIterations > 0 {
			d.MaxToolIterations = spec.MaxToolIterations
		}
		if spec.ContextWindow > 0 {
			d.ContextWindow = spec.ContextWindow
		}
		if spec.Workspace != "" {
			d.Workspace = spec.Workspace
		}
	}

	return d
}

// ResolveDefaultAgentID returns the ID of the agent marked as default,
// or "default" if none is explicitly marked.
func (c *Config) ResolveDefaultAgentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for id, spec := range c.Agents.List {
		if spec.Default {
			return id
		}
	}
	return DefaultAgentID
}

// ResolveDisplayName returns the display name for an agent.
// Falls back to "Turnplane" if not configured.
func (c *Config) ResolveDisplayName(agentID string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if spec, ok := c.Agents.List[agentID]; ok && spec.DisplayName != "" {
		return spec.DisplayName
	}
	return "Turnplane"
}

// ApplyEnvOverrides re-applies environment variable overrides onto the config.
// Call this after modifying config to restore runtime secrets from env vars.
func (c *Config) ApplyEnvOverrides() {
	c.applyEnvOverrides()
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
