package config

import (
	"encoding/json"
	"fmt"
	"sync"
)

// DefaultAgentID is the agent used when no per-agent override or binding
// selects another.
const DefaultAgentID = "default"

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the Turnplane Gateway.
type Config struct {
	Agents    AgentsConfig    `json:"agents"`
	Identity  IdentitySection `json:"identity,omitempty"`
	Channels  ChannelsConfig  `json:"channels"`
	Providers ProvidersConfig `json:"providers"`
	Gateway   GatewayConfig   `json:"gateway"`
	Sessions  SessionsConfig  `json:"sessions"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Cron      CronConfig      `json:"cron,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Bindings  []AgentBinding  `json:"bindings,omitempty"`

	ExecutionLimits ExecutionLimitsConfig `json:"executionLimits,omitempty"`
	Pairing         PairingConfig         `json:"pairing,omitempty"`

	mu sync.RWMutex
}

// ExecutionLimitsConfig bounds a single turn: iteration count, wall clock,
// and the loop detector.
type ExecutionLimitsConfig struct {
	MaxIterations  int                 `json:"maxIterations,omitempty"`
	MaxExecutionMs int                 `json:"maxExecutionTimeMs,omitempty"`
	LoopDetection  LoopDetectionConfig `json:"loopDetection,omitempty"`
}

// LoopDetectionConfig tunes the per-turn repetition/cycle detector.
type LoopDetectionConfig struct {
	Enabled         *bool  `json:"enabled,omitempty"` // default true
	WindowSize      int    `json:"windowSize,omitempty"`
	RepeatThreshold int    `json:"repeatThreshold,omitempty"`
	MaxCycleLength  int    `json:"maxCycleLength,omitempty"`
	OnDetected      string `json:"onDetected,omitempty"` // "ignore", "stop", "error"
}

// IsEnabled reports whether loop detection is on (default true).
func (l LoopDetectionConfig) IsEnabled() bool {
	return l.Enabled == nil || *l.Enabled
}

// PairingConfig tunes the credential/allowlist handshake new senders go
// through before being routed to an agent.
type PairingConfig struct {
	Enabled         bool     `json:"enabled,omitempty"`
	CodeLength      int      `json:"codeLength,omitempty"`      // default 6
	ExpiryMs        int      `json:"expiryMs,omitempty"`        // default 10 minutes
	MaxAttempts     int      `json:"maxAttempts,omitempty"`     // default 5
	MaxPendingCodes int      `json:"maxPendingCodes,omitempty"` // default 1000
	Channels        []string `json:"channels,omitempty"`        // empty = all channels
}

// DatabaseConfig configures Postgres for managed mode.
// PostgresDSN is NEVER read from config.json (secret), only from env TURNPLANE_POSTGRES_DSN.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`              // from env TURNPLANE_POSTGRES_DSN only
	Mode        string `json:"mode,omitempty"` // "standalone" (default) or "managed"
}

// IsManagedMode returns true if the gateway is running in managed (multi-tenant) mode.
func (c *Config) IsManagedMode() bool {
	return c.Database.Mode == "managed" && c.Database.PostgresDSN != ""
}

// AgentBinding maps a channel/peer pattern to a specific agent. Bindings are
// compiled in declaration order; the first match wins.
type AgentBinding struct {
	AgentID string       `json:"agentId"`
	Match   BindingMatch `json:"match"`
}

// BindingMatch specifies what messages this binding applies to.
type BindingMatch struct {
	Channel   string       `json:"channel"`             // "telegram", "discord", "slack", etc.
	AccountID string       `json:"accountId,omitempty"` // bot account ID
	Peer      *BindingPeer `json:"peer,omitempty"`      // specific DM/group
	GuildID   string       `json:"guildId,omitempty"`   // Discord guild
}

// BindingPeer specifies a specific chat target.
type BindingPeer struct {
	Kind string `json:"kind"` // "direct" or "group"
	ID   string `json:"id"`
}

// AgentsConfig contains agent defaults and per-agent overrides.
type AgentsConfig struct {
	Defaults AgentDefaults        `json:"defaults"`
	List     map[string]AgentSpec `json:"list,omitempty"`
}

// ModelRefConfig names a provider/model pair, the shape the model router's
// default model and fallback chain are declared in.
type ModelRefConfig struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// AgentDefaults are default settings for all agents.
type AgentDefaults struct {
	Workspace           string           `json:"workspace"`
	RestrictToWorkspace bool             `json:"restrict_to_workspace"`
	Provider            string           `json:"provider"`
	Model               string           `json:"model"`
	FallbackChain       []ModelRefConfig `json:"fallbackChain,omitempty"` // ordered alternatives after the default model
	MaxTokens           int              `json:"max_tokens"`
	Temperature         float64          `json:"temperature"`
	MaxToolIterations   int              `json:"max_tool_iterations"`
	ContextWindow       int              `json:"context_window"`
}

// TelemetryConfig configures OpenTelemetry export for traces and spans.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`      // enable OTLP export (default false)
	Endpoint    string            `json:"endpoint,omitempty"`     // OTLP endpoint (e.g. "localhost:4317")
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // skip TLS verification (default false)
	ServiceName string            `json:"service_name,omitempty"` // OTEL service name (default "turnplane-gateway")
	Headers     map[string]string `json:"headers,omitempty"`      // extra headers (e.g. auth tokens)
}

// CronConfig configures the cron job system.
type CronConfig struct {
	MaxRetries     int    `json:"max_retries,omitempty"`      // max retry attempts on failure (default 3, 0 = no retry)
	RetryBaseDelay string `json:"retry_base_delay,omitempty"` // initial backoff delay (default "2s", Go duration)
	RetryMaxDelay  string `json:"retry_max_delay,omitempty"`  // maximum backoff delay (default "30s", Go duration)

	Jobs []CronJob `json:"jobs,omitempty"`
}

// CronJob fires a scheduled turn against an agent session on a cron
// schedule. Expr is a standard 5-field cron expression.
type CronJob struct {
	Name      string `json:"name"`
	Expr      string `json:"expr"`
	SessionID string `json:"session_id"`
	AgentID   string `json:"agent_id,omitempty"`
	Prompt    string `json:"prompt"`
	Enabled   bool   `json:"enabled,omitempty"`
}

// AgentSpec is the per-agent configuration override.
// All fields optional; zero values mean "inherit from defaults".
type AgentSpec struct {
	DisplayName       string           `json:"displayName,omitempty"`
	Provider          string           `json:"provider,omitempty"`
	Model             string           `json:"model,omitempty"`
	FallbackChain     []ModelRefConfig `json:"fallbackChain,omitempty"`
	MaxTokens         int              `json:"max_tokens,omitempty"`
	Temperature       float64          `json:"temperature,omitempty"`
	MaxToolIterations int              `json:"max_tool_iterations,omitempty"`
	ContextWindow     int              `json:"context_window,omitempty"`
	Workspace         string           `json:"workspace,omitempty"`
	Default           bool             `json:"default,omitempty"`
	Scope             string           `json:"scope,omitempty"` // per-agent conversation scope override
	Identity          *IdentityConfig  `json:"identity,omitempty"`
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Agents = src.Agents
	c.Identity = src.Identity
	c.Channels = src.Channels
	c.Providers = src.Providers
	c.Gateway = src.Gateway
	c.Sessions = src.Sessions
	c.Database = src.Database
	c.Cron = src.Cron
	c.Telemetry = src.Telemetry
	c.Bindings = src.Bindings
	c.ExecutionLimits = src.ExecutionLimits
	c.Pairing = src.Pairing
}

// IdentitySection declares the agent persona: a default identity plus
// per-channel-type overrides.
type IdentitySection struct {
	Default  IdentityConfig            `json:"default,omitempty"`
	Channels map[string]IdentityConfig `json:"channels,omitempty"`
}

// IdentityConfig defines agent persona / display identity.
type IdentityConfig struct {
	Name               string `json:"name,omitempty"`
	Avatar             string `json:"avatar,omitempty"`
	Bio                string `json:"bio,omitempty"`
	SystemPromptPrefix string `json:"systemPromptPrefix,omitempty"`
}

// IdentityFor resolves the identity for a channel type, overlaying the
// channel's overrides onto the default identity field by field.
func (c *Config) IdentityFor(channelType string) IdentityConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id := c.Identity.Default
	if over, ok := c.Identity.Channels[channelType]; ok {
		if over.Name != "" {
			id.Name = over.Name
		}
		if over.Avatar != "" {
			id.Avatar = over.Avatar
		}
		if over.Bio != "" {
			id.Bio = over.Bio
		}
		if over.SystemPromptPrefix != "" {
			id.SystemPromptPrefix = over.SystemPromptPrefix
		}
	}
	return id
}
