package config

import (
	"encoding/json"
	"fmt"
	"sync"
)

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

// Config is the root configuration for the QuantumClaw runtime.
// Immutable after load except through SetPath, which copies-on-write
// and persists atomically.
type Config struct {
	Agent     AgentConfig               `json:"agent"`
	Models    ModelsConfig              `json:"models"`
	Memory    MemoryConfig              `json:"memory"`
	Channels  map[string]*ChannelConfig `json:"channels,omitempty"`
	Tools     ToolsConfig               `json:"tools"`
	Dashboard DashboardConfig           `json:"dashboard"`
	Heartbeat HeartbeatConfig           `json:"heartbeat"`
	Cache     CacheConfig               `json:"cache"`
	Identity  IdentityConfig            `json:"identity,omitempty"`
	Telemetry TelemetryConfig           `json:"telemetry,omitempty"`
	mu        sync.RWMutex
}

// AgentConfig holds owner-facing agent settings.
type AgentConfig struct {
	Owner    string `json:"owner,omitempty"`    // name used in the system prompt
	Timezone string `json:"timezone,omitempty"` // IANA timezone
	Hatched  bool   `json:"hatched"`            // has the agent named itself yet
}

// ModelRef identifies a (provider, model) pair.
type ModelRef struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// ModelsConfig selects primary/fast models and routing behaviour.
type ModelsConfig struct {
	Primary ModelRef      `json:"primary"`
	Fast    ModelRef      `json:"fast"`
	Routing RoutingConfig `json:"routing"`
}

// RoutingConfig toggles the tier router. When disabled everything goes to primary.
type RoutingConfig struct {
	Enabled bool `json:"enabled"`
}

// MemoryConfig configures the graph layer and embeddings.
type MemoryConfig struct {
	Cognee    CogneeConfig    `json:"cognee"`
	Embedding EmbeddingConfig `json:"embedding"`
}

// CogneeConfig points at the remote knowledge-graph service.
type CogneeConfig struct {
	URL      string `json:"url,omitempty"`
	Enabled  bool   `json:"enabled"`
	Username string `json:"username,omitempty"`
	Password string `json:"-"` // env QCLAW_COGNEE_PASSWORD only, never persisted
}

// EmbeddingConfig is pushed to the graph service on first connect.
type EmbeddingConfig struct {
	Provider   string `json:"provider,omitempty"`
	Model      string `json:"model,omitempty"`
	Dimensions int    `json:"dimensions,omitempty"`
	Endpoint   string `json:"endpoint,omitempty"`
}

// DMPolicy controls how DMs from unknown senders are handled.
type DMPolicy string

const (
	DMPolicyPairing   DMPolicy = "pairing"
	DMPolicyAllowlist DMPolicy = "allowlist"
	DMPolicyOpen      DMPolicy = "open"
	DMPolicyDisabled  DMPolicy = "disabled"
)

// ChannelConfig is the per-channel ingress policy.
type ChannelConfig struct {
	Enabled         bool                `json:"enabled"`
	DMPolicy        DMPolicy            `json:"dmPolicy,omitempty"`
	AllowedUsers    FlexibleStringSlice `json:"allowedUsers,omitempty"`
	AllowedChannels FlexibleStringSlice `json:"allowedChannels,omitempty"`
	MentionPatterns []string            `json:"mentionPatterns,omitempty"`
	Agent           string              `json:"agent,omitempty"` // target agent (empty = primary)
}

// ToolsConfig configures the tool registry.
type ToolsConfig struct {
	MCP             map[string]*MCPServerConfig `json:"mcp,omitempty"`
	RequireApproval FlexibleStringSlice         `json:"requireApproval,omitempty"` // tool kinds needing owner sign-off
	ShellAllowList  FlexibleStringSlice         `json:"shellAllowList,omitempty"`  // destructive commands permitted
}

// MCPServerConfig describes one remote tool server (stdio subprocess or SSE).
type MCPServerConfig struct {
	Enabled bool     `json:"enabled"`
	Command string   `json:"command,omitempty"` // stdio transport
	URL     string   `json:"url,omitempty"`     // SSE transport
	Args    []string `json:"args,omitempty"`
}

// TunnelKind selects the tunnel helper process.
type TunnelKind string

const (
	TunnelNone       TunnelKind = "none"
	TunnelAuto       TunnelKind = "auto"
	TunnelCloudflare TunnelKind = "cloudflare"
	TunnelLT         TunnelKind = "lt"
	TunnelNgrok      TunnelKind = "ngrok"
)

// DashboardConfig configures the HTTP+WS control plane.
type DashboardConfig struct {
	Enabled        bool       `json:"enabled"`
	Port           int        `json:"port,omitempty"`
	Host           string     `json:"host,omitempty"`
	AuthToken      string     `json:"authToken,omitempty"`
	TokenCreatedAt string     `json:"tokenCreatedAt,omitempty"`
	TokenExpiry    string     `json:"tokenExpiry,omitempty"` // duration string, empty = no expiry
	PIN            string     `json:"pin,omitempty"`
	Tunnel         TunnelKind `json:"tunnel,omitempty"`
	TunnelToken    string     `json:"tunnelToken,omitempty"`
	TunnelURL      string     `json:"tunnelUrl,omitempty"`
}

// ScheduledTask is one heartbeat schedule entry.
type ScheduledTask struct {
	Name     string `json:"name"`
	Prompt   string `json:"prompt"`
	Schedule string `json:"schedule"` // every-minute | every-5-minutes | every-hour | every-day
	Notify   bool   `json:"notify"`
}

// AutoLearnConfig bounds the proactive question loop.
type AutoLearnConfig struct {
	Enabled         bool   `json:"enabled"`
	QuietHoursStart string `json:"quietHoursStart,omitempty"` // "HH:MM"
	QuietHoursEnd   string `json:"quietHoursEnd,omitempty"`
	DailyQuota      int    `json:"dailyQuota,omitempty"`    // max questions per day (default 3)
	IntervalMinutes int    `json:"intervalMinutes,omitempty"` // min gap between prompts (default 120)
}

// HeartbeatConfig configures the three heartbeat firing modes.
type HeartbeatConfig struct {
	Scheduled     []ScheduledTask `json:"scheduled,omitempty"`
	AutoLearn     AutoLearnConfig `json:"autoLearn"`
	WeeklySummary bool            `json:"weeklySummary"`
	DailyCostCap  float64         `json:"dailyCostCap,omitempty"` // 0 = no cap
}

// CacheConfig configures the completion cache.
type CacheConfig struct {
	Enabled    bool `json:"enabled"`
	TTLMinutes int  `json:"ttlMinutes,omitempty"` // default 60
}

// IdentityConfig configures the credential manager's optional remote hub.
type IdentityConfig struct {
	HubURL string `json:"hubUrl,omitempty"`
}

// TelemetryConfig configures OTLP span export. When disabled, tracing is a no-op.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`
	Protocol    string            `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// Channel returns the config block for a named channel, nil if absent.
func (c *Config) Channel(name string) *ChannelConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Channels[name]
}

// ChannelNames returns the names of all configured channels.
func (c *Config) ChannelNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.Channels))
	for name := range c.Channels {
		names = append(names, name)
	}
	return names
}

// AppendAllowedUser appends a user to a channel's allowlist if not present.
// Returns true when the list changed. Idempotent against duplicate approvals.
func (c *Config) AppendAllowedUser(channel, userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.Channels[channel]
	if !ok {
		ch = &ChannelConfig{Enabled: true}
		if c.Channels == nil {
			c.Channels = make(map[string]*ChannelConfig)
		}
		c.Channels[channel] = ch
	}
	for _, u := range ch.AllowedUsers {
		if u == userID {
			return false
		}
	}
	ch.AllowedUsers = append(ch.AllowedUsers, userID)
	return true
}

// SetHatched flips agent.hatched. Returns false when already set.
func (c *Config) SetHatched() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Agent.Hatched {
		return false
	}
	c.Agent.Hatched = true
	return true
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Agent = src.Agent
	c.Models = src.Models
	c.Memory = src.Memory
	c.Channels = src.Channels
	c.Tools = src.Tools
	c.Dashboard = src.Dashboard
	c.Heartbeat = src.Heartbeat
	c.Cache = src.Cache
	c.Identity = src.Identity
	c.Telemetry = src.Telemetry
}
