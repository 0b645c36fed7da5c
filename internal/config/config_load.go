package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// Dir returns the QuantumClaw config directory, creating it if needed.
// Override with QCLAW_HOME; defaults to ~/.qclaw.
func Dir() string {
	if v := os.Getenv("QCLAW_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".qclaw"
	}
	return filepath.Join(home, ".qclaw")
}

// Path helpers for the persisted state files under the config directory.
func ConfigPath(dir string) string       { return filepath.Join(dir, "config.json") }
func VaultPath(dir string) string        { return filepath.Join(dir, "secrets.enc") }
func AuditDBPath(dir string) string      { return filepath.Join(dir, "audit.db") }
func AuditFallbackPath(dir string) string { return filepath.Join(dir, "audit.jsonl") }
func ValuesPath(dir string) string       { return filepath.Join(dir, "VALUES.md") }
func WorkspacePath(dir string) string    { return filepath.Join(dir, "workspace") }
func AgentsPath(dir string) string       { return filepath.Join(dir, "workspace", "agents") }
func SharedSkillsPath(dir string) string { return filepath.Join(dir, "workspace", "shared", "skills") }
func SkillsMetaPath(dir string) string   { return filepath.Join(dir, "skills-meta.json") }
func DashboardURLPath(dir string) string { return filepath.Join(dir, "dashboard.url") }
func PIDPath(dir string) string          { return filepath.Join(dir, "qclaw.pid") }

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Timezone: "UTC",
		},
		Models: ModelsConfig{
			Primary: ModelRef{Provider: "anthropic", Model: "claude-sonnet-4-5"},
			Fast:    ModelRef{Provider: "anthropic", Model: "claude-haiku-4-5"},
			Routing: RoutingConfig{Enabled: true},
		},
		Dashboard: DashboardConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    18789,
			Tunnel:  TunnelNone,
		},
		Heartbeat: HeartbeatConfig{
			AutoLearn: AutoLearnConfig{
				DailyQuota:      3,
				IntervalMinutes: 120,
			},
			WeeklySummary: true,
		},
		Cache: CacheConfig{
			Enabled:    true,
			TTLMinutes: 60,
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields defaults; first boot writes it back.
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
	envStr("QCLAW_OWNER", &c.Agent.Owner)
	envStr("QCLAW_TIMEZONE", &c.Agent.Timezone)
	envStr("QCLAW_DASHBOARD_TOKEN", &c.Dashboard.AuthToken)
	envStr("QCLAW_DASHBOARD_HOST", &c.Dashboard.Host)
	envStr("QCLAW_COGNEE_URL", &c.Memory.Cognee.URL)
	envStr("QCLAW_COGNEE_USERNAME", &c.Memory.Cognee.Username)
	envStr("QCLAW_COGNEE_PASSWORD", &c.Memory.Cognee.Password)
	envStr("QCLAW_HUB_URL", &c.Identity.HubURL)
	envStr("QCLAW_TUNNEL_TOKEN", &c.Dashboard.TunnelToken)

	if v := os.Getenv("QCLAW_DASHBOARD_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Dashboard.Port = port
		}
	}
	if c.Memory.Cognee.URL != "" {
		c.Memory.Cognee.Enabled = true
	}

	// Telemetry
	envStr("QCLAW_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("QCLAW_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	if v := os.Getenv("QCLAW_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
}

// Save writes the config atomically: temp file in the same directory,
// then rename. Secrets never live in the config record (SecretStore owns
// them) so no stripping pass is needed here.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	data, err := json.MarshalIndent(cfg, "", "  ")
	cfg.mu.RUnlock()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".config-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

const secretMask = "***"

// MaskedCopy returns a deep copy with secret-bearing fields masked.
// Used by the config.get API so tokens never reach WS clients.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	data, err := json.Marshal(c)
	c.mu.RUnlock()
	if err != nil {
		return &Config{}
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}

	maskNonEmpty(&cp.Dashboard.AuthToken)
	maskNonEmpty(&cp.Dashboard.PIN)
	maskNonEmpty(&cp.Dashboard.TunnelToken)
	maskNonEmpty(&cp.Memory.Cognee.Password)
	return cp
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}
