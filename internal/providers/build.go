package providers

import (
	"log/slog"
	"os"
	"strings"

	"github.com/quantumclaw/quantumclaw/internal/config"
)

// KeyStore is the vault surface needed to resolve provider API keys.
type KeyStore interface {
	GetString(key string) (string, error)
}

// vendor describes one known OpenAI-compatible backend.
type vendor struct {
	apiBase      string
	defaultModel string
}

var openAIVendors = map[string]vendor{
	"openai":     {"https://api.openai.com/v1", "gpt-4o"},
	"openrouter": {"https://openrouter.ai/api/v1", "anthropic/claude-sonnet-4.5"},
	"groq":       {"https://api.groq.com/openai/v1", "llama-3.3-70b-versatile"},
	"deepseek":   {"https://api.deepseek.com/v1", "deepseek-chat"},
}

// Build registers a provider for every vendor whose API key resolves.
// Keys come from the vault under "<name>_api_key", falling back to the
// QCLAW_<NAME>_API_KEY environment variable. Configured model refs
// override the vendor default model.
func Build(cfg *config.Config, vault KeyStore, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	reg := NewRegistry()

	defaults := map[string]string{
		cfg.Models.Fast.Provider:    cfg.Models.Fast.Model,
		cfg.Models.Primary.Provider: cfg.Models.Primary.Model,
	}

	if key := resolveKey(vault, "anthropic"); key != "" {
		reg.Register(NewAnthropic(key, "", defaults["anthropic"]))
		logger.Debug("provider registered", "provider", "anthropic")
	}
	for name, v := range openAIVendors {
		key := resolveKey(vault, name)
		if key == "" {
			continue
		}
		model := defaults[name]
		if model == "" {
			model = v.defaultModel
		}
		reg.Register(NewOpenAI(name, key, v.apiBase, model))
		logger.Debug("provider registered", "provider", name)
	}
	return reg
}

func resolveKey(vault KeyStore, name string) string {
	if vault != nil {
		if v, err := vault.GetString(name + "_api_key"); err == nil && v != "" {
			return v
		}
	}
	return os.Getenv("QCLAW_" + strings.ToUpper(name) + "_API_KEY")
}
