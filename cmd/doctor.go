package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/quantumclaw/quantumclaw/internal/config"
	"github.com/quantumclaw/quantumclaw/internal/secrets"
	"github.com/quantumclaw/quantumclaw/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("qclaw doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	dir := config.Dir()
	cfgPath := resolveConfigPath()
	checkFile("Config", cfgPath)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Security:")
	vaultPath := config.VaultPath(dir)
	vault, err := secrets.Open(vaultPath)
	if err != nil {
		fmt.Printf("    %-12s OPEN FAILED (%s)\n", "Vault:", err)
	} else {
		fmt.Printf("    %-12s %d secrets\n", "Vault:", len(vault.List()))
	}
	if _, err := os.Stat(config.ValuesPath(dir)); err != nil {
		fmt.Printf("    %-12s (not written, kernel is permissive)\n", "Policy:")
	} else {
		fmt.Printf("    %-12s %s\n", "Policy:", config.ValuesPath(dir))
	}
	if _, err := os.Stat(config.AuditDBPath(dir)); err != nil {
		fmt.Printf("    %-12s (no database yet)\n", "Audit:")
	} else {
		fmt.Printf("    %-12s %s\n", "Audit:", config.AuditDBPath(dir))
	}

	fmt.Println()
	fmt.Println("  Providers:")
	for _, name := range []string{"anthropic", "openai", "openrouter", "groq", "deepseek"} {
		key := ""
		if vault != nil {
			key, _ = vault.GetString(name + "_api_key")
		}
		if key == "" {
			key = os.Getenv("QCLAW_" + strings.ToUpper(name) + "_API_KEY")
		}
		checkProvider(name, key)
	}

	fmt.Println()
	fmt.Println("  Channels:")
	for _, name := range cfg.ChannelNames() {
		ch := cfg.Channel(name)
		hasCreds := true
		if name == "telegram" {
			token := ""
			if vault != nil {
				token, _ = vault.GetString("telegram_bot_token")
			}
			hasCreds = token != "" || os.Getenv("QCLAW_TELEGRAM_BOT_TOKEN") != ""
		}
		checkChannel(name, ch.Enabled, hasCreds)
	}
	if len(cfg.ChannelNames()) == 0 {
		fmt.Println("    (none configured)")
	}

	fmt.Println()
	fmt.Println("  External Tools:")
	checkBinary("cloudflared")
	checkBinary("curl")
	checkBinary("git")

	fmt.Println()
	checkFile("Workspace", config.WorkspacePath(dir))

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkFile(label, path string) {
	fmt.Printf("  %s: %s", label, path)
	if _, err := os.Stat(path); err != nil {
		fmt.Println(" (NOT FOUND)")
	} else {
		fmt.Println(" (OK)")
	}
}

func checkProvider(name, apiKey string) {
	if len(apiKey) > 8 {
		masked := apiKey[:4] + strings.Repeat("*", len(apiKey)-8) + apiKey[len(apiKey)-4:]
		fmt.Printf("    %-12s %s\n", name+":", masked)
	} else if apiKey != "" {
		fmt.Printf("    %-12s ****\n", name+":")
	} else {
		fmt.Printf("    %-12s (not configured)\n", name+":")
	}
}

func checkChannel(name string, enabled, hasCredentials bool) {
	status := "disabled"
	if enabled && hasCredentials {
		status = "enabled"
	} else if enabled {
		status = "enabled (missing credentials)"
	}
	fmt.Printf("    %-12s %s\n", name+":", status)
}

func checkBinary(name string) {
	if path, err := exec.LookPath(name); err == nil {
		fmt.Printf("    %-12s %s\n", name+":", path)
	} else {
		fmt.Printf("    %-12s (not installed)\n", name+":")
	}
}
