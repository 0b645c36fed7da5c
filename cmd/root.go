package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/quantumclaw/quantumclaw/internal/config"
	"github.com/quantumclaw/quantumclaw/pkg/protocol"
)

// Version is set at build time via -ldflags "-X github.com/quantumclaw/quantumclaw/cmd.Version=v1.0.0".
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "qclaw",
	Short: "QuantumClaw — self-hosted AI agent runtime",
	Long:  "QuantumClaw runs a personal AI agent across your messaging channels, with an encrypted vault, policy enforcement, persistent memory, and an owner dashboard.",
	Run: func(cmd *cobra.Command, args []string) {
		runCore()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.qclaw/config.json or $QCLAW_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(pairingCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(skillsCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("qclaw %s (protocol %d)\n", Version, protocol.ProtocolVersion)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("QCLAW_CONFIG"); v != "" {
		return v
	}
	return config.ConfigPath(config.Dir())
}

func setupLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
