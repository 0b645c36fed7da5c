package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quantumclaw/quantumclaw/internal/config"
	"github.com/quantumclaw/quantumclaw/internal/secrets"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration and manage vault secrets",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(cfg.MaskedCopy(), "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set-secret <key> <value>",
		Short: "Store a secret in the encrypted vault",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			vault, err := secrets.Open(config.VaultPath(config.Dir()))
			if err != nil {
				return err
			}
			if err := vault.Set(args[0], []byte(args[1])); err != nil {
				return err
			}
			fmt.Printf("Stored %q.\n", args[0])
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "secrets",
		Short: "List vault secret keys (never values)",
		RunE: func(cmd *cobra.Command, args []string) error {
			vault, err := secrets.Open(config.VaultPath(config.Dir()))
			if err != nil {
				return err
			}
			keys := vault.List()
			if len(keys) == 0 {
				fmt.Println("Vault is empty.")
				return nil
			}
			for _, k := range keys {
				fmt.Println("  " + k)
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "delete-secret <key>",
		Short: "Remove a secret from the vault",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vault, err := secrets.Open(config.VaultPath(config.Dir()))
			if err != nil {
				return err
			}
			if err := vault.Delete(args[0]); err != nil {
				return err
			}
			fmt.Printf("Deleted %q.\n", args[0])
			return nil
		},
	})
	return cmd
}
