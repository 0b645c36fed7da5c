package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func pairingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pairing",
		Short: "List and approve channel pairing requests",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Show pending pairing requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dialDaemon()
			if err != nil {
				return err
			}
			var pending []struct {
				Code      string    `json:"code"`
				Channel   string    `json:"channel"`
				UserID    string    `json:"userId"`
				UserName  string    `json:"userName"`
				ExpiresAt time.Time `json:"expiresAt"`
			}
			if err := c.do("GET", "/api/pairing", nil, &pending); err != nil {
				return err
			}
			if len(pending) == 0 {
				fmt.Println("No pending pairing requests.")
				return nil
			}
			for _, p := range pending {
				name := p.UserName
				if name == "" {
					name = p.UserID
				}
				fmt.Printf("  %s  %s/%s  expires %s\n", p.Code, p.Channel, name, p.ExpiresAt.Local().Format("15:04"))
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "approve <code>",
		Short: "Approve a pairing request by code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dialDaemon()
			if err != nil {
				return err
			}
			var approved struct {
				Channel string `json:"channel"`
				UserID  string `json:"userId"`
			}
			if err := c.do("POST", "/api/pairing/approve", map[string]string{"code": args[0]}, &approved); err != nil {
				return err
			}
			fmt.Printf("Approved %s on %s.\n", approved.UserID, approved.Channel)
			return nil
		},
	})
	return cmd
}
