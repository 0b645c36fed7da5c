package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quantumclaw/quantumclaw/internal/config"
	"github.com/quantumclaw/quantumclaw/internal/skills"
)

func skillsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skills",
		Short: "Manage installed skills",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List skills with review and enablement state",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := openSkillLoader()
			if err != nil {
				return err
			}
			all := l.All()
			if len(all) == 0 {
				fmt.Println("No skills installed.")
				return nil
			}
			for _, s := range all {
				state := "disabled"
				if s.Enabled && s.Reviewed {
					state = "active"
				} else if s.Enabled {
					state = "awaiting review"
				}
				fmt.Printf("  %-24s %-16s %d endpoints\n", s.Name, state, len(s.Endpoints))
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "install <url-or-slug>",
		Short: "Install a skill from a URL or marketplace slug",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := openSkillLoader()
			if err != nil {
				return err
			}
			s, err := l.Install(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Installed %q (%d endpoints). Review it before agents can use it:\n", s.Name, len(s.Endpoints))
			fmt.Printf("  qclaw skills review %s\n", s.Name)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "review <name>",
		Short: "Mark a skill as owner-reviewed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := openSkillLoader()
			if err != nil {
				return err
			}
			if err := l.SetReviewed(args[0], true); err != nil {
				return err
			}
			fmt.Printf("Marked %q reviewed.\n", args[0])
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "enable <name>",
		Short: "Enable a skill",
		Args:  cobra.ExactArgs(1),
		RunE:  func(cmd *cobra.Command, args []string) error { return setSkillEnabled(args[0], true) },
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "disable <name>",
		Short: "Disable a skill",
		Args:  cobra.ExactArgs(1),
		RunE:  func(cmd *cobra.Command, args []string) error { return setSkillEnabled(args[0], false) },
	})
	return cmd
}

func openSkillLoader() (*skills.Loader, error) {
	dir := config.Dir()
	l := skills.NewLoader(config.SharedSkillsPath(dir), config.AgentsPath(dir), config.SkillsMetaPath(dir), nil)
	if err := l.Load(); err != nil {
		return nil, err
	}
	return l, nil
}

func setSkillEnabled(name string, enabled bool) error {
	l, err := openSkillLoader()
	if err != nil {
		return err
	}
	if err := l.SetEnabled(name, enabled); err != nil {
		return err
	}
	if enabled {
		fmt.Printf("Enabled %q.\n", name)
	} else {
		fmt.Printf("Disabled %q.\n", name)
	}
	return nil
}
