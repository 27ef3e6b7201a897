package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate or print the effective configuration",
	}

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and report every problem",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("configuration is invalid:\n%w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration is valid (%d servers)\n", len(cfg.Servers))
			return nil
		},
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML with defaults applied (secrets omitted)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			p := &printer{w: cmd.OutOrStdout(), format: "yaml"}
			_, err = p.structured(cfg)
			return err
		},
	}

	cmd.AddCommand(validate, show)
	return cmd
}
