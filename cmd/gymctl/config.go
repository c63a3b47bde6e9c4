package main

import (
	"fmt"

	"github.com/danmuck/gymctl/internal/config"
	"github.com/spf13/cobra"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Render or validate configuration files",
	}

	var output string
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.WriteTemplate(output, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", output)
			return nil
		},
	}
	initCmd.Flags().StringVar(&output, "output", "gymctl.toml", "output path")
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	var input string
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(input)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config %s ok: worker %s, actions %v, shape %v\n",
				input, cfg.Addr(), cfg.Session.Actions, cfg.Observation.Shape)
			return nil
		},
	}
	validateCmd.Flags().StringVar(&input, "input", "gymctl.toml", "config path")

	cmd.AddCommand(initCmd, validateCmd)
	return cmd
}
