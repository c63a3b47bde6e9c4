package main

import (
	"github.com/danmuck/gymctl/internal/config"
	"github.com/danmuck/gymctl/internal/observability"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "gymctl",
		Short: "RL session controller and reference simulation worker",
		Long: `gymctl drives a simulation worker over a framed request/reply channel.

Commands:
  worker  - serve the reference market simulation
  run     - launch a worker and drive it with a random agent
  config  - render or validate configuration files`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (defaults apply when empty)")
	cmd.AddCommand(newWorkerCmd(opts), newRunCmd(opts), newConfigCmd())
	return cmd
}

// load returns the configuration at configPath, or defaults when unset.
func (o *rootOptions) load() (config.Config, error) {
	if o.configPath == "" {
		return config.Default(), nil
	}
	return config.Load(o.configPath)
}

func initLogger(cfg config.Config) zerolog.Logger {
	return observability.InitLogger("gymctl", cfg.LoggingConfig())
}
