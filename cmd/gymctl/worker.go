package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/gymctl/internal/observability"
	"github.com/danmuck/gymctl/internal/sim"
	"github.com/spf13/cobra"
)

func newWorkerCmd(root *rootOptions) *cobra.Command {
	var addr, adminAddr string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Serve the reference market simulation",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Addr()
			}
			if adminAddr == "" {
				adminAddr = cfg.Worker.AdminAddr
			}
			logger := initLogger(cfg).With().Str("component", "worker").Logger()

			engine, err := sim.NewMarketEngine(cfg.MarketParams())
			if err != nil {
				return err
			}
			srv := sim.NewServer(engine, logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if adminAddr != "" {
				adminCtx, cancelAdmin := context.WithCancel(ctx)
				defer cancelAdmin()
				router := sim.NewAdminRouter(srv, cfg.Worker.CorsOrigins, logger)
				go func() {
					if err := observability.Serve(adminCtx, adminAddr, router, logger, nil); err != nil {
						logger.Error().Err(err).Str("addr", adminAddr).Msg("admin server stopped")
					}
				}()
			}
			return srv.ListenAndServe(ctx, addr, nil)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "bind address host:port (default from [transport])")
	cmd.Flags().StringVar(&adminAddr, "admin-addr", "", "admin HTTP address (default from [worker])")
	return cmd
}
