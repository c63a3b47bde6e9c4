package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/danmuck/gymctl/internal/gym"
	"github.com/danmuck/gymctl/internal/observability"
	"github.com/danmuck/gymctl/internal/worker"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newRunCmd(root *rootOptions) *cobra.Command {
	var (
		episodes    int
		seed        int64
		metricsAddr string
		maxSteps    int
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Launch a worker and drive it with a random agent",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if episodes < 1 {
				return fmt.Errorf("--episodes must be >= 1")
			}
			cfg, err := root.load()
			if err != nil {
				return err
			}
			logger := initLogger(cfg).With().Str("component", "client").Logger()

			self, err := os.Executable()
			if err != nil {
				return fmt.Errorf("resolve executable: %w", err)
			}
			configPath := root.configPath
			if configPath != "" {
				if configPath, err = filepath.Abs(configPath); err != nil {
					return err
				}
			}
			launcher := worker.NewExecLauncher(cfg.WorkerSpec(self, configPath), cfg.Session.ShutdownGrace.Duration, logger)
			environment, err := gym.New(cfg.SessionOptions(launcher, logger))
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if metricsAddr != "" {
				router := observability.NewMetricsRouter("client", logger)
				go func() {
					if err := observability.Serve(ctx, metricsAddr, router, logger, nil); err != nil {
						logger.Error().Err(err).Str("addr", metricsAddr).Msg("metrics server stopped")
					}
				}()
			}

			if seed == 0 {
				seed = time.Now().UnixNano()
			}
			agent := rand.New(rand.NewSource(seed))
			runErr := runEpisodes(ctx, environment, agent, episodes, maxSteps, logger)

			closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			closeErr := environment.Close(closeCtx)
			if errors.Is(runErr, context.Canceled) {
				runErr = nil
			}
			return errors.Join(runErr, closeErr)
		},
	}
	cmd.Flags().IntVar(&episodes, "episodes", 1, "episodes to run")
	cmd.Flags().Int64Var(&seed, "seed", 0, "agent RNG seed (0 picks one)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve client /metrics on this address")
	cmd.Flags().IntVar(&maxSteps, "max-steps", 0, "cap steps per episode (0 runs until done)")
	return cmd
}

func runEpisodes(ctx context.Context, environment *gym.Env, agent *rand.Rand, episodes, maxSteps int, logger zerolog.Logger) error {
	space := environment.ActionSpace()
	for ep := 1; ep <= episodes; ep++ {
		first, err := environment.ResetFull(ctx)
		if err != nil {
			return fmt.Errorf("episode %d reset: %w", ep, err)
		}
		total := first.Reward
		steps := 0
		done := first.Done
		for !done && (maxSteps <= 0 || steps < maxSteps) {
			if err := ctx.Err(); err != nil {
				return err
			}
			res, err := environment.Step(ctx, space.Sample(agent.Float64()))
			if err != nil {
				return fmt.Errorf("episode %d step %d: %w", ep, steps+1, err)
			}
			total += res.Reward
			steps++
			done = res.Done
		}
		stats, err := environment.Statistics(ctx)
		if err != nil {
			return fmt.Errorf("episode %d statistics: %w", ep, err)
		}
		event := logger.Info().Int("episode", ep).Int("steps", steps).Float64("reward", total)
		for k, v := range stats.Values {
			event = event.Float64("stat_"+k, v)
		}
		event.Msg("episode finished")
	}
	return nil
}
