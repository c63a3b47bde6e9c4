package config

import (
	"os"
	"strings"

	"github.com/danmuck/gymctl/internal/env"
	"github.com/danmuck/gymctl/internal/logging"
	"github.com/danmuck/gymctl/internal/sim"
	"github.com/danmuck/gymctl/internal/tools"
	"github.com/danmuck/gymctl/internal/transport"
	"github.com/danmuck/gymctl/internal/worker"
	"github.com/rs/zerolog"
)

func (c Config) TransportConfig() transport.Config {
	t := c.Transport
	return transport.Config{
		ConnectTimeout:   t.ConnectTimeout.Duration,
		RoundTripTimeout: t.RoundTripTimeout.Duration,
		StartupPatience:  t.StartupPatience.Duration,
		ReclaimGrace:     t.ReclaimGrace.Duration,
		Backoff: transport.BackoffConfig{
			InitialDelay: t.Backoff.InitialDelay.Duration,
			Multiplier:   t.Backoff.Multiplier,
			MaxDelay:     t.Backoff.MaxDelay.Duration,
			Jitter:       t.Backoff.Jitter,
		},
	}.WithDefaults()
}

func (c Config) LoggingConfig() logging.Config {
	cfg := logging.DefaultConfig(logging.ProfileRuntime)
	if lvl, ok := logging.ParseLevel(c.Log.Level); ok {
		cfg.Level = lvl
	}
	cfg.Timestamp = c.Log.Timestamp
	cfg.NoColor = c.Log.NoColor
	return cfg
}

func (c Config) MarketParams() sim.MarketParams {
	e := c.Engine
	return sim.MarketParams{
		Seed:             e.Seed,
		EpisodeLen:       e.EpisodeLen,
		StateDim0:        e.StateDim0,
		StateDimTime:     e.StateDimTime,
		StartCash:        e.StartCash,
		BrokerCommission: e.BrokerCommission,
		FixedStake:       e.FixedStake,
		DrawdownCall:     e.DrawdownCall,
		StartPrice:       e.StartPrice,
		Volatility:       e.Volatility,
	}
}

// WorkerSpec resolves the worker command line. An empty command runs self,
// normally the current gymctl executable; {config} expands to configPath.
func (c Config) WorkerSpec(self, configPath string) worker.Spec {
	command := c.Worker.Command
	if command == "" {
		command = self
	}
	args := make([]string, 0, len(c.Worker.Args))
	for i := 0; i < len(c.Worker.Args); i++ {
		a := c.Worker.Args[i]
		if strings.Contains(a, "{config}") && configPath == "" {
			// Drop a dangling "--config {config}" pair.
			if len(args) > 0 && strings.HasPrefix(args[len(args)-1], "-") {
				args = args[:len(args)-1]
			}
			continue
		}
		args = append(args, strings.ReplaceAll(a, "{config}", configPath))
	}
	return worker.Spec{Command: command, Args: args, Stdout: os.Stderr, Stderr: os.Stderr}
}

// SessionOptions wires a Session from the configuration.
func (c Config) SessionOptions(launcher worker.Launcher, logger zerolog.Logger) env.Options {
	tcfg := c.TransportConfig()
	return env.Options{
		IDPrefix: c.Session.IDPrefix,
		Addr:     c.Addr(),
		Actions:  c.Session.Actions,
		Contract: env.ObservationContract{
			Shape: c.Observation.Shape,
			Low:   c.Observation.Low,
			High:  c.Observation.High,
		},
		MaxForceAttempts: c.Session.MaxForceAttempts,
		StartupPatience:  tcfg.StartupPatience,
		ShutdownGrace:    c.Session.ShutdownGrace.Duration,
		Launcher:         launcher,
		Dialer:           transport.NewTCPDialer(tcfg, logger),
		Reclaimer:        transport.NewPortReclaimer(tools.ExecRunner{}, tcfg.ReclaimGrace, logger),
		Logger:           logger,
	}
}
