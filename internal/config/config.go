package config

import (
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/gymctl/internal/logging"
	"github.com/danmuck/gymctl/internal/protocol"
)

var ErrInvalidConfig = errors.New("config: invalid")

// Duration is a time.Duration that reads and writes as a TOML string.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func D(v time.Duration) Duration { return Duration{Duration: v} }

type Config struct {
	Session     SessionConfig     `toml:"session"`
	Observation ObservationConfig `toml:"observation"`
	Transport   TransportConfig   `toml:"transport"`
	Worker      WorkerConfig      `toml:"worker"`
	Engine      EngineConfig      `toml:"engine"`
	Log         LogConfig         `toml:"log"`
}

type SessionConfig struct {
	IDPrefix         string   `toml:"id_prefix"`
	Actions          []string `toml:"actions"`
	NeutralAction    string   `toml:"neutral_action"`
	MaxForceAttempts int      `toml:"max_force_attempts"`
	ShutdownGrace    Duration `toml:"shutdown_grace"`
}

type ObservationConfig struct {
	Shape []int   `toml:"shape"`
	Low   float64 `toml:"low"`
	High  float64 `toml:"high"`
}

type TransportConfig struct {
	Host             string        `toml:"host"`
	Port             int           `toml:"port"`
	ConnectTimeout   Duration      `toml:"connect_timeout"`
	RoundTripTimeout Duration      `toml:"round_trip_timeout"`
	StartupPatience  Duration      `toml:"startup_patience"`
	ReclaimGrace     Duration      `toml:"reclaim_grace"`
	Backoff          BackoffConfig `toml:"backoff"`
}

type BackoffConfig struct {
	InitialDelay Duration `toml:"initial_delay"`
	Multiplier   float64  `toml:"multiplier"`
	MaxDelay     Duration `toml:"max_delay"`
	Jitter       bool     `toml:"jitter"`
}

// WorkerConfig describes how the session launches its worker. An empty
// command means the running gymctl binary.
type WorkerConfig struct {
	Command     string   `toml:"command"`
	Args        []string `toml:"args"`
	AdminAddr   string   `toml:"admin_addr"`
	CorsOrigins []string `toml:"cors_origins"`
}

type EngineConfig struct {
	Seed             int64   `toml:"seed"`
	EpisodeLen       int     `toml:"episode_len"`
	StateDim0        int     `toml:"state_dim_0"`
	StateDimTime     int     `toml:"state_dim_time"`
	StartCash        float64 `toml:"start_cash"`
	BrokerCommission float64 `toml:"broker_commission"`
	FixedStake       float64 `toml:"fixed_stake"`
	DrawdownCall     float64 `toml:"drawdown_call"`
	StartPrice       float64 `toml:"start_price"`
	Volatility       float64 `toml:"volatility"`
}

type LogConfig struct {
	Level     string `toml:"level"`
	Timestamp bool   `toml:"timestamp"`
	NoColor   bool   `toml:"no_color"`
}

func Default() Config {
	return Config{
		Session: SessionConfig{
			IDPrefix:         "gym",
			Actions:          []string{"hold", "buy", "sell", "close"},
			NeutralAction:    "hold",
			MaxForceAttempts: 10,
			ShutdownGrace:    D(3 * time.Second),
		},
		Observation: ObservationConfig{
			Shape: []int{4, 10},
			Low:   0,
			High:  math.Inf(1),
		},
		Transport: TransportConfig{
			Host:             "127.0.0.1",
			Port:             5500,
			ConnectTimeout:   D(2 * time.Second),
			RoundTripTimeout: D(30 * time.Second),
			StartupPatience:  D(10 * time.Second),
			ReclaimGrace:     D(2 * time.Second),
			Backoff: BackoffConfig{
				InitialDelay: D(50 * time.Millisecond),
				Multiplier:   2.0,
				MaxDelay:     D(time.Second),
				Jitter:       true,
			},
		},
		Worker: WorkerConfig{
			Args:        []string{"worker", "--config", "{config}", "--addr", "{addr}"},
			CorsOrigins: []string{"http://localhost:3000"},
		},
		Engine: EngineConfig{
			EpisodeLen:       256,
			StateDim0:        4,
			StateDimTime:     10,
			StartCash:        10.0,
			BrokerCommission: 0.001,
			FixedStake:       10,
			DrawdownCall:     90,
			StartPrice:       1.0,
			Volatility:       0.001,
		},
		Log: LogConfig{
			Level:     "info",
			Timestamp: true,
		},
	}
}

// Load reads path over Default. Keys absent from the file keep their
// defaults; unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("%w: unknown keys in %s: %s", ErrInvalidConfig, path, strings.Join(keys, ", "))
	}

	if meta.IsDefined("session", "actions") && !meta.IsDefined("session", "neutral_action") {
		cfg.Session.NeutralAction = ""
		if len(cfg.Session.Actions) > 0 {
			cfg.Session.NeutralAction = cfg.Session.Actions[0]
		}
	}
	if meta.IsDefined("engine", "state_dim_0") || meta.IsDefined("engine", "state_dim_time") {
		if !meta.IsDefined("observation", "shape") {
			cfg.Observation.Shape = []int{cfg.Engine.StateDim0, cfg.Engine.StateDimTime}
		}
	}
	cfg.normalize()

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Session.IDPrefix = strings.TrimSpace(c.Session.IDPrefix)
	actions := make([]string, 0, len(c.Session.Actions))
	for _, a := range c.Session.Actions {
		if v := strings.TrimSpace(a); v != "" {
			actions = append(actions, v)
		}
	}
	c.Session.Actions = actions
	c.Session.NeutralAction = strings.TrimSpace(c.Session.NeutralAction)
	c.Transport.Host = strings.TrimSpace(c.Transport.Host)
	c.Worker.Command = strings.TrimSpace(c.Worker.Command)
	c.Worker.AdminAddr = strings.TrimSpace(c.Worker.AdminAddr)
}

// Validate reports every problem found, joined.
func Validate(cfg Config) error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if len(cfg.Session.Actions) == 0 {
		bad("session.actions must not be empty")
	}
	seen := make(map[string]struct{}, len(cfg.Session.Actions))
	for _, a := range cfg.Session.Actions {
		if _, dup := seen[a]; dup {
			bad("session.actions has duplicate %q", a)
		}
		seen[a] = struct{}{}
		if isReserved(a) {
			bad("session.actions entry %q collides with a control symbol", a)
		}
	}
	if len(cfg.Session.Actions) > 0 && cfg.Session.NeutralAction != cfg.Session.Actions[0] {
		bad("session.neutral_action %q must be the first action %q", cfg.Session.NeutralAction, cfg.Session.Actions[0])
	}
	if cfg.Session.MaxForceAttempts < 1 {
		bad("session.max_force_attempts must be >= 1")
	}
	if cfg.Session.ShutdownGrace.Duration < 0 {
		bad("session.shutdown_grace must not be negative")
	}

	if len(cfg.Observation.Shape) == 0 {
		bad("observation.shape must not be empty")
	}
	for i, d := range cfg.Observation.Shape {
		if d <= 0 {
			bad("observation.shape[%d] must be positive", i)
		}
	}
	if cfg.Observation.Low > cfg.Observation.High {
		bad("observation.low exceeds observation.high")
	}

	if cfg.Transport.Host == "" {
		bad("transport.host is required")
	}
	if cfg.Transport.Port < 0 || cfg.Transport.Port > 65535 {
		bad("transport.port %d out of range", cfg.Transport.Port)
	}
	if cfg.Transport.Backoff.Multiplier != 0 && cfg.Transport.Backoff.Multiplier < 1 {
		bad("transport.backoff.multiplier must be >= 1")
	}

	if cfg.Worker.AdminAddr != "" {
		if _, _, err := net.SplitHostPort(cfg.Worker.AdminAddr); err != nil {
			bad("worker.admin_addr: %v", err)
		}
	}

	e := cfg.Engine
	if e.EpisodeLen < 1 {
		bad("engine.episode_len must be >= 1")
	}
	if e.StateDim0 < 1 || e.StateDim0 > 4 {
		bad("engine.state_dim_0 must be between 1 and 4 (open, high, low, close)")
	}
	if e.StateDimTime < 1 {
		bad("engine.state_dim_time must be >= 1")
	}
	if cfg.Worker.Command == "" && protocol.FormatShape(cfg.Observation.Shape) != protocol.FormatShape([]int{e.StateDim0, e.StateDimTime}) {
		bad("observation.shape %s does not match the reference engine (%d,%d)",
			protocol.FormatShape(cfg.Observation.Shape), e.StateDim0, e.StateDimTime)
	}
	if e.StartCash <= 0 || e.FixedStake <= 0 || e.StartPrice <= 0 {
		bad("engine.start_cash, fixed_stake and start_price must be positive")
	}
	if e.BrokerCommission < 0 || e.Volatility < 0 {
		bad("engine.broker_commission and volatility must not be negative")
	}
	if e.DrawdownCall <= 0 || e.DrawdownCall > 100 {
		bad("engine.drawdown_call must be in (0, 100]")
	}

	if _, ok := logging.ParseLevel(cfg.Log.Level); !ok && strings.TrimSpace(cfg.Log.Level) != "" {
		bad("log.level %q unknown", cfg.Log.Level)
	}
	return errors.Join(errs...)
}

// Addr is the worker bind address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Transport.Host, strconv.Itoa(c.Transport.Port))
}

func isReserved(symbol string) bool {
	return protocol.Symbol(symbol).IsControl()
}
