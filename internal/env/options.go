package env

import (
	"fmt"
	"math"
	"net"
	"slices"
	"strings"
	"time"

	"github.com/danmuck/gymctl/internal/protocol"
	"github.com/danmuck/gymctl/internal/transport"
	"github.com/danmuck/gymctl/internal/worker"
	"github.com/rs/zerolog"
)

// ObservationContract is the fixed shape and value bounds every observation
// must satisfy.
type ObservationContract struct {
	Shape []int
	Low   float64
	High  float64
}

// Check returns *ObservationShapeError or *ObservationBoundsError when obs
// breaks the contract.
func (c ObservationContract) Check(obs protocol.Observation) error {
	if !obs.HasShape(c.Shape) || len(obs.Values) != protocol.ShapeSize(c.Shape) {
		return &ObservationShapeError{
			Expected: slices.Clone(c.Shape),
			Got:      slices.Clone(obs.Shape),
		}
	}
	for i, v := range obs.Values {
		if math.IsNaN(v) || v < c.Low || v > c.High {
			return &ObservationBoundsError{Index: i, Value: v, Low: c.Low, High: c.High}
		}
	}
	return nil
}

// Options configures a Session. Launcher and Addr are required.
type Options struct {
	IDPrefix string
	Addr     string

	// Actions is the ordered vocabulary; Actions[0] is the neutral action
	// used to fetch the first observation after reset-episode.
	Actions  []string
	Contract ObservationContract

	MaxForceAttempts int
	StartupPatience  time.Duration
	ShutdownGrace    time.Duration

	Launcher  worker.Launcher
	Dialer    transport.Dialer
	Reclaimer transport.Reclaimer
	Logger    zerolog.Logger
}

func DefaultOptions() Options {
	return Options{
		IDPrefix:         "gym",
		Addr:             "127.0.0.1:5500",
		Actions:          []string{"hold", "buy", "sell", "close"},
		Contract:         ObservationContract{Shape: []int{4, 10}, Low: 0, High: math.Inf(1)},
		MaxForceAttempts: 10,
		StartupPatience:  10 * time.Second,
		ShutdownGrace:    3 * time.Second,
		Logger:           zerolog.Nop(),
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if strings.TrimSpace(o.IDPrefix) == "" {
		o.IDPrefix = def.IDPrefix
	}
	if o.MaxForceAttempts <= 0 {
		o.MaxForceAttempts = def.MaxForceAttempts
	}
	if o.StartupPatience <= 0 {
		o.StartupPatience = def.StartupPatience
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = def.ShutdownGrace
	}
	if o.Dialer == nil {
		cfg := transport.DefaultConfig()
		cfg.StartupPatience = o.StartupPatience
		o.Dialer = transport.NewTCPDialer(cfg, o.Logger)
	}
	if o.Reclaimer == nil {
		o.Reclaimer = transport.NopReclaimer{}
	}
	o.Actions = slices.Clone(o.Actions)
	o.Contract.Shape = slices.Clone(o.Contract.Shape)
	return o
}

func (o Options) validate() error {
	if o.Launcher == nil {
		return fmt.Errorf("%w: launcher is required", ErrInvalidOptions)
	}
	if _, _, err := net.SplitHostPort(o.Addr); err != nil {
		return fmt.Errorf("%w: addr %q: %v", ErrInvalidOptions, o.Addr, err)
	}
	if len(o.Actions) == 0 {
		return fmt.Errorf("%w: action vocabulary is empty", ErrInvalidOptions)
	}
	seen := make(map[string]struct{}, len(o.Actions))
	for _, a := range o.Actions {
		if strings.TrimSpace(a) == "" {
			return fmt.Errorf("%w: empty action name", ErrInvalidOptions)
		}
		if protocol.Symbol(a).IsControl() {
			return fmt.Errorf("%w: action %q is a control symbol", ErrInvalidOptions, a)
		}
		if _, dup := seen[a]; dup {
			return fmt.Errorf("%w: duplicate action %q", ErrInvalidOptions, a)
		}
		seen[a] = struct{}{}
	}
	if protocol.ShapeSize(o.Contract.Shape) <= 0 {
		return fmt.Errorf("%w: observation shape %s", ErrInvalidOptions, protocol.FormatShape(o.Contract.Shape))
	}
	if o.Contract.Low > o.Contract.High {
		return fmt.Errorf("%w: observation low exceeds high", ErrInvalidOptions)
	}
	return nil
}
