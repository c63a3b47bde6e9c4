package protocol

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/danmuck/gymctl/internal/protocol/frame"
)

// MaxObservationValues is the largest element count one frame can carry.
const MaxObservationValues = frame.DefaultMaxPayloadBytes / 8

// Symbol is one request token sent client->worker.
type Symbol string

// Control symbols understood by every worker regardless of action vocabulary.
const (
	SymbolTerminateEpisode Symbol = "terminate-episode"
	SymbolResetEpisode     Symbol = "reset-episode"
	SymbolShutdownWorker   Symbol = "shutdown-worker"
	SymbolReportStatistics Symbol = "report-statistics"
	SymbolPing             Symbol = "ping"
)

var controlSymbols = []Symbol{
	SymbolTerminateEpisode,
	SymbolResetEpisode,
	SymbolShutdownWorker,
	SymbolReportStatistics,
	SymbolPing,
}

// ControlSymbols returns the reserved control vocabulary.
func ControlSymbols() []Symbol {
	return slices.Clone(controlSymbols)
}

// IsControl reports whether s is reserved for session management.
func (s Symbol) IsControl() bool {
	return slices.Contains(controlSymbols, s)
}

// Mode is the worker-side mode reported in control acknowledgements.
type Mode uint8

const (
	ModeUnknown Mode = iota
	ModeControl
	ModeEpisode
)

func (m Mode) String() string {
	switch m {
	case ModeControl:
		return "control"
	case ModeEpisode:
		return "episode"
	default:
		return "unknown"
	}
}

// Kind tags the reply variant.
type Kind uint8

const (
	KindControl Kind = iota + 1
	KindEpisode
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindControl:
		return "control"
	case KindEpisode:
		return "episode"
	case KindError:
		return "error"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Request is one client->worker message.
type Request struct {
	ID     uint64
	Symbol Symbol
}

// Observation is a fixed-shape numeric array stored row-major.
type Observation struct {
	Shape  []int
	Values []float64
}

// NewObservation checks that values fill shape exactly.
func NewObservation(shape []int, values []float64) (Observation, error) {
	n := ShapeSize(shape)
	if n < 0 {
		return Observation{}, fmt.Errorf("%w: %s", ErrInvalidShape, FormatShape(shape))
	}
	if n != len(values) {
		return Observation{}, fmt.Errorf("%w: shape=%s values=%d", ErrShapeMismatch, FormatShape(shape), len(values))
	}
	return Observation{Shape: slices.Clone(shape), Values: values}, nil
}

// HasShape reports whether o matches shape dimension by dimension.
func (o Observation) HasShape(shape []int) bool {
	return slices.Equal(o.Shape, shape)
}

// At returns the value at the given multi-dimensional index.
func (o Observation) At(index ...int) (float64, bool) {
	if len(index) != len(o.Shape) {
		return 0, false
	}
	offset := 0
	for i, dim := range o.Shape {
		if index[i] < 0 || index[i] >= dim {
			return 0, false
		}
		offset = offset*dim + index[i]
	}
	if offset >= len(o.Values) {
		return 0, false
	}
	return o.Values[offset], true
}

// ShapeSize returns the element count for shape, or -1 for a negative dim
// or a count above MaxObservationValues.
func ShapeSize(shape []int) int {
	if len(shape) == 0 {
		return 0
	}
	n := 1
	for _, dim := range shape {
		if dim < 0 {
			return -1
		}
		if dim > 0 && n > MaxObservationValues/dim {
			return -1
		}
		n *= dim
	}
	return n
}

// FormatShape renders shape as "(4,10)".
func FormatShape(shape []int) string {
	parts := make([]string, len(shape))
	for i, dim := range shape {
		parts[i] = strconv.Itoa(dim)
	}
	return "(" + strings.Join(parts, ",") + ")"
}

// Control is a control acknowledgement from the worker.
type Control struct {
	Mode   Mode
	Status string
	Stats  map[string]float64
}

// Episode is the (observation, reward, done, info) tuple.
type Episode struct {
	Observation Observation
	Reward      float64
	Done        bool
	Info        map[string]any
}

// Reply is the tagged worker->client message. Exactly one of Control or
// Episode is set for KindControl and KindEpisode; KindError carries Error.
type Reply struct {
	ID      uint64
	Kind    Kind
	Control *Control
	Episode *Episode
	Error   string
}

func ControlReply(mode Mode, status string) Reply {
	return Reply{Kind: KindControl, Control: &Control{Mode: mode, Status: status}}
}

func StatsReply(mode Mode, status string, stats map[string]float64) Reply {
	return Reply{Kind: KindControl, Control: &Control{Mode: mode, Status: status, Stats: stats}}
}

func EpisodeReply(ep Episode) Reply {
	return Reply{Kind: KindEpisode, Episode: &ep}
}

func ErrorReply(msg string) Reply {
	return Reply{Kind: KindError, Error: msg}
}

// IsControlMode reports whether r acknowledges the worker is in control mode.
func (r Reply) IsControlMode() bool {
	return r.Kind == KindControl && r.Control != nil && r.Control.Mode == ModeControl
}

// Validate checks that the variant payload matches the tag.
func (r Reply) Validate() error {
	switch r.Kind {
	case KindControl:
		if r.Control == nil {
			return fmt.Errorf("%w: control reply without payload", ErrInvalidReply)
		}
		if r.Control.Mode != ModeControl && r.Control.Mode != ModeEpisode {
			return fmt.Errorf("%w: %d", ErrInvalidMode, r.Control.Mode)
		}
	case KindEpisode:
		if r.Episode == nil {
			return fmt.Errorf("%w: episode reply without payload", ErrInvalidReply)
		}
		obs := r.Episode.Observation
		if ShapeSize(obs.Shape) != len(obs.Values) {
			return fmt.Errorf("%w: shape=%s values=%d", ErrShapeMismatch, FormatShape(obs.Shape), len(obs.Values))
		}
	case KindError:
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidReply, r.Kind)
	}
	return nil
}

// String summarizes the reply for logs and error diagnostics.
func (r Reply) String() string {
	switch r.Kind {
	case KindControl:
		if r.Control == nil {
			return "control(<nil>)"
		}
		return fmt.Sprintf("control(mode=%s status=%q)", r.Control.Mode, r.Control.Status)
	case KindEpisode:
		if r.Episode == nil {
			return "episode(<nil>)"
		}
		return fmt.Sprintf(
			"episode(shape=%s reward=%g done=%t info=%d)",
			FormatShape(r.Episode.Observation.Shape),
			r.Episode.Reward,
			r.Episode.Done,
			len(r.Episode.Info),
		)
	case KindError:
		return fmt.Sprintf("error(%q)", r.Error)
	default:
		return r.Kind.String()
	}
}
