package sim

import (
	"errors"
	"maps"

	"github.com/danmuck/gymctl/internal/protocol"
)

var (
	ErrUnknownAction = errors.New("sim: unknown action")
	ErrNoEpisode     = errors.New("sim: no active episode")
)

// Engine produces episodes for the server. The server serializes calls.
type Engine interface {
	Actions() []string
	Shape() []int
	// Begin samples a fresh episode and advances it far enough that the
	// first Step yields a complete observation.
	Begin() error
	Step(action string) (protocol.Episode, error)
	// End closes the current episode early. It is a no-op when the episode
	// already finished.
	End()
	// Summary describes the last completed episode.
	Summary() Summary
}

// Summary keys reported by report-statistics.
const (
	StatEpisodes    = "episodes"
	StatSteps       = "steps"
	StatFinalValue  = "final_value"
	StatTotalReward = "total_reward"
	StatMaxDrawdown = "max_drawdown"
	StatTrades      = "trades"
)

type Summary map[string]float64

func (s Summary) Clone() Summary {
	if s == nil {
		return Summary{}
	}
	return maps.Clone(s)
}
