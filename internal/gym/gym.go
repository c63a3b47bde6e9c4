// Package gym is the RL-facing facade over env.Session: integer actions,
// declared spaces and a gym-style reset/step/close surface.
package gym

import (
	"context"
	"fmt"
	"math"
	"slices"

	"github.com/danmuck/gymctl/internal/env"
	"github.com/danmuck/gymctl/internal/protocol"
)

// Discrete is an action space of N choices, 0..N-1.
type Discrete struct {
	N int
}

func (d Discrete) Contains(action int) bool {
	return action >= 0 && action < d.N
}

// Sample maps a uniform value in [0,1) to an action.
func (d Discrete) Sample(u float64) int {
	i := int(math.Floor(u * float64(d.N)))
	return min(max(i, 0), d.N-1)
}

// Box is an observation space with a fixed shape and scalar bounds.
type Box struct {
	Shape []int
	Low   float64
	High  float64
}

func (b Box) Contains(obs protocol.Observation) bool {
	if !obs.HasShape(b.Shape) || len(obs.Values) != protocol.ShapeSize(b.Shape) {
		return false
	}
	for _, v := range obs.Values {
		if math.IsNaN(v) || v < b.Low || v > b.High {
			return false
		}
	}
	return true
}

// Statistics is the worker's summary of its last completed episode.
type Statistics struct {
	Status string
	Values map[string]float64
	Reply  protocol.Reply
}

// Env is not safe for concurrent use in any meaningful sense: calls are
// serialized, but interleaving steps from two callers corrupts the episode.
type Env struct {
	session *env.Session
	actions []string
}

func New(opts env.Options) (*Env, error) {
	s, err := env.New(opts)
	if err != nil {
		return nil, err
	}
	return Wrap(s), nil
}

func Wrap(s *env.Session) *Env {
	return &Env{session: s, actions: s.Actions()}
}

func (e *Env) Session() *env.Session { return e.session }

func (e *Env) ActionSpace() Discrete {
	return Discrete{N: len(e.actions)}
}

func (e *Env) ObservationSpace() Box {
	c := e.session.Contract()
	return Box{Shape: c.Shape, Low: c.Low, High: c.High}
}

// ActionName returns the vocabulary entry for an action index.
func (e *Env) ActionName(action int) (string, error) {
	if !e.ActionSpace().Contains(action) {
		return "", &env.InvalidActionError{Index: action, Vocabulary: slices.Clone(e.actions)}
	}
	return e.actions[action], nil
}

// Reset returns the first observation of a fresh episode.
func (e *Env) Reset(ctx context.Context) (protocol.Observation, error) {
	res, err := e.session.Reset(ctx)
	if err != nil {
		return protocol.Observation{}, err
	}
	return res.Observation, nil
}

// ResetFull returns the whole first tuple of a fresh episode.
func (e *Env) ResetFull(ctx context.Context) (env.StepResult, error) {
	return e.session.Reset(ctx)
}

func (e *Env) Step(ctx context.Context, action int) (env.StepResult, error) {
	name, err := e.ActionName(action)
	if err != nil {
		return env.StepResult{}, err
	}
	return e.session.Step(ctx, name)
}

func (e *Env) Statistics(ctx context.Context) (Statistics, error) {
	reply, err := e.session.Statistics(ctx)
	stats := Statistics{Reply: reply}
	switch reply.Kind {
	case protocol.KindControl:
		if reply.Control != nil {
			stats.Status = reply.Control.Status
			stats.Values = reply.Control.Stats
		}
	case protocol.KindError:
		stats.Status = reply.Error
		if err == nil {
			err = fmt.Errorf("gym: worker rejected report-statistics: %s", reply.Error)
		}
	}
	return stats, err
}

// Close stops the worker and releases the session's resources.
func (e *Env) Close(ctx context.Context) error {
	return e.session.Stop(ctx)
}
