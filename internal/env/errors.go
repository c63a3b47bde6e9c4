package env

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/gymctl/internal/protocol"
)

var (
	ErrNoWorker                 = errors.New("env: no worker")
	ErrNoChannel                = errors.New("env: no channel")
	ErrWorkerStartupFailed      = errors.New("env: worker startup failed")
	ErrForceModeTimeout         = errors.New("env: force control mode timed out")
	ErrInvalidAction            = errors.New("env: invalid action")
	ErrProtocolViolation        = errors.New("env: protocol violation")
	ErrObservationShapeMismatch = errors.New("env: observation shape mismatch")
	ErrObservationOutOfBounds   = errors.New("env: observation out of bounds")
	ErrLifecycleOrder           = errors.New("env: invalid lifecycle order")
	ErrInvalidOptions           = errors.New("env: invalid options")
)

// NoWorkerError reports an operation attempted without a live worker.
type NoWorkerError struct {
	Op string
}

func (e *NoWorkerError) Error() string {
	return fmt.Sprintf("env: %s: no live worker process", e.Op)
}

func (e *NoWorkerError) Unwrap() error { return ErrNoWorker }

// NoChannelError reports an operation attempted without an open channel.
type NoChannelError struct {
	Op string
}

func (e *NoChannelError) Error() string {
	return fmt.Sprintf("env: %s: channel not open", e.Op)
}

func (e *NoChannelError) Unwrap() error { return ErrNoChannel }

// WorkerStartupError names the start stage that failed.
type WorkerStartupError struct {
	Addr  string
	Stage string
	Err   error
}

func (e *WorkerStartupError) Error() string {
	return fmt.Sprintf("env: worker startup failed at %s (%s): %v", e.Stage, e.Addr, e.Err)
}

func (e *WorkerStartupError) Unwrap() []error {
	return []error{ErrWorkerStartupFailed, e.Err}
}

// ForceModeTimeoutError carries the last reply seen before giving up.
type ForceModeTimeoutError struct {
	Attempts  int
	LastReply protocol.Reply
}

func (e *ForceModeTimeoutError) Error() string {
	return fmt.Sprintf("env: no control acknowledgement after %d attempts, last reply %s", e.Attempts, e.LastReply)
}

func (e *ForceModeTimeoutError) Unwrap() error { return ErrForceModeTimeout }

// InvalidActionError rejects an action outside the vocabulary. Index is -1
// when the action was given by name.
type InvalidActionError struct {
	Action     string
	Index      int
	Vocabulary []string
}

func (e *InvalidActionError) Error() string {
	vocab := strings.Join(e.Vocabulary, ", ")
	if e.Index >= 0 {
		return fmt.Sprintf("env: action index %d out of range [0,%d) {%s}", e.Index, len(e.Vocabulary), vocab)
	}
	return fmt.Sprintf("env: action %q not in vocabulary {%s}", e.Action, vocab)
}

func (e *InvalidActionError) Unwrap() error { return ErrInvalidAction }

// ProtocolViolationError carries the offending reply and the controller mode
// at the time it arrived. When the reply frame could not be decoded, Reply is
// empty and Err holds the *protocol.DecodeError with the received payload.
type ProtocolViolationError struct {
	Request protocol.Symbol
	Reply   protocol.Reply
	Mode    Mode
	Reason  string
	Err     error
}

func (e *ProtocolViolationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("env: protocol violation: %s after %q in mode %s: %v", e.Reason, e.Request, e.Mode, e.Err)
	}
	return fmt.Sprintf("env: protocol violation: %s after %q in mode %s: got %s", e.Reason, e.Request, e.Mode, e.Reply)
}

func (e *ProtocolViolationError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrProtocolViolation, e.Err}
	}
	return []error{ErrProtocolViolation}
}

// ObservationShapeError reports an observation that does not fit the
// contract.
type ObservationShapeError struct {
	Expected []int
	Got      []int
}

func (e *ObservationShapeError) Error() string {
	return fmt.Sprintf("env: observation shape %s, contract requires %s",
		protocol.FormatShape(e.Got), protocol.FormatShape(e.Expected))
}

func (e *ObservationShapeError) Unwrap() error { return ErrObservationShapeMismatch }

// ObservationBoundsError reports the first observation value outside the
// contract's [Low, High] range. NaN is always out of bounds.
type ObservationBoundsError struct {
	Index int
	Value float64
	Low   float64
	High  float64
}

func (e *ObservationBoundsError) Error() string {
	return fmt.Sprintf("env: observation value %g at %d outside [%g, %g]", e.Value, e.Index, e.Low, e.High)
}

func (e *ObservationBoundsError) Unwrap() error { return ErrObservationOutOfBounds }
