package env

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/danmuck/gymctl/internal/observability"
	"github.com/danmuck/gymctl/internal/protocol"
	"github.com/danmuck/gymctl/internal/transport"
	"github.com/danmuck/gymctl/internal/worker"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// StepResult is one (observation, reward, done, info) tuple.
type StepResult struct {
	Observation protocol.Observation
	Reward      float64
	Done        bool
	Info        map[string]any
}

// Session drives one worker. Methods serialize on an internal mutex; the
// protocol itself is strictly one request at a time.
type Session struct {
	mu     sync.Mutex
	id     string
	opts   Options
	logger zerolog.Logger

	mode      Mode
	channel   transport.Channel
	process   worker.Process
	lastReply protocol.Reply
	// stopped is set by an explicit Stop and cleared by Start. While set,
	// Reset does not bootstrap a new worker.
	stopped bool
}

func New(opts Options) (*Session, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	id := fmt.Sprintf("%s-%s", opts.IDPrefix, uuid.NewString())
	return &Session{
		id:     id,
		opts:   opts,
		logger: opts.Logger.With().Str("session_id", id).Logger(),
		mode:   ModeNoWorker,
	}, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) Addr() string { return s.opts.Addr }

func (s *Session) Actions() []string { return slices.Clone(s.opts.Actions) }

func (s *Session) Contract() ObservationContract {
	c := s.opts.Contract
	c.Shape = slices.Clone(c.Shape)
	return c
}

func (s *Session) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// LastReply is the most recent reply received from any worker.
func (s *Session) LastReply() protocol.Reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReply
}

// HasResources reports whether a worker handle or channel handle is held.
func (s *Session) HasResources() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.process != nil || s.channel != nil
}

// Start launches a worker, opens the channel and waits for a reply to the
// ping probe. Every resource acquired is released if any stage fails.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.start(ctx)
}

func (s *Session) start(ctx context.Context) error {
	s.reapDead()
	if s.mode != ModeNoWorker || s.process != nil || s.channel != nil {
		return fmt.Errorf("%w: start in mode %s", ErrLifecycleOrder, s.mode)
	}
	s.stopped = false
	addr := s.opts.Addr
	fail := func(stage string, err error) error {
		observability.RecordWorkerStart(false)
		s.logger.Error().Err(err).Str("stage", stage).Str("addr", addr).Msg("worker startup failed")
		return &WorkerStartupError{Addr: addr, Stage: stage, Err: err}
	}

	if err := s.opts.Reclaimer.Reclaim(ctx, addr); err != nil {
		return fail("reclaim", err)
	}
	proc, err := s.opts.Launcher.Launch(ctx, addr)
	if err != nil {
		return fail("launch", err)
	}

	// A worker that dies while we dial should not cost the full patience.
	dialCtx, cancelDial := context.WithCancel(ctx)
	go func() {
		select {
		case <-proc.Exited():
			cancelDial()
		case <-dialCtx.Done():
		}
	}()
	ch, err := s.opts.Dialer.Dial(dialCtx, addr)
	cancelDial()
	if err != nil {
		if !proc.Alive() {
			err = fmt.Errorf("worker exited during dial: %w", err)
		}
		return fail("dial", errors.Join(err, s.terminate(ctx, proc)))
	}

	hctx, cancel := context.WithTimeout(ctx, s.opts.StartupPatience)
	reply, err := s.send(hctx, ch, protocol.SymbolPing)
	cancel()
	if err != nil {
		return fail("handshake", errors.Join(err, ch.Close(), s.terminate(ctx, proc)))
	}

	s.process = proc
	s.channel = ch
	s.mode = ModeControl
	observability.RecordWorkerStart(true)
	s.logger.Info().Str("addr", addr).Int("pid", proc.PID()).Stringer("reply", reply).Msg("worker started")
	return nil
}

// ForceControlMode repeats terminate-episode until the worker acknowledges
// control mode.
func (s *Session) ForceControlMode(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.forceControl(ctx, "force-control")
	s.releaseOnTransportError(ctx, err)
	return err
}

func (s *Session) forceControl(ctx context.Context, op string) error {
	if err := s.require(op); err != nil {
		return err
	}
	var last protocol.Reply
	for attempt := 1; attempt <= s.opts.MaxForceAttempts; attempt++ {
		reply, err := s.send(ctx, s.channel, protocol.SymbolTerminateEpisode)
		if err != nil {
			return err
		}
		observability.RecordForceAttempt()
		s.logger.Debug().Str("op", op).Int("attempt", attempt).Stringer("reply", reply).Msg("force control")
		last = reply
		if reply.IsControlMode() {
			s.mode = ModeControl
			return nil
		}
	}
	observability.RecordForceTimeout()
	s.logger.Warn().Str("op", op).Int("attempts", s.opts.MaxForceAttempts).Stringer("last_reply", last).Msg("force control timed out")
	return &ForceModeTimeoutError{Attempts: s.opts.MaxForceAttempts, LastReply: last}
}

// Step sends action and expects an episode tuple back. An action outside
// the vocabulary is rejected without contacting the worker.
func (s *Session) Step(ctx context.Context, action string) (StepResult, error) {
	if !slices.Contains(s.opts.Actions, action) {
		return StepResult{}, &InvalidActionError{Action: action, Index: -1, Vocabulary: s.Actions()}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.step(ctx, action)
}

func (s *Session) step(ctx context.Context, action string) (StepResult, error) {
	if err := s.require("step"); err != nil {
		return StepResult{}, err
	}
	symbol := protocol.Symbol(action)
	reply, err := s.send(ctx, s.channel, symbol)
	if err != nil {
		if pv, ok := s.malformed(symbol, err); ok {
			return StepResult{}, s.violation(ctx, pv)
		}
		s.releaseOnTransportError(ctx, err)
		return StepResult{}, err
	}
	if reply.Kind != protocol.KindEpisode || reply.Episode == nil {
		return StepResult{}, s.violation(ctx, &ProtocolViolationError{
			Request: symbol,
			Reply:   reply,
			Mode:    s.mode,
			Reason:  "expected an episode tuple",
		})
	}
	ep := reply.Episode
	if err := s.opts.Contract.Check(ep.Observation); err != nil {
		return StepResult{}, s.violation(ctx, err)
	}
	observability.RecordStep("session")
	return StepResult{
		Observation: ep.Observation,
		Reward:      ep.Reward,
		Done:        ep.Done,
		Info:        ep.Info,
	}, nil
}

// Reset starts a fresh episode and returns its first tuple, obtained by
// stepping the neutral action. A session with no usable worker starts one
// first, unless it was explicitly stopped.
func (s *Session) Reset(ctx context.Context) (StepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.stopped && !s.usable() {
		if s.process != nil || s.channel != nil {
			s.logger.Info().Msg("worker unusable, restarting")
			if err := s.release(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("release before restart")
			}
		}
		if err := s.start(ctx); err != nil {
			return StepResult{}, err
		}
	}

	if err := s.forceControl(ctx, "reset"); err != nil {
		s.releaseOnTransportError(ctx, err)
		return StepResult{}, err
	}
	reply, err := s.send(ctx, s.channel, protocol.SymbolResetEpisode)
	if err != nil {
		if pv, ok := s.malformed(protocol.SymbolResetEpisode, err); ok {
			return StepResult{}, s.violation(ctx, pv)
		}
		s.releaseOnTransportError(ctx, err)
		return StepResult{}, err
	}
	if reply.Kind != protocol.KindControl {
		return StepResult{}, s.violation(ctx, &ProtocolViolationError{
			Request: protocol.SymbolResetEpisode,
			Reply:   reply,
			Mode:    s.mode,
			Reason:  "expected a control acknowledgement",
		})
	}
	s.mode = ModeEpisode

	res, err := s.step(ctx, s.opts.Actions[0])
	if err != nil {
		return StepResult{}, err
	}
	observability.RecordEpisode("session")
	s.logger.Debug().Msg("episode reset")
	return res, nil
}

// Statistics forces control mode, which ends any running episode, and
// returns the worker's report-statistics reply verbatim. Without a live
// worker it returns the last reply seen together with the error.
func (s *Session) Statistics(ctx context.Context) (protocol.Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.forceControl(ctx, "statistics"); err != nil {
		s.releaseOnTransportError(ctx, err)
		return s.lastReply, err
	}
	reply, err := s.send(ctx, s.channel, protocol.SymbolReportStatistics)
	if err != nil {
		if pv, ok := s.malformed(protocol.SymbolReportStatistics, err); ok {
			return s.lastReply, s.violation(ctx, pv)
		}
		s.releaseOnTransportError(ctx, err)
		return s.lastReply, err
	}
	return reply, nil
}

// Stop shuts the worker down, gracefully when it is reachable and by
// termination otherwise. Both handles are always released. Stopping a
// stopped session is a no-op.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return s.stop(ctx)
}

func (s *Session) stop(ctx context.Context) error {
	if s.process == nil && s.channel == nil {
		s.mode = ModeNoWorker
		return nil
	}

	var errs []error
	if s.usable() {
		if err := s.shutdownGracefully(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("graceful shutdown failed, terminating")
			errs = append(errs, err)
		}
	}
	if err := s.release(ctx); err != nil {
		errs = append(errs, err)
	}
	s.logger.Info().Msg("worker stopped")
	return errors.Join(errs...)
}

func (s *Session) shutdownGracefully(ctx context.Context) error {
	if err := s.forceControl(ctx, "stop"); err != nil {
		return err
	}
	reply, err := s.send(ctx, s.channel, protocol.SymbolShutdownWorker)
	if err != nil {
		return err
	}
	if !reply.IsControlMode() {
		return &ProtocolViolationError{
			Request: protocol.SymbolShutdownWorker,
			Reply:   reply,
			Mode:    s.mode,
			Reason:  "expected a control acknowledgement",
		}
	}
	wctx, cancel := context.WithTimeout(ctx, s.opts.ShutdownGrace)
	defer cancel()
	if err := s.process.Wait(wctx); err != nil && s.process.Alive() {
		return fmt.Errorf("env: worker still running after shutdown ack: %w", err)
	}
	return nil
}

// release terminates the worker and closes the channel, then clears both
// handles. It does not touch the stopped latch.
func (s *Session) release(ctx context.Context) error {
	var errs []error
	if s.channel != nil {
		if err := s.channel.Close(); err != nil {
			errs = append(errs, fmt.Errorf("env: close channel: %w", err))
		}
	}
	if s.process != nil {
		if err := s.terminate(ctx, s.process); err != nil {
			errs = append(errs, err)
		}
	}
	s.channel = nil
	s.process = nil
	s.mode = ModeNoWorker
	return errors.Join(errs...)
}

func (s *Session) releaseOnTransportError(ctx context.Context, err error) {
	if !errors.Is(err, transport.ErrChannelError) &&
		!errors.Is(err, transport.ErrChannelClosed) &&
		!errors.Is(err, protocol.ErrMalformedReply) {
		return
	}
	s.logger.Warn().Err(err).Msg("channel failed, releasing worker")
	if rerr := s.release(ctx); rerr != nil {
		s.logger.Warn().Err(rerr).Msg("release after channel failure")
	}
}

// malformed turns a reply frame that arrived but did not decode into a
// protocol violation.
func (s *Session) malformed(symbol protocol.Symbol, err error) (*ProtocolViolationError, bool) {
	var decodeErr *protocol.DecodeError
	if !errors.As(err, &decodeErr) {
		return nil, false
	}
	return &ProtocolViolationError{
		Request: symbol,
		Mode:    s.mode,
		Reason:  "malformed reply",
		Err:     decodeErr,
	}, true
}

// violation stops the worker before surfacing a protocol-level failure.
func (s *Session) violation(ctx context.Context, cause error) error {
	s.logger.Error().Err(cause).Msg("protocol failure, stopping worker")
	if err := s.stop(ctx); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func (s *Session) terminate(ctx context.Context, proc worker.Process) error {
	if err := proc.Terminate(ctx); err != nil {
		return fmt.Errorf("env: terminate worker %d: %w", proc.PID(), err)
	}
	return nil
}

// require checks both handles without sending anything.
func (s *Session) require(op string) error {
	s.reapDead()
	if s.process == nil || !s.process.Alive() {
		return &NoWorkerError{Op: op}
	}
	if s.channel == nil || !s.channel.IsOpen() {
		return &NoChannelError{Op: op}
	}
	return nil
}

func (s *Session) usable() bool {
	return s.process != nil && s.process.Alive() && s.channel != nil && s.channel.IsOpen()
}

// reapDead drops handles of a worker that has already exited.
func (s *Session) reapDead() {
	if s.process == nil || s.process.Alive() {
		return
	}
	s.logger.Warn().Int("pid", s.process.PID()).Msg("worker exited unexpectedly")
	if s.channel != nil {
		_ = s.channel.Close()
	}
	s.channel = nil
	s.process = nil
	s.mode = ModeNoWorker
}

func (s *Session) send(ctx context.Context, ch transport.Channel, symbol protocol.Symbol) (protocol.Reply, error) {
	start := time.Now()
	reply, err := ch.Send(ctx, protocol.Request{Symbol: symbol})
	if err != nil {
		observability.RecordRoundTrip(string(symbol), "failed", time.Since(start))
		return protocol.Reply{}, err
	}
	observability.RecordRoundTrip(string(symbol), reply.Kind.String(), time.Since(start))
	s.lastReply = reply
	return reply, nil
}
