package sim

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/gymctl/internal/observability"
	"github.com/danmuck/gymctl/internal/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type workerMode int

const (
	stateControl workerMode = iota
	stateEpisode
	stateClosing
)

func (m workerMode) wire() protocol.Mode {
	if m == stateControl {
		return protocol.ModeControl
	}
	return protocol.ModeEpisode
}

// Status is a point-in-time view of the server for the admin surface.
type Status struct {
	Mode      string    `json:"mode"`
	EpisodeID string    `json:"episode_id,omitempty"`
	Episodes  int       `json:"episodes"`
	Steps     int       `json:"steps"`
	Connected bool      `json:"connected"`
	Listening bool      `json:"listening"`
	Started   time.Time `json:"started"`
}

// Server serves one client connection at a time until it receives
// shutdown-worker or its context is cancelled.
type Server struct {
	engine  Engine
	actions []string
	logger  zerolog.Logger
	started time.Time

	mu        sync.Mutex
	mode      workerMode
	episodeID string
	final     *protocol.Episode
	episodes  int
	steps     int

	connected atomic.Bool
	listening atomic.Bool
}

func NewServer(engine Engine, logger zerolog.Logger) *Server {
	return &Server{
		engine:  engine,
		actions: engine.Actions(),
		logger:  logger,
		started: time.Now(),
	}
}

// Handle applies one request to the mode machine. stop reports that the
// worker should exit after the reply is written.
func (s *Server) Handle(req protocol.Request) (reply protocol.Reply, stop bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch req.Symbol {
	case protocol.SymbolPing:
		return protocol.ControlReply(s.mode.wire(), "pong"), false

	case protocol.SymbolTerminateEpisode:
		switch s.mode {
		case stateEpisode:
			s.engine.End()
			s.mode = stateClosing
			s.logger.Debug().Str("episode_id", s.episodeID).Msg("episode closed")
			return protocol.ControlReply(protocol.ModeEpisode, "episode closed"), false
		case stateClosing:
			s.mode = stateControl
			s.episodeID = ""
			s.final = nil
		}
		return protocol.ControlReply(protocol.ModeControl, "idle"), false

	case protocol.SymbolResetEpisode:
		if s.mode != stateControl {
			return protocol.ErrorReply("reset-episode requires control mode"), false
		}
		if err := s.engine.Begin(); err != nil {
			return protocol.ErrorReply(fmt.Sprintf("reset failed: %v", err)), false
		}
		s.mode = stateEpisode
		s.episodeID = uuid.NewString()
		s.final = nil
		s.episodes++
		observability.RecordEpisode("worker")
		s.logger.Debug().Str("episode_id", s.episodeID).Msg("episode started")
		return protocol.ControlReply(protocol.ModeEpisode, "episode started"), false

	case protocol.SymbolReportStatistics:
		if s.mode != stateControl {
			return protocol.ErrorReply("report-statistics requires control mode"), false
		}
		return protocol.StatsReply(protocol.ModeControl, "statistics", s.engine.Summary()), false

	case protocol.SymbolShutdownWorker:
		if s.mode != stateControl {
			return protocol.ErrorReply("shutdown-worker requires control mode"), false
		}
		return protocol.ControlReply(protocol.ModeControl, "shutting down"), true
	}

	if !slices.Contains(s.actions, string(req.Symbol)) {
		return protocol.ErrorReply(fmt.Sprintf("unknown symbol %q", req.Symbol)), false
	}
	if s.mode != stateEpisode {
		return protocol.ControlReply(s.mode.wire(), "no active episode"), false
	}
	if s.final != nil {
		return protocol.EpisodeReply(*s.final), false
	}
	ep, err := s.engine.Step(string(req.Symbol))
	if err != nil {
		return protocol.ErrorReply(err.Error()), false
	}
	s.steps++
	observability.RecordStep("worker")
	if ep.Done {
		final := ep
		s.final = &final
		s.logger.Debug().Str("episode_id", s.episodeID).Msg("episode done")
	}
	return protocol.EpisodeReply(ep), false
}

// ListenAndServe binds addr and serves. ready, if set, receives the bound
// address before the first accept.
func (s *Server) ListenAndServe(ctx context.Context, addr string, ready func(net.Addr)) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("sim: listen %s: %w", addr, err)
	}
	if ready != nil {
		ready(ln.Addr())
	}
	return s.Serve(ctx, ln)
}

// Serve accepts clients on ln one at a time. It closes ln before returning.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.listening.Store(true)
	defer s.listening.Store(false)
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer ln.Close()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("worker listening")
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("sim: accept: %w", err)
		}
		shutdown, err := s.serveConn(ctx, conn)
		if err != nil {
			s.logger.Warn().Err(err).Msg("client connection ended")
		}
		if shutdown {
			s.logger.Info().Msg("worker shut down by client")
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) (bool, error) {
	s.connected.Store(true)
	defer s.connected.Store(false)
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	s.logger.Debug().Str("remote", remote).Msg("client connected")
	r := bufio.NewReader(conn)
	for {
		req, err := protocol.ReadRequest(r)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return false, nil
			}
			return false, err
		}
		reply, shutdown := s.Handle(req)
		reply.ID = req.ID
		s.logger.Trace().Str("symbol", string(req.Symbol)).Stringer("reply", reply).Msg("handled")
		if err := protocol.WriteReply(conn, reply); err != nil {
			return false, err
		}
		if shutdown {
			return true, nil
		}
	}
}

func (s *Server) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	mode := "control"
	switch s.mode {
	case stateEpisode:
		mode = "episode"
	case stateClosing:
		mode = "closing"
	}
	return Status{
		Mode:      mode,
		EpisodeID: s.episodeID,
		Episodes:  s.episodes,
		Steps:     s.steps,
		Connected: s.connected.Load(),
		Listening: s.listening.Load(),
		Started:   s.started,
	}
}

// Stats returns the engine summary of the last completed episode.
func (s *Server) Stats() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.Summary()
}
