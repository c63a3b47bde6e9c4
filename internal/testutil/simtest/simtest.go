// Package simtest runs simulation workers in-process for controller tests.
// Launched "processes" are goroutines serving on the requested address.
package simtest

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/danmuck/gymctl/internal/protocol"
	"github.com/danmuck/gymctl/internal/protocol/frame"
	"github.com/danmuck/gymctl/internal/sim"
	"github.com/danmuck/gymctl/internal/testutil/testlog"
	"github.com/danmuck/gymctl/internal/transport"
	"github.com/danmuck/gymctl/internal/worker"
)

// ServeFunc serves on ln until ctx is cancelled or the worker decides to exit.
type ServeFunc func(ctx context.Context, ln net.Listener) error

// FreeAddr returns a loopback address that was free a moment ago.
func FreeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve addr: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

// Launcher implements worker.Launcher with in-process workers.
type Launcher struct {
	factory func() ServeFunc

	mu    sync.Mutex
	procs []*Process
	// FailLaunch, when set, is returned by the next Launch.
	FailLaunch error
}

func NewLauncher(factory func() ServeFunc) *Launcher {
	return &Launcher{factory: factory}
}

// MarketLauncher serves a fresh MarketEngine-backed sim.Server per launch.
func MarketLauncher(t *testing.T, params sim.MarketParams) *Launcher {
	t.Helper()
	return NewLauncher(func() ServeFunc {
		engine, err := sim.NewMarketEngine(params)
		if err != nil {
			t.Errorf("market engine: %v", err)
			return func(ctx context.Context, ln net.Listener) error { return err }
		}
		srv := sim.NewServer(engine, testlog.Start(t))
		return srv.Serve
	})
}

func (l *Launcher) Launch(ctx context.Context, addr string) (worker.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.FailLaunch; err != nil {
		l.FailLaunch = nil
		return nil, err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srvCtx, cancel := context.WithCancel(context.Background())
	p := &Process{pid: 10000 + len(l.procs), cancel: cancel, done: make(chan struct{})}
	serve := l.factory()
	go func() {
		err := serve(srvCtx, ln)
		_ = ln.Close()
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	}()
	l.procs = append(l.procs, p)
	return p, nil
}

func (l *Launcher) Launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

func (l *Launcher) Last() *Process {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.procs) == 0 {
		return nil
	}
	return l.procs[len(l.procs)-1]
}

// Process is an in-process worker handle.
type Process struct {
	pid        int
	cancel     context.CancelFunc
	done       chan struct{}
	terminated atomic.Bool

	mu  sync.Mutex
	err error
}

func (p *Process) PID() int { return p.pid }

func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *Process) Exited() <-chan struct{} { return p.done }

func (p *Process) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Process) Terminate(ctx context.Context) error {
	if !p.Alive() {
		return nil
	}
	p.terminated.Store(true)
	p.cancel()
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Crash stops the worker without going through Terminate.
func (p *Process) Crash() {
	p.cancel()
	<-p.done
}

// Terminated reports whether Terminate had to stop a live worker.
func (p *Process) Terminated() bool { return p.terminated.Load() }

// Scripted serves one client at a time, answering each request with
// respond. When respond returns false the request is left unanswered.
func Scripted(respond func(protocol.Request) (protocol.Reply, bool)) ServeFunc {
	return serveWith(func(w io.Writer, req protocol.Request) error {
		reply, ok := respond(req)
		if !ok {
			return nil
		}
		reply.ID = req.ID
		return protocol.WriteReply(w, reply)
	})
}

// ScriptedFrames is Scripted for raw reply frames, so a worker can send
// payloads the codec refuses to encode. MessageID is set to the request id.
func ScriptedFrames(respond func(protocol.Request) (frame.Frame, bool)) ServeFunc {
	return serveWith(func(w io.Writer, req protocol.Request) error {
		f, ok := respond(req)
		if !ok {
			return nil
		}
		f.Header.MessageID = req.ID
		f.Header.Flags |= frame.FlagIsResponse
		return frame.WriteFrame(w, f, frame.DefaultLimits())
	})
}

// ReplyFrame encodes reply and returns its frame, for mixing well-formed
// replies into ScriptedFrames.
func ReplyFrame(t *testing.T, reply protocol.Reply) frame.Frame {
	t.Helper()
	var buf bytes.Buffer
	if err := protocol.WriteReply(&buf, reply); err != nil {
		t.Fatalf("encode reply: %v", err)
	}
	f, err := frame.ReadFrame(&buf, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("reframe reply: %v", err)
	}
	return f
}

type answerFunc func(w io.Writer, req protocol.Request) error

func serveWith(answer answerFunc) ServeFunc {
	return func(ctx context.Context, ln net.Listener) error {
		stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
		defer stop()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			serveConn(ctx, conn, answer)
		}
	}
}

func serveConn(ctx context.Context, conn net.Conn, answer answerFunc) {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		req, err := protocol.ReadRequest(r)
		if err != nil {
			return
		}
		if err := answer(conn, req); err != nil {
			return
		}
	}
}

// CountingDialer counts every Send made on the channels it opens.
type CountingDialer struct {
	Inner transport.Dialer
	sends atomic.Int64
}

func (d *CountingDialer) Dial(ctx context.Context, addr string) (transport.Channel, error) {
	ch, err := d.Inner.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	return &countingChannel{Channel: ch, sends: &d.sends}, nil
}

func (d *CountingDialer) Sends() int64 { return d.sends.Load() }

type countingChannel struct {
	transport.Channel
	sends *atomic.Int64
}

func (c *countingChannel) Send(ctx context.Context, req protocol.Request) (protocol.Reply, error) {
	c.sends.Add(1)
	return c.Channel.Send(ctx, req)
}
