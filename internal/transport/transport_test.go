package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/danmuck/gymctl/internal/protocol"
	"github.com/danmuck/gymctl/internal/protocol/frame"
	"github.com/danmuck/gymctl/internal/protocol/schema"
	"github.com/danmuck/gymctl/internal/protocol/tlv"
	"github.com/danmuck/gymctl/internal/testutil/testlog"
	"github.com/danmuck/gymctl/internal/tools"
	"github.com/rs/zerolog"
)

type replyFunc func(req protocol.Request) (protocol.Reply, bool)

// serve answers requests on one accepted connection until respond returns false.
func serve(t *testing.T, respond replyFunc) (string, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			req, err := protocol.ReadRequest(conn)
			if err != nil {
				return
			}
			reply, ok := respond(req)
			if !ok {
				_, _ = io.Copy(io.Discard, conn)
				return
			}
			if err := protocol.WriteReply(conn, reply); err != nil {
				return
			}
		}
	}()
	return ln.Addr().String(), func() {
		_ = ln.Close()
		<-done
	}
}

func dial(t *testing.T, addr string, rt time.Duration) *TCPChannel {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return NewTCPChannel(conn, rt)
}

func TestBackoffDelayGrowsToCap(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
	}
	cases := map[int]time.Duration{
		1:  250 * time.Millisecond,
		2:  500 * time.Millisecond,
		3:  time.Second,
		6:  5 * time.Second,
		60: 5 * time.Second,
	}
	for attempt, want := range cases {
		if got := cfg.Delay(attempt, 0, nil); got != want {
			t.Fatalf("attempt %d got=%v want %v", attempt, got, want)
		}
	}
}

func TestBackoffDelayCappedByRemainingPatience(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{InitialDelay: time.Second, Multiplier: 2, MaxDelay: 10 * time.Second}
	if got := cfg.Delay(4, 300*time.Millisecond, nil); got != 300*time.Millisecond {
		t.Fatalf("delay must not outlive the startup window, got %v", got)
	}
	if got := (BackoffConfig{}).Delay(3, time.Second, nil); got != 0 {
		t.Fatalf("zero config must not wait, got %v", got)
	}
}

func TestBackoffDelayJitterStaysInUpperHalf(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second, Jitter: true}
	rng := rand.New(rand.NewSource(1))
	for attempt := 1; attempt <= 8; attempt++ {
		ceiling := cfg.Delay(attempt, 0, nil)
		got := cfg.Delay(attempt, 0, rng)
		if got < ceiling/2 || got > ceiling {
			t.Fatalf("attempt %d jittered delay %v outside [%v, %v]", attempt, got, ceiling/2, ceiling)
		}
	}
}

func TestConfigWithDefaultsKeepsExplicitValues(t *testing.T) {
	testlog.Start(t)
	cfg := Config{RoundTripTimeout: time.Second}.WithDefaults()
	if cfg.RoundTripTimeout != time.Second {
		t.Fatalf("explicit round trip timeout lost: %v", cfg.RoundTripTimeout)
	}
	def := DefaultConfig()
	if cfg.ConnectTimeout != def.ConnectTimeout || cfg.StartupPatience != def.StartupPatience {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.Backoff != def.Backoff {
		t.Fatalf("backoff defaults not applied: %+v", cfg.Backoff)
	}
}

func TestTCPChannelRoundTripAssignsIDs(t *testing.T) {
	testlog.Start(t)
	var mu sync.Mutex
	var seen []uint64
	addr, stop := serve(t, func(req protocol.Request) (protocol.Reply, bool) {
		mu.Lock()
		seen = append(seen, req.ID)
		mu.Unlock()
		reply := protocol.ControlReply(protocol.ModeControl, string(req.Symbol))
		reply.ID = req.ID
		return reply, true
	})
	defer stop()

	ch := dial(t, addr, time.Second)
	defer ch.Close()
	for i := 0; i < 3; i++ {
		reply, err := ch.Send(context.Background(), protocol.Request{Symbol: protocol.SymbolPing})
		if err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		if !reply.IsControlMode() || reply.Control.Status != string(protocol.SymbolPing) {
			t.Fatalf("unexpected reply: %s", reply)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 || seen[0] != 1 || seen[2] != 3 {
		t.Fatalf("unexpected request ids: %v", seen)
	}
}

func TestTCPChannelMismatchedReplyClosesChannel(t *testing.T) {
	testlog.Start(t)
	addr, stop := serve(t, func(req protocol.Request) (protocol.Reply, bool) {
		reply := protocol.ControlReply(protocol.ModeControl, "stale")
		reply.ID = req.ID + 100
		return reply, true
	})
	defer stop()

	ch := dial(t, addr, time.Second)
	_, err := ch.Send(context.Background(), protocol.Request{Symbol: protocol.SymbolPing})
	var chErr *ChannelError
	if !errors.As(err, &chErr) || !errors.Is(err, ErrChannelError) {
		t.Fatalf("expected ChannelError, got %v", err)
	}
	if ch.IsOpen() {
		t.Fatalf("channel must close after a failed round trip")
	}
	if _, err := ch.Send(context.Background(), protocol.Request{Symbol: protocol.SymbolPing}); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("expected ErrChannelClosed, got %v", err)
	}
}

func TestTCPChannelMalformedReplyKeepsChannelOpen(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		req, err := protocol.ReadRequest(conn)
		if err != nil {
			return
		}
		_ = frame.WriteFrame(conn, frame.Frame{
			Header:  frame.Header{MessageID: req.ID, MessageType: schema.MsgEpisode, Flags: frame.FlagIsResponse},
			Payload: tlv.EncodeFields([]tlv.Field{tlv.F64(schema.FieldReward, 1)}),
		}, frame.DefaultLimits())
		req, err = protocol.ReadRequest(conn)
		if err != nil {
			return
		}
		reply := protocol.ControlReply(protocol.ModeControl, "idle")
		reply.ID = req.ID
		_ = protocol.WriteReply(conn, reply)
	}()

	ch := dial(t, ln.Addr().String(), time.Second)
	defer ch.Close()
	_, err = ch.Send(context.Background(), protocol.Request{Symbol: "hold"})
	var decodeErr *protocol.DecodeError
	if !errors.As(err, &decodeErr) || errors.Is(err, ErrChannelError) {
		t.Fatalf("expected a bare DecodeError, got %v", err)
	}
	if len(decodeErr.Payload) == 0 {
		t.Fatalf("decode error must carry the received payload")
	}
	if !ch.IsOpen() {
		t.Fatalf("stream is still aligned, channel must stay open")
	}
	reply, err := ch.Send(context.Background(), protocol.Request{Symbol: protocol.SymbolTerminateEpisode})
	if err != nil || !reply.IsControlMode() {
		t.Fatalf("follow-up round trip failed: reply=%s err=%v", reply, err)
	}
}

func TestTCPChannelRoundTripTimeout(t *testing.T) {
	testlog.Start(t)
	addr, stop := serve(t, func(protocol.Request) (protocol.Reply, bool) {
		return protocol.Reply{}, false
	})
	defer stop()

	ch := dial(t, addr, 50*time.Millisecond)
	start := time.Now()
	_, err := ch.Send(context.Background(), protocol.Request{Symbol: protocol.SymbolTerminateEpisode})
	if !errors.Is(err, ErrChannelError) || !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("expected deadline ChannelError, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("timeout took too long: %v", elapsed)
	}
	if ch.IsOpen() {
		t.Fatalf("channel must close after timeout")
	}
}

func TestTCPChannelContextCancelUnblocksSend(t *testing.T) {
	testlog.Start(t)
	addr, stop := serve(t, func(protocol.Request) (protocol.Reply, bool) {
		return protocol.Reply{}, false
	})
	defer stop()

	ch := dial(t, addr, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	_, err := ch.Send(ctx, protocol.Request{Symbol: protocol.SymbolPing})
	if !errors.Is(err, context.Canceled) || !errors.Is(err, ErrChannelError) {
		t.Fatalf("expected canceled ChannelError, got %v", err)
	}
}

func TestTCPChannelPeerCloseIsChannelError(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			_ = conn.Close()
		}
	}()
	ch := dial(t, ln.Addr().String(), time.Second)
	if _, err := ch.Send(context.Background(), protocol.Request{Symbol: protocol.SymbolPing}); !errors.Is(err, ErrChannelError) {
		t.Fatalf("expected ChannelError, got %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("second close must be a no-op, got %v", err)
	}
}

func TestTCPDialerWaitsForLateListener(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	ready := make(chan net.Listener, 1)
	time.AfterFunc(150*time.Millisecond, func() {
		late, err := net.Listen("tcp", addr)
		if err != nil {
			ready <- nil
			return
		}
		ready <- late
		conn, err := late.Accept()
		if err == nil {
			defer conn.Close()
			_, _ = io.Copy(io.Discard, conn)
		}
	})

	cfg := DefaultConfig()
	cfg.StartupPatience = 3 * time.Second
	cfg.Backoff = BackoffConfig{InitialDelay: 20 * time.Millisecond, Multiplier: 1.5, MaxDelay: 100 * time.Millisecond}
	ch, err := NewTCPDialer(cfg, zerolog.Nop()).Dial(context.Background(), addr)
	late := <-ready
	if late == nil {
		t.Skip("port was taken before the late listener could bind")
	}
	defer late.Close()
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if !ch.IsOpen() {
		t.Fatalf("expected open channel")
	}
	_ = ch.Close()
}

func TestTCPDialerGivesUpAfterPatience(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	cfg := DefaultConfig()
	cfg.StartupPatience = 150 * time.Millisecond
	cfg.Backoff = BackoffConfig{InitialDelay: 20 * time.Millisecond, Multiplier: 1}
	_, err = NewTCPDialer(cfg, zerolog.Nop()).Dial(context.Background(), addr)
	if !errors.Is(err, ErrChannelError) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline ChannelError, got %v", err)
	}
}

func TestTCPDialerRejectsBadAddress(t *testing.T) {
	testlog.Start(t)
	if _, err := NewTCPDialer(DefaultConfig(), zerolog.Nop()).Dial(context.Background(), "no-port"); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress, got %v", err)
	}
}

func TestPortReclaimerTerminatesListeners(t *testing.T) {
	logger := testlog.Start(t)
	var killed []string
	free := false
	r := &PortReclaimer{
		Grace:  200 * time.Millisecond,
		Logger: logger,
		Runner: tools.RunFunc(func(_ context.Context, name string, args ...string) ([]byte, []byte, int32, error) {
			if name != "lsof" || args[1] != "-iTCP:7070" {
				t.Errorf("unexpected command %s %v", name, args)
			}
			return []byte(fmt.Sprintf("4242\n%d\n4242\n", os.Getpid())), nil, 0, nil
		}),
		Kill: func(pid int, sig syscall.Signal) error {
			killed = append(killed, fmt.Sprintf("%d/%d", pid, sig))
			free = true
			return nil
		},
		Probe: func(string) bool { return free },
	}
	if err := r.Reclaim(context.Background(), "127.0.0.1:7070"); err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(killed) != 1 || killed[0] != fmt.Sprintf("4242/%d", syscall.SIGTERM) {
		t.Fatalf("unexpected signals: %v", killed)
	}
}

func TestPortReclaimerEscalatesToKill(t *testing.T) {
	logger := testlog.Start(t)
	var sigs []syscall.Signal
	r := &PortReclaimer{
		Grace:  50 * time.Millisecond,
		Logger: logger,
		Runner: tools.RunFunc(func(context.Context, string, ...string) ([]byte, []byte, int32, error) {
			return []byte("99\n"), nil, 0, nil
		}),
		Kill: func(_ int, sig syscall.Signal) error {
			sigs = append(sigs, sig)
			return nil
		},
		Probe: func(string) bool { return false },
	}
	err := r.Reclaim(context.Background(), "127.0.0.1:7071")
	if !errors.Is(err, ErrAddressInUse) {
		t.Fatalf("expected ErrAddressInUse, got %v", err)
	}
	if len(sigs) != 2 || sigs[0] != syscall.SIGTERM || sigs[1] != syscall.SIGKILL {
		t.Fatalf("unexpected signal sequence: %v", sigs)
	}
}

func TestPortReclaimerSkipsFreeAndEphemeralPorts(t *testing.T) {
	testlog.Start(t)
	r := &PortReclaimer{
		Runner: tools.RunFunc(func(context.Context, string, ...string) ([]byte, []byte, int32, error) {
			t.Errorf("lsof must not run for a free port")
			return nil, nil, 0, nil
		}),
		Probe: func(string) bool { return true },
	}
	if err := r.Reclaim(context.Background(), "127.0.0.1:0"); err != nil {
		t.Fatalf("ephemeral: %v", err)
	}
	if err := r.Reclaim(context.Background(), "127.0.0.1:7072"); err != nil {
		t.Fatalf("free: %v", err)
	}
}

func TestPortReclaimerNoMatchesIsAddressInUse(t *testing.T) {
	testlog.Start(t)
	r := &PortReclaimer{
		Runner: tools.RunFunc(func(context.Context, string, ...string) ([]byte, []byte, int32, error) {
			return nil, nil, 1, errors.New("exit status 1")
		}),
		Probe: func(string) bool { return false },
	}
	if err := r.Reclaim(context.Background(), "127.0.0.1:7073"); !errors.Is(err, ErrAddressInUse) {
		t.Fatalf("expected ErrAddressInUse, got %v", err)
	}
}
