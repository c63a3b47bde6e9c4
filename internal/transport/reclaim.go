package transport

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/gymctl/internal/tools"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// Reclaimer frees a bind address before a worker is launched on it.
type Reclaimer interface {
	Reclaim(ctx context.Context, addr string) error
}

// NopReclaimer leaves the address alone.
type NopReclaimer struct{}

func (NopReclaimer) Reclaim(context.Context, string) error { return nil }

// PortReclaimer finds processes listening on the port with lsof, sends them
// SIGTERM, and escalates to SIGKILL once Grace elapses. The calling process
// is never signalled.
type PortReclaimer struct {
	Runner tools.CommandRunner
	Grace  time.Duration
	Logger zerolog.Logger

	// Kill defaults to unix.Kill.
	Kill func(pid int, sig syscall.Signal) error
	// Probe reports whether addr can be bound; defaults to a listen attempt.
	Probe func(addr string) bool
}

func NewPortReclaimer(runner tools.CommandRunner, grace time.Duration, logger zerolog.Logger) *PortReclaimer {
	if runner == nil {
		runner = tools.ExecRunner{}
	}
	return &PortReclaimer{Runner: runner, Grace: grace, Logger: logger}
}

func (r *PortReclaimer) Reclaim(ctx context.Context, addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidAddress, addr, err)
	}
	if port == "0" {
		return nil
	}
	probe := r.Probe
	if probe == nil {
		probe = canBind
	}
	if probe(addr) {
		return nil
	}

	pids, err := r.listeners(ctx, port)
	if err != nil {
		return err
	}
	if len(pids) == 0 {
		return fmt.Errorf("%w: %s (no owning process found)", ErrAddressInUse, addr)
	}

	r.signal(pids, unix.SIGTERM)
	if r.waitFree(ctx, addr, probe) {
		return nil
	}
	r.signal(pids, unix.SIGKILL)
	if r.waitFree(ctx, addr, probe) {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrAddressInUse, addr)
}

func (r *PortReclaimer) listeners(ctx context.Context, port string) ([]int, error) {
	stdout, stderr, code, err := r.Runner.Run(ctx, "lsof", "-t", "-iTCP:"+port, "-sTCP:LISTEN")
	switch {
	case err == nil:
	case code == 1 && len(bytes.TrimSpace(stdout)) == 0:
		// lsof exits 1 when nothing matches.
		return nil, nil
	case code == 127:
		return nil, fmt.Errorf("transport: lsof not available: %w", err)
	default:
		return nil, fmt.Errorf("transport: lsof port %s: %w: %s", port, err, strings.TrimSpace(string(stderr)))
	}
	return parsePIDs(stdout), nil
}

func (r *PortReclaimer) signal(pids []int, sig syscall.Signal) {
	kill := r.Kill
	if kill == nil {
		kill = unix.Kill
	}
	for _, pid := range pids {
		err := kill(pid, sig)
		ev := r.Logger.Info()
		if err != nil {
			ev = r.Logger.Warn().Err(err)
		}
		ev.Int("pid", pid).Str("signal", unix.SignalName(sig)).Msg("reclaim port")
	}
}

func (r *PortReclaimer) waitFree(ctx context.Context, addr string, probe func(string) bool) bool {
	grace := r.Grace
	if grace <= 0 {
		grace = DefaultConfig().ReclaimGrace
	}
	deadline := time.Now().Add(grace)
	tick := time.NewTicker(25 * time.Millisecond)
	defer tick.Stop()
	for {
		if probe(addr) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-tick.C:
		}
	}
}

func parsePIDs(out []byte) []int {
	self := os.Getpid()
	seen := make(map[int]struct{})
	var pids []int
	for _, line := range strings.Fields(string(out)) {
		pid, err := strconv.Atoi(line)
		if err != nil || pid <= 0 || pid == self {
			continue
		}
		if _, ok := seen[pid]; ok {
			continue
		}
		seen[pid] = struct{}{}
		pids = append(pids, pid)
	}
	return pids
}

func canBind(addr string) bool {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}
