package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

var (
	ErrEmptyCommand = errors.New("worker: empty command")
	ErrNotExited    = errors.New("worker: process did not exit")
)

// Process is a handle to one launched worker.
type Process interface {
	PID() int
	Alive() bool
	Exited() <-chan struct{}
	// Wait blocks until exit or ctx is done and returns the exit error.
	Wait(ctx context.Context) error
	// Terminate signals the process group with SIGTERM, escalates to
	// SIGKILL after the grace period and reaps the process.
	Terminate(ctx context.Context) error
}

// Launcher starts a worker bound to addr.
type Launcher interface {
	Launch(ctx context.Context, addr string) (Process, error)
}

// Spec describes the worker command line. The tokens {addr}, {host} and
// {port} in Args are expanded at launch.
type Spec struct {
	Command string
	Args    []string
	Env     []string
	Dir     string
	Stdout  io.Writer
	Stderr  io.Writer
}

// ExecLauncher starts workers as local OS processes.
type ExecLauncher struct {
	Spec   Spec
	Grace  time.Duration
	Logger zerolog.Logger
}

func NewExecLauncher(spec Spec, grace time.Duration, logger zerolog.Logger) *ExecLauncher {
	return &ExecLauncher{Spec: spec, Grace: grace, Logger: logger}
}

// Launch starts the process. The process outlives ctx; ctx only bounds the
// start itself.
func (l *ExecLauncher) Launch(ctx context.Context, addr string) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(l.Spec.Command) == "" {
		return nil, ErrEmptyCommand
	}
	args := ExpandArgs(l.Spec.Args, addr)
	cmd := exec.Command(l.Spec.Command, args...)
	cmd.Env = append(os.Environ(), l.Spec.Env...)
	cmd.Dir = l.Spec.Dir
	cmd.Stdout = l.Spec.Stdout
	cmd.Stderr = l.Spec.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("worker: start %s: %w", l.Spec.Command, err)
	}
	grace := l.Grace
	if grace <= 0 {
		grace = 2 * time.Second
	}
	p := &execProcess{
		cmd:    cmd,
		pid:    cmd.Process.Pid,
		grace:  grace,
		done:   make(chan struct{}),
		logger: l.Logger.With().Int("pid", cmd.Process.Pid).Logger(),
	}
	p.logger.Info().Str("command", l.Spec.Command).Strs("args", args).Msg("worker started")
	go p.monitor()
	return p, nil
}

// ExpandArgs substitutes {addr}, {host} and {port} in args.
func ExpandArgs(args []string, addr string) []string {
	host, port := addr, ""
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		host, port = addr[:i], addr[i+1:]
	}
	r := strings.NewReplacer("{addr}", addr, "{host}", host, "{port}", port)
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = r.Replace(a)
	}
	return out
}

type execProcess struct {
	cmd    *exec.Cmd
	pid    int
	grace  time.Duration
	logger zerolog.Logger

	done    chan struct{}
	mu      sync.Mutex
	exitErr error
}

func (p *execProcess) monitor() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.exitErr = err
	p.mu.Unlock()
	if err != nil {
		p.logger.Debug().Err(err).Msg("worker exited")
	} else {
		p.logger.Debug().Msg("worker exited cleanly")
	}
	close(p.done)
}

func (p *execProcess) PID() int { return p.pid }

func (p *execProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *execProcess) Exited() <-chan struct{} { return p.done }

func (p *execProcess) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.exitErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *execProcess) Terminate(ctx context.Context) error {
	if !p.Alive() {
		return nil
	}
	if err := unix.Kill(-p.pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		p.logger.Warn().Err(err).Msg("sigterm failed")
	}
	timer := time.NewTimer(p.grace)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
	case <-timer.C:
	}

	p.logger.Warn().Dur("grace", p.grace).Msg("worker ignored sigterm, killing")
	if err := unix.Kill(-p.pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("worker: kill %d: %w", p.pid, err)
	}
	// SIGKILL cannot be ignored; reap without honoring a cancelled ctx.
	select {
	case <-p.done:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("%w: pid %d", ErrNotExited, p.pid)
	}
}
