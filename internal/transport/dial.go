package transport

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Dialer opens a channel to a worker address.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Channel, error)
}

// TCPDialer retries refused connections with backoff until StartupPatience
// runs out, covering the window where a fresh worker has not bound yet.
type TCPDialer struct {
	cfg    Config
	logger zerolog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

func NewTCPDialer(cfg Config, logger zerolog.Logger) *TCPDialer {
	return &TCPDialer{
		cfg:    cfg.WithDefaults(),
		logger: logger,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (d *TCPDialer) Dial(ctx context.Context, addr string) (Channel, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidAddress, addr, err)
	}
	ctx, cancel := context.WithTimeout(ctx, d.cfg.StartupPatience)
	defer cancel()

	nd := net.Dialer{Timeout: d.cfg.ConnectTimeout}
	var lastErr error
	for attempt := 1; ; attempt++ {
		conn, err := nd.DialContext(ctx, "tcp", addr)
		if err == nil {
			d.logger.Debug().Str("addr", addr).Int("attempt", attempt).Msg("channel open")
			return NewTCPChannel(conn, d.cfg.RoundTripTimeout), nil
		}
		lastErr = err
		delay := d.nextDelay(ctx, attempt)
		d.logger.Debug().Err(err).Str("addr", addr).Int("attempt", attempt).Dur("retry_in", delay).Msg("dial failed")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, &ChannelError{Op: "dial", Addr: addr, Err: errors.Join(ctx.Err(), lastErr)}
		case <-timer.C:
		}
	}
}

func (d *TCPDialer) nextDelay(ctx context.Context, attempt int) time.Duration {
	var remaining time.Duration
	if deadline, ok := ctx.Deadline(); ok {
		remaining = max(time.Until(deadline), time.Millisecond)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.Backoff.Delay(attempt, remaining, d.rng)
}
