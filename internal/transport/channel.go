package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/gymctl/internal/protocol"
)

// Channel is a synchronous request/reply link to one worker.
type Channel interface {
	Send(ctx context.Context, req protocol.Request) (protocol.Reply, error)
	Close() error
	IsOpen() bool
}

// TCPChannel carries framed requests over one TCP connection. Sends are
// serialized; each reply must echo the request's message id.
type TCPChannel struct {
	mu      sync.Mutex
	conn    net.Conn
	reader  *bufio.Reader
	addr    string
	timeout time.Duration
	seq     uint64
	closed  atomic.Bool
}

func NewTCPChannel(conn net.Conn, roundTripTimeout time.Duration) *TCPChannel {
	if roundTripTimeout <= 0 {
		roundTripTimeout = DefaultConfig().RoundTripTimeout
	}
	return &TCPChannel{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		addr:    conn.RemoteAddr().String(),
		timeout: roundTripTimeout,
	}
}

func (c *TCPChannel) Addr() string {
	return c.addr
}

// Send performs one round trip. The request id is assigned here. A reply
// frame that arrives intact but does not decode is returned as
// *protocol.DecodeError and leaves the channel open; any other failure
// closes it.
func (c *TCPChannel) Send(ctx context.Context, req protocol.Request) (protocol.Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return protocol.Reply{}, ErrChannelClosed
	}
	if err := ctx.Err(); err != nil {
		return protocol.Reply{}, err
	}

	c.seq++
	req.ID = c.seq
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return protocol.Reply{}, c.fail(ctx, "deadline", err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := protocol.WriteRequest(c.conn, req); err != nil {
		return protocol.Reply{}, c.fail(ctx, "write", err)
	}
	reply, err := protocol.ReadReply(c.reader)
	var decodeErr *protocol.DecodeError
	if errors.As(err, &decodeErr) && decodeErr.ID == req.ID {
		return protocol.Reply{}, decodeErr
	}
	if err != nil {
		return protocol.Reply{}, c.fail(ctx, "read", err)
	}
	if reply.ID != req.ID {
		return protocol.Reply{}, c.fail(ctx, "read", fmt.Errorf("reply id %d does not match request id %d", reply.ID, req.ID))
	}
	return reply, nil
}

func (c *TCPChannel) fail(ctx context.Context, op string, err error) error {
	_ = c.Close()
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = fmt.Errorf("%w: %w", ctxErr, err)
	}
	return &ChannelError{Op: op, Addr: c.addr, Err: err}
}

// Close is idempotent and safe to call while a Send is blocked.
func (c *TCPChannel) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.Close()
}

func (c *TCPChannel) IsOpen() bool {
	return !c.closed.Load()
}
