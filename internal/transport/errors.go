package transport

import (
	"errors"
	"fmt"
)

var (
	ErrChannelClosed  = errors.New("transport: channel closed")
	ErrChannelError   = errors.New("transport: channel error")
	ErrAddressInUse   = errors.New("transport: address still in use")
	ErrInvalidAddress = errors.New("transport: invalid address")
)

// ChannelError wraps an I/O failure on an open channel. It matches both
// ErrChannelError and the underlying cause.
type ChannelError struct {
	Op   string
	Addr string
	Err  error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("transport: %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *ChannelError) Unwrap() []error {
	return []error{ErrChannelError, e.Err}
}
