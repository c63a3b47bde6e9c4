// Package transport owns the client side of the worker channel.
//
// Ownership boundary:
// - Channel: one synchronous request/reply round trip at a time
// - dialing with startup backoff
// - reclaiming a bind address left behind by a previous worker
//
// Channels never retry. A failed or timed-out round trip leaves the stream
// out of step, so the channel closes itself and later sends fail with
// ErrChannelClosed.
package transport
