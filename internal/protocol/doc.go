// Package protocol owns the client<->worker wire contract.
//
// Ownership boundary:
// - request symbols and the tagged reply variant
// - request/reply frame codecs built on frame, tlv and schema
//
// One request frame is always answered by exactly one reply frame carrying
// the same message id. Replies are tagged (control, episode, error) so callers
// dispatch on Kind instead of inspecting payload shape.
package protocol
