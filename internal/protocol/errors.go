package protocol

import (
	"errors"
	"fmt"

	"github.com/danmuck/gymctl/internal/protocol/schema"
)

var (
	ErrMessageTypeMismatch = errors.New("protocol: message type mismatch")
	ErrEmptySymbol         = errors.New("protocol: empty symbol")
	ErrShapeMismatch       = errors.New("protocol: observation shape does not match values")
	ErrInvalidShape        = errors.New("protocol: invalid observation shape")
	ErrInvalidMode         = errors.New("protocol: invalid mode")
	ErrInvalidReply        = errors.New("protocol: invalid reply")
	ErrMalformedReply      = errors.New("protocol: malformed reply")
)

// DecodeError reports a reply frame that was read in full but whose payload
// is not a well-formed reply. The stream is still aligned on a frame
// boundary. Payload is the raw TLV body as received.
type DecodeError struct {
	ID          uint64
	MessageType uint32
	Payload     []byte
	Err         error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("protocol: malformed %s reply id=%d: %v", schema.Name(e.MessageType), e.ID, e.Err)
}

func (e *DecodeError) Unwrap() []error {
	return []error{ErrMalformedReply, e.Err}
}
