package schema

import (
	"fmt"

	"github.com/danmuck/gymctl/internal/protocol/tlv"
)

// Message type IDs from tlv contract.
const (
	MsgRequest uint32 = 1
	MsgControl uint32 = 2
	MsgEpisode uint32 = 3
	MsgError   uint32 = 4
)

// Field IDs from tlv contract.
const (
	FieldSymbol uint16 = 1

	FieldMode   uint16 = 100
	FieldStatus uint16 = 101
	FieldStats  uint16 = 102

	FieldShape       uint16 = 200
	FieldObservation uint16 = 201
	FieldReward      uint16 = 202
	FieldDone        uint16 = 203
	FieldInfo        uint16 = 204
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint32
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var requirements = map[uint32][]Requirement{
	MsgRequest: {
		{FieldSymbol, tlv.TypeString},
	},
	MsgControl: {
		{FieldMode, tlv.TypeU8},
		{FieldStatus, tlv.TypeString},
	},
	MsgEpisode: {
		{FieldShape, tlv.TypeBytes},
		{FieldObservation, tlv.TypeBytes},
		{FieldReward, tlv.TypeF64},
		{FieldDone, tlv.TypeBool},
	},
	MsgError: {
		{FieldStatus, tlv.TypeString},
	},
}

// Optional fields are type-checked only when present.
var optional = map[uint32][]Requirement{
	MsgControl: {
		{FieldStats, tlv.TypeBytes},
	},
	MsgEpisode: {
		{FieldInfo, tlv.TypeBytes},
	},
}

// Name returns a readable label for a message type.
func Name(messageType uint32) string {
	switch messageType {
	case MsgRequest:
		return "request"
	case MsgControl:
		return "control"
	case MsgEpisode:
		return "episode"
	case MsgError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", messageType)
	}
}

// Validate enforces required fields and required field types for a message type.
// Unknown fields are ignored.
func Validate(messageType uint32, fields []tlv.Field) error {
	reqs, ok := requirements[messageType]
	if !ok {
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	for _, opt := range optional[messageType] {
		f, found := tlv.GetField(fields, opt.ID)
		if found && f.Type != opt.Type {
			return ValidationError{MessageType: messageType, FieldID: opt.ID, Reason: "type mismatch"}
		}
	}
	return nil
}
