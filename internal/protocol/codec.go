package protocol

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/danmuck/gymctl/internal/protocol/frame"
	"github.com/danmuck/gymctl/internal/protocol/schema"
	"github.com/danmuck/gymctl/internal/protocol/tlv"
)

// WriteRequest encodes req as one request frame.
func WriteRequest(w io.Writer, req Request) error {
	if strings.TrimSpace(string(req.Symbol)) == "" {
		return ErrEmptySymbol
	}
	fields := []tlv.Field{tlv.String(schema.FieldSymbol, string(req.Symbol))}
	if err := schema.Validate(schema.MsgRequest, fields); err != nil {
		return err
	}
	return frame.WriteFrame(w, frame.Frame{
		Header: frame.Header{
			MessageID:   req.ID,
			MessageType: schema.MsgRequest,
		},
		Payload: tlv.EncodeFields(fields),
	}, frame.DefaultLimits())
}

// ReadRequest decodes one request frame.
func ReadRequest(r io.Reader) (Request, error) {
	f, err := frame.ReadFrame(r, frame.DefaultLimits())
	if err != nil {
		return Request{}, err
	}
	if f.Header.MessageType != schema.MsgRequest {
		return Request{}, fmt.Errorf("%w: got %s want request", ErrMessageTypeMismatch, schema.Name(f.Header.MessageType))
	}
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return Request{}, err
	}
	if err := schema.Validate(schema.MsgRequest, fields); err != nil {
		return Request{}, err
	}
	field, _ := tlv.GetField(fields, schema.FieldSymbol)
	symbol, err := field.AsString()
	if err != nil {
		return Request{}, err
	}
	if strings.TrimSpace(symbol) == "" {
		return Request{}, ErrEmptySymbol
	}
	return Request{ID: f.Header.MessageID, Symbol: Symbol(symbol)}, nil
}

// WriteReply encodes reply as one response frame tagged by reply.Kind.
func WriteReply(w io.Writer, reply Reply) error {
	if err := reply.Validate(); err != nil {
		return err
	}
	messageType, fields, err := replyFields(reply)
	if err != nil {
		return err
	}
	if err := schema.Validate(messageType, fields); err != nil {
		return err
	}
	flags := frame.FlagIsResponse
	if reply.Kind == KindError {
		flags |= frame.FlagIsError
	}
	return frame.WriteFrame(w, frame.Frame{
		Header: frame.Header{
			MessageID:   reply.ID,
			MessageType: messageType,
			Flags:       flags,
		},
		Payload: tlv.EncodeFields(fields),
	}, frame.DefaultLimits())
}

// ReadReply decodes one response frame into the tagged reply variant. I/O
// and framing failures are returned as is; a complete frame whose payload
// does not decode yields *DecodeError.
func ReadReply(r io.Reader) (Reply, error) {
	f, err := frame.ReadFrame(r, frame.DefaultLimits())
	if err != nil {
		return Reply{}, err
	}
	reply, err := decodeReply(f.Header.MessageType, f.Payload)
	if err != nil {
		return Reply{}, &DecodeError{
			ID:          f.Header.MessageID,
			MessageType: f.Header.MessageType,
			Payload:     f.Payload,
			Err:         err,
		}
	}
	reply.ID = f.Header.MessageID
	return reply, nil
}

func decodeReply(messageType uint32, payload []byte) (Reply, error) {
	fields, err := tlv.DecodeFields(payload)
	if err != nil {
		return Reply{}, err
	}
	if err := schema.Validate(messageType, fields); err != nil {
		return Reply{}, err
	}

	var reply Reply
	switch messageType {
	case schema.MsgControl:
		reply, err = decodeControl(fields)
	case schema.MsgEpisode:
		reply, err = decodeEpisode(fields)
	case schema.MsgError:
		reply, err = decodeError(fields)
	default:
		return Reply{}, fmt.Errorf("%w: got %s want reply", ErrMessageTypeMismatch, schema.Name(messageType))
	}
	if err != nil {
		return Reply{}, err
	}
	if err := reply.Validate(); err != nil {
		return Reply{}, err
	}
	return reply, nil
}

func replyFields(reply Reply) (uint32, []tlv.Field, error) {
	switch reply.Kind {
	case KindControl:
		c := reply.Control
		fields := []tlv.Field{
			tlv.U8(schema.FieldMode, uint8(c.Mode)),
			tlv.String(schema.FieldStatus, c.Status),
		}
		if c.Stats != nil {
			raw, err := json.Marshal(c.Stats)
			if err != nil {
				return 0, nil, fmt.Errorf("protocol: encode stats: %w", err)
			}
			fields = append(fields, tlv.Bytes(schema.FieldStats, raw))
		}
		return schema.MsgControl, fields, nil
	case KindEpisode:
		ep := reply.Episode
		dims := make([]uint32, len(ep.Observation.Shape))
		for i, d := range ep.Observation.Shape {
			dims[i] = uint32(d)
		}
		fields := []tlv.Field{
			tlv.Bytes(schema.FieldShape, tlv.PackU32s(dims)),
			tlv.Bytes(schema.FieldObservation, tlv.PackF64s(ep.Observation.Values)),
			tlv.F64(schema.FieldReward, ep.Reward),
			tlv.Bool(schema.FieldDone, ep.Done),
		}
		if ep.Info != nil {
			raw, err := json.Marshal(ep.Info)
			if err != nil {
				return 0, nil, fmt.Errorf("protocol: encode info: %w", err)
			}
			fields = append(fields, tlv.Bytes(schema.FieldInfo, raw))
		}
		return schema.MsgEpisode, fields, nil
	case KindError:
		return schema.MsgError, []tlv.Field{tlv.String(schema.FieldStatus, reply.Error)}, nil
	default:
		return 0, nil, fmt.Errorf("%w: unknown kind %d", ErrInvalidReply, reply.Kind)
	}
}

func decodeControl(fields []tlv.Field) (Reply, error) {
	modeField, _ := tlv.GetField(fields, schema.FieldMode)
	mode, err := modeField.AsU8()
	if err != nil {
		return Reply{}, err
	}
	statusField, _ := tlv.GetField(fields, schema.FieldStatus)
	status, err := statusField.AsString()
	if err != nil {
		return Reply{}, err
	}
	c := &Control{Mode: Mode(mode), Status: status}
	if f, ok := tlv.GetField(fields, schema.FieldStats); ok {
		if err := json.Unmarshal(f.Value, &c.Stats); err != nil {
			return Reply{}, fmt.Errorf("protocol: decode stats: %w", err)
		}
	}
	return Reply{Kind: KindControl, Control: c}, nil
}

func decodeEpisode(fields []tlv.Field) (Reply, error) {
	shapeField, _ := tlv.GetField(fields, schema.FieldShape)
	dims, err := tlv.UnpackU32s(shapeField.Value)
	if err != nil {
		return Reply{}, err
	}
	shape := make([]int, len(dims))
	for i, d := range dims {
		shape[i] = int(d)
	}
	obsField, _ := tlv.GetField(fields, schema.FieldObservation)
	values, err := tlv.UnpackF64s(obsField.Value)
	if err != nil {
		return Reply{}, err
	}
	obs, err := NewObservation(shape, values)
	if err != nil {
		return Reply{}, err
	}
	rewardField, _ := tlv.GetField(fields, schema.FieldReward)
	reward, err := rewardField.AsF64()
	if err != nil {
		return Reply{}, err
	}
	doneField, _ := tlv.GetField(fields, schema.FieldDone)
	done, err := doneField.AsBool()
	if err != nil {
		return Reply{}, err
	}
	ep := Episode{Observation: obs, Reward: reward, Done: done}
	if f, ok := tlv.GetField(fields, schema.FieldInfo); ok {
		if err := json.Unmarshal(f.Value, &ep.Info); err != nil {
			return Reply{}, fmt.Errorf("protocol: decode info: %w", err)
		}
	}
	return EpisodeReply(ep), nil
}

func decodeError(fields []tlv.Field) (Reply, error) {
	statusField, _ := tlv.GetField(fields, schema.FieldStatus)
	msg, err := statusField.AsString()
	if err != nil {
		return Reply{}, err
	}
	return ErrorReply(msg), nil
}
