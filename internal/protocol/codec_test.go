package protocol

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/gymctl/internal/protocol/frame"
	"github.com/danmuck/gymctl/internal/protocol/schema"
	"github.com/danmuck/gymctl/internal/protocol/tlv"
	"github.com/danmuck/gymctl/internal/testutil/testlog"
)

func TestRequestRoundTrip(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	if err := WriteRequest(&buf, Request{ID: 7, Symbol: SymbolResetEpisode}); err != nil {
		t.Fatalf("write request: %v", err)
	}
	got, err := ReadRequest(&buf)
	if err != nil {
		t.Fatalf("read request: %v", err)
	}
	if got.ID != 7 || got.Symbol != SymbolResetEpisode {
		t.Fatalf("unexpected request: %+v", got)
	}
}

func TestWriteRequestRejectsEmptySymbol(t *testing.T) {
	testlog.Start(t)
	if err := WriteRequest(&bytes.Buffer{}, Request{ID: 1, Symbol: "  "}); !errors.Is(err, ErrEmptySymbol) {
		t.Fatalf("expected ErrEmptySymbol, got %v", err)
	}
}

func TestReadRequestRejectsReplyFrame(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	if err := WriteReply(&buf, ControlReply(ModeControl, "idle")); err != nil {
		t.Fatalf("write reply: %v", err)
	}
	if _, err := ReadRequest(&buf); !errors.Is(err, ErrMessageTypeMismatch) {
		t.Fatalf("expected ErrMessageTypeMismatch, got %v", err)
	}
}

func TestControlReplyCarriesModeAndStats(t *testing.T) {
	testlog.Start(t)
	in := StatsReply(ModeControl, "statistics", map[string]float64{"episodes": 3, "final_value": 10.5})
	in.ID = 11
	var buf bytes.Buffer
	if err := WriteReply(&buf, in); err != nil {
		t.Fatalf("write reply: %v", err)
	}
	got, err := ReadReply(&buf)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if got.ID != 11 || got.Kind != KindControl || !got.IsControlMode() {
		t.Fatalf("unexpected reply: %s", got)
	}
	if got.Control.Stats["episodes"] != 3 || got.Control.Stats["final_value"] != 10.5 {
		t.Fatalf("stats lost: %+v", got.Control.Stats)
	}
}

func TestEpisodeReplyRoundTrip(t *testing.T) {
	testlog.Start(t)
	values := make([]float64, 40)
	for i := range values {
		values[i] = float64(i) / 4
	}
	obs, err := NewObservation([]int{4, 10}, values)
	if err != nil {
		t.Fatalf("new observation: %v", err)
	}
	in := EpisodeReply(Episode{
		Observation: obs,
		Reward:      -0.25,
		Done:        true,
		Info:        map[string]any{"step": 3, "broker_message": "order filled"},
	})
	in.ID = 99
	var buf bytes.Buffer
	if err := WriteReply(&buf, in); err != nil {
		t.Fatalf("write reply: %v", err)
	}
	got, err := ReadReply(&buf)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if got.Kind != KindEpisode || got.Episode == nil {
		t.Fatalf("unexpected reply: %s", got)
	}
	ep := got.Episode
	if !ep.Observation.HasShape([]int{4, 10}) || ep.Reward != -0.25 || !ep.Done {
		t.Fatalf("episode mismatch: %s", got)
	}
	if v, ok := ep.Observation.At(1, 2); !ok || v != 3 {
		t.Fatalf("unexpected value at (1,2): %v ok=%t", v, ok)
	}
	if ep.Info["step"] != float64(3) || ep.Info["broker_message"] != "order filled" {
		t.Fatalf("info mismatch: %+v", ep.Info)
	}
}

func TestErrorReplySetsErrorFlag(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	if err := WriteReply(&buf, ErrorReply("unknown symbol")); err != nil {
		t.Fatalf("write reply: %v", err)
	}
	raw := bytes.NewReader(buf.Bytes())
	f, err := frame.ReadFrame(raw, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if f.Header.Flags&frame.FlagIsError == 0 || f.Header.Flags&frame.FlagIsResponse == 0 {
		t.Fatalf("expected response+error flags, got %b", f.Header.Flags)
	}
	got, err := ReadReply(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if got.Kind != KindError || got.Error != "unknown symbol" {
		t.Fatalf("unexpected reply: %s", got)
	}
}

func TestReadReplyRejectsRaggedObservation(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.Bytes(schema.FieldShape, tlv.PackU32s([]uint32{4, 10})),
		tlv.Bytes(schema.FieldObservation, tlv.PackF64s(make([]float64, 39))),
		tlv.F64(schema.FieldReward, 0),
		tlv.Bool(schema.FieldDone, false),
	}
	var buf bytes.Buffer
	err := frame.WriteFrame(&buf, frame.Frame{
		Header:  frame.Header{MessageID: 1, MessageType: schema.MsgEpisode, Flags: frame.FlagIsResponse},
		Payload: tlv.EncodeFields(fields),
	}, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("write frame: %v", err)
	}
	payload := tlv.EncodeFields(fields)
	_, err = ReadReply(&buf)
	if !errors.Is(err, ErrShapeMismatch) || !errors.Is(err, ErrMalformedReply) {
		t.Fatalf("expected malformed ErrShapeMismatch, got %v", err)
	}
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("expected *DecodeError, got %T", err)
	}
	if decodeErr.ID != 1 || decodeErr.MessageType != schema.MsgEpisode || !bytes.Equal(decodeErr.Payload, payload) {
		t.Fatalf("decode error lost frame context: id=%d type=%d payload=%d bytes", decodeErr.ID, decodeErr.MessageType, len(decodeErr.Payload))
	}
}

func TestReadReplyMissingFieldIsDecodeError(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	err := frame.WriteFrame(&buf, frame.Frame{
		Header:  frame.Header{MessageID: 4, MessageType: schema.MsgEpisode, Flags: frame.FlagIsResponse},
		Payload: tlv.EncodeFields([]tlv.Field{tlv.F64(schema.FieldReward, 1)}),
	}, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("write frame: %v", err)
	}
	_, err = ReadReply(&buf)
	var validation schema.ValidationError
	if !errors.Is(err, ErrMalformedReply) || !errors.As(err, &validation) {
		t.Fatalf("expected malformed reply wrapping a schema error, got %v", err)
	}
}

func TestReadReplyTruncatedFrameIsNotDecodeError(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	if err := WriteReply(&buf, ControlReply(ModeControl, "idle")); err != nil {
		t.Fatalf("write reply: %v", err)
	}
	raw := buf.Bytes()[:buf.Len()-2]
	if _, err := ReadReply(bytes.NewReader(raw)); err == nil || errors.Is(err, ErrMalformedReply) {
		t.Fatalf("a short read is an I/O failure, got %v", err)
	}
}

func TestShapeSizeRejectsOverflow(t *testing.T) {
	testlog.Start(t)
	huge := []int{65536, 65536, 65536, 65536}
	if n := ShapeSize(huge); n != -1 {
		t.Fatalf("ShapeSize(%v)=%d want -1", huge, n)
	}
	if n := ShapeSize([]int{MaxObservationValues, 2}); n != -1 {
		t.Fatalf("count above one frame must be rejected, got %d", n)
	}
	if n := ShapeSize([]int{4, 0, 1 << 30}); n != 0 {
		t.Fatalf("zero dim must yield 0, got %d", n)
	}
	if _, err := NewObservation(huge, nil); !errors.Is(err, ErrInvalidShape) {
		t.Fatalf("expected ErrInvalidShape, got %v", err)
	}
	obs := Observation{Shape: []int{2, 2}, Values: []float64{1}}
	if _, ok := obs.At(1, 1); ok {
		t.Fatalf("At must not index past Values")
	}
}

func TestWriteReplyRejectsUntaggedPayload(t *testing.T) {
	testlog.Start(t)
	if err := WriteReply(&bytes.Buffer{}, Reply{Kind: KindControl}); !errors.Is(err, ErrInvalidReply) {
		t.Fatalf("expected ErrInvalidReply, got %v", err)
	}
	if err := WriteReply(&bytes.Buffer{}, ControlReply(ModeUnknown, "?")); !errors.Is(err, ErrInvalidMode) {
		t.Fatalf("expected ErrInvalidMode, got %v", err)
	}
}

func TestSymbolVocabulary(t *testing.T) {
	testlog.Start(t)
	if !SymbolTerminateEpisode.IsControl() || Symbol("buy").IsControl() {
		t.Fatalf("control symbol classification wrong")
	}
	syms := ControlSymbols()
	syms[0] = "mutated"
	if ControlSymbols()[0] != SymbolTerminateEpisode {
		t.Fatalf("ControlSymbols must return a copy")
	}
	if FormatShape([]int{4, 10}) != "(4,10)" {
		t.Fatalf("unexpected shape format %q", FormatShape([]int{4, 10}))
	}
}
