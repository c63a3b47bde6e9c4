package schema

import (
	"errors"
	"testing"

	"github.com/danmuck/gymctl/internal/protocol/tlv"
	"github.com/danmuck/gymctl/internal/testutil/testlog"
)

func episodeFields() []tlv.Field {
	return []tlv.Field{
		tlv.Bytes(FieldShape, tlv.PackU32s([]uint32{4, 10})),
		tlv.Bytes(FieldObservation, tlv.PackF64s(make([]float64, 40))),
		tlv.F64(FieldReward, 0.5),
		tlv.Bool(FieldDone, false),
	}
}

func TestValidateEpisodeRequiredFields(t *testing.T) {
	testlog.Start(t)
	if err := Validate(MsgEpisode, episodeFields()); err != nil {
		t.Fatalf("validate episode: %v", err)
	}
}

func TestValidateUnknownFieldsIgnored(t *testing.T) {
	testlog.Start(t)
	fields := append(episodeFields(), tlv.Field{ID: 9999, Type: tlv.TypeBytes, Value: []byte{0x01}})
	if err := Validate(MsgEpisode, fields); err != nil {
		t.Fatalf("validate with unknown field: %v", err)
	}
}

func TestValidateMissingRequiredDeterministic(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{tlv.U8(FieldMode, 1)}
	err := Validate(MsgControl, fields)
	var ve ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %T (%v)", err, err)
	}
	if ve.FieldID != FieldStatus || ve.Reason != "missing required field" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
}

func TestValidateTypeMismatchDeterministic(t *testing.T) {
	testlog.Start(t)
	fields := episodeFields()
	fields[2] = tlv.String(FieldReward, "0.5")
	err := Validate(MsgEpisode, fields)
	var ve ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if ve.FieldID != FieldReward || ve.Reason != "type mismatch" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
}

func TestValidateOptionalFieldTypeChecked(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.U8(FieldMode, 1),
		tlv.String(FieldStatus, "ok"),
		tlv.String(FieldStats, "not-bytes"),
	}
	err := Validate(MsgControl, fields)
	var ve ValidationError
	if !errors.As(err, &ve) || ve.FieldID != FieldStats {
		t.Fatalf("expected stats type mismatch, got %v", err)
	}
}

func TestValidateUnknownMessageType(t *testing.T) {
	testlog.Start(t)
	err := Validate(77, nil)
	var ve ValidationError
	if !errors.As(err, &ve) || ve.Reason != "unknown message_type" {
		t.Fatalf("expected unknown message_type, got %v", err)
	}
	if Name(77) != "unknown(77)" || Name(MsgEpisode) != "episode" {
		t.Fatalf("unexpected names: %q %q", Name(77), Name(MsgEpisode))
	}
}
