package tlv

import (
	"bytes"
	"errors"
	"math"
	"testing"
)

func TestEncodeDecodeFieldsRoundTripPreservesUnknown(t *testing.T) {
	in := []Field{
		String(1, "buy"),
		{ID: 9999, Type: TypeBytes, Value: []byte{0xAA, 0xBB}}, // unknown field id
	}
	b := EncodeFields(in)
	out, err := DecodeFields(b)
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(out))
	}
	if out[1].ID != 9999 || out[1].Type != TypeBytes || !bytes.Equal(out[1].Value, []byte{0xAA, 0xBB}) {
		t.Fatalf("unknown field not preserved: %+v", out[1])
	}
}

func TestDecodeFieldsMalformedHeaderIsDeterministic(t *testing.T) {
	_, err := DecodeFields([]byte{1, 2, 3})
	if !errors.Is(err, ErrShortFieldHeader) {
		t.Fatalf("expected ErrShortFieldHeader, got %v", err)
	}
}

func TestDecodeFieldsMalformedLengthIsDeterministic(t *testing.T) {
	// id=1, type=string, len=5, value only 2 bytes
	payload := []byte{0, 1, TypeString, 0, 0, 0, 5, 'a', 'b'}
	_, err := DecodeFields(payload)
	if !errors.Is(err, ErrShortFieldValue) {
		t.Fatalf("expected ErrShortFieldValue, got %v", err)
	}
}

func TestTypedAccessorsRejectWrongType(t *testing.T) {
	if _, err := String(1, "x").AsF64(); err == nil {
		t.Fatalf("expected type mismatch for string read as f64")
	}
	if _, err := (Field{ID: 2, Type: TypeBool, Value: []byte{7}}).AsBool(); !errors.Is(err, ErrInvalidBool) {
		t.Fatalf("expected ErrInvalidBool, got %v", err)
	}
	if _, err := (Field{ID: 3, Type: TypeF64, Value: []byte{1, 2}}).AsF64(); !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("expected ErrInvalidLength, got %v", err)
	}
}

func TestF64FieldKeepsSpecialValues(t *testing.T) {
	for _, v := range []float64{0, -1.25, math.Inf(1), math.MaxFloat64} {
		got, err := F64(7, v).AsF64()
		if err != nil {
			t.Fatalf("read f64: %v", err)
		}
		if got != v {
			t.Fatalf("f64 mismatch: got=%v want=%v", got, v)
		}
	}
	got, err := F64(7, math.NaN()).AsF64()
	if err != nil || !math.IsNaN(got) {
		t.Fatalf("expected NaN, got=%v err=%v", got, err)
	}
}

func TestPackedListsRejectRaggedInput(t *testing.T) {
	values, err := UnpackF64s(PackF64s([]float64{1, 2.5, 3}))
	if err != nil || len(values) != 3 || values[1] != 2.5 {
		t.Fatalf("unexpected f64 list: %v err=%v", values, err)
	}
	if _, err := UnpackF64s([]byte{1, 2, 3}); !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("expected ErrInvalidLength for ragged f64 list, got %v", err)
	}
	dims, err := UnpackU32s(PackU32s([]uint32{4, 10}))
	if err != nil || len(dims) != 2 || dims[0] != 4 || dims[1] != 10 {
		t.Fatalf("unexpected u32 list: %v err=%v", dims, err)
	}
	if _, err := UnpackU32s([]byte{0, 0, 1}); !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("expected ErrInvalidLength for ragged u32 list, got %v", err)
	}
}
