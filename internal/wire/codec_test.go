package wire

import (
	"bytes"
	"errors"
	"testing"

	"github.com/hycast/hycast/internal/herrors"
)

func TestPrimitiveRoundTrip(t *testing.T) {
	var buf []byte
	buf = PutUint8(buf, 0xAB)
	buf = PutBool(buf, true)
	buf = PutUint16(buf, 0x1234)
	buf = PutUint32(buf, 0xDEADBEEF)
	buf = PutUint64(buf, 0x0102030405060708)
	buf = PutString(buf, "hycast")

	u8, buf, err := GetUint8(buf)
	if err != nil || u8 != 0xAB {
		t.Fatalf("u8 round-trip: got %v, err %v", u8, err)
	}
	b, buf, err := GetBool(buf)
	if err != nil || !b {
		t.Fatalf("bool round-trip: got %v, err %v", b, err)
	}
	u16, buf, err := GetUint16(buf)
	if err != nil || u16 != 0x1234 {
		t.Fatalf("u16 round-trip: got %v, err %v", u16, err)
	}
	u32, buf, err := GetUint32(buf)
	if err != nil || u32 != 0xDEADBEEF {
		t.Fatalf("u32 round-trip: got %v, err %v", u32, err)
	}
	u64, buf, err := GetUint64(buf)
	if err != nil || u64 != 0x0102030405060708 {
		t.Fatalf("u64 round-trip: got %v, err %v", u64, err)
	}
	s, buf, err := GetString(buf)
	if err != nil || s != "hycast" {
		t.Fatalf("string round-trip: got %q, err %v", s, err)
	}
	if len(buf) != 0 {
		t.Fatalf("leftover bytes: %d", len(buf))
	}
}

func TestStringEmptyAllowed(t *testing.T) {
	buf := PutString(nil, "")
	s, rest, err := GetString(buf)
	if err != nil || s != "" || len(rest) != 0 {
		t.Fatalf("empty string round-trip failed: %q %v %v", s, rest, err)
	}
}

func TestStringTooLongPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic for oversized string")
		}
	}()
	PutString(nil, string(make([]byte, MaxStringLen+1)))
}

func TestFrameRoundTrip(t *testing.T) {
	var conn bytes.Buffer
	c := NewCodec(&conn)

	body := []byte{1, 2, 3, 4, 5}
	if err := c.WriteFrame(PduDataSeg, body); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	id, got, err := c.ReadFrame(1 << 20)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if id != PduDataSeg {
		t.Fatalf("id = %v, want %v", id, PduDataSeg)
	}
	if !bytes.Equal(got, body) {
		t.Fatalf("body = %v, want %v", got, body)
	}
}

func TestFrameExceedsCapIsProtocolError(t *testing.T) {
	var conn bytes.Buffer
	c := NewCodec(&conn)

	if err := c.WriteFrame(PduDataSeg, make([]byte, 100)); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	if _, _, err := c.ReadFrame(10); !errors.Is(err, herrors.ErrProtocol) {
		t.Fatalf("ReadFrame over cap: got err %v, want a protocol error", err)
	}
}

func TestZeroLengthFrame(t *testing.T) {
	var conn bytes.Buffer
	c := NewCodec(&conn)

	if err := c.WriteFrame(PduPubPathNotice, nil); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	id, body, err := c.ReadFrame(1024)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if id != PduPubPathNotice || len(body) != 0 {
		t.Fatalf("got id=%v body=%v", id, body)
	}
}
