// Package wire implements the length-delimited stream codec: primitive
// encode/decode plus PDU framing over a reliable byte connection. It
// generalizes the teacher's two-field frame header in
// pkg/transport/tcp/frame.go (msgType uint8, length uint32) to the full
// primitive set and PDU layout required by the wire protocol: every PDU is
// `u8 pduId · u32 payloadLen · payloadLen bytes`, multi-byte integers
// big-endian, strings are a u16 length prefix plus raw bytes.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/hycast/hycast/internal/herrors"
)

// PduId identifies the payload carried by a PDU.
type PduId uint8

const (
	PduUnset PduId = iota
	PduPubPathNotice
	PduProdInfoNotice
	PduDataSegNotice
	PduProdInfoRequest
	PduDataSegRequest
	PduProdInfo
	PduDataSeg
)

func (id PduId) String() string {
	switch id {
	case PduPubPathNotice:
		return "PUB_PATH_NOTICE"
	case PduProdInfoNotice:
		return "PROD_INFO_NOTICE"
	case PduDataSegNotice:
		return "DATA_SEG_NOTICE"
	case PduProdInfoRequest:
		return "PROD_INFO_REQUEST"
	case PduDataSegRequest:
		return "DATA_SEG_REQUEST"
	case PduProdInfo:
		return "PROD_INFO"
	case PduDataSeg:
		return "DATA_SEG"
	default:
		return fmt.Sprintf("PduId(%d)", uint8(id))
	}
}

// pduHeaderSize is [PduId 1 byte][payload length u32].
const pduHeaderSize = 1 + 4

// MaxStringLen is the wire limit on a string field (u16 length prefix).
const MaxStringLen = 1<<16 - 1

// Codec frames and encodes/decodes PDUs over a single connection. Writes are
// serialized by mu: a writer holds the lock for the full duration of one
// PDU so that concurrent notify()/request()/send() calls never interleave
// their bytes on the wire. Reads are not locked — the design requires a
// single reader goroutine per connection.
type Codec struct {
	rw io.ReadWriter
	mu sync.Mutex
}

// NewCodec wraps rw (typically a net.Conn) in a Codec.
func NewCodec(rw io.ReadWriter) *Codec {
	return &Codec{rw: rw}
}

// WriteFrame atomically writes one PDU: the id, the big-endian length of
// body, and body itself.
func (c *Codec) WriteFrame(id PduId, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var hdr [pduHeaderSize]byte
	hdr[0] = byte(id)
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(body)))

	if _, err := c.rw.Write(hdr[:]); err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	_, err := c.rw.Write(body)
	return err
}

// ReadFrame reads one PDU header and body. It fails the connection with a
// protocol error if the declared payload length exceeds maxLen.
func (c *Codec) ReadFrame(maxLen uint32) (PduId, []byte, error) {
	var hdr [pduHeaderSize]byte
	if _, err := io.ReadFull(c.rw, hdr[:]); err != nil {
		return PduUnset, nil, err
	}

	id := PduId(hdr[0])
	length := binary.BigEndian.Uint32(hdr[1:])
	if length > maxLen {
		return id, nil, herrors.Protocol("frame of %d bytes exceeds cap of %d", length, maxLen)
	}

	body := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(c.rw, body); err != nil {
			return id, nil, err
		}
	}
	return id, body, nil
}

// --- Primitive encode helpers: append to a growable buffer. ---

func PutUint8(buf []byte, v uint8) []byte   { return append(buf, v) }
func PutBool(buf []byte, v bool) []byte {
	if v {
		return append(buf, 1)
	}
	return append(buf, 0)
}

func PutUint16(buf []byte, v uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return append(buf, b[:]...)
}

func PutUint32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func PutUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

// PutString appends a u16 length prefix then the raw bytes. It panics if s
// is too long to be represented; callers must validate first (see
// proto.ValidateName) since this is a wire boundary invariant, not a
// recoverable runtime condition.
func PutString(buf []byte, s string) []byte {
	if len(s) > MaxStringLen {
		panic(fmt.Sprintf("wire: string of %d bytes exceeds %d-byte limit", len(s), MaxStringLen))
	}
	buf = PutUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

// --- Primitive decode helpers: read from buf, return remaining bytes. ---

func GetUint8(buf []byte) (uint8, []byte, error) {
	if len(buf) < 1 {
		return 0, buf, io.ErrUnexpectedEOF
	}
	return buf[0], buf[1:], nil
}

func GetBool(buf []byte) (bool, []byte, error) {
	v, rest, err := GetUint8(buf)
	return v != 0, rest, err
}

func GetUint16(buf []byte) (uint16, []byte, error) {
	if len(buf) < 2 {
		return 0, buf, io.ErrUnexpectedEOF
	}
	return binary.BigEndian.Uint16(buf), buf[2:], nil
}

func GetUint32(buf []byte) (uint32, []byte, error) {
	if len(buf) < 4 {
		return 0, buf, io.ErrUnexpectedEOF
	}
	return binary.BigEndian.Uint32(buf), buf[4:], nil
}

func GetUint64(buf []byte) (uint64, []byte, error) {
	if len(buf) < 8 {
		return 0, buf, io.ErrUnexpectedEOF
	}
	return binary.BigEndian.Uint64(buf), buf[8:], nil
}

func GetString(buf []byte) (string, []byte, error) {
	n, rest, err := GetUint16(buf)
	if err != nil {
		return "", buf, err
	}
	if len(rest) < int(n) {
		return "", buf, io.ErrUnexpectedEOF
	}
	return string(rest[:n]), rest[n:], nil
}
