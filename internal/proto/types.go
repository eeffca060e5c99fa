// Package proto defines the data model and PDU wire format carried by the
// peer protocol: product/segment identifiers, product info, data segments,
// the notice/request union, and PDU encode/decode. Grounded on
// HycastProto.h (the original implementation's type declarations) and
// pkg/transport/tcp/frame.go's length-delimited framing, generalized to
// this wire layout.
package proto

import (
	"fmt"

	"github.com/hycast/hycast/internal/wire"
)

// ProdIndex uniquely identifies a data product.
type ProdIndex uint32

// ProdSize is the size of a data product in bytes.
type ProdSize uint32

// SegOffset is the byte offset of a data segment within its product. It is
// always a multiple of CanonicalSegSize except possibly for the final,
// shorter segment of a product.
type SegOffset uint32

// SegSize is the size of a data segment in bytes.
type SegSize uint16

// CanonicalSegSize is 1500 (Ethernet MTU) minus IP header, TCP header, and
// the four 4-byte protocol fields (prodIndex, offset, prodSize, pduId's
// neighboring length field) that precede a segment's payload on the wire.
const CanonicalSegSize SegSize = 1500 - 20 - 20 - 4 - 4 - 4 - 4

// SegSizeOf returns the payload size of the segment at offset within a
// product of prodSize bytes: the canonical size, or less for the tail
// segment.
func SegSizeOf(prodSize ProdSize, offset SegOffset) SegSize {
	remaining := uint32(prodSize) - uint32(offset)
	if remaining > uint32(CanonicalSegSize) {
		return CanonicalSegSize
	}
	return SegSize(remaining)
}

// DataSegId uniquely identifies one data segment.
type DataSegId struct {
	ProdIndex ProdIndex
	Offset    SegOffset
}

func (id DataSegId) String() string {
	return fmt.Sprintf("DataSegId{prodIndex=%d, offset=%d}", id.ProdIndex, id.Offset)
}

// Timestamp is a product's creation time.
type Timestamp struct {
	Sec  uint64
	Nsec uint32
}

// ProdInfo describes a data product: its index, name, size, and creation
// time. Name must be at most MaxStringLen (wire.MaxStringLen) bytes.
type ProdInfo struct {
	Index   ProdIndex
	Name    string
	Size    ProdSize
	Created Timestamp
}

// ValidateName reports an error if name cannot be represented on the wire.
func ValidateName(name string) error {
	if len(name) > wire.MaxStringLen {
		return fmt.Errorf("product name of %d bytes exceeds %d-byte limit", len(name), wire.MaxStringLen)
	}
	return nil
}

// DataSeg is one segment of a product's payload.
type DataSeg struct {
	Id       DataSegId
	ProdSize ProdSize
	Payload  []byte
}

// Size returns the segment's payload size given its own ProdSize and
// offset, per SegSizeOf.
func (d DataSeg) Size() SegSize {
	return SegSizeOf(d.ProdSize, d.Id.Offset)
}

// noteReqKind tags which field of a NoteReq is meaningful.
type noteReqKind uint8

const (
	noteReqProdIndex noteReqKind = iota
	noteReqDataSegId
)

// NoteReq is a notice or a request: a tagged union over {ProdIndex,
// DataSegId}. It is comparable and is used as a bookkeeper map key, per
// the design's I3 invariant (every outstanding request is keyed by its
// NoteReq).
type NoteReq struct {
	kind      noteReqKind
	prodIndex ProdIndex
	dataSegId DataSegId
}

// NewNoteReqFromProdIndex builds a NoteReq carrying a product index.
func NewNoteReqFromProdIndex(idx ProdIndex) NoteReq {
	return NoteReq{kind: noteReqProdIndex, prodIndex: idx}
}

// NewNoteReqFromDataSegId builds a NoteReq carrying a data segment id.
func NewNoteReqFromDataSegId(id DataSegId) NoteReq {
	return NoteReq{kind: noteReqDataSegId, dataSegId: id}
}

// IsProdIndex reports whether this NoteReq carries a ProdIndex, returning
// it if so.
func (n NoteReq) IsProdIndex() (ProdIndex, bool) {
	return n.prodIndex, n.kind == noteReqProdIndex
}

// IsDataSegId reports whether this NoteReq carries a DataSegId, returning
// it if so.
func (n NoteReq) IsDataSegId() (DataSegId, bool) {
	return n.dataSegId, n.kind == noteReqDataSegId
}

func (n NoteReq) String() string {
	switch n.kind {
	case noteReqProdIndex:
		return fmt.Sprintf("NoteReq{ProdIndex=%d}", n.prodIndex)
	default:
		return fmt.Sprintf("NoteReq{%s}", n.dataSegId)
	}
}
