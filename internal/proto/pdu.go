package proto

import (
	"fmt"

	"github.com/hycast/hycast/internal/wire"
)

// EncodePubPathNotice encodes a PUB_PATH_NOTICE payload: a single bool.
func EncodePubPathNotice(pubPath bool) []byte {
	return wire.PutBool(nil, pubPath)
}

// DecodePubPathNotice decodes a PUB_PATH_NOTICE payload.
func DecodePubPathNotice(body []byte) (bool, error) {
	v, rest, err := wire.GetBool(body)
	if err != nil {
		return false, err
	}
	if len(rest) != 0 {
		return false, fmt.Errorf("PUB_PATH_NOTICE: %d trailing bytes", len(rest))
	}
	return v, nil
}

// EncodeProdIndex encodes a PROD_INFO_NOTICE or PROD_INFO_REQUEST payload.
func EncodeProdIndex(idx ProdIndex) []byte {
	return wire.PutUint32(nil, uint32(idx))
}

// DecodeProdIndex decodes a PROD_INFO_NOTICE or PROD_INFO_REQUEST payload.
func DecodeProdIndex(body []byte) (ProdIndex, error) {
	v, rest, err := wire.GetUint32(body)
	if err != nil {
		return 0, err
	}
	if len(rest) != 0 {
		return 0, fmt.Errorf("ProdIndex: %d trailing bytes", len(rest))
	}
	return ProdIndex(v), nil
}

// EncodeDataSegId encodes a DATA_SEG_NOTICE or DATA_SEG_REQUEST payload.
func EncodeDataSegId(id DataSegId) []byte {
	buf := wire.PutUint32(nil, uint32(id.ProdIndex))
	return wire.PutUint32(buf, uint32(id.Offset))
}

// DecodeDataSegId decodes a DATA_SEG_NOTICE or DATA_SEG_REQUEST payload.
func DecodeDataSegId(body []byte) (DataSegId, error) {
	prodIndex, rest, err := wire.GetUint32(body)
	if err != nil {
		return DataSegId{}, err
	}
	offset, rest, err := wire.GetUint32(rest)
	if err != nil {
		return DataSegId{}, err
	}
	if len(rest) != 0 {
		return DataSegId{}, fmt.Errorf("DataSegId: %d trailing bytes", len(rest))
	}
	return DataSegId{ProdIndex: ProdIndex(prodIndex), Offset: SegOffset(offset)}, nil
}

// EncodeProdInfo encodes a PROD_INFO payload.
func EncodeProdInfo(info ProdInfo) ([]byte, error) {
	if err := ValidateName(info.Name); err != nil {
		return nil, err
	}
	buf := wire.PutUint32(nil, uint32(info.Index))
	buf = wire.PutString(buf, info.Name)
	buf = wire.PutUint32(buf, uint32(info.Size))
	buf = wire.PutUint64(buf, info.Created.Sec)
	buf = wire.PutUint32(buf, info.Created.Nsec)
	return buf, nil
}

// DecodeProdInfo decodes a PROD_INFO payload.
func DecodeProdInfo(body []byte) (ProdInfo, error) {
	index, rest, err := wire.GetUint32(body)
	if err != nil {
		return ProdInfo{}, err
	}
	name, rest, err := wire.GetString(rest)
	if err != nil {
		return ProdInfo{}, err
	}
	size, rest, err := wire.GetUint32(rest)
	if err != nil {
		return ProdInfo{}, err
	}
	sec, rest, err := wire.GetUint64(rest)
	if err != nil {
		return ProdInfo{}, err
	}
	nsec, rest, err := wire.GetUint32(rest)
	if err != nil {
		return ProdInfo{}, err
	}
	if len(rest) != 0 {
		return ProdInfo{}, fmt.Errorf("ProdInfo: %d trailing bytes", len(rest))
	}
	return ProdInfo{
		Index:   ProdIndex(index),
		Name:    name,
		Size:    ProdSize(size),
		Created: Timestamp{Sec: sec, Nsec: nsec},
	}, nil
}

// EncodeDataSeg encodes a DATA_SEG payload. The payload byte count must
// equal SegSizeOf(seg.ProdSize, seg.Id.Offset).
func EncodeDataSeg(seg DataSeg) ([]byte, error) {
	want := seg.Size()
	if len(seg.Payload) != int(want) {
		return nil, fmt.Errorf("data segment payload is %d bytes, want %d", len(seg.Payload), want)
	}
	buf := wire.PutUint32(nil, uint32(seg.Id.ProdIndex))
	buf = wire.PutUint32(buf, uint32(seg.Id.Offset))
	buf = wire.PutUint32(buf, uint32(seg.ProdSize))
	buf = append(buf, seg.Payload...)
	return buf, nil
}

// DecodeDataSeg decodes a DATA_SEG payload. The payload occupies the
// remainder of body, per the wire format: it has no length prefix of its
// own (its length equals the frame's declared payload length minus the
// fixed 12-byte header, already consumed by the caller's frame read).
func DecodeDataSeg(body []byte) (DataSeg, error) {
	prodIndex, rest, err := wire.GetUint32(body)
	if err != nil {
		return DataSeg{}, err
	}
	offset, rest, err := wire.GetUint32(rest)
	if err != nil {
		return DataSeg{}, err
	}
	prodSize, rest, err := wire.GetUint32(rest)
	if err != nil {
		return DataSeg{}, err
	}

	seg := DataSeg{
		Id:       DataSegId{ProdIndex: ProdIndex(prodIndex), Offset: SegOffset(offset)},
		ProdSize: ProdSize(prodSize),
		Payload:  append([]byte(nil), rest...),
	}
	want := seg.Size()
	if len(seg.Payload) != int(want) {
		return DataSeg{}, fmt.Errorf("data segment payload is %d bytes, want %d", len(seg.Payload), want)
	}
	return seg, nil
}
