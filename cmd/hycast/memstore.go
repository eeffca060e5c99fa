package main

import (
	"sync"

	"github.com/hycast/hycast/internal/proto"
)

// memStore is a minimal in-memory product store. It exists purely so a
// running publisher/subscriber process has something to implement P2pSndr
// and P2pSub against (§6) — there is no multicast receiver or on-disk
// repository here, both out of scope for the core.
type memStore struct {
	mu       sync.Mutex
	products map[proto.ProdIndex]*memProduct
}

type memProduct struct {
	info    proto.ProdInfo
	data    []byte
	haveAll bool
	haveSeg map[proto.SegOffset]bool
}

func newMemStore() *memStore {
	return &memStore{products: make(map[proto.ProdIndex]*memProduct)}
}

// Put registers a locally-originated product, as the publisher role does
// when a new product arrives from its (out-of-scope) repository.
func (m *memStore) Put(idx proto.ProdIndex, name string, data []byte, created proto.Timestamp) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products[idx] = &memProduct{
		info: proto.ProdInfo{
			Index:   idx,
			Name:    name,
			Size:    proto.ProdSize(len(data)),
			Created: created,
		},
		data:    data,
		haveAll: true,
	}
}

// GetProdInfo implements p2pmgr.P2pSndr.
func (m *memStore) GetProdInfo(idx proto.ProdIndex) (proto.ProdInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[idx]
	if !ok {
		return proto.ProdInfo{}, false
	}
	return p.info, true
}

// GetMemSeg implements p2pmgr.P2pSndr.
func (m *memStore) GetMemSeg(id proto.DataSegId) (proto.DataSeg, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id.ProdIndex]
	if !ok || !p.haveAll {
		return proto.DataSeg{}, false
	}
	size := proto.SegSizeOf(p.info.Size, id.Offset)
	start := int(id.Offset)
	if start+int(size) > len(p.data) {
		return proto.DataSeg{}, false
	}
	payload := make([]byte, size)
	copy(payload, p.data[start:start+int(size)])
	return proto.DataSeg{Id: id, ProdSize: p.info.Size, Payload: payload}, true
}

// ShouldRequestProdIndex implements p2pmgr.P2pSub: request info for any
// product not yet known.
func (m *memStore) ShouldRequestProdIndex(idx proto.ProdIndex) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, known := m.products[idx]
	return !known
}

// ShouldRequestDataSegId implements p2pmgr.P2pSub: request any segment not
// already held.
func (m *memStore) ShouldRequestDataSegId(id proto.DataSegId) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id.ProdIndex]
	if !ok {
		return true
	}
	return !p.haveSeg[id.Offset]
}

// HereIsProdInfo implements p2pmgr.P2pSub: stores info the first time it
// arrives and reports whether it was new.
func (m *memStore) HereIsProdInfo(info proto.ProdInfo) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.products[info.Index]; exists {
		return false
	}
	m.products[info.Index] = &memProduct{
		info:    info,
		data:    make([]byte, info.Size),
		haveSeg: make(map[proto.SegOffset]bool),
	}
	return true
}

// HereIsDataSeg implements p2pmgr.P2pSub: stores a segment's payload the
// first time it arrives and reports whether it was new.
func (m *memStore) HereIsDataSeg(seg proto.DataSeg) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[seg.Id.ProdIndex]
	if !ok {
		return false
	}
	if p.haveSeg == nil {
		p.haveSeg = make(map[proto.SegOffset]bool)
	}
	if p.haveSeg[seg.Id.Offset] {
		return false
	}
	p.haveSeg[seg.Id.Offset] = true
	start := int(seg.Id.Offset)
	copy(p.data[start:start+len(seg.Payload)], seg.Payload)
	if len(p.haveSeg) >= numSegs(p.info.Size) {
		p.haveAll = true
	}
	return true
}

func numSegs(size proto.ProdSize) int {
	if size == 0 {
		return 0
	}
	n := int(size) / int(proto.CanonicalSegSize)
	if int(size)%int(proto.CanonicalSegSize) != 0 {
		n++
	}
	return n
}
