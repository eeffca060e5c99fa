package p2pmgr

import (
	"errors"

	"github.com/hycast/hycast/internal/bookkeeper"
	"github.com/hycast/hycast/internal/logging"
	"github.com/hycast/hycast/internal/peer"
	"github.com/hycast/hycast/internal/proto"
)

// errNoSuchDatum means the sender has nothing for the requested product or
// segment; the peer logs it and simply sends no reply.
var errNoSuchDatum = errors.New("no such product or segment")

// Publisher is the publisher-side overlay manager: it always accepts
// inbound peers up to MaxPeers (the worst is evicted by the improver, not
// by admission), answers every request from its P2pSndr, and broadcasts
// product/segment availability to every connected peer.
type Publisher struct {
	*base
	bk   *bookkeeper.Publisher
	sndr P2pSndr
}

// NewPublisher constructs a publisher manager listening at info.SockAddr.
func NewPublisher(info P2pInfo, sndr P2pSndr) (*Publisher, error) {
	b, err := newBase(info)
	if err != nil {
		return nil, err
	}
	pub := &Publisher{base: b, bk: bookkeeper.NewPublisher(), sndr: sndr}
	pub.localPathToPub.Store(true)

	b.tryAdd2 = pub.tryAdd2
	b.stopped2 = func(proto.Addr) []pendingSend { return nil }
	b.bkAdd = func(addr proto.Addr, isPathToPub bool) { pub.bk.Add(addr) }
	b.bkErase = pub.bk.Erase
	b.bkWorst = pub.bk.GetWorstPeer
	b.bkResetCounts = pub.bk.ResetCounts
	b.newHandlers = pub.newHandlers
	return pub, nil
}

// tryAdd2 is the publisher's admission policy: always accept once the set
// is full; the improver evicts the least useful peer on its own schedule.
func (pub *Publisher) tryAdd2(proto.Addr, bool) (evict proto.Addr, evictOK bool, accept bool) {
	return proto.Addr{}, false, true
}

func (pub *Publisher) newHandlers(addr proto.Addr) peer.Handlers {
	return peer.Handlers{Request: &pubRequestHandler{pub: pub, addr: addr}}
}

// Run starts the manager and blocks until Halt or a fatal error.
func (pub *Publisher) Run() error { return pub.run() }

// NotifyProdIndex broadcasts a PROD_INFO_NOTICE for idx to every peer.
func (pub *Publisher) NotifyProdIndex(idx proto.ProdIndex) {
	pub.peers.NotifyProdIndex(idx, proto.Addr{})
}

// NotifyDataSegId broadcasts a DATA_SEG_NOTICE for id to every peer.
func (pub *Publisher) NotifyDataSegId(id proto.DataSegId) {
	pub.peers.NotifyDataSegId(id, proto.Addr{})
}

// pubRequestHandler answers PROD_INFO_REQUEST/DATA_SEG_REQUEST PDUs from
// one peer, crediting that peer's bookkeeper entry for each one answered.
type pubRequestHandler struct {
	pub  *Publisher
	addr proto.Addr
}

func (h *pubRequestHandler) RecvProdIndexRequest(idx proto.ProdIndex, _ *peer.Peer) (proto.ProdInfo, error) {
	info, ok := h.pub.sndr.GetProdInfo(idx)
	if !ok {
		logging.Sugar.Infof("publisher: peer %s requested unknown product %v", h.addr, idx)
		return proto.ProdInfo{}, errNoSuchDatum
	}
	h.pub.bk.Requested(h.addr)
	return info, nil
}

func (h *pubRequestHandler) RecvDataSegRequest(id proto.DataSegId, _ *peer.Peer) (proto.DataSeg, error) {
	seg, ok := h.pub.sndr.GetMemSeg(id)
	if !ok {
		logging.Sugar.Infof("publisher: peer %s requested unknown segment %v", h.addr, id)
		return proto.DataSeg{}, errNoSuchDatum
	}
	h.pub.bk.Requested(h.addr)
	return seg, nil
}
