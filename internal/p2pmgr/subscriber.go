package p2pmgr

import (
	"net"

	"github.com/hycast/hycast/internal/bookkeeper"
	"github.com/hycast/hycast/internal/herrors"
	"github.com/hycast/hycast/internal/logging"
	"github.com/hycast/hycast/internal/peer"
	"github.com/hycast/hycast/internal/proto"
)

// Subscriber is the subscriber-side overlay manager: it dials out from a
// ServerPool, admits inbound peers by the imbalance-reducing policy of
// §4.5, deduplicates outstanding requests across all its peers, and
// reassigns a dead peer's pending requests to an alternate.
type Subscriber struct {
	*base
	bk   *bookkeeper.Subscriber
	sub  P2pSub
	pool ServerPool
}

// NewSubscriber constructs a subscriber manager listening at info.SockAddr
// and dialing out from pool.
func NewSubscriber(info P2pInfo, sub P2pSub, pool ServerPool) (*Subscriber, error) {
	b, err := newBase(info)
	if err != nil {
		return nil, err
	}
	s := &Subscriber{base: b, bk: bookkeeper.NewSubscriber(), sub: sub, pool: pool}

	b.tryAdd2 = s.tryAdd2
	b.stopped2 = s.stopped2
	b.bkAdd = s.bk.Add
	b.bkErase = s.bk.Erase
	b.bkWorst = s.bk.GetWorstPeer
	b.bkResetCounts = s.bk.ResetCounts
	b.newHandlers = s.newHandlers
	b.connectLoop = s.connectLoop
	return s, nil
}

// Run starts the manager and blocks until Halt or a fatal error.
func (s *Subscriber) Run() error { return s.run() }

// tryAdd2 is the subscriber's imbalance-reducing admission policy (§4.5):
// admit the candidate only if doing so moves the path-to-publisher split
// toward balance, and only by evicting the worst peer on the candidate's
// own side of that split.
func (s *Subscriber) tryAdd2(_ proto.Addr, rmtIsPathToPub bool) (evict proto.Addr, evictOK bool, accept bool) {
	withPath, withoutPath := s.bk.GetPubPathCounts()
	reducesImbalance := (withPath < withoutPath) == rmtIsPathToPub
	if !reducesImbalance {
		return proto.Addr{}, false, false
	}
	worst, ok := s.bk.GetWorstPeerByPath(rmtIsPathToPub)
	if !ok {
		return proto.Addr{}, false, false
	}
	return worst, true, true
}

// stopped2 recycles the dead peer's address into the server pool and
// decides each of its outstanding requests' reassignment to the best
// alternate peer that was notified of the same datum, dropping (and
// logging) any request with no alternate (P3). It returns the decided
// reassignments rather than sending them itself, since it runs under
// base.mu and a codec write is a blocking socket operation on a different
// peer (§5); the caller sends them once base.mu is released.
func (s *Subscriber) stopped2(addr proto.Addr) []pendingSend {
	s.pool.Consider(addr.String())

	var sends []pendingSend
	for _, req := range s.bk.Pending(addr) {
		alt, ok := s.bk.PopBestAlt(req)
		if !ok {
			logging.Sugar.Infof("subscriber: peer %s died with %v outstanding and no alternate; dropped", addr, req)
			continue
		}
		altPeer, ok := s.peers.Get(alt)
		if !ok {
			continue
		}
		sends = append(sends, pendingSend{peer: altPeer, req: req})
	}
	return sends
}

func (s *Subscriber) newHandlers(addr proto.Addr) peer.Handlers {
	h := &subNodeHandler{sub: s, addr: addr}
	return peer.Handlers{Notice: h, Data: h}
}

// connectLoop dials one address from the pool at a time, admitting each
// successfully-connected peer through the same tryAdd policy the accept
// loop uses (§4.5's subscriber connect loop).
func (s *Subscriber) connectLoop() {
	// Close the pool on Halt so a Pop blocked on an empty pool returns.
	go func() {
		<-s.done
		s.pool.Close()
	}()
	for {
		select {
		case <-s.done:
			s.pool.Close()
			return
		default:
		}

		addr, ok := s.pool.Pop()
		if !ok {
			return
		}

		if !s.waitForRoom() {
			s.pool.Consider(addr)
			return
		}

		conn, err := net.Dial("tcp", addr)
		if err != nil {
			if herrors.IsNonFatal(err) {
				logging.Sugar.Infof("subscriber: dial %s: %v", addr, err)
				s.pool.Consider(addr)
				continue
			}
			s.setException(herrors.FatalSystem(err))
			s.Halt()
			return
		}
		if !s.dialAndAdmit(conn, addr) {
			s.pool.Consider(addr)
		}
	}
}

// dialAndAdmit performs the synchronous handshake and admission decision
// for an outbound connection, mirroring handleAccepted but reporting
// success so the caller can re-park a rejected address.
func (s *Subscriber) dialAndAdmit(conn net.Conn, dialedAddr string) bool {
	p, err := peer.New(conn, s.localPathToPub.Load(), peer.Handlers{})
	if err != nil {
		logging.Sugar.Warnf("subscriber: resolving dialed peer %s's address: %v", dialedAddr, err)
		_ = conn.Close()
		return false
	}
	if err := p.Handshake(); err != nil {
		logging.Sugar.Infof("subscriber: handshake with %s: %v", dialedAddr, err)
		p.Halt()
		return false
	}
	return s.admit(p)
}

// waitForRoom blocks until the peer set has room for another peer or the
// manager is halted, returning false in the latter case.
func (s *Subscriber) waitForRoom() bool {
	for {
		if s.peers.Size() < s.info.MaxPeers {
			return true
		}
		select {
		case <-s.done:
			return false
		case <-s.improverWake:
		}
	}
}

// subNodeHandler implements the subscriber's NoticeRcvr and DataRcvr for
// one peer.
type subNodeHandler struct {
	sub  *Subscriber
	addr proto.Addr
}

func (h *subNodeHandler) RecvPubPathNotice(pathToPub bool, _ *peer.Peer) {
	h.sub.bk.SetPathToPub(h.addr, pathToPub)
}

func (h *subNodeHandler) RecvProdIndexNotice(idx proto.ProdIndex, _ *peer.Peer) bool {
	return h.recvNotice(proto.NewNoteReqFromProdIndex(idx), h.sub.sub.ShouldRequestProdIndex(idx))
}

func (h *subNodeHandler) RecvDataSegNotice(id proto.DataSegId, _ *peer.Peer) bool {
	return h.recvNotice(proto.NewNoteReqFromDataSegId(id), h.sub.sub.ShouldRequestDataSegId(id))
}

// recvNotice implements the dedup/alt-tracking half of P2 and P3: every
// notice is recorded as an alt candidate regardless of want, but a request
// is only actually issued if the node wants the datum and no other peer
// already holds it.
func (h *subNodeHandler) recvNotice(req proto.NoteReq, want bool) bool {
	h.sub.bk.Notified(h.addr, req)
	if !want || !h.sub.bk.ShouldRequest(req) {
		return false
	}
	if err := h.sub.bk.Requested(h.addr, req); err != nil {
		return false
	}
	return true
}

func (h *subNodeHandler) RecvProdInfo(info proto.ProdInfo, _ *peer.Peer) {
	req := proto.NewNoteReqFromProdIndex(info.Index)
	if !h.sub.bk.Received(h.addr, req) {
		logging.Sugar.Warnf("subscriber: peer %s sent unrequested %v", h.addr, req)
		return
	}
	if h.sub.sub.HereIsProdInfo(info) {
		h.sub.bk.CreditChunk(h.addr)
	}
}

func (h *subNodeHandler) RecvDataSeg(seg proto.DataSeg, _ *peer.Peer) {
	req := proto.NewNoteReqFromDataSegId(seg.Id)
	if !h.sub.bk.Received(h.addr, req) {
		logging.Sugar.Warnf("subscriber: peer %s sent unrequested %v", h.addr, req)
		return
	}
	if h.sub.sub.HereIsDataSeg(seg) {
		h.sub.bk.CreditChunk(h.addr)
	}
}
