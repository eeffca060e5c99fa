// Package peerset provides the concurrent container of live peer
// connections a publisher or subscriber manager juggles. It generalizes
// the teacher's central-server peer map (central-server/cserver.go's
// peersByRemote, guarded by a single mutex and keyed by remote address)
// from "one flat map of sessions" into "a set that runs each peer's own
// goroutine, broadcasts notices across it, and reports deaths back to its
// owner" per the design's P2pMgr/PeerSet split.
package peerset

import (
	"sync"

	"github.com/hycast/hycast/internal/logging"
	"github.com/hycast/hycast/internal/peer"
	"github.com/hycast/hycast/internal/proto"
)

// Mgr is notified when a peer's Run loop returns, from that peer's own
// goroutine. err is nil unless the peer ended with a LOGIC or
// FATAL_SYSTEM error, in which case the manager should treat it as fatal
// for the whole component.
type Mgr interface {
	Stopped(p *peer.Peer, err error)
}

// Set is the concurrent collection of peers a P2pMgr currently holds. Each
// inserted peer gets its own goroutine via Run, wired so that its death
// (for any reason) calls back into mgr.Stopped exactly once.
type Set struct {
	mgr Mgr

	mu    sync.Mutex
	peers map[proto.Addr]*peer.Peer
}

// New constructs an empty peer set reporting peer deaths to mgr.
func New(mgr Mgr) *Set {
	return &Set{mgr: mgr, peers: make(map[proto.Addr]*peer.Peer)}
}

// Insert adds p to the set and starts its Run loop in a new goroutine. It
// reports false, leaving p untouched, if a peer at the same remote address
// is already present (the caller should halt the duplicate instead).
func (s *Set) Insert(p *peer.Peer) bool {
	addr := p.GetRmtAddr()

	s.mu.Lock()
	if _, exists := s.peers[addr]; exists {
		s.mu.Unlock()
		return false
	}
	s.peers[addr] = p
	s.mu.Unlock()

	go func() {
		err := p.Run()
		s.mgr.Stopped(p, err)
	}()
	return true
}

// Erase removes the peer at addr from the set without halting it; the
// caller is expected to have already halted it (or be the Stopped callback
// unwinding after it halted itself).
func (s *Set) Erase(addr proto.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, addr)
}

// Get returns the peer at addr, if present.
func (s *Set) Get(addr proto.Addr) (*peer.Peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[addr]
	return p, ok
}

// Size returns the number of peers currently in the set.
func (s *Set) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// snapshot returns a stable slice of the current peers, safe to range over
// without holding the lock (a peer may be erased mid-broadcast; its own
// Halt makes that harmless).
func (s *Set) snapshot() []*peer.Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*peer.Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	return out
}

// NotifyProdIndex broadcasts a PROD_INFO_NOTICE to every peer except
// except (pass a zero proto.Addr, i.e. proto.Addr{}, to exclude no one).
func (s *Set) NotifyProdIndex(idx proto.ProdIndex, except proto.Addr) {
	for _, p := range s.snapshot() {
		if p.GetRmtAddr() == except {
			continue
		}
		if err := p.NotifyProdIndex(idx); err != nil {
			logging.Sugar.Warnf("peerset: notify %v of %v: %v", p.GetRmtAddr(), idx, err)
		}
	}
}

// NotifyDataSegId broadcasts a DATA_SEG_NOTICE to every peer except except.
func (s *Set) NotifyDataSegId(id proto.DataSegId, except proto.Addr) {
	for _, p := range s.snapshot() {
		if p.GetRmtAddr() == except {
			continue
		}
		if err := p.NotifyDataSegId(id); err != nil {
			logging.Sugar.Warnf("peerset: notify %v of %v: %v", p.GetRmtAddr(), id, err)
		}
	}
}

// GotPath re-broadcasts pathToPub=true to every peer, called when this
// node acquires a path to the publisher it didn't have before.
func (s *Set) GotPath() { s.broadcastPath(true) }

// LostPath re-broadcasts pathToPub=false to every peer.
func (s *Set) LostPath() { s.broadcastPath(false) }

func (s *Set) broadcastPath(pathToPub bool) {
	for _, p := range s.snapshot() {
		if err := p.NotifyPathToPub(pathToPub); err != nil {
			logging.Sugar.Warnf("peerset: notify %v of pathToPub=%v: %v", p.GetRmtAddr(), pathToPub, err)
		}
	}
}

// Halt halts every peer in the set. It does not wait for their Run loops
// to return; the caller should drain the expected number of Stopped
// callbacks.
func (s *Set) Halt() {
	for _, p := range s.snapshot() {
		p.Halt()
	}
}
