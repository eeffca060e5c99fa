package bookkeeper

import (
	"github.com/hycast/hycast/internal/herrors"
	"github.com/hycast/hycast/internal/proto"
)

// Subscriber is the subscriber-side bookkeeper. Its activity score is the
// count of useful data chunks received from a peer: a subscriber values
// peers that deliver data it didn't already have. It also tracks, for every
// outstanding NoteReq, which peer holds it and which other peers were
// notified of it and so are candidates to take over if that peer dies.
type Subscriber struct {
	common

	// holder maps an outstanding NoteReq to the single peer it was
	// requested from. Only one peer may hold a given NoteReq at a time,
	// which is the dedup invariant (P2).
	holder map[proto.NoteReq]PeerKey

	// pending maps a peer to the set of NoteReqs it currently holds, so a
	// dead peer's outstanding work can be enumerated.
	pending map[PeerKey]map[proto.NoteReq]struct{}

	// alts maps a NoteReq to the other peers that were notified of it and
	// have not themselves received it — candidates for reassignment.
	alts map[proto.NoteReq]map[PeerKey]struct{}
}

// NewSubscriber constructs an empty subscriber bookkeeper.
func NewSubscriber() *Subscriber {
	return &Subscriber{
		common:  newCommon(),
		holder:  make(map[proto.NoteReq]PeerKey),
		pending: make(map[PeerKey]map[proto.NoteReq]struct{}),
		alts:    make(map[proto.NoteReq]map[PeerKey]struct{}),
	}
}

// Add registers a newly-connected peer.
func (s *Subscriber) Add(peer PeerKey, isPathToPub bool) {
	s.add(peer, isPathToPub)
}

// Erase removes a peer's bookkeeping record. It does not resolve the peer's
// outstanding requests; the caller must first drain Pending(peer) and
// reassign each via PopBestAlt, then call Erase. The whole removal runs
// under one lock acquisition since it touches entries, pending, and alts
// together; calling the self-locking common.erase here would leave the
// pending/alts cleanup unsynchronized against Notified/Requested/Received/
// PopBestAlt racing on another peer.
func (s *Subscriber) Erase(peer PeerKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, peer)
	for req := range s.pending[peer] {
		if s.holder[req] == peer {
			delete(s.holder, req)
		}
	}
	delete(s.pending, peer)
	for req, alt := range s.alts {
		delete(alt, peer)
		if len(alt) == 0 {
			delete(s.alts, req)
		}
	}
}

// ResetCounts zeroes every peer's score.
func (s *Subscriber) ResetCounts() { s.resetCounts() }

// Size returns the number of peers currently tracked.
func (s *Subscriber) Size() int { return s.size() }

// SetPathToPub records whether this peer has a path to the publisher.
func (s *Subscriber) SetPathToPub(peer PeerKey, isPathToPub bool) {
	s.setPathToPub(peer, isPathToPub)
}

// GetWorstPeer returns the lowest-scored peer among all tracked peers.
func (s *Subscriber) GetWorstPeer() (PeerKey, bool) {
	return s.worstPeer(nil)
}

// GetWorstPeerByPath returns the lowest-scored peer whose path-to-publisher
// status equals rmtIsPathToPub, for the imbalance-driven eviction policy.
func (s *Subscriber) GetWorstPeerByPath(rmtIsPathToPub bool) (PeerKey, bool) {
	return s.worstPeer(func(isPathToPub bool) bool { return isPathToPub == rmtIsPathToPub })
}

// GetPubPathCounts returns how many tracked peers do and don't have a path
// to the publisher.
func (s *Subscriber) GetPubPathCounts() (withPath, withoutPath int) {
	return s.pathToPubCounts()
}

// Notified records that peer was sent a notice for req. It is a candidate
// to satisfy req via PopBestAlt if whichever peer ends up requesting it
// later dies before responding.
func (s *Subscriber) Notified(peer PeerKey, req proto.NoteReq) {
	s.mu.Lock()
	defer s.mu.Unlock()
	alt := s.alts[req]
	if alt == nil {
		alt = make(map[PeerKey]struct{})
		s.alts[req] = alt
	}
	alt[peer] = struct{}{}
}

// Requested records that peer has requested req. It fails if another peer
// already holds req, enforcing the global one-outstanding-request-per-datum
// invariant (P2).
func (s *Subscriber) Requested(peer PeerKey, req proto.NoteReq) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if holder, ok := s.holder[req]; ok && holder != peer {
		return herrors.Logic("%s already requested from %s", req, holder)
	}

	s.holder[req] = peer
	set := s.pending[peer]
	if set == nil {
		set = make(map[proto.NoteReq]struct{})
		s.pending[peer] = set
	}
	set[req] = struct{}{}

	if alt := s.alts[req]; alt != nil {
		delete(alt, peer)
		if len(alt) == 0 {
			delete(s.alts, req)
		}
	}
	return nil
}

// ShouldRequest reports whether no peer currently holds req, i.e. whether
// it is safe to request it.
func (s *Subscriber) ShouldRequest(req proto.NoteReq) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, held := s.holder[req]
	return !held
}

// Received clears req's outstanding-request record. It reports whether
// peer was in fact the recorded holder of req; the caller should treat
// false as a protocol violation to log, not a reason to store the datum.
// Call CreditChunk separately once the caller has determined the datum was
// new (per P2pSub.HereIsProdInfo/HereIsDataSeg), since that determination happens after
// Received and may itself be expensive (a disk write).
func (s *Subscriber) Received(peer PeerKey, req proto.NoteReq) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	holder, ok := s.holder[req]
	wasHolder := ok && holder == peer
	if wasHolder {
		delete(s.holder, req)
		if set := s.pending[peer]; set != nil {
			delete(set, req)
		}
	}
	delete(s.alts, req)
	return wasHolder
}

// CreditChunk increments peer's activity score by one useful chunk
// received, per the subscriber scoring rule in Subscriber's doc comment.
func (s *Subscriber) CreditChunk(peer PeerKey) {
	s.incrScore(peer, 1)
}

// Pending returns the NoteReqs currently outstanding on peer, for
// reassignment when peer dies.
func (s *Subscriber) Pending(peer PeerKey) []proto.NoteReq {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.pending[peer]
	reqs := make([]proto.NoteReq, 0, len(set))
	for req := range set {
		reqs = append(reqs, req)
	}
	return reqs
}

// PopBestAlt returns and removes the highest-scored peer that was notified
// of req but has not yet requested or received it, for reassigning req away
// from a peer that died while it was outstanding (P3). The returned peer
// becomes req's new holder.
func (s *Subscriber) PopBestAlt(req proto.NoteReq) (PeerKey, bool) {
	s.mu.Lock()
	alt := s.alts[req]
	var best PeerKey
	var bestEntry *entry
	found := false
	for peer := range alt {
		e, ok := s.entries[peer]
		if !ok {
			continue
		}
		if !found || e.score > bestEntry.score ||
			(e.score == bestEntry.score && e.inserted < bestEntry.inserted) {
			best, bestEntry, found = peer, e, true
		}
	}
	if !found {
		s.mu.Unlock()
		return PeerKey{}, false
	}
	delete(alt, best)
	if len(alt) == 0 {
		delete(s.alts, req)
	}
	s.holder[req] = best
	set := s.pending[best]
	if set == nil {
		set = make(map[proto.NoteReq]struct{})
		s.pending[best] = set
	}
	set[req] = struct{}{}
	s.mu.Unlock()
	return best, true
}
