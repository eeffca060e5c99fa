// Package bookkeeper tracks per-peer activity, computes the "worst peer,"
// and records outstanding requests so they can be reassigned when a peer
// dies. It generalizes the teacher's central-server bookkeeping
// (central-server/cserver.go's peersByRemote map plus per-peer lastSeen) from
// "detect dead connections" into "score peers by usefulness and pick the
// worst one," per the design's activity-score/worst-peer contract.
package bookkeeper

import (
	"sync"

	"github.com/hycast/hycast/internal/proto"
)

// PeerKey identifies a peer by its stable remote address.
type PeerKey = proto.Addr

// entry is one peer's bookkeeping record.
type entry struct {
	inserted    uint64 // monotonic insertion order, for worst-peer tie-breaks
	score       int    // activity score since the last resetCounts
	isPathToPub bool
}

// common is the shared base of the publisher and subscriber bookkeepers: one
// mutex, one map keyed by peer, and a monotonic counter replacing the
// source's LinkedMap/LinkedSet (per the Design Note: an insertion counter
// suffices when only tie-break order matters).
type common struct {
	mu      sync.Mutex
	entries map[PeerKey]*entry
	nextSeq uint64
}

func newCommon() common {
	return common{entries: make(map[PeerKey]*entry)}
}

// add registers a new peer with a zero score. It is a no-op if the peer is
// already present.
func (c *common) add(peer PeerKey, isPathToPub bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[peer]; ok {
		return
	}
	c.entries[peer] = &entry{inserted: c.nextSeq, isPathToPub: isPathToPub}
	c.nextSeq++
}

// erase removes a peer's bookkeeping record.
func (c *common) erase(peer PeerKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, peer)
}

// resetCounts zeroes every peer's activity score. Called periodically by
// the improver loop so that "worst" reflects recent, not lifetime, activity.
func (c *common) resetCounts() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		e.score = 0
	}
}

// worstPeer returns the peer with the smallest score, restricted to peers
// for which filter returns true (pass a nil filter to consider everyone).
// Ties are broken by oldest insertion order, matching P5.
func (c *common) worstPeer(filter func(isPathToPub bool) bool) (PeerKey, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var worst PeerKey
	var worstEntry *entry
	found := false
	for peer, e := range c.entries {
		if filter != nil && !filter(e.isPathToPub) {
			continue
		}
		if !found || e.score < worstEntry.score ||
			(e.score == worstEntry.score && e.inserted < worstEntry.inserted) {
			worst, worstEntry, found = peer, e, true
		}
	}
	return worst, found
}

func (c *common) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *common) incrScore(peer PeerKey, delta int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[peer]; ok {
		e.score += delta
	}
}

func (c *common) setPathToPub(peer PeerKey, isPathToPub bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[peer]; ok {
		e.isPathToPub = isPathToPub
	}
}

func (c *common) pathToPubCounts() (withPath, withoutPath int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.isPathToPub {
			withPath++
		} else {
			withoutPath++
		}
	}
	return
}
