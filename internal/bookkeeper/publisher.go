package bookkeeper

// Publisher is the publisher-side bookkeeper. Its activity score is the
// count of requests it has responded to for a given peer: a publisher
// values peers that extract work from it.
type Publisher struct {
	common
}

// NewPublisher constructs an empty publisher bookkeeper.
func NewPublisher() *Publisher {
	return &Publisher{common: newCommon()}
}

// Add registers a newly-connected peer.
func (p *Publisher) Add(peer PeerKey) { p.add(peer, false) }

// Erase removes a peer's record.
func (p *Publisher) Erase(peer PeerKey) { p.erase(peer) }

// ResetCounts zeroes every peer's response count.
func (p *Publisher) ResetCounts() { p.resetCounts() }

// Size returns the number of peers currently tracked.
func (p *Publisher) Size() int { return p.size() }

// GetWorstPeer returns the peer that has responded to the fewest requests
// since the last ResetCounts, breaking ties by oldest insertion.
func (p *Publisher) GetWorstPeer() (PeerKey, bool) {
	return p.worstPeer(nil)
}

// Requested records that this peer's request was responded to, per
// RequestRcvr sending back a ProdInfo or DataSeg.
func (p *Publisher) Requested(peer PeerKey) {
	p.incrScore(peer, 1)
}
