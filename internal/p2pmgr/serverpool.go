package p2pmgr

import "sync"

// ServerPool is the bootstrap list of candidate peer-server addresses the
// subscriber's connect loop dials from (§6). Pop blocks until an address
// is available or the pool is closed; Consider returns an address to the
// pool and is safe to call more than once for the same address
// (idempotent), matching the post-mortem recycling in stopped2.
type ServerPool interface {
	Pop() (string, bool)
	Consider(sockAddr string)
	Size() int
	Close()
}

// staticPool is a ServerPool seeded from a fixed bootstrap list, growable
// at runtime as peers the manager has talked to are considered. Grounded
// on the teacher's discovery package's use of a fixed seed list
// (pkg/discovery/discovery.go) in place of runtime mDNS, since peer
// discovery is explicitly out of scope for the core (spec's Non-goals).
type staticPool struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []string
	queued map[string]bool
	closed bool
}

// NewStaticPool seeds a pool from a fixed bootstrap list.
func NewStaticPool(bootstrap []string) ServerPool {
	p := &staticPool{
		queue:  append([]string(nil), bootstrap...),
		queued: make(map[string]bool, len(bootstrap)),
	}
	p.cond = sync.NewCond(&p.mu)
	for _, addr := range bootstrap {
		p.queued[addr] = true
	}
	return p
}

func (p *staticPool) Pop() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) == 0 && !p.closed {
		p.cond.Wait()
	}
	if p.closed && len(p.queue) == 0 {
		return "", false
	}
	addr := p.queue[0]
	p.queue = p.queue[1:]
	delete(p.queued, addr)
	return addr, true
}

func (p *staticPool) Consider(sockAddr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.queued[sockAddr] {
		return
	}
	p.queued[sockAddr] = true
	p.queue = append(p.queue, sockAddr)
	p.cond.Signal()
}

func (p *staticPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *staticPool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()
}
