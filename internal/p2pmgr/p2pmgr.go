// Package p2pmgr implements the publisher and subscriber overlay managers:
// the accept loop, the subscriber's connect loop, the admission/eviction
// policy, the periodic "improver" that culls the worst peer, and the
// single-exception-slot lifecycle that ties them together. It generalizes
// the teacher's CentralServer (central-server/cserver.go) from "one flat
// peer map with a timeout-based reaper" into a role-aware admission policy
// (Publisher.tryAdd2/Subscriber.tryAdd2) driven by internal/bookkeeper's
// activity scores, and replaces its ticker-based monitorPeers with an
// improver loop that can also be woken early on set-composition changes.
package p2pmgr

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/hycast/hycast/internal/herrors"
	"github.com/hycast/hycast/internal/logging"
	"github.com/hycast/hycast/internal/peer"
	"github.com/hycast/hycast/internal/peerset"
	"github.com/hycast/hycast/internal/proto"
)

// DefaultTimePeriod is the improver loop's default evaluation window.
const DefaultTimePeriod = 60 * time.Second

// P2pInfo configures a manager's listening socket and topology target.
type P2pInfo struct {
	SockAddr   string // "host:port" to listen on
	ListenSize int    // backlog hint, validated but not wired to net.Listen
	MaxPeers   int
}

// base is the shared lifecycle, admission policy, and improver loop of the
// publisher and subscriber managers. Variant-specific behavior is supplied
// as closures by the constructors in publisher.go and subscriber.go, per
// the design note to prefer capability interfaces/closures over global
// singletons or type switches.
type base struct {
	info P2pInfo

	localPathToPub atomic.Bool

	listener net.Listener
	peers    *peerset.Set

	mu         sync.Mutex // guards timePeriod and the admission/eviction sequence; see lock ordering note below
	timePeriod time.Duration

	improverWake chan struct{}

	ran          atomic.Bool
	done         chan struct{}
	stop         sync.Once
	listenerSet  chan struct{}

	excMu sync.Mutex
	exc   error

	wg sync.WaitGroup

	// Variant hooks. tryAdd2, stopped2, and the bk* functions are called
	// while b.mu is held; they must not themselves acquire b.mu, and must
	// not perform a blocking socket operation — stopped2 returns any
	// request reassignments as data so the caller can send them after
	// releasing b.mu (§5: no thread holds a lock while performing a
	// blocking socket operation on a different peer).
	tryAdd2       func(candidate proto.Addr, rmtIsPathToPub bool) (evict proto.Addr, evictOK bool, accept bool)
	stopped2      func(addr proto.Addr) []pendingSend
	bkAdd         func(addr proto.Addr, isPathToPub bool)
	bkErase       func(addr proto.Addr)
	bkWorst       func() (proto.Addr, bool)
	bkResetCounts func()
	newHandlers   func(addr proto.Addr) peer.Handlers
	connectLoop   func() // nil for the publisher
}

// Lock ordering, top-down, matching the design's P2pMgr -> PeerSet ->
// Bookkeeper -> Peer-codec chain: base.mu is acquired first; the bk* hooks
// and b.peers methods each take their own lock beneath it and must never
// be held while re-entering base.mu.

func newBase(info P2pInfo) (*base, error) {
	if info.ListenSize <= 0 {
		return nil, herrors.InvalidArgument("listenSize must be positive, got %d", info.ListenSize)
	}
	if info.MaxPeers <= 0 {
		return nil, herrors.InvalidArgument("maxPeers must be positive, got %d", info.MaxPeers)
	}
	b := &base{
		info:         info,
		timePeriod:   DefaultTimePeriod,
		improverWake: make(chan struct{}, 1),
		done:         make(chan struct{}),
		listenerSet:  make(chan struct{}),
	}
	b.peers = peerset.New(b)
	return b, nil
}

// Size returns the number of peers currently held.
func (b *base) Size() int { return b.peers.Size() }

// Addr blocks until the manager's listener is bound (or run() fails to
// bind one) and returns its address. Chiefly useful in tests and when
// SockAddr requests an ephemeral port ("host:0").
func (b *base) Addr() net.Addr {
	<-b.listenerSet
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// SetTimePeriod changes the improver's evaluation window, per the core's
// admin/telemetry surface (§6).
func (b *base) SetTimePeriod(period time.Duration) {
	b.mu.Lock()
	b.timePeriod = period
	b.mu.Unlock()
	b.wakeImprover()
}

func (b *base) wakeImprover() {
	select {
	case b.improverWake <- struct{}{}:
	default:
	}
}

func (b *base) setException(err error) {
	if err == nil {
		return
	}
	b.excMu.Lock()
	b.exc = multierr.Append(b.exc, err)
	b.excMu.Unlock()
}

func (b *base) exception() error {
	b.excMu.Lock()
	defer b.excMu.Unlock()
	return b.exc
}

// Halt stops every background loop and every peer. Idempotent.
func (b *base) Halt() {
	b.stop.Do(func() {
		close(b.done)
		if b.listener != nil {
			_ = b.listener.Close()
		}
		b.peers.Halt()
		b.wakeImprover()
	})
}

// run starts the accept loop (always), the connect loop (subscriber only),
// and the improver loop (when MaxPeers > 1), then blocks until Halt is
// called or a fatal error occurs. It refuses to execute twice.
func (b *base) run() error {
	if !b.ran.CompareAndSwap(false, true) {
		return herrors.Logic("p2pmgr: run() called more than once")
	}

	listener, err := net.Listen("tcp", b.info.SockAddr)
	if err != nil {
		close(b.listenerSet)
		return herrors.Classify(err)
	}
	b.listener = listener
	close(b.listenerSet)

	b.wg.Add(1)
	go b.acceptLoop()

	if b.connectLoop != nil {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.connectLoop()
		}()
	}

	if b.info.MaxPeers > 1 {
		b.wg.Add(1)
		go b.improverLoop()
	}

	<-b.done
	b.wg.Wait()
	return b.exception()
}

func (b *base) acceptLoop() {
	defer b.wg.Done()
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			select {
			case <-b.done:
				return
			default:
			}
			if herrors.IsNonFatal(err) {
				logging.Sugar.Warnf("p2pmgr: accept: %v", err)
				continue
			}
			b.setException(herrors.FatalSystem(err))
			b.Halt()
			return
		}
		go b.handleAccepted(conn)
	}
}

func (b *base) handleAccepted(conn net.Conn) {
	p, err := peer.New(conn, b.localPathToPub.Load(), peer.Handlers{})
	if err != nil {
		logging.Sugar.Warnf("p2pmgr: resolving accepted peer's address: %v", err)
		_ = conn.Close()
		return
	}
	if err := p.Handshake(); err != nil {
		switch {
		case errors.Is(err, herrors.ErrProtocol):
			logging.Sugar.Infof("p2pmgr: accepted peer %s failed handshake: %v", p.GetRmtAddr(), err)
		case herrors.IsNonFatal(err):
			logging.Sugar.Infof("p2pmgr: accepted peer %s went offline during handshake: %v", p.GetRmtAddr(), err)
		default:
			b.setException(herrors.Classify(err))
			b.Halt()
		}
		p.Halt()
		return
	}
	b.admit(p)
}

// admit runs the admission policy and, if accepted, wires the peer's node
// handlers and starts its worker. evictOK peers are halted and removed
// synchronously so PeerSet::size() never observes more than MaxPeers for
// longer than it takes the new peer's Insert to complete. It reports
// whether the peer was admitted, so the subscriber's connect loop can
// return a rejected dial address to its pool.
func (b *base) admit(p *peer.Peer) bool {
	addr := p.GetRmtAddr()

	b.mu.Lock()
	accept, evictAddr, evictOK := b.tryAdd(addr, p.IsPathToPub())
	if !accept {
		size := b.peers.Size()
		b.mu.Unlock()
		logging.Sugar.Infof("p2pmgr: rejected peer %s (size=%d, maxPeers=%d)", addr, size, b.info.MaxPeers)
		p.Halt()
		return false
	}
	var evictSends []pendingSend
	if evictOK {
		if victim, ok := b.peers.Get(evictAddr); ok {
			victim.Halt()
			evictSends = b.removeLocked(evictAddr)
		}
	}
	p.SetHandlers(b.newHandlers(addr))
	b.bkAdd(addr, p.IsPathToPub())
	inserted := b.peers.Insert(p)
	b.mu.Unlock()

	dispatchSends(evictSends)

	if !inserted {
		logging.Sugar.Warnf("p2pmgr: peer %s was already present, halting duplicate", addr)
		b.mu.Lock()
		b.bkErase(addr)
		b.mu.Unlock()
		p.Halt()
		return false
	}
	b.wakeImprover()
	return true
}

// tryAdd is the role-independent half of the admission policy (§4.5).
func (b *base) tryAdd(candidate proto.Addr, rmtIsPathToPub bool) (accept bool, evictAddr proto.Addr, evictOK bool) {
	size := b.peers.Size()
	switch {
	case size < b.info.MaxPeers:
		return true, proto.Addr{}, false
	case size > b.info.MaxPeers:
		return false, proto.Addr{}, false
	default:
		evictAddr, evictOK, accept = b.tryAdd2(candidate, rmtIsPathToPub)
		return accept, evictAddr, evictOK
	}
}

// pendingSend is a request reassignment decided while b.mu (and the
// bookkeeper's own lock, beneath it) was held, to be sent on its target
// peer once the caller has released b.mu.
type pendingSend struct {
	peer *peer.Peer
	req  proto.NoteReq
}

// dispatchSends issues each reassigned request. Called with no manager lock
// held, since it performs a blocking codec write per send.
func dispatchSends(sends []pendingSend) {
	for _, ps := range sends {
		if err := sendRequest(ps.peer, ps.req); err != nil {
			logging.Sugar.Warnf("p2pmgr: reassigning %v to %s: %v", ps.req, ps.peer.GetRmtAddr(), err)
		}
	}
}

// removeLocked erases addr from the bookkeeper and peer set and runs the
// variant's post-mortem hook, returning any request reassignments the
// caller must dispatch after releasing b.mu. Called with b.mu held, either
// synchronously during an admission-driven eviction or from Stopped when a
// peer's own worker returns; both call sites are idempotent with each
// other since every step is a no-op on an already-absent key.
func (b *base) removeLocked(addr proto.Addr) []pendingSend {
	sends := b.stopped2(addr)
	b.bkErase(addr)
	b.peers.Erase(addr)
	return sends
}

// Stopped implements peerset.Mgr: it is invoked from a peer's own worker
// goroutine when that peer's Run loop returns.
func (b *base) Stopped(p *peer.Peer, err error) {
	if err != nil {
		b.setException(err)
		b.Halt()
	}
	addr := p.GetRmtAddr()
	b.mu.Lock()
	sends := b.removeLocked(addr)
	b.mu.Unlock()
	b.wakeImprover()
	dispatchSends(sends)
}

// improverLoop periodically culls the worst peer once the set is full, or
// simply resets activity counters otherwise (§4.5).
func (b *base) improverLoop() {
	defer b.wg.Done()
	for {
		b.mu.Lock()
		period := b.timePeriod
		b.mu.Unlock()

		select {
		case <-b.done:
			return
		case <-b.improverWake:
		case <-time.After(period):
		}
		select {
		case <-b.done:
			return
		default:
		}

		b.mu.Lock()
		full := b.peers.Size() == b.info.MaxPeers
		var victim *peer.Peer
		var sends []pendingSend
		if full {
			if worstAddr, ok := b.bkWorst(); ok {
				victim, _ = b.peers.Get(worstAddr)
				sends = b.removeLocked(worstAddr)
			}
		} else {
			b.bkResetCounts()
		}
		b.mu.Unlock()

		dispatchSends(sends)

		if victim != nil {
			logging.Sugar.Infof("p2pmgr: improver culling worst peer %s", victim.GetRmtAddr())
			victim.Halt()
		}
	}
}

// GotPath and LostPath re-broadcast this node's own path-to-publisher bit
// across every current peer, per PeerSet.gotPath/lostPath (§4.4).
func (b *base) GotPath() {
	b.localPathToPub.Store(true)
	b.peers.GotPath()
}

func (b *base) LostPath() {
	b.localPathToPub.Store(false)
	b.peers.LostPath()
}

func sendRequest(p *peer.Peer, req proto.NoteReq) error {
	if idx, ok := req.IsProdIndex(); ok {
		return p.RequestProdInfo(idx)
	}
	id, _ := req.IsDataSegId()
	return p.RequestDataSeg(id)
}
