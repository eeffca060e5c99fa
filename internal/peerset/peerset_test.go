package peerset

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/hycast/hycast/internal/peer"
	"github.com/hycast/hycast/internal/proto"
)

type fakeMgr struct {
	mu      sync.Mutex
	stopped []proto.Addr
	done    chan struct{}
}

func newFakeMgr(n int) *fakeMgr {
	return &fakeMgr{done: make(chan struct{}, n)}
}

func (m *fakeMgr) Stopped(p *peer.Peer, err error) {
	m.mu.Lock()
	m.stopped = append(m.stopped, p.GetRmtAddr())
	m.mu.Unlock()
	m.done <- struct{}{}
}

func newPipePeer(t *testing.T) (*peer.Peer, *peer.Peer) {
	t.Helper()
	connA, connB := net.Pipe()
	a, err := peer.New(connA, false, peer.Handlers{})
	if err != nil {
		t.Fatalf("peer.New: %v", err)
	}
	b, err := peer.New(connB, true, peer.Handlers{})
	if err != nil {
		t.Fatalf("peer.New: %v", err)
	}
	return a, b
}

func TestInsertRejectsDuplicateAddr(t *testing.T) {
	mgr := newFakeMgr(1)
	s := New(mgr)

	a1, b1 := newPipePeer(t)
	a2, b2 := newPipePeer(t)

	if !s.Insert(a1) {
		t.Fatalf("first Insert failed")
	}
	if s.Size() != 1 {
		t.Fatalf("Size = %d, want 1", s.Size())
	}
	if _, ok := s.Get(a1.GetRmtAddr()); !ok {
		t.Fatalf("Get did not find inserted peer")
	}

	// net.Pipe conns all report the same bare address, so a2 collides
	// with a1 on the same key: Insert must reject it rather than clobber
	// the first peer's entry.
	if a2.GetRmtAddr() != a1.GetRmtAddr() {
		t.Fatalf("expected colliding addresses, got %v and %v", a1.GetRmtAddr(), a2.GetRmtAddr())
	}
	if s.Insert(a2) {
		t.Fatalf("second Insert at the same address should have been rejected")
	}

	s.Halt()
	b1.Halt()
	a2.Halt()
	b2.Halt()
	<-mgr.done
}

func TestHaltTriggersStoppedCallback(t *testing.T) {
	mgr := newFakeMgr(1)
	s := New(mgr)

	a, b := newPipePeer(t)
	go b.Run()
	if !s.Insert(a) {
		t.Fatalf("Insert failed")
	}

	s.Halt()

	select {
	case <-mgr.done:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for Stopped callback")
	}
	b.Halt()

	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	if len(mgr.stopped) != 1 || mgr.stopped[0] != a.GetRmtAddr() {
		t.Fatalf("stopped = %v, want [%v]", mgr.stopped, a.GetRmtAddr())
	}
}
