package p2pmgr

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hycast/hycast/internal/herrors"
	"github.com/hycast/hycast/internal/proto"
)

// memSndr is a fixed in-memory P2pSndr serving a single product.
type memSndr struct {
	info proto.ProdInfo
	data []byte
}

func (m *memSndr) GetProdInfo(idx proto.ProdIndex) (proto.ProdInfo, bool) {
	if idx != m.info.Index {
		return proto.ProdInfo{}, false
	}
	return m.info, true
}

func (m *memSndr) GetMemSeg(id proto.DataSegId) (proto.DataSeg, bool) {
	if id.ProdIndex != m.info.Index {
		return proto.DataSeg{}, false
	}
	size := proto.SegSizeOf(m.info.Size, id.Offset)
	return proto.DataSeg{
		Id:       id,
		ProdSize: m.info.Size,
		Payload:  m.data[id.Offset : uint32(id.Offset)+uint32(size)],
	}, true
}

// memSub is a P2pSub that always wants a new datum and records what it's
// given.
type memSub struct {
	mu        sync.Mutex
	prodInfos []proto.ProdInfo
	dataSegs  []proto.DataSeg
}

func (m *memSub) ShouldRequestProdIndex(proto.ProdIndex) bool { return true }
func (m *memSub) ShouldRequestDataSegId(proto.DataSegId) bool { return true }

func (m *memSub) HereIsProdInfo(info proto.ProdInfo) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prodInfos = append(m.prodInfos, info)
	return true
}

func (m *memSub) HereIsDataSeg(seg proto.DataSeg) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dataSegs = append(m.dataSegs, seg)
	return true
}

func (m *memSub) snapshot() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.prodInfos), len(m.dataSegs)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestNewBaseRejectsInvalidArguments(t *testing.T) {
	if _, err := NewPublisher(P2pInfo{SockAddr: "127.0.0.1:0", ListenSize: 0, MaxPeers: 8}, &memSndr{}); !errors.Is(err, herrors.ErrInvalidArgument) {
		t.Fatalf("ListenSize=0: got err %v, want InvalidArgument", err)
	}
	if _, err := NewPublisher(P2pInfo{SockAddr: "127.0.0.1:0", ListenSize: 8, MaxPeers: 0}, &memSndr{}); !errors.Is(err, herrors.ErrInvalidArgument) {
		t.Fatalf("MaxPeers=0: got err %v, want InvalidArgument", err)
	}
}

func TestPublisherSubscriberEndToEndExchange(t *testing.T) {
	prodSize := proto.ProdSize(3000)
	payload := make([]byte, prodSize)
	for i := range payload {
		payload[i] = byte(i)
	}
	prodInfo := proto.ProdInfo{Index: 1, Name: "widget", Size: prodSize}
	sndr := &memSndr{info: prodInfo, data: payload}

	pub, err := NewPublisher(P2pInfo{SockAddr: "127.0.0.1:0", ListenSize: 8, MaxPeers: 8}, sndr)
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	pubErr := make(chan error, 1)
	go func() { pubErr <- pub.Run() }()
	defer pub.Halt()

	pubAddr := pub.Addr()
	if pubAddr == nil {
		t.Fatal("publisher never bound a listener")
	}

	sub := &memSub{}
	pool := NewStaticPool([]string{pubAddr.String()})
	subMgr, err := NewSubscriber(P2pInfo{SockAddr: "127.0.0.1:0", ListenSize: 8, MaxPeers: 8}, sub, pool)
	if err != nil {
		t.Fatalf("NewSubscriber: %v", err)
	}
	subErr := make(chan error, 1)
	go func() { subErr <- subMgr.Run() }()
	defer subMgr.Halt()

	waitFor(t, time.Second, func() bool { return pub.Size() == 1 && subMgr.Size() == 1 })

	pub.NotifyProdIndex(prodInfo.Index)
	waitFor(t, time.Second, func() bool {
		n, _ := sub.snapshot()
		return n == 1
	})

	seg := proto.DataSegId{ProdIndex: prodInfo.Index, Offset: 0}
	pub.NotifyDataSegId(seg)
	waitFor(t, time.Second, func() bool {
		_, n := sub.snapshot()
		return n == 1
	})

	n, m := sub.snapshot()
	if n != 1 || m != 1 {
		t.Fatalf("got %d prodInfos and %d dataSegs, want 1 and 1", n, m)
	}
}

// idleSub never wants anything it is notified of, so the publisher never
// answers a request from it and its bookkeeper score stays at zero.
type idleSub struct{}

func (idleSub) ShouldRequestProdIndex(proto.ProdIndex) bool { return false }
func (idleSub) ShouldRequestDataSegId(proto.DataSegId) bool { return false }
func (idleSub) HereIsProdInfo(proto.ProdInfo) bool          { return false }
func (idleSub) HereIsDataSeg(proto.DataSeg) bool            { return false }

func TestImproverCullsWorstPeerWhenFull(t *testing.T) {
	prodInfo := proto.ProdInfo{Index: 1, Name: "widget", Size: 10}
	sndr := &memSndr{info: prodInfo, data: make([]byte, 10)}

	pub, err := NewPublisher(P2pInfo{SockAddr: "127.0.0.1:0", ListenSize: 8, MaxPeers: 2}, sndr)
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	go pub.Run()
	defer pub.Halt()
	pubAddr := pub.Addr().String()

	// active's requests are served by the publisher, crediting its score.
	active := &memSub{}
	mgrActive, err := NewSubscriber(P2pInfo{SockAddr: "127.0.0.1:0", ListenSize: 8, MaxPeers: 8}, active, NewStaticPool([]string{pubAddr}))
	if err != nil {
		t.Fatalf("NewSubscriber active: %v", err)
	}
	go mgrActive.Run()
	defer mgrActive.Halt()

	// idle never requests anything, so it is never credited and stays worst.
	mgrIdle, err := NewSubscriber(P2pInfo{SockAddr: "127.0.0.1:0", ListenSize: 8, MaxPeers: 8}, idleSub{}, NewStaticPool([]string{pubAddr}))
	if err != nil {
		t.Fatalf("NewSubscriber idle: %v", err)
	}
	go mgrIdle.Run()
	defer mgrIdle.Halt()

	waitFor(t, time.Second, func() bool { return pub.Size() == 2 })

	pub.NotifyProdIndex(prodInfo.Index)
	waitFor(t, time.Second, func() bool {
		n, _ := active.snapshot()
		return n == 1
	})

	// Only now start the improver's rapid evaluation window, once active's
	// score is already credited: this keeps the cull deterministic instead
	// of racing the first tick against the request/response round trip.
	pub.SetTimePeriod(30 * time.Millisecond)

	// The improver should cull the idle peer (score 0) within a couple of
	// evaluation windows, leaving the active peer connected.
	waitFor(t, 2*time.Second, func() bool { return pub.Size() == 1 })
	waitFor(t, time.Second, func() bool { return mgrIdle.Size() == 0 })
	if mgrActive.Size() != 1 {
		t.Fatalf("mgrActive.Size() = %d, want 1 (active peer should survive the cull)", mgrActive.Size())
	}
}

func TestPublisherRejectsBeyondMaxPeersAndReturnsAddrToPool(t *testing.T) {
	sndr := &memSndr{info: proto.ProdInfo{Index: 1, Name: "x", Size: 10}, data: make([]byte, 10)}
	pub, err := NewPublisher(P2pInfo{SockAddr: "127.0.0.1:0", ListenSize: 8, MaxPeers: 1}, sndr)
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	go pub.Run()
	defer pub.Halt()
	pubAddr := pub.Addr().String()

	sub1 := &memSub{}
	pool1 := NewStaticPool([]string{pubAddr})
	mgr1, err := NewSubscriber(P2pInfo{SockAddr: "127.0.0.1:0", ListenSize: 8, MaxPeers: 8}, sub1, pool1)
	if err != nil {
		t.Fatalf("NewSubscriber 1: %v", err)
	}
	go mgr1.Run()
	defer mgr1.Halt()

	waitFor(t, time.Second, func() bool { return pub.Size() == 1 })

	sub2 := &memSub{}
	pool2 := NewStaticPool([]string{pubAddr})
	mgr2, err := NewSubscriber(P2pInfo{SockAddr: "127.0.0.1:0", ListenSize: 8, MaxPeers: 8}, sub2, pool2)
	if err != nil {
		t.Fatalf("NewSubscriber 2: %v", err)
	}
	go mgr2.Run()
	defer mgr2.Halt()

	// The publisher is already full and always-accepts only below capacity,
	// so the second subscriber's dial is rejected and its address is
	// returned to its own pool rather than being admitted.
	waitFor(t, time.Second, func() bool { return pool2.Size() == 1 })

	if mgr2.Size() != 0 {
		t.Fatalf("mgr2.Size() = %d, want 0 (dial should have been rejected)", mgr2.Size())
	}
	if pub.Size() != 1 {
		t.Fatalf("pub.Size() = %d, want 1", pub.Size())
	}
}
