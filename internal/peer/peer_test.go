package peer

import (
	"bytes"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/hycast/hycast/internal/proto"
)

// subHandlers plays the subscriber role: on a notice, it always wants the
// datum; it records whatever data PDUs arrive.
type subHandlers struct {
	mu        sync.Mutex
	prodInfos []proto.ProdInfo
	dataSegs  []proto.DataSeg
	pubPaths  []bool
}

func (s *subHandlers) RecvPubPathNotice(pubPath bool, p *Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pubPaths = append(s.pubPaths, pubPath)
}
func (s *subHandlers) RecvProdIndexNotice(proto.ProdIndex, *Peer) bool { return true }
func (s *subHandlers) RecvDataSegNotice(proto.DataSegId, *Peer) bool   { return true }
func (s *subHandlers) RecvProdInfo(info proto.ProdInfo, p *Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prodInfos = append(s.prodInfos, info)
}
func (s *subHandlers) RecvDataSeg(seg proto.DataSeg, p *Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dataSegs = append(s.dataSegs, seg)
}

// pubHandlers plays the publisher role: it answers every request from a
// fixed in-memory product.
type pubHandlers struct {
	info proto.ProdInfo
	data []byte
}

func (pb *pubHandlers) RecvProdIndexRequest(idx proto.ProdIndex, p *Peer) (proto.ProdInfo, error) {
	return pb.info, nil
}
func (pb *pubHandlers) RecvDataSegRequest(id proto.DataSegId, p *Peer) (proto.DataSeg, error) {
	size := proto.SegSizeOf(pb.info.Size, id.Offset)
	return proto.DataSeg{
		Id:       id,
		ProdSize: pb.info.Size,
		Payload:  pb.data[id.Offset : uint32(id.Offset)+uint32(size)],
	}, nil
}

func TestSinglePeerEcho(t *testing.T) {
	subConn, pubConn := net.Pipe()

	prodSize := proto.ProdSize(1_000_000)
	payload := make([]byte, prodSize)
	for i := range payload {
		payload[i] = 0xbd
	}
	prodInfo := proto.ProdInfo{Index: 1, Name: "product", Size: prodSize}

	sub := &subHandlers{}
	subPeer, err := New(subConn, false, Handlers{Notice: sub, Data: sub})
	if err != nil {
		t.Fatalf("New(sub): %v", err)
	}

	pub := &pubHandlers{info: prodInfo, data: payload}
	pubPeer, err := New(pubConn, true, Handlers{Request: pub})
	if err != nil {
		t.Fatalf("New(pub): %v", err)
	}

	done := make(chan struct{}, 2)
	go func() { subPeer.Run(); done <- struct{}{} }()
	go func() { pubPeer.Run(); done <- struct{}{} }()

	// Give the handshake a moment.
	time.Sleep(20 * time.Millisecond)
	if pubPeer.IsPathToPub() != false {
		t.Fatalf("pub's view of sub's pathToPub = %v, want false", pubPeer.IsPathToPub())
	}
	if !subPeer.IsPathToPub() {
		t.Fatalf("sub's view of pub's pathToPub = %v, want true", subPeer.IsPathToPub())
	}

	if err := subPeer.RequestProdInfo(1); err != nil {
		t.Fatalf("RequestProdInfo: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	offset := proto.SegOffset(1444)
	if err := subPeer.RequestDataSeg(proto.DataSegId{ProdIndex: 1, Offset: offset}); err != nil {
		t.Fatalf("RequestDataSeg: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	subPeer.Halt()
	pubPeer.Halt()
	<-done
	<-done

	sub.mu.Lock()
	defer sub.mu.Unlock()
	if len(sub.prodInfos) != 1 || sub.prodInfos[0] != prodInfo {
		t.Fatalf("got prodInfos %+v, want [%+v]", sub.prodInfos, prodInfo)
	}
	if len(sub.dataSegs) != 1 {
		t.Fatalf("got %d data segments, want 1", len(sub.dataSegs))
	}
	want := payload[offset : uint32(offset)+uint32(proto.CanonicalSegSize)]
	if !bytes.Equal(sub.dataSegs[0].Payload, want) {
		t.Fatalf("data segment payload mismatch")
	}
}

func TestNoticeDeclinedDoesNotRequest(t *testing.T) {
	subConn, pubConn := net.Pipe()

	subPeer, err := New(subConn, false, Handlers{Notice: declineNotices{}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	pub := &pubHandlers{info: proto.ProdInfo{Index: 1, Name: "x", Size: 10}, data: make([]byte, 10)}
	pubPeer, err := New(pubConn, true, Handlers{Request: pub})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	go subPeer.Run()
	go pubPeer.Run()
	time.Sleep(20 * time.Millisecond)

	if err := pubPeer.NotifyProdIndex(1); err != nil {
		t.Fatalf("NotifyProdIndex: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	// Had sub requested, pub would have answered with a PROD_INFO that sub
	// (no DataRcvr) treats as a protocol violation, halting itself.
	if subPeer.State() == StateHalted {
		t.Fatalf("sub halted: a declined notice must not produce a request")
	}

	subPeer.Halt()
	pubPeer.Halt()
}

type declineNotices struct{}

func (declineNotices) RecvPubPathNotice(bool, *Peer) {}
func (declineNotices) RecvProdIndexNotice(proto.ProdIndex, *Peer) bool {
	return false
}
func (declineNotices) RecvDataSegNotice(proto.DataSegId, *Peer) bool {
	return false
}

func TestUnexpectedDirectionHaltsPeerNotManager(t *testing.T) {
	subConn, pubConn := net.Pipe()

	// sub never registers a RequestRcvr, so a PROD_INFO_REQUEST sent to it
	// should be a protocol violation that halts the peer, not a panic.
	subPeer, err := New(subConn, false, Handlers{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pubPeer, err := New(pubConn, true, Handlers{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	go subPeer.Run()
	runErr := make(chan error, 1)
	go func() { runErr <- pubPeer.Run() }()
	time.Sleep(20 * time.Millisecond)

	if err := pubPeer.RequestProdInfo(1); err != nil {
		t.Fatalf("RequestProdInfo: %v", err)
	}

	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run returned fatal error for a protocol violation: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for pubPeer.Run to return after protocol violation")
	}
	subPeer.Halt()
}
