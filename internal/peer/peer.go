// Package peer implements the bidirectional peer protocol: one Peer per
// remote node, running the INIT -> HANDSHAKING -> RUNNING -> HALTED state
// machine over a single reliable connection, encoding outbound PDUs and
// dispatching inbound ones into the node-level NoticeRcvr/RequestRcvr/
// DataRcvr callback interfaces. It generalizes the teacher's
// TCPTransport.handleConn read loop (pkg/transport/tcp/tcp_transport.go),
// which decodes one untyped RPC envelope per frame and pushes it onto a
// single channel, into a typed PDU dispatch table with per-message
// request/response semantics.
package peer

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/hycast/hycast/internal/herrors"
	"github.com/hycast/hycast/internal/logging"
	"github.com/hycast/hycast/internal/proto"
	"github.com/hycast/hycast/internal/wire"
)

// State is a Peer's position in the INIT -> HANDSHAKING -> RUNNING ->
// HALTED state machine.
type State int32

const (
	StateInit State = iota
	StateHandshaking
	StateRunning
	StateHalted
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateRunning:
		return "RUNNING"
	case StateHalted:
		return "HALTED"
	default:
		return "UNKNOWN"
	}
}

// NoticeRcvr handles notices received from the remote peer. The ProdIndex
// and DataSegId variants return whether the node wants the advertised
// datum; if true, the Peer immediately sends the matching request.
type NoticeRcvr interface {
	RecvPubPathNotice(pubPath bool, p *Peer)
	RecvProdIndexNotice(idx proto.ProdIndex, p *Peer) bool
	RecvDataSegNotice(id proto.DataSegId, p *Peer) bool
}

// RequestRcvr handles requests received from the remote peer, supplying
// the data the Peer then sends back. A non-nil error means the node has
// nothing to send for this request (e.g. the product has expired); the
// Peer logs it and sends no reply rather than treating it as a connection
// failure, since the underlying stream is still healthy.
type RequestRcvr interface {
	RecvProdIndexRequest(idx proto.ProdIndex, p *Peer) (proto.ProdInfo, error)
	RecvDataSegRequest(id proto.DataSegId, p *Peer) (proto.DataSeg, error)
}

// DataRcvr handles data PDUs received from the remote peer.
type DataRcvr interface {
	RecvProdInfo(info proto.ProdInfo, p *Peer)
	RecvDataSeg(seg proto.DataSeg, p *Peer)
}

// Handlers bundles the three capability interfaces a node supplies when
// constructing a Peer. A nil field means "this node never expects PDUs of
// that family from this peer" — receiving one anyway is a protocol
// violation (wrong direction) and halts the peer.
type Handlers struct {
	Notice  NoticeRcvr
	Request RequestRcvr
	Data    DataRcvr
}

// DefaultMaxFrameLen bounds a single PDU's payload. It comfortably covers
// a canonical data segment plus a product name at the wire's string limit.
const DefaultMaxFrameLen = 1 << 20

// Peer is the local endpoint of one bidirectional protocol session with a
// single remote node. It owns one connection and one codec; see package
// wire for the framing and primitive encode/decode it builds on.
type Peer struct {
	conn        net.Conn
	codec       *wire.Codec
	handlers    Handlers
	maxFrameLen uint32

	localPathToPub bool
	rmtPathToPub   atomic.Bool

	rmtAddr proto.Addr
	lclAddr proto.Addr

	state    atomic.Int32
	haltOnce sync.Once
}

// New constructs a Peer over conn. localPathToPub is this node's own
// PUB_PATH_NOTICE value, sent during the handshake.
func New(conn net.Conn, localPathToPub bool, handlers Handlers) (*Peer, error) {
	rmtAddr, err := proto.AddrFromNetAddr(conn.RemoteAddr())
	if err != nil {
		return nil, fmt.Errorf("peer: resolve remote address: %w", err)
	}
	lclAddr, err := proto.AddrFromNetAddr(conn.LocalAddr())
	if err != nil {
		return nil, fmt.Errorf("peer: resolve local address: %w", err)
	}

	p := &Peer{
		conn:           conn,
		codec:          wire.NewCodec(conn),
		handlers:       handlers,
		maxFrameLen:    DefaultMaxFrameLen,
		localPathToPub: localPathToPub,
		rmtAddr:        rmtAddr,
		lclAddr:        lclAddr,
	}
	p.state.Store(int32(StateInit))
	return p, nil
}

// GetRmtAddr returns the remote node's socket address: the stable key used
// by PeerSet and the bookkeeper.
func (p *Peer) GetRmtAddr() proto.Addr { return p.rmtAddr }

// GetLclAddr returns this peer's local socket address.
func (p *Peer) GetLclAddr() proto.Addr { return p.lclAddr }

// IsPathToPub reports whether the remote advertised a path to the
// publisher, as of the most recent PUB_PATH_NOTICE received.
func (p *Peer) IsPathToPub() bool { return p.rmtPathToPub.Load() }

// State returns the peer's current protocol state.
func (p *Peer) State() State { return State(p.state.Load()) }

// SetHandlers replaces the node-level callback interfaces this peer
// dispatches into. It must be called before the peer's Run loop starts
// (i.e. between accepting/dialing and handing the peer to its owner's
// worker goroutine) since dispatch reads handlers without synchronization
// once running.
func (p *Peer) SetHandlers(h Handlers) { p.handlers = h }

func (p *Peer) setState(s State) { p.state.Store(int32(s)) }

// Run executes the peer: handshake, then a read loop dispatching inbound
// PDUs until halted, EOF, or a non-fatal network error (all logged and
// swallowed — the node learns of this through a liveness callback rather
// than a propagated error), or until a LOGIC/FATAL_SYSTEM error occurs, in
// which case it is returned.
func (p *Peer) Run() error {
	defer p.Halt()

	if err := p.Handshake(); err != nil {
		return p.endRun(err)
	}

	for {
		id, body, err := p.codec.ReadFrame(p.maxFrameLen)
		if err != nil {
			return p.endRun(err)
		}
		if err := p.dispatch(id, body); err != nil {
			return p.endRun(err)
		}
	}
}

// Handshake performs the PUB_PATH_NOTICE exchange if it has not already
// happened, then leaves the peer in StateRunning. A caller that needs to
// know the remote's isPathToPub before deciding whether to admit the peer
// (the subscriber manager's tryAdd2) can call this directly, synchronously,
// before handing the peer to a worker goroutine; Run calls it too, and the
// second call is a no-op.
func (p *Peer) Handshake() error {
	if p.State() != StateInit {
		return nil
	}
	p.setState(StateHandshaking)
	if err := p.handshake(); err != nil {
		return err
	}
	p.setState(StateRunning)
	return nil
}

// endRun classifies a loop-ending error per the design's taxonomy: non-fatal
// network errors and protocol violations are logged and swallowed (the peer
// is already halting); LOGIC and FATAL_SYSTEM errors are returned so Run's
// caller can escalate.
func (p *Peer) endRun(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, herrors.ErrProtocol) {
		logging.Sugar.Warnf("peer %s: protocol violation: %v", p.rmtAddr, err)
		return nil
	}

	classified := err
	if !errors.Is(err, herrors.ErrTransient) && !errors.Is(err, herrors.ErrFatalSystem) && !errors.Is(err, herrors.ErrLogic) {
		classified = herrors.Classify(err)
	}
	if errors.Is(classified, herrors.ErrFatalSystem) || errors.Is(classified, herrors.ErrLogic) {
		logging.Sugar.Errorf("peer %s: fatal error: %v", p.rmtAddr, classified)
		return classified
	}

	logging.Sugar.Infof("peer %s: offline: %v", p.rmtAddr, classified)
	return nil
}

func (p *Peer) handshake() error {
	// Send concurrently with the read: over an unbuffered connection such as
	// net.Pipe, both sides writing first would block each other.
	sent := make(chan error, 1)
	go func() {
		sent <- p.sendRaw(wire.PduPubPathNotice, proto.EncodePubPathNotice(p.localPathToPub))
	}()

	id, body, err := p.codec.ReadFrame(p.maxFrameLen)
	if err != nil {
		return err
	}
	if err := <-sent; err != nil {
		return err
	}
	if id != wire.PduPubPathNotice {
		return herrors.Protocol("expected PUB_PATH_NOTICE during handshake, got %v", id)
	}
	v, err := proto.DecodePubPathNotice(body)
	if err != nil {
		return herrors.Protocol("malformed handshake PUB_PATH_NOTICE: %v", err)
	}
	p.rmtPathToPub.Store(v)
	return nil
}

func (p *Peer) dispatch(id wire.PduId, body []byte) error {
	switch id {
	case wire.PduPubPathNotice:
		v, err := proto.DecodePubPathNotice(body)
		if err != nil {
			return herrors.Protocol("malformed PUB_PATH_NOTICE: %v", err)
		}
		p.rmtPathToPub.Store(v)
		if p.handlers.Notice != nil {
			p.handlers.Notice.RecvPubPathNotice(v, p)
		}
		return nil

	case wire.PduProdInfoNotice:
		idx, err := proto.DecodeProdIndex(body)
		if err != nil {
			return herrors.Protocol("malformed PROD_INFO_NOTICE: %v", err)
		}
		if p.handlers.Notice == nil {
			return herrors.Protocol("unexpected PROD_INFO_NOTICE")
		}
		if p.handlers.Notice.RecvProdIndexNotice(idx, p) {
			return p.sendRaw(wire.PduProdInfoRequest, proto.EncodeProdIndex(idx))
		}
		return nil

	case wire.PduDataSegNotice:
		id, err := proto.DecodeDataSegId(body)
		if err != nil {
			return herrors.Protocol("malformed DATA_SEG_NOTICE: %v", err)
		}
		if p.handlers.Notice == nil {
			return herrors.Protocol("unexpected DATA_SEG_NOTICE")
		}
		if p.handlers.Notice.RecvDataSegNotice(id, p) {
			return p.sendRaw(wire.PduDataSegRequest, proto.EncodeDataSegId(id))
		}
		return nil

	case wire.PduProdInfoRequest:
		idx, err := proto.DecodeProdIndex(body)
		if err != nil {
			return herrors.Protocol("malformed PROD_INFO_REQUEST: %v", err)
		}
		if p.handlers.Request == nil {
			return herrors.Protocol("unexpected PROD_INFO_REQUEST")
		}
		info, err := p.handlers.Request.RecvProdIndexRequest(idx, p)
		if err != nil {
			logging.Sugar.Infof("peer %s: no ProdInfo for %v: %v", p.rmtAddr, idx, err)
			return nil
		}
		return p.SendProdInfo(info)

	case wire.PduDataSegRequest:
		id, err := proto.DecodeDataSegId(body)
		if err != nil {
			return herrors.Protocol("malformed DATA_SEG_REQUEST: %v", err)
		}
		if p.handlers.Request == nil {
			return herrors.Protocol("unexpected DATA_SEG_REQUEST")
		}
		seg, err := p.handlers.Request.RecvDataSegRequest(id, p)
		if err != nil {
			logging.Sugar.Infof("peer %s: no DataSeg for %v: %v", p.rmtAddr, id, err)
			return nil
		}
		return p.SendDataSeg(seg)

	case wire.PduProdInfo:
		info, err := proto.DecodeProdInfo(body)
		if err != nil {
			return herrors.Protocol("malformed PROD_INFO: %v", err)
		}
		if p.handlers.Data == nil {
			return herrors.Protocol("unexpected PROD_INFO")
		}
		p.handlers.Data.RecvProdInfo(info, p)
		return nil

	case wire.PduDataSeg:
		seg, err := proto.DecodeDataSeg(body)
		if err != nil {
			return herrors.Protocol("malformed DATA_SEG: %v", err)
		}
		if p.handlers.Data == nil {
			return herrors.Protocol("unexpected DATA_SEG")
		}
		p.handlers.Data.RecvDataSeg(seg, p)
		return nil

	default:
		return herrors.Protocol("unknown PduId %d", id)
	}
}

// NotifyProdIndex enqueues a PROD_INFO_NOTICE.
func (p *Peer) NotifyProdIndex(idx proto.ProdIndex) error {
	return p.sendRaw(wire.PduProdInfoNotice, proto.EncodeProdIndex(idx))
}

// NotifyDataSegId enqueues a DATA_SEG_NOTICE.
func (p *Peer) NotifyDataSegId(id proto.DataSegId) error {
	return p.sendRaw(wire.PduDataSegNotice, proto.EncodeDataSegId(id))
}

// RequestProdInfo enqueues a PROD_INFO_REQUEST.
func (p *Peer) RequestProdInfo(idx proto.ProdIndex) error {
	return p.sendRaw(wire.PduProdInfoRequest, proto.EncodeProdIndex(idx))
}

// RequestDataSeg enqueues a DATA_SEG_REQUEST.
func (p *Peer) RequestDataSeg(id proto.DataSegId) error {
	return p.sendRaw(wire.PduDataSegRequest, proto.EncodeDataSegId(id))
}

// SendProdInfo enqueues a PROD_INFO in response to a request.
func (p *Peer) SendProdInfo(info proto.ProdInfo) error {
	body, err := proto.EncodeProdInfo(info)
	if err != nil {
		return herrors.Protocol("cannot encode ProdInfo: %v", err)
	}
	return p.sendRaw(wire.PduProdInfo, body)
}

// SendDataSeg enqueues a DATA_SEG in response to a request.
func (p *Peer) SendDataSeg(seg proto.DataSeg) error {
	body, err := proto.EncodeDataSeg(seg)
	if err != nil {
		return herrors.Protocol("cannot encode DataSeg: %v", err)
	}
	return p.sendRaw(wire.PduDataSeg, body)
}

// NotifyPathToPub re-sends the PUB_PATH_NOTICE with this node's current
// value, used by PeerSet when the node's own path-to-publisher status
// changes.
func (p *Peer) NotifyPathToPub(pathToPub bool) error {
	p.localPathToPub = pathToPub
	return p.sendRaw(wire.PduPubPathNotice, proto.EncodePubPathNotice(pathToPub))
}

func (p *Peer) sendRaw(id wire.PduId, body []byte) error {
	if err := p.codec.WriteFrame(id, body); err != nil {
		return herrors.Classify(err)
	}
	return nil
}

// Halt idempotently shuts the connection down for both directions, causing
// the Run loop's blocked read to return promptly.
func (p *Peer) Halt() {
	p.haltOnce.Do(func() {
		p.setState(StateHalted)
		type halfCloser interface {
			CloseRead() error
			CloseWrite() error
		}
		if hc, ok := p.conn.(halfCloser); ok {
			_ = hc.CloseRead()
			_ = hc.CloseWrite()
		}
		_ = p.conn.Close()
	})
}

func (p *Peer) String() string {
	return fmt.Sprintf("Peer{rmt=%s, state=%s, pathToPub=%v}", p.rmtAddr, p.State(), p.IsPathToPub())
}
