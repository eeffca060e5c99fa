package p2pmgr

import "github.com/hycast/hycast/internal/proto"

// P2pSndr is the publisher-side collaborator that supplies product and
// segment data in response to peer requests (§6). It is implemented by the
// out-of-scope repository layer.
type P2pSndr interface {
	GetProdInfo(idx proto.ProdIndex) (proto.ProdInfo, bool)
	GetMemSeg(id proto.DataSegId) (proto.DataSeg, bool)
}

// P2pSub is the subscriber-side collaborator that decides whether a
// notified datum is wanted and stores data that arrives (§6). HereIsProdInfo
// and HereIsDataSeg report true when the datum was new and has been stored, which is what
// makes the delivering peer's chunk count (its activity score) go up.
type P2pSub interface {
	ShouldRequestProdIndex(idx proto.ProdIndex) bool
	ShouldRequestDataSegId(id proto.DataSegId) bool
	HereIsProdInfo(info proto.ProdInfo) bool
	HereIsDataSeg(seg proto.DataSeg) bool
}
