package dispatch

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/coriolisfs/nfsdispatch/internal/rpcwire"
)

func TestReq_RefcountLifecycle(t *testing.T) {
	x := NewXprt(FamilyInet4, RoleConnected)
	assert.EqualValues(t, 1, x.refcount.Load())

	r := NewReq(KindNFSRequest, x, &rpcwire.CallHeader{XID: 42}, nil)
	assert.EqualValues(t, 1, r.RefCount())
	assert.EqualValues(t, 2, x.refcount.Load())

	r.Ref()
	assert.EqualValues(t, 2, r.RefCount())

	assert.EqualValues(t, 1, r.Release())
	assert.EqualValues(t, 0, r.Release())
	// Xprt reference held on behalf of the Req is released with it.
	assert.EqualValues(t, 1, x.refcount.Load())
}

// Round-trip: a decoded request's xid survives to a built reply header.
func TestRoundTrip_XID(t *testing.T) {
	call := &rpcwire.CallHeader{XID: 0xdeadbeef, MsgType: rpcwire.MsgCall}
	x := NewXprt(FamilyInet4, RoleConnected)
	req := NewReq(KindNFSRequest, x, call, nil)
	assert.Equal(t, call.XID, req.Header.XID)

	reply, err := rpcwire.EncodeSuccessReply(req.Header.XID, nil)
	assert.NoError(t, err)
	assert.True(t, len(reply) > 8)

	// reply layout: [4-byte fragment header][xid][msgtype]...
	replyXID := binary.BigEndian.Uint32(reply[4:8])
	assert.Equal(t, req.Header.XID, replyXID)
}
