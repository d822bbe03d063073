// Package rpcwire is the dispatch core's boundary to the RPC wire codec
// library: it decodes only the fixed-size RPC call header (the part the
// classifier and worker pool need to route a request) and builds the small
// set of replies the core itself is responsible for (auth-reject,
// decode-error, success framing). Argument body encoding for NFS, MOUNT,
// NLM and RQUOTA stays out of scope, per spec — that is a protocol handler
// concern invoked with the CallHeader and raw body this package hands back.
package rpcwire

// CallHeader is the decoded RPC call header: enough to classify and route a
// request without touching its XDR-encoded arguments.
type CallHeader struct {
	XID        uint32
	MsgType    uint32
	RPCVersion uint32
	Program    uint32
	Version    uint32
	Procedure  uint32
	Cred       OpaqueAuth
	Verf       OpaqueAuth
}

// ReplyHeader is the RPC reply header prepended to every response.
type ReplyHeader struct {
	XID        uint32
	MsgType    uint32 // 1 = REPLY
	ReplyState uint32 // 0 = MSG_ACCEPTED, 1 = MSG_DENIED
	Verf       OpaqueAuth
	AcceptStat uint32 // 0 = SUCCESS, 4 = GARBAGE_ARGS, ...
}

// OpaqueAuth is the RPC opaque_auth structure carried by both calls and
// replies (flavor + opaque body).
type OpaqueAuth struct {
	Flavor uint32
	Body   []byte `xdr:"opaque"`
}
