package dispatch

import (
	"context"
	"net"
	"time"

	"github.com/coriolisfs/nfsdispatch/internal/drc"
	"github.com/coriolisfs/nfsdispatch/internal/gsscache"
	"github.com/coriolisfs/nfsdispatch/internal/logger"
	"github.com/coriolisfs/nfsdispatch/internal/rpcwire"
)

const maxRPCRecordBytes = 4 << 20

// serveTCP runs a rendezvous transport's accept loop: every accepted
// connection is wrapped in its own Xprt and handed to a worker channel,
// round-robin, per spec §4.2/§4.3.
func (d *Dispatcher) serveTCP(ctx context.Context, ln net.Listener, program uint32) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				logger.Debug("accept error on program %d: %v", program, err)
				return
			}
		}
		if d.cfg.Core.EnableTCPKeepalive {
			if tc, ok := conn.(*net.TCPConn); ok {
				_ = tc.SetKeepAlive(true)
				_ = tc.SetKeepAlivePeriod(d.cfg.Core.KeepIdle)
			}
		}

		x := NewXprt(d.endpoints.familyFor(), RoleConnected)
		x.Conn = conn
		x.Parent = nil
		x.SetDRC(d.drc)
		if cap, ok := d.handlers.byProgram[program]; ok && cap.OnRendezvous != nil {
			cap.OnRendezvous(x)
		}

		wc := d.assignWorkerChannel()
		wc.Register(x, func(cctx context.Context, xp *Xprt) {
			d.serveConnection(cctx, xp)
		})
	}
}

// serveUDP runs a datagram transport's recv loop.
func (d *Dispatcher) serveUDP(ctx context.Context, x *Xprt) {
	buf := make([]byte, d.recvBufSize())
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, addr, err := x.PacketConn.ReadFrom(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				logger.Debug("udp read error: %v", err)
				return
			}
		}
		record := make([]byte, n)
		copy(record, buf[:n])
		x.SetStatus(d.decodeAndDispatch(x, record, addr))
	}
}

func (d *Dispatcher) recvBufSize() int {
	if d.cfg.Core.MaxRecvBufBytes > 0 {
		return d.cfg.Core.MaxRecvBufBytes
	}
	return 1 << 16
}

// serveConnection reads successive RPC records off a connected TCP
// transport and decodes each in turn: requests from a single connection
// are decoded in order, since this goroutine is the connection's only
// reader (spec §5).
func (d *Dispatcher) serveConnection(ctx context.Context, x *Xprt) {
	defer x.Release()
	for {
		if !d.waitUntilUnstalled(ctx, x) {
			return
		}
		if idle := d.cfg.Core.IdleTimeout; idle > 0 {
			_ = x.Conn.SetReadDeadline(time.Now().Add(idle))
		}
		record, err := rpcwire.ReadRecord(x.Conn, uint32(maxRPCRecordBytes))
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				logger.Debug("connection %s closed: %v", x.ID, err)
			}
			return
		}
		status := d.decodeAndDispatch(x, record, x.Conn.RemoteAddr())
		x.SetStatus(status)
		if status != XprtOK {
			return
		}
	}
}

// waitUntilUnstalled blocks while an external protocol handler has marked x
// stalled via StallTransport, polling at a short interval since Unstall
// carries no wakeup channel of its own. Returns false if ctx is cancelled
// while waiting, so the caller can exit its serve loop like any other
// cancellation.
func (d *Dispatcher) waitUntilUnstalled(ctx context.Context, x *Xprt) bool {
	if !d.stall.Stalled(x) {
		return true
	}
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for d.stall.Stalled(x) {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
	return true
}

// decodeAndDispatch is the decode callback in spec §4.3: it allocates a
// Req, decodes the fixed RPC header, consults the duplicate-request cache,
// authenticates, verifies the checksum, and either rejects or enqueues.
// It never runs a protocol handler inline.
func (d *Dispatcher) decodeAndDispatch(x *Xprt, record []byte, remoteAddr net.Addr) XprtStatus {
	call, err := rpcwire.DecodeCallHeader(record)
	if err != nil {
		logger.Debug("decode error from %s: %v", x.ID, err)
		return x.Status()
	}
	body, err := rpcwire.RemainingBody(record, call)
	if err != nil {
		reply, _ := rpcwire.EncodeDecodeErrReply(call.XID)
		d.writeReply(x, remoteAddr, reply)
		return x.Status()
	}

	req := NewReq(classifyRequestKind(call), x, call, body)
	req.Lookahead = lookaheadFor(call)
	req.RemoteAddr = remoteAddr

	if cached, ok := x.DRCCache().Lookup(drc.Key{XprtID: xprtIDHash(x), XID: call.XID}); ok {
		d.writeReply(x, remoteAddr, cached)
		req.Release()
		return x.Status()
	}

	accepted, rejectWhy, noDispatch := d.authenticate(req)
	if !accepted {
		reply, _ := rpcwire.EncodeAuthRejectReply(call.XID, rejectWhy)
		d.writeReply(x, remoteAddr, reply)
		req.Release()
		return x.Status()
	}
	if noDispatch {
		req.Release()
		return x.Status()
	}

	if !d.checksum(req) {
		reply, _ := rpcwire.EncodeDecodeErrReply(call.XID)
		d.writeReply(x, remoteAddr, reply)
		req.Release()
		return x.Status()
	}

	req.Handler, _ = d.handlers.Resolve(call)

	req.Ref() // one for the queue, one for this caller to release below
	if !d.Enqueue(req) {
		req.Release() // undo the extra ref: it will never be dequeued
	}
	status := x.Status()
	req.Release()
	return status
}

// authenticate implements the credential-flavor gate described in
// SPEC_FULL §4.3: AUTH_NONE/AUTH_SYS always accept; RPCSEC_GSS consults the
// GSS context cache, treating an unrecognized handle as an INIT
// negotiation (no_dispatch=true, matching scenario S6); any other flavor is
// rejected outright (scenario S5).
func (d *Dispatcher) authenticate(req *Req) (accepted bool, rejectWhy uint32, noDispatch bool) {
	switch req.Header.Cred.Flavor {
	case rpcwire.AuthFlavorNone, rpcwire.AuthFlavorSys:
		return true, 0, false
	case rpcwire.AuthFlavorRPCSEC:
		handle := string(req.Header.Cred.Body)
		if handle == "" {
			return true, 0, false
		}
		if _, ok := d.gssCache.Get(handle); ok {
			return true, 0, false
		}
		d.gssCache.Put(&gsscache.Context{
			Handle:      handle,
			Established: time.Now(),
			LastUsed:    time.Now(),
		})
		return true, 0, true
	default:
		return false, rpcwire.AuthBadCred, false
	}
}

// cacheAndReply caches a handler-produced reply in the transport's DRC
// keyed by XID, then writes it, mirroring the original's cache-and-reply
// pattern: the next decode of the same XID off the same transport is
// satisfied straight from the cache (decodeAndDispatch's Lookup above)
// instead of running the handler a second time. Caching before writing
// means a peer that has seen the reply can never retransmit into a miss.
func (d *Dispatcher) cacheAndReply(req *Req) {
	if req.ReplyData == nil {
		return
	}
	req.Xprt.DRCCache().Insert(drc.Key{XprtID: xprtIDHash(req.Xprt), XID: req.Header.XID}, req.ReplyData)
	d.writeReply(req.Xprt, req.RemoteAddr, req.ReplyData)
}

func (d *Dispatcher) writeReply(x *Xprt, remoteAddr net.Addr, data []byte) {
	if data == nil {
		return
	}
	var err error
	switch {
	case x.Conn != nil:
		_, err = x.Conn.Write(data)
	case x.PacketConn != nil && remoteAddr != nil:
		_, err = x.PacketConn.WriteTo(data, remoteAddr)
	}
	if err != nil {
		logger.Debug("write reply on %s failed: %v", x.ID, err)
	}
}

// classifyRequestKind derives the Req.Kind spec §3 enumerates. This core
// never manages an NFSv4.1 backchannel, so every decoded call for the NFS,
// MOUNT, NLM or RQUOTA program is NFS_REQUEST and a call for any other
// program is KindOther, which Classify drops; NFS_CALL is reserved for a
// callback path this dispatch core does not implement (out of scope:
// callback semantics belong to the NFSv4 handler, not the core).
func classifyRequestKind(call *rpcwire.CallHeader) Kind {
	switch call.Program {
	case rpcwire.ProgramNFS, rpcwire.ProgramMount, rpcwire.ProgramNLM, rpcwire.ProgramRQuota:
		return KindNFSRequest
	default:
		return KindOther
	}
}

// lookaheadFor fills in the partial-decode metadata the classifier
// depends on. The codec contract in spec §9 requires this before
// classification; MOUNT is decided purely from the program number (a real
// partial decoder would also flag it from procedure-specific argument
// peeking, out of scope here), HIGH_LATENCY approximates the source's
// WRITE/COMMIT/large-READ heuristic using the NFS program's known
// high-latency procedure numbers.
func lookaheadFor(call *rpcwire.CallHeader) Lookahead {
	la := Lookahead{}
	if call.Program == rpcwire.ProgramMount {
		la.Mount = true
		return la
	}
	if call.Program == rpcwire.ProgramNFS && isHighLatencyProcedure(call.Procedure) {
		la.HighLatency = true
	}
	return la
}

// NFSv3 procedure numbers for WRITE, CREATE and COMMIT, treated as
// high-latency because they always touch stable storage.
const (
	nfsProcWrite  = 7
	nfsProcCreate = 8
	nfsProcCommit = 21
)

func isHighLatencyProcedure(proc uint32) bool {
	switch proc {
	case nfsProcWrite, nfsProcCreate, nfsProcCommit:
		return true
	default:
		return false
	}
}

func xprtIDHash(x *Xprt) uint64 {
	id := x.ID
	var h uint64
	for i := 0; i < 8; i++ {
		h = h<<8 | uint64(id[i])
	}
	return h
}
