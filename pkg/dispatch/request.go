package dispatch

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/coriolisfs/nfsdispatch/internal/rpcwire"
)

// Kind is the request's protocol family, decided by the decoder before
// classification.
type Kind int

const (
	KindNFSRequest Kind = iota
	KindNFSCall
	Kind9PRequest
	KindOther
)

// Lookahead is metadata the partial decoder fills in before classification;
// the codec contract requires this to be populated before Decode returns,
// or classification defaults to LowLatency (spec §9, second open question).
type Lookahead struct {
	Mount       bool
	HighLatency bool
}

// QueueKind identifies one of the four classifier queues.
type QueueKind int

const (
	QueueMount QueueKind = iota
	QueueCall
	QueueLowLatency
	QueueHighLatency
	numQueues
)

func (k QueueKind) String() string {
	switch k {
	case QueueMount:
		return "mount"
	case QueueCall:
		return "call"
	case QueueLowLatency:
		return "low_latency"
	case QueueHighLatency:
		return "high_latency"
	default:
		return "unknown"
	}
}

// HandlerFunc is the function descriptor invoked by a worker once a request
// is dequeued. Protocol semantics live entirely on the other side of this
// boundary.
type HandlerFunc func(req *Req)

// Req is one pending RPC. Allocated by the decoder with refcount 1 (held by
// the caller); the enqueue path bumps it to 2 so the queue and the caller
// each hold one reference, and the worker's final Release brings it back to
// zero once SVC_STAT has been sampled.
type Req struct {
	Kind      Kind
	Xprt      *Xprt
	Header    *rpcwire.CallHeader
	Lookahead Lookahead

	// RemoteAddr is the peer the request came from: the datagram peer a
	// reply must be addressed to, or, for connected transports, the
	// connection's remote address (writeReply ignores it there, since
	// Xprt.Conn already knows its peer).
	RemoteAddr net.Addr

	// Body is the still-XDR-encoded procedure argument region; protocol
	// handlers decode it themselves.
	Body []byte

	// Handler is resolved by the classifier/registry from the decoded
	// header's (program, version) pair.
	Handler HandlerFunc

	// Arg is a decoded-argument slot a protocol handler may populate; the
	// core never inspects it.
	Arg any

	// ReplyData is the framed reply a handler produces by calling
	// SetReply. Once the worker's invoke loop observes it, it is written
	// to the transport and cached in the transport's DRC keyed by XID, so
	// a retransmission of the same call is answered from the cache
	// without re-running the handler.
	ReplyData []byte

	EnqueuedAt time.Time

	refcount atomic.Int32

	// next links Req nodes inside a sub-queue's intrusive linked list.
	next *Req
}

// NewReq allocates a request bound to xprt with refcount 1, taking one
// reference on the transport per spec §4.3 step 1.
func NewReq(kind Kind, x *Xprt, header *rpcwire.CallHeader, body []byte) *Req {
	x.Ref()
	r := &Req{
		Kind:   kind,
		Xprt:   x,
		Header: header,
		Body:   body,
	}
	r.refcount.Store(1)
	return r
}

// Ref increments the request's reference count.
func (r *Req) Ref() int32 {
	return r.refcount.Add(1)
}

// Release decrements the request's reference count, releasing the
// transport reference and returning the request to nothing once it hits
// zero. Returns the resulting count.
func (r *Req) Release() int32 {
	n := r.refcount.Add(-1)
	if n == 0 {
		r.Xprt.Release()
		r.Xprt = nil
	}
	return n
}

// RefCount reports the current reference count, for tests.
func (r *Req) RefCount() int32 {
	return r.refcount.Load()
}

// SetReply records the framed reply a protocol handler produced. Calling
// it is optional: a handler that manages its own transport writes (or one
// that never replies, e.g. a callback) simply leaves ReplyData nil.
func (r *Req) SetReply(data []byte) {
	r.ReplyData = data
}
