package dispatch

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/coriolisfs/nfsdispatch/internal/drc"
)

// Family identifies the address family a transport was created over. Vsock
// and RDMA are recognized but have no client library anywhere in the
// reference corpus, so their transport factories are functional stubs (see
// endpoint.go).
type Family int

const (
	FamilyInet4 Family = iota
	FamilyInet6
	FamilyVsock
	FamilyRDMA
)

func (f Family) String() string {
	switch f {
	case FamilyInet4:
		return "inet4"
	case FamilyInet6:
		return "inet6"
	case FamilyVsock:
		return "vsock"
	case FamilyRDMA:
		return "rdma"
	default:
		return "unknown"
	}
}

// Role is the transport's position in the accept/decode pipeline.
type Role int

const (
	RoleRendezvous Role = iota // listening, produces accepted children
	RoleConnected              // an accepted (or otherwise stream) connection
	RoleDatagram               // a UDP-style packet transport
)

// XprtStatus is returned by the reactor-facing hooks so the caller knows
// whether to keep servicing a transport.
type XprtStatus int

const (
	XprtOK XprtStatus = iota
	XprtDied
	XprtDestroyed
)

// Xprt is one endpoint or one accepted connection. Its reference count is
// the sole synchronization primitive protecting its lifetime: the decoder
// takes one reference per in-flight Req and releases it when the Req is
// destroyed. Xprt never stores a reference back to any Req, which is what
// keeps the Req<->Xprt relationship acyclic despite each side pointing at
// the other while a request is in flight.
type Xprt struct {
	ID uuid.UUID

	Family Family
	Role   Role

	Conn       net.Conn       // set when Role != RoleDatagram
	PacketConn net.PacketConn // set when Role == RoleDatagram

	// Parent links a transport to the rendezvous listener it was accepted
	// from. The accept path in serveTCP leaves it nil, so no transport
	// created by this package has Parent set.
	Parent *Xprt

	// ProcessCB is a per-transport readiness hook slot. This package
	// neither installs nor invokes it: serveConnection and serveUDP read
	// and decode records directly.
	ProcessCB func(x *Xprt) XprtStatus

	refcount atomic.Int32
	status   atomic.Int32 // XprtStatus

	// PrivateData is the per-connection slot external collaborators use;
	// FreeUserData releases it when the transport is destroyed.
	mu           sync.Mutex
	PrivateData  any
	FreeUserData func(any)

	// DRC is initialized lazily on first request, per the data model.
	drcOnce sync.Once
	DRCImpl drc.Cache

	closeOnce sync.Once
}

// NewXprt allocates a transport with refcount 1 (held by the caller, e.g.
// the Endpoint Manager or the accept path).
func NewXprt(family Family, role Role) *Xprt {
	x := &Xprt{
		ID:     uuid.New(),
		Family: family,
		Role:   role,
	}
	x.refcount.Store(1)
	x.status.Store(int32(XprtOK))
	return x
}

// Ref increments the reference count. Called once per Req allocated
// against this transport.
func (x *Xprt) Ref() int32 {
	return x.refcount.Add(1)
}

// Release decrements the reference count, destroying the transport's
// private data when it reaches zero. Returns the resulting count.
func (x *Xprt) Release() int32 {
	n := x.refcount.Add(-1)
	if n == 0 {
		x.destroy()
	}
	return n
}

// closeIO force-closes the transport's underlying connection or listening
// socket to unblock a goroutine parked in Accept/Read/ReadFrom, without
// touching the reference count. Safe to call more than once; EventChannel
// calls it on every member during Shutdown, since cancelling a context
// alone never interrupts a blocking syscall.
func (x *Xprt) closeIO() {
	x.closeOnce.Do(func() {
		if x.Conn != nil {
			_ = x.Conn.Close()
		}
		if x.PacketConn != nil {
			_ = x.PacketConn.Close()
		}
	})
}

func (x *Xprt) destroy() {
	x.mu.Lock()
	data := x.PrivateData
	free := x.FreeUserData
	x.PrivateData = nil
	x.mu.Unlock()
	if free != nil && data != nil {
		free(data)
	}
	x.closeIO()
}

// Status returns the transport's last observed status.
func (x *Xprt) Status() XprtStatus {
	return XprtStatus(x.status.Load())
}

// SetStatus records the transport's last observed status.
func (x *Xprt) SetStatus(s XprtStatus) {
	x.status.Store(int32(s))
}

// DRCCache returns the transport's duplicate-request cache, constructing an
// in-memory one on first use. A production deployment overrides this by
// calling SetDRC before the transport serves its first request.
func (x *Xprt) DRCCache() drc.Cache {
	x.drcOnce.Do(func() {
		if x.DRCImpl == nil {
			x.DRCImpl = drc.NewMemory()
		}
	})
	return x.DRCImpl
}

// SetDRC installs a non-default DRC backend. Later DRCCache calls return
// c, whether or not the transport has already served a request; entries
// cached in the previous backend are not carried over.
func (x *Xprt) SetDRC(c drc.Cache) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.DRCImpl = c
}

func (x *Xprt) SetPrivateData(data any, free func(any)) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.PrivateData = data
	x.FreeUserData = free
}
