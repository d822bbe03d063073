package dispatch

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/coriolisfs/nfsdispatch/internal/config"
	"github.com/coriolisfs/nfsdispatch/internal/logger"
)

// listenerEntry pairs the datagram and rendezvous sockets allocated for one
// program, mirroring the "socket fds stored per (protocol,family)" data
// model: either is nil until BindSockets succeeds.
type listenerEntry struct {
	program uint32
	udp     net.PacketConn
	tcp     net.Listener
}

// EndpointManager probes the address family and binds the UDP and TCP
// sockets per program. It applies no socket options at bind time (TCP
// keepalive is set per accepted connection in serveTCP) and does not create
// transports: the Dispatcher wraps the bound sockets in createTransports
// (lifecycle.go). It never talks to portmap itself; Registry (lifecycle.go)
// sequences that around it.
type EndpointManager struct {
	cfg *config.Config

	v6Disabled atomic.Bool

	// probeV6 tests IPv6 support; overridden in tests to exercise the
	// fallback path deterministically (invariant 6 / scenario S-IPv6).
	probeV6 func() error

	mu        sync.Mutex
	listeners map[uint32]*listenerEntry
	vsock     net.Listener // stub: always nil, bind always fails non-fatally
}

// NewEndpointManager creates a manager bound to cfg.
func NewEndpointManager(cfg *config.Config) *EndpointManager {
	return &EndpointManager{
		cfg:       cfg,
		probeV6:   defaultProbeV6,
		listeners: make(map[uint32]*listenerEntry),
	}
}

func defaultProbeV6() error {
	pc, err := net.ListenPacket("udp6", "[::1]:0")
	if err != nil {
		return err
	}
	return pc.Close()
}

func isAddrFamilyUnsupported(err error) bool {
	return errors.Is(err, syscall.EAFNOSUPPORT)
}

// AllocateSockets probes IPv6 support. If the probe fails with
// EAFNOSUPPORT, v6_disabled is latched true and every subsequent bind
// targets AF_INET only (spec §4.1, invariant 6). Any other probe failure
// is treated the same as "no v6": this manager only ever distinguishes
// "v6 available" from "not", never diagnoses why.
func (em *EndpointManager) AllocateSockets() error {
	if err := em.probeV6(); err != nil {
		if isAddrFamilyUnsupported(err) {
			em.v6Disabled.Store(true)
			logger.Warn("IPv6 not supported by this host, falling back to IPv4 for all endpoints")
		} else {
			em.v6Disabled.Store(true)
			logger.Warn("IPv6 probe failed (%v), falling back to IPv4", err)
		}
	}
	return nil
}

// V6Disabled reports whether IPv6 has been latched off.
func (em *EndpointManager) V6Disabled() bool {
	return em.v6Disabled.Load()
}

// familyFor reports the address family currently in effect for new
// transports, reflecting the v6Disabled fallback latch.
func (em *EndpointManager) familyFor() Family {
	if em.v6Disabled.Load() {
		return FamilyInet4
	}
	return FamilyInet6
}

func (em *EndpointManager) network(base string) string {
	if em.v6Disabled.Load() {
		return base + "4"
	}
	return base + "6"
}

func (em *EndpointManager) bindAddr(port int) string {
	if em.v6Disabled.Load() {
		return fmt.Sprintf("0.0.0.0:%d", port)
	}
	return fmt.Sprintf("[::]:%d", port)
}

// BindSockets binds the UDP and TCP sockets for program on port. A TCP
// failure after a successful UDP bind on the same family is fatal per
// spec §4.1: it cannot be explained by family disablement, since the UDP
// bind on the same address family just succeeded.
func (em *EndpointManager) BindSockets(program uint32, port int) error {
	udpAddr := em.bindAddr(port)
	udpConn, err := net.ListenPacket(em.network("udp"), udpAddr)
	if err != nil {
		return fmt.Errorf("bind udp for program %d on %s: %w", program, udpAddr, err)
	}

	if em.cfg.Core.EnableTCPKeepalive {
		// Keepalive parameters are applied per-connection at accept time
		// (net.TCPConn.SetKeepAlive*); there is no listener-level knob in
		// net.Listen, unlike the raw setsockopt path spec §4.1 describes.
	}

	tcpAddr := em.bindAddr(port)
	tcpLn, err := net.Listen(em.network("tcp"), tcpAddr)
	if err != nil {
		_ = udpConn.Close()
		return fmt.Errorf("bind tcp for program %d on %s: %w", program, tcpAddr, err)
	}

	em.mu.Lock()
	em.listeners[program] = &listenerEntry{program: program, udp: udpConn, tcp: tcpLn}
	em.mu.Unlock()
	return nil
}

// BindVsock attempts a vsock bind on port. Vsock has no client library in
// the reference corpus (verified: no example repo imports one), so this is
// a functional stub that always reports "address family not supported",
// keeping the manager's non-fatal fallback path real and exercised rather
// than dead code.
func (em *EndpointManager) BindVsock(port int) error {
	err := fmt.Errorf("vsock: %w", syscall.EAFNOSUPPORT)
	logger.Warn("vsock bind on port %d failed (non-fatal): %v", port, err)
	return nil
}

// BindRDMA attempts an RDMA transport bind. Same rationale as BindVsock:
// no RDMA library exists in the reference corpus.
func (em *EndpointManager) BindRDMA(port int) error {
	err := fmt.Errorf("rdma: %w", syscall.EAFNOSUPPORT)
	logger.Warn("RDMA bind on port %d failed (non-fatal): %v", port, err)
	return nil
}

// Listener returns the bound entry for program, if any.
func (em *EndpointManager) Listener(program uint32) (net.PacketConn, net.Listener, bool) {
	em.mu.Lock()
	defer em.mu.Unlock()
	e, ok := em.listeners[program]
	if !ok {
		return nil, nil, false
	}
	return e.udp, e.tcp, true
}

// CloseAll closes every bound socket, tolerating already-nil entries per
// spec §3 ("close_all tolerates either").
func (em *EndpointManager) CloseAll() {
	em.mu.Lock()
	defer em.mu.Unlock()
	for program, e := range em.listeners {
		if e.udp != nil {
			if err := e.udp.Close(); err != nil {
				logger.Debug("close udp socket for program %d: %v", program, err)
			}
		}
		if e.tcp != nil {
			if err := e.tcp.Close(); err != nil {
				logger.Debug("close tcp socket for program %d: %v", program, err)
			}
		}
	}
	em.listeners = make(map[uint32]*listenerEntry)
}
