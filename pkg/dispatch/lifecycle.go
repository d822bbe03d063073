package dispatch

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/coriolisfs/nfsdispatch/internal/drc"
	"github.com/coriolisfs/nfsdispatch/internal/logger"
	"github.com/coriolisfs/nfsdispatch/internal/portmap"
	"github.com/coriolisfs/nfsdispatch/internal/rpcwire"
)

// Start runs the Registry & Lifecycle startup sequence in spec §4.6:
// allocate sockets (with the IPv6-probe fallback), bind and create
// transports for every enabled program, register with portmap, then start
// the worker pool. It returns the first fatal error; recoverable failures
// (vsock, GSS) are logged and startup continues.
func (d *Dispatcher) Start() error {
	logger.Info("starting dispatch core")

	d.initDRC()

	if err := d.endpoints.AllocateSockets(); err != nil {
		return fmt.Errorf("allocate sockets: %w", err)
	}

	if d.cfg.Core.EnableNFSv3 || d.cfg.Core.EnableNFSv4 {
		for _, cap := range d.handlers.Capabilities() {
			port := d.portForProgram(cap.ProgramID)
			if port == 0 {
				continue
			}
			d.clearStalePortmapEntries(cap)

			if err := d.endpoints.BindSockets(cap.ProgramID, port); err != nil {
				return fmt.Errorf("bind sockets for program %d: %w", cap.ProgramID, err)
			}
			udpConn, tcpLn, _ := d.endpoints.Listener(cap.ProgramID)
			d.createTransports(cap, udpConn, tcpLn)
		}

		if err := d.endpoints.BindVsock(d.cfg.Core.NFSPort); err != nil {
			logger.Warn("vsock endpoint unavailable: %v", err)
		}
	}

	if d.cfg.GSS.Enabled {
		logger.Warn("GSS service principal import is not available in this build; RPCSEC_GSS calls fall back to negotiation tracking only")
	}

	if err := d.registerPortmap(); err != nil {
		return err
	}

	d.StartWorkers()
	d.startGSSCacheGC()
	logger.Info("dispatch core started with %d workers", d.WorkerCount())
	return nil
}

// initDRC selects the duplicate-request cache backend named by
// cfg.DRC.Backend. "badger" opens a durable store at cfg.DRC.Path;
// failure to open it is treated the same as vsock/RDMA unavailability
// (logged, non-fatal): the core falls back to the in-memory default
// constructed in New rather than refusing to start.
func (d *Dispatcher) initDRC() {
	if d.cfg.DRC.Backend != "badger" {
		return
	}
	bc, err := drc.OpenBadgerCache(d.cfg.DRC.Path)
	if err != nil {
		logger.Warn("DRC badger backend unavailable, falling back to in-memory: %v", err)
		return
	}
	d.drc = bc
	d.drcCloser = bc.Close
}

// startGSSCacheGC runs the GSS context cache's idle-eviction sweep every
// cfg.GSS.GCInterval, matching the "max GC" configuration knob spec §6
// names. A zero interval disables the sweep (nothing to tick on).
func (d *Dispatcher) startGSSCacheGC() {
	interval := d.cfg.GSS.GCInterval
	if interval <= 0 {
		return
	}
	d.gcDone = make(chan struct{})
	go func() {
		defer close(d.gcDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-d.gcStop:
				return
			case <-ticker.C:
				if evicted := d.gssCache.GC(d.cfg.GSS.MaxIdle); evicted > 0 {
					logger.Debug("gss context cache GC evicted %d idle context(s)", evicted)
				}
			}
		}
	}()
}

func (d *Dispatcher) portForProgram(program uint32) int {
	switch program {
	case rpcwire.ProgramNFS:
		return d.cfg.Core.NFSPort
	case rpcwire.ProgramMount:
		return d.cfg.Core.MountPort
	case rpcwire.ProgramNLM:
		if !d.cfg.Core.EnableNLM {
			return 0
		}
		return d.cfg.Core.NLMPort
	case rpcwire.ProgramRQuota:
		if !d.cfg.Core.EnableRQuota {
			return 0
		}
		return d.cfg.Core.RQuotaPort
	default:
		return 0
	}
}

func (d *Dispatcher) clearStalePortmapEntries(cap Capability) {
	for _, v := range cap.Versions {
		_ = d.portmapClient.Unregister(cap.ProgramID, v, portmap.UDP4)
		_ = d.portmapClient.Unregister(cap.ProgramID, v, portmap.TCP4)
	}
}

// createTransports wraps the freshly bound sockets into transports and
// registers them on the listener channels: index 0 for UDP-listeners,
// index 1 for TCP-listeners, index 2 reserved for RDMA-listeners
// (spec §3's "one per listening role").
func (d *Dispatcher) createTransports(cap Capability, udpConn net.PacketConn, tcpLn net.Listener) {
	if udpConn != nil {
		x := NewXprt(d.endpoints.familyFor(), RoleDatagram)
		x.PacketConn = udpConn
		x.SetDRC(d.drc)
		d.listenerChans[0].Register(x, func(ctx context.Context, xp *Xprt) {
			d.serveUDP(ctx, xp)
		})
	}
	if tcpLn != nil {
		x := NewXprt(d.endpoints.familyFor(), RoleRendezvous)
		programID := cap.ProgramID
		d.listenerChans[1].Register(x, func(ctx context.Context, xp *Xprt) {
			d.serveTCP(ctx, tcpLn, programID)
		})
	}
}

func (d *Dispatcher) registerPortmap() error {
	for _, cap := range d.handlers.Capabilities() {
		port := d.portForProgram(cap.ProgramID)
		if port == 0 {
			continue
		}
		for _, v := range cap.Versions {
			if err := d.portmapClient.Register(cap.ProgramID, v, portmap.UDP4, uint16(port)); err != nil {
				return fmt.Errorf("portmap register udp4 program %d version %d: %w", cap.ProgramID, v, err)
			}
			if err := d.portmapClient.Register(cap.ProgramID, v, portmap.TCP4, uint16(port)); err != nil {
				return fmt.Errorf("portmap register tcp4 program %d version %d: %w", cap.ProgramID, v, err)
			}
			if !d.endpoints.V6Disabled() {
				if err := d.portmapClient.Register(cap.ProgramID, v, portmap.UDP6, uint16(port)); err != nil {
					return fmt.Errorf("portmap register udp6 program %d version %d: %w", cap.ProgramID, v, err)
				}
				if err := d.portmapClient.Register(cap.ProgramID, v, portmap.TCP6, uint16(port)); err != nil {
					return fmt.Errorf("portmap register tcp6 program %d version %d: %w", cap.ProgramID, v, err)
				}
			}
		}
	}
	return nil
}

// Stop is dispatch_stop(). It is guarded by a sync.Once: only the first
// call does any work, and later calls return immediately. It unregisters
// portmap, closes listener sockets and drains the
// listener channels, then signals workers to break out of their dequeue
// loop and waits for them to exit.
func (d *Dispatcher) Stop() {
	d.shutdownOnce.Do(func() {
		logger.Info("stopping dispatch core")

		for _, cap := range d.handlers.Capabilities() {
			port := d.portForProgram(cap.ProgramID)
			if port == 0 {
				continue
			}
			for _, v := range cap.Versions {
				_ = d.portmapClient.Unregister(cap.ProgramID, v, portmap.UDP4)
				_ = d.portmapClient.Unregister(cap.ProgramID, v, portmap.TCP4)
				if !d.endpoints.V6Disabled() {
					_ = d.portmapClient.Unregister(cap.ProgramID, v, portmap.UDP6)
					_ = d.portmapClient.Unregister(cap.ProgramID, v, portmap.TCP6)
				}
			}
		}

		// Close the listening sockets before draining the listener channels:
		// a goroutine blocked in Accept/ReadFrom only notices a cancelled
		// context on its next iteration, which never comes until the
		// underlying socket itself returns an error.
		d.endpoints.CloseAll()
		for _, ch := range d.listenerChans {
			ch.Shutdown()
		}

		close(d.shutdownCh)
		for _, ch := range d.workerChans {
			ch.Shutdown()
		}
		d.workers.Wait()

		close(d.gcStop)
		<-d.gcDone

		if d.drcCloser != nil {
			if err := d.drcCloser(); err != nil {
				logger.Warn("closing DRC backend: %v", err)
			}
		}

		logger.Info("dispatch core stopped")
	})
}
