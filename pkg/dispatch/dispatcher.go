package dispatch

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/coriolisfs/nfsdispatch/internal/config"
	"github.com/coriolisfs/nfsdispatch/internal/drc"
	"github.com/coriolisfs/nfsdispatch/internal/gsscache"
	"github.com/coriolisfs/nfsdispatch/internal/logger"
	"github.com/coriolisfs/nfsdispatch/internal/portmap"
	"github.com/coriolisfs/nfsdispatch/pkg/dispatch/metrics"
)

// EVCHANSize is the number of dedicated listener channels: one for
// UDP-listeners, one for TCP-listeners, one for RDMA/vsock-listeners
// (spec §3).
const EVCHANSize = 3

// NTCPEventChan is the number of worker channels accepted TCP connections
// are round-robined across, matching the original dispatcher's
// N_TCP_EVENT_CHAN.
const NTCPEventChan = 3

// Dispatcher is the one explicitly-owned object encapsulating the global
// state spec §9 calls out (v6Disabled, socket/xprt bookkeeping, event
// channels, counters): everything else in this package is a collaborator
// constructed by and reachable from a Dispatcher, and every test builds a
// fresh one instead of relying on package-level globals.
type Dispatcher struct {
	cfg *config.Config

	queues   *MultiQueue
	waitlist *Waitlist
	stall    *StallQueue

	handlers      *HandlerRegistry
	gssCache      *gsscache.Cache
	portmapClient portmap.Client
	metrics       *metrics.Collector

	endpoints     *EndpointManager
	listenerChans [EVCHANSize]*EventChannel
	workerChans   [NTCPEventChan]*EventChannel
	tcpAssign     uint32

	// drc is the shared duplicate-request cache handed to every transport
	// via SetDRC as it is created; a single backend instance per
	// Dispatcher (rather than one per Xprt) so a durable badger backend
	// opens exactly one file regardless of connection count. Selected
	// from cfg.DRC.Backend during Start.
	drc       drc.Cache
	drcCloser func() error

	gcStop chan struct{}
	gcDone chan struct{}

	checksum func(req *Req) bool

	slot uint32

	workerCount int
	workers     sync.WaitGroup

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New constructs a Dispatcher. handlers is required (New panics if it is
// nil); a nil pmClient falls back to portmap.LoggingClient; reg may be nil
// to disable Prometheus registration (tests commonly pass
// prometheus.NewRegistry()).
func New(cfg *config.Config, handlers *HandlerRegistry, pmClient portmap.Client, reg prometheus.Registerer) *Dispatcher {
	if handlers == nil {
		panic("dispatch: handlers registry is required")
	}
	if pmClient == nil {
		pmClient = portmap.LoggingClient{}
	}

	var mc *metrics.Collector
	if reg != nil {
		mc = metrics.New(reg)
	}

	// gcDone starts pre-closed: Stop() always waits on it, but a
	// Dispatcher on which Start (and therefore startGSSCacheGC) was
	// never called, or whose GC interval is zero, never replaces it with
	// a fresh channel for a goroutine to close later.
	gcDone := make(chan struct{})
	close(gcDone)

	d := &Dispatcher{
		cfg:           cfg,
		queues:        NewMultiQueue(),
		waitlist:      NewWaitlist(),
		stall:         NewStallQueue(),
		handlers:      handlers,
		gssCache:      gsscache.New(cfg.GSS.ContextPartitions, cfg.GSS.MaxContexts),
		portmapClient: pmClient,
		metrics:       mc,
		endpoints:     NewEndpointManager(cfg),
		drc:           drc.NewMemory(),
		checksum:      func(*Req) bool { return true },
		shutdownCh:    make(chan struct{}),
		gcStop:        make(chan struct{}),
		gcDone:        gcDone,
		workerCount:   cfg.Core.MaxIOWorkerThreads,
	}
	if d.workerCount <= 0 {
		d.workerCount = defaultWorkerCount()
	}
	for i := range d.listenerChans {
		d.listenerChans[i] = NewEventChannel(i, "listener", 0)
	}
	for i := range d.workerChans {
		d.workerChans[i] = NewEventChannel(EVCHANSize+i, "worker", cfg.Core.IdleTimeout)
	}
	d.waitlist.SetOnChange(func(n int) {
		if d.metrics != nil {
			d.metrics.SetWorkersParked(n)
		}
	})
	d.stall.SetOnChange(func(n int) {
		if d.metrics != nil {
			d.metrics.SetStalledTransports(n)
		}
	})
	d.queues.SetOnSample(func(v int64) {
		if d.metrics != nil {
			d.metrics.SetOutstandingEst(v)
		}
	})
	return d
}

// SetChecksum installs f as the per-request checksum verifier decoder.go's
// decodeAndDispatch consults before enqueueing. The default New installs
// always accepts (matching a build with no RPC-library checksum plugin
// wired in); an external RPC-library integration overrides this to reject
// a request whose header/body checksum spec §6 requires doesn't verify.
func (d *Dispatcher) SetChecksum(f func(req *Req) bool) {
	d.checksum = f
}

// StallTransport marks x paused for per-connection backpressure. Deciding
// when a connection should stop being read from belongs to an external
// protocol handler (stall.go's documented split); the core only tracks the
// list and, in serveConnection, actually stops reading while a transport
// is marked.
func (d *Dispatcher) StallTransport(x *Xprt) {
	d.stall.Add(x)
}

// UnstallTransport clears x's stalled state, letting serveConnection
// resume reading.
func (d *Dispatcher) UnstallTransport(x *Xprt) {
	d.stall.Remove(x)
}

// TransportStalled reports whether x is currently paused.
func (d *Dispatcher) TransportStalled(x *Xprt) bool {
	return d.stall.Stalled(x)
}

// Enqueue classifies req and appends it to the corresponding queue,
// attempting a single waiter handoff afterward. It reports whether req was
// placed on a queue; false means the "other -> drop" row of the
// classification table applied and the caller owns undoing any extra
// reference it took in anticipation of a successful enqueue.
func (d *Dispatcher) Enqueue(req *Req) bool {
	kind, ok := Classify(req.Kind, req.Lookahead)
	if !ok {
		return false
	}
	d.queues.enqueue(kind, req)
	if d.metrics != nil {
		d.metrics.ObserveEnqueue(kind.String())
		d.metrics.SetQueueDepth(kind.String(), d.queues.QueueSize(kind))
	}
	d.waitlist.TryWake()
	return true
}

// Counters exposes enqueued_reqs, dequeued_reqs, outstanding_reqs_est.
func (d *Dispatcher) Counters() (enqueued, dequeued, outstandingEst int64) {
	return d.queues.Counters()
}

// QueueSize reports one queue's current depth, for tests.
func (d *Dispatcher) QueueSize(kind QueueKind) int {
	return d.queues.QueueSize(kind)
}

// Waiters reports the number of currently parked workers, for tests.
func (d *Dispatcher) Waiters() int {
	return d.waitlist.Waiters()
}

// assignWorkerChannel round-robins accepted TCP connections across the
// worker channels, per spec §4.2.
func (d *Dispatcher) assignWorkerChannel() *EventChannel {
	slot := atomic.AddUint32(&d.tcpAssign, 1) - 1
	return d.workerChans[slot%uint32(NTCPEventChan)]
}

func (d *Dispatcher) shouldBreak() bool {
	select {
	case <-d.shutdownCh:
		return true
	default:
		return false
	}
}

func (d *Dispatcher) logHandlerPanic(req *Req, r any) {
	prog, proc := uint32(0), uint32(0)
	if req.Header != nil {
		prog, proc = req.Header.Program, req.Header.Procedure
	}
	logger.Error("handler panic: program=%d procedure=%d recovered=%v", prog, proc, r)
}

// StartWorkers launches the worker pool. Safe to call once per Dispatcher.
func (d *Dispatcher) StartWorkers() {
	for i := 0; i < d.workerCount; i++ {
		w := newWorker(i, d)
		d.workers.Add(1)
		go w.run()
	}
	logger.Info("dispatch worker pool started: %d workers", d.workerCount)
}

// WorkerCount reports how many worker goroutines this dispatcher runs.
func (d *Dispatcher) WorkerCount() int {
	return d.workerCount
}

// defaultWorkerCount derives max_io_worker_threads=0 from
// runtime.GOMAXPROCS(0), per SPEC_FULL §7. cmd/nfsdispatchd calls
// automaxprocs before constructing a Dispatcher so this reflects the
// container's cgroup CPU quota, not just the host's core count.
func defaultWorkerCount() int {
	n := runtime.GOMAXPROCS(0)
	if n < 1 {
		n = 1
	}
	return n
}
