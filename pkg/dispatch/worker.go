package dispatch

import "sync/atomic"

// worker repeatedly dequeues a Req, invokes its handler, and releases its
// reference, per spec §4.5. Each worker owns exactly one WaitEntry for its
// entire lifetime.
type worker struct {
	id    int
	entry *WaitEntry
	d     *Dispatcher
}

func newWorker(id int, d *Dispatcher) *worker {
	return &worker{id: id, entry: NewWaitEntry(), d: d}
}

func (w *worker) run() {
	defer w.d.workers.Done()
	for {
		req := w.d.dequeueRoundRobin()
		if req != nil {
			w.d.invoke(req)
			continue
		}
		if w.d.shouldBreak() {
			return
		}
		if woken := w.d.waitlist.Park(w.entry, w.d.shouldBreak); !woken {
			return
		}
	}
}

// dequeueRoundRobin scans the four queues starting at a process-wide slot
// that advances on every call, per the weighted round-robin in spec §4.4.
func (d *Dispatcher) dequeueRoundRobin() *Req {
	slot := int(uint32(atomic.AddUint32(&d.slot, 1)-1) % uint32(numQueues))
	for i := 0; i < int(numQueues); i++ {
		kind := QueueKind((slot + i) % int(numQueues))
		if r := d.queues.dequeueOne(kind); r != nil {
			if d.metrics != nil {
				d.metrics.ObserveDequeue(kind.String())
			}
			return r
		}
	}
	return nil
}

// invoke runs req's handler and releases the dispatch core's reference on
// it. The core never lets a handler panic escape into the worker loop: a
// panicking handler is a programmer error in the protocol layer, logged
// and swallowed so one bad request cannot take down the worker pool.
func (d *Dispatcher) invoke(req *Req) {
	defer req.Release()
	defer func() {
		if r := recover(); r != nil {
			d.logHandlerPanic(req, r)
		}
	}()
	if req.Handler != nil {
		req.Handler(req)
	}
	d.cacheAndReply(req)
}
