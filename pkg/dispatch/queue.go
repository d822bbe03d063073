package dispatch

import "sync"

// subQueue is an intrusive singly-linked FIFO with its own lock. The
// critical section for every operation is O(1): append/pop touch only head
// and tail pointers, and splice reparents an entire list without visiting
// its elements.
type subQueue struct {
	mu   sync.Mutex
	head *Req
	tail *Req
	size int
}

func (q *subQueue) pushTailLocked(r *Req) {
	r.next = nil
	if q.tail == nil {
		q.head, q.tail = r, r
	} else {
		q.tail.next = r
		q.tail = r
	}
	q.size++
}

func (q *subQueue) popHeadLocked() *Req {
	r := q.head
	if r == nil {
		return nil
	}
	q.head = r.next
	if q.head == nil {
		q.tail = nil
	}
	r.next = nil
	q.size--
	return r
}

// spliceFromLocked moves src's entire list onto the tail of q and clears
// src, in O(1). Caller holds both locks.
func (q *subQueue) spliceFromLocked(src *subQueue) {
	if src.head == nil {
		return
	}
	if q.tail == nil {
		q.head = src.head
	} else {
		q.tail.next = src.head
	}
	q.tail = src.tail
	q.size += src.size
	src.head, src.tail, src.size = nil, nil, 0
}

// queuePair is one classifier queue: a producer sub-queue that Enqueue
// appends to, and a consumer sub-queue that Dequeue pops from, spliced
// together on demand.
type queuePair struct {
	producer subQueue
	consumer subQueue
}

// size reports producer.size + consumer.size, matching the invariant in
// spec §3 ("producer.size + consumer.size equals the number of Req linked
// to that queue pair").
func (p *queuePair) size() int {
	p.producer.mu.Lock()
	ps := p.producer.size
	p.producer.mu.Unlock()
	p.consumer.mu.Lock()
	cs := p.consumer.size
	p.consumer.mu.Unlock()
	return ps + cs
}

// MultiQueue is the four-queue classifier storage: MOUNT, CALL,
// LOW_LATENCY, HIGH_LATENCY, each a producer/consumer pair. It also owns
// the global enqueued/dequeued counters and the sampled outstanding-request
// estimator described in spec §4.4.
type MultiQueue struct {
	pairs [numQueues]*queuePair

	countersMu     sync.Mutex
	enqueued       int64
	dequeued       int64
	sampleCounter  int64
	outstandingEst int64

	// onSample, if set, is called with the freshly recomputed
	// outstandingEst every time sampleOutstanding runs, outside
	// countersMu, so it can safely call back into a metrics gauge.
	onSample func(v int64)
}

// NewMultiQueue builds an empty four-queue classifier.
func NewMultiQueue() *MultiQueue {
	mq := &MultiQueue{}
	for i := range mq.pairs {
		mq.pairs[i] = &queuePair{}
	}
	return mq
}

// enqueue appends r to kind's producer sub-queue and bumps the global
// enqueued counter. It does not perform the waiter handoff; the caller
// (Dispatcher.Enqueue) does that after releasing this lock, per the lock
// ordering discipline (queue lock released before the waitlist lock is
// taken).
func (mq *MultiQueue) enqueue(kind QueueKind, r *Req) {
	pair := mq.pairs[kind]
	pair.producer.mu.Lock()
	pair.producer.pushTailLocked(r)
	pair.producer.mu.Unlock()

	mq.countersMu.Lock()
	mq.enqueued++
	mq.countersMu.Unlock()
}

// dequeueOne tries queue kind's consumer, splicing from its producer if the
// consumer is empty. Splice acquires the consumer lock THEN the producer
// lock, never the reverse, per the locking discipline in spec §5.
func (mq *MultiQueue) dequeueOne(kind QueueKind) *Req {
	pair := mq.pairs[kind]

	pair.consumer.mu.Lock()
	if r := pair.consumer.popHeadLocked(); r != nil {
		pair.consumer.mu.Unlock()
		mq.countDequeue()
		return r
	}

	pair.producer.mu.Lock()
	pair.consumer.spliceFromLocked(&pair.producer)
	pair.producer.mu.Unlock()

	r := pair.consumer.popHeadLocked()
	pair.consumer.mu.Unlock()
	if r != nil {
		mq.countDequeue()
	}
	return r
}

func (mq *MultiQueue) countDequeue() {
	mq.countersMu.Lock()
	mq.dequeued++
	mq.sampleCounter++
	sample := mq.sampleCounter%10 == 0
	mq.countersMu.Unlock()
	if sample {
		mq.sampleOutstanding()
	}
}

// sampleOutstanding recomputes the outstanding-request estimate. Called
// only on every 10th dequeue per spec §4.4: it is a hint for observability,
// not a synchronization primitive.
func (mq *MultiQueue) sampleOutstanding() {
	var total int64
	for _, p := range mq.pairs {
		total += int64(p.size())
	}
	mq.countersMu.Lock()
	mq.outstandingEst = total
	onSample := mq.onSample
	mq.countersMu.Unlock()
	if onSample != nil {
		onSample(total)
	}
}

// SetOnSample installs f as the outstanding-estimate change callback,
// invoked every time sampleOutstanding recomputes the estimate.
func (mq *MultiQueue) SetOnSample(f func(v int64)) {
	mq.countersMu.Lock()
	mq.onSample = f
	mq.countersMu.Unlock()
}

// Counters returns (enqueued, dequeued, outstandingEst).
func (mq *MultiQueue) Counters() (enqueued, dequeued, outstandingEst int64) {
	mq.countersMu.Lock()
	defer mq.countersMu.Unlock()
	return mq.enqueued, mq.dequeued, mq.outstandingEst
}

// QueueSize reports the current size of one queue kind, for tests and
// metrics gauges.
func (mq *MultiQueue) QueueSize(kind QueueKind) int {
	return mq.pairs[kind].size()
}
