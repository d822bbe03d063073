package dispatch

import (
	"sync"
	"time"
)

const (
	waitSync int32 = 1 << iota
	syncDone
)

// WaitEntry is one worker's parked slot: a condition variable plus mutex
// plus flag bits, exactly as described in spec §3. A worker owns exactly
// one WaitEntry across its lifetime and reuses it every time it parks.
type WaitEntry struct {
	mu    sync.Mutex
	cond  *sync.Cond
	flags int32

	// linked, prev, next are owned by the Waitlist's own lock, never by
	// mu: this is what lets the waitlist lock be released before the
	// entry's mutex is acquired to signal it (spec §5 lock ordering).
	linked bool
	prev   *WaitEntry
	next   *WaitEntry
}

// NewWaitEntry allocates a wait entry ready to be parked.
func NewWaitEntry() *WaitEntry {
	e := &WaitEntry{}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Waitlist is the single list of parked workers, protected by one lock.
// The handoff invariant it enforces: whichever goroutine dequeues the head
// entry here is the only one that will ever signal it, and it does so
// after releasing this lock, never before (spec §9 "explicit two-step").
type Waitlist struct {
	mu      sync.Mutex
	head    *WaitEntry
	tail    *WaitEntry
	waiters int

	// onChange, if set, is called with the new waiter count every time it
	// changes. Invoked outside wl.mu so it can safely call back into
	// anything, e.g. a metrics gauge.
	onChange func(n int)
}

// NewWaitlist creates an empty waitlist.
func NewWaitlist() *Waitlist {
	return &Waitlist{}
}

// SetOnChange installs f as the waiter-count change callback.
func (wl *Waitlist) SetOnChange(f func(n int)) {
	wl.mu.Lock()
	wl.onChange = f
	wl.mu.Unlock()
}

func (wl *Waitlist) notify(n int) {
	wl.mu.Lock()
	f := wl.onChange
	wl.mu.Unlock()
	if f != nil {
		f(n)
	}
}

// Waiters reports the number of currently parked entries.
func (wl *Waitlist) Waiters() int {
	wl.mu.Lock()
	defer wl.mu.Unlock()
	return wl.waiters
}

func (wl *Waitlist) linkLocked(e *WaitEntry) {
	e.linked = true
	e.prev, e.next = wl.tail, nil
	if wl.tail != nil {
		wl.tail.next = e
	} else {
		wl.head = e
	}
	wl.tail = e
	wl.waiters++
}

func (wl *Waitlist) unlinkLocked(e *WaitEntry) {
	if !e.linked {
		return
	}
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		wl.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		wl.tail = e.prev
	}
	e.prev, e.next = nil, nil
	e.linked = false
	wl.waiters--
}

// TryWake removes the head entry, if any, and hands it a wakeup. Returns
// whether an entry was woken.
func (wl *Waitlist) TryWake() bool {
	wl.mu.Lock()
	e := wl.head
	if e == nil {
		wl.mu.Unlock()
		return false
	}
	wl.unlinkLocked(e)
	n := wl.waiters
	wl.mu.Unlock()
	wl.notify(n)

	e.mu.Lock()
	if e.flags&waitSync != 0 {
		e.flags |= syncDone
		e.cond.Signal()
	}
	e.mu.Unlock()
	return true
}

// Park links entry onto the waitlist and blocks until either TryWake
// signals it or shouldBreak reports true, matching the cooperative
// cancellation contract in spec §4.4. Returns true if woken normally,
// false if cancelled while parked. On cancellation the entry is unlinked
// before returning, satisfying invariant 7 (waiters == count(list)).
func (wl *Waitlist) Park(entry *WaitEntry, shouldBreak func() bool) bool {
	entry.mu.Lock()
	entry.flags = waitSync
	entry.mu.Unlock()

	wl.mu.Lock()
	wl.linkLocked(entry)
	n := wl.waiters
	wl.mu.Unlock()
	wl.notify(n)

	entry.mu.Lock()
	for entry.flags&syncDone == 0 {
		if shouldBreak() {
			entry.flags = 0
			entry.mu.Unlock()
			wl.mu.Lock()
			wl.unlinkLocked(entry)
			n := wl.waiters
			wl.mu.Unlock()
			wl.notify(n)
			return false
		}
		condWaitTimeout(entry.cond, 5*time.Second)
	}
	entry.flags = 0
	entry.mu.Unlock()
	return true
}

// condWaitTimeout waits on c, which must be locked by the caller, for at
// most d before returning even without a signal so the caller can recheck
// its predicate. Spurious wakeups are harmless: callers always loop on
// their own condition.
func condWaitTimeout(c *sync.Cond, d time.Duration) {
	timer := time.AfterFunc(d, func() {
		c.L.Lock()
		c.Broadcast()
		c.L.Unlock()
	})
	defer timer.Stop()
	c.Wait()
}
