package dispatch

import "sync"

// StallQueue is the list of transports whose reads have been paused for
// per-connection backpressure. The core only exposes the list and its
// lock; the policy for pausing/resuming reads belongs to an external
// collaborator (spec §3).
type StallQueue struct {
	mu    sync.Mutex
	xprts map[*Xprt]struct{}

	// onChange, if set, is called with the new stalled count every time
	// it changes, outside s.mu.
	onChange func(n int)
}

// NewStallQueue creates an empty stall queue.
func NewStallQueue() *StallQueue {
	return &StallQueue{xprts: make(map[*Xprt]struct{})}
}

// SetOnChange installs f as the stalled-count change callback.
func (s *StallQueue) SetOnChange(f func(n int)) {
	s.mu.Lock()
	s.onChange = f
	s.mu.Unlock()
}

func (s *StallQueue) notify(n int) {
	s.mu.Lock()
	f := s.onChange
	s.mu.Unlock()
	if f != nil {
		f(n)
	}
}

// Add marks x as stalled.
func (s *StallQueue) Add(x *Xprt) {
	s.mu.Lock()
	s.xprts[x] = struct{}{}
	n := len(s.xprts)
	s.mu.Unlock()
	s.notify(n)
}

// Remove clears x's stalled state.
func (s *StallQueue) Remove(x *Xprt) {
	s.mu.Lock()
	delete(s.xprts, x)
	n := len(s.xprts)
	s.mu.Unlock()
	s.notify(n)
}

// Stalled reports whether x is currently stalled.
func (s *StallQueue) Stalled(x *Xprt) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.xprts[x]
	return ok
}

// Len reports the number of stalled transports.
func (s *StallQueue) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.xprts)
}
