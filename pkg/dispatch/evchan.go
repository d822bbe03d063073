package dispatch

import (
	"context"
	"sync"
	"time"
)

// EventChannel is a demultiplexer channel: one servicing thread per member
// transport in this Go port (idiomatic goroutine-per-connection, the way
// the teacher's NFSAdapter handles each accepted TCP connection) rather
// than a literal single-threaded epoll loop, but it preserves the
// observable contract spec §4.2 cares about: callbacks for one transport
// are always serialized (they run in that transport's own goroutine), and
// a channel-wide Shutdown stops every member.
type EventChannel struct {
	id          int
	role        string
	idleTimeout time.Duration

	mu       sync.Mutex
	members  map[*Xprt]context.CancelFunc
	wg       sync.WaitGroup
	shutdown chan struct{}
	once     sync.Once
}

// NewEventChannel creates a channel with the given id and role
// ("listener" or "worker").
func NewEventChannel(id int, role string, idleTimeout time.Duration) *EventChannel {
	return &EventChannel{
		id:          id,
		role:        role,
		idleTimeout: idleTimeout,
		members:     make(map[*Xprt]context.CancelFunc),
		shutdown:    make(chan struct{}),
	}
}

// ID returns the channel's numeric id.
func (c *EventChannel) ID() int { return c.id }

// Register pins x to this channel and starts serve in its own goroutine,
// bound to a context cancelled when the channel shuts down or x is
// unregistered. serve owns reading records off x and driving the decode
// callback; it must return promptly on ctx.Done().
func (c *EventChannel) Register(x *Xprt, serve func(ctx context.Context, x *Xprt)) {
	ctx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	select {
	case <-c.shutdown:
		c.mu.Unlock()
		cancel()
		return
	default:
	}
	c.members[x] = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.Unregister(x)
		serve(ctx, x)
	}()
}

// Unregister removes x from the channel's membership, cancelling its
// serving goroutine's context if it hasn't already exited.
func (c *EventChannel) Unregister(x *Xprt) {
	c.mu.Lock()
	cancel, ok := c.members[x]
	if ok {
		delete(c.members, x)
	}
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

// Members reports the current membership count, for tests/metrics.
func (c *EventChannel) Members() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.members)
}

// Shutdown signals SHUTDOWN to the channel: every member's context is
// cancelled and no further Register calls are accepted. It waits for all
// serving goroutines to return, matching "drains callbacks and exits"
// (spec §4.2).
func (c *EventChannel) Shutdown() {
	c.once.Do(func() { close(c.shutdown) })
	c.mu.Lock()
	members := make([]*Xprt, 0, len(c.members))
	cancels := make([]context.CancelFunc, 0, len(c.members))
	for x, cancel := range c.members {
		members = append(members, x)
		cancels = append(cancels, cancel)
	}
	c.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	// Cancelling the context alone never interrupts a goroutine already
	// blocked in Accept/Read/ReadFrom; force the underlying socket closed
	// too so the serving goroutine actually returns and wg.Wait() below
	// doesn't hang past every member's next I/O deadline (if any).
	for _, x := range members {
		x.closeIO()
	}
	c.wg.Wait()
}
