// Package gsscache implements a hash-partitioned cache of GSS security
// contexts. It satisfies the "GSS context hash partitions / max contexts /
// max GC" configuration knobs referenced by the dispatch core's external
// authentication collaborator: real context establishment and per-message
// signature verification belong to a GSS library, but the core still owns
// where established contexts live between calls on the same connection.
package gsscache

import (
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Context is an opaque, established GSS security context handle. The
// dispatch core never inspects its contents; it only keys and evicts them.
type Context struct {
	Handle      string
	Established time.Time
	LastUsed    time.Time
}

type partition struct {
	mu       sync.Mutex
	contexts map[string]*Context
}

// Cache is a fixed number of independently locked partitions selected by
// xxhash of the context handle, bounding lock contention across concurrent
// worker threads authenticating unrelated connections.
type Cache struct {
	partitions []*partition
	maxTotal   int
	count      int32
	mu         sync.Mutex // guards count only
}

// New creates a Cache with the given number of partitions and a soft cap on
// the total number of contexts held (0 = unbounded).
func New(partitions int, maxContexts int) *Cache {
	if partitions <= 0 {
		partitions = 1
	}
	c := &Cache{
		partitions: make([]*partition, partitions),
		maxTotal:   maxContexts,
	}
	for i := range c.partitions {
		c.partitions[i] = &partition{contexts: make(map[string]*Context)}
	}
	return c
}

func (c *Cache) partitionFor(handle string) *partition {
	h := xxhash.Sum64String(handle)
	return c.partitions[h%uint64(len(c.partitions))]
}

// Get returns the context for handle, if present, and bumps its LastUsed.
func (c *Cache) Get(handle string) (*Context, bool) {
	p := c.partitionFor(handle)
	p.mu.Lock()
	defer p.mu.Unlock()
	ctx, ok := p.contexts[handle]
	if ok {
		ctx.LastUsed = time.Now()
	}
	return ctx, ok
}

// Put installs a newly established context, evicting nothing itself; call
// GC periodically to bound total occupancy.
func (c *Cache) Put(ctx *Context) {
	p := c.partitionFor(ctx.Handle)
	p.mu.Lock()
	_, existed := p.contexts[ctx.Handle]
	p.contexts[ctx.Handle] = ctx
	p.mu.Unlock()

	if !existed {
		c.mu.Lock()
		c.count++
		c.mu.Unlock()
	}
}

// Delete removes a context (e.g. on GSS_DESTROY).
func (c *Cache) Delete(handle string) {
	p := c.partitionFor(handle)
	p.mu.Lock()
	_, existed := p.contexts[handle]
	delete(p.contexts, handle)
	p.mu.Unlock()

	if existed {
		c.mu.Lock()
		c.count--
		c.mu.Unlock()
	}
}

// Len returns the approximate number of live contexts across all partitions.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int(c.count)
}

// GC evicts contexts idle longer than maxIdle. If maxTotal is exceeded it
// keeps evicting the globally oldest entries until back under the cap.
func (c *Cache) GC(maxIdle time.Duration) (evicted int) {
	now := time.Now()
	for _, p := range c.partitions {
		p.mu.Lock()
		for handle, ctx := range p.contexts {
			if now.Sub(ctx.LastUsed) > maxIdle {
				delete(p.contexts, handle)
				evicted++
			}
		}
		p.mu.Unlock()
	}
	if evicted > 0 {
		c.mu.Lock()
		c.count -= int32(evicted)
		c.mu.Unlock()
	}
	if c.maxTotal > 0 {
		evicted += c.evictOverCap()
	}
	return evicted
}

type gcCandidate struct {
	partition int
	handle    string
	lastUsed  time.Time
}

// evictOverCap drops the globally oldest-by-LastUsed contexts until the
// live count is back at or under maxTotal. It snapshots LastUsed values
// under each partition's own lock rather than one lock across all
// partitions, so a concurrent Get/Put during the scan can race the
// eviction decision; GC is a best-effort bound, not a linearizable one.
func (c *Cache) evictOverCap() int {
	c.mu.Lock()
	over := int(c.count) - c.maxTotal
	c.mu.Unlock()
	if over <= 0 {
		return 0
	}

	var candidates []gcCandidate
	for i, p := range c.partitions {
		p.mu.Lock()
		for handle, ctx := range p.contexts {
			candidates = append(candidates, gcCandidate{partition: i, handle: handle, lastUsed: ctx.LastUsed})
		}
		p.mu.Unlock()
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastUsed.Before(candidates[j].lastUsed)
	})
	if over > len(candidates) {
		over = len(candidates)
	}

	removed := 0
	for _, cand := range candidates[:over] {
		p := c.partitions[cand.partition]
		p.mu.Lock()
		if _, ok := p.contexts[cand.handle]; ok {
			delete(p.contexts, cand.handle)
			removed++
		}
		p.mu.Unlock()
	}
	if removed > 0 {
		c.mu.Lock()
		c.count -= int32(removed)
		c.mu.Unlock()
	}
	return removed
}
