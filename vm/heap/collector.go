package heap

import (
	"sync/atomic"
	"time"
)

// ---------------------------------------------------------------------------
// Collection
// ---------------------------------------------------------------------------

// Collect runs a full collection. The caller must not hold the world lock.
func (h *Heap) Collect() {
	h.world.Lock()
	defer h.world.Unlock()
	h.collect()
}

// MaybeCollect collects only if a request is still pending once the world
// is stopped; several parked mutators may race to service one request.
func (h *Heap) MaybeCollect() {
	h.world.Lock()
	defer h.world.Unlock()
	if h.requested.Load() {
		h.collect()
	}
}

type copier struct {
	h       *Heap
	from    []*page
	to      []*page
	forward map[uint64]uint64
	next    uint64
	bytes   int64
	weak    []*WeakTable
}

func (c *copier) place(obj any) uint64 {
	idx := c.next
	pg := int(idx >> pageBits)
	for pg >= len(c.to) {
		c.to = append(c.to, new(page))
	}
	c.to[pg][idx&pageMask] = obj
	c.next++
	return idx
}

func (c *copier) fetch(pages []*page, idx uint64) any {
	pg := int(idx >> pageBits)
	if pg >= len(pages) {
		return nil
	}
	return pages[pg][idx&pageMask]
}

// copy moves the referent of v into to-space on first visit.
func (c *copier) copy(v Value) Value {
	if !v.IsRef() {
		return v
	}
	old := v.index()
	if idx, ok := c.forward[old]; ok {
		return ref(idx)
	}
	obj := c.fetch(c.from, old)
	if obj == nil {
		panic(&Fault{Op: "collect", Value: v})
	}
	idx := c.place(obj)
	c.forward[old] = idx
	c.bytes += int64(SizeOf(obj))
	if wt, ok := obj.(*WeakTable); ok {
		c.weak = append(c.weak, wt)
	}
	return ref(idx)
}

// scan runs the Cheney scan until to-space stops growing.
func (c *copier) scan(from uint64) uint64 {
	i := from
	for ; i < c.next; i++ {
		if s, ok := c.fetch(c.to, i).(Scanner); ok {
			s.Scan(c.copy)
		}
	}
	return i
}

func (c *copier) relocated(v Value) Value {
	if !v.IsRef() {
		return v
	}
	idx, ok := c.forward[v.index()]
	if !ok {
		panic(&Fault{Op: "relocate", Value: v})
	}
	return ref(idx)
}

func (h *Heap) collect() {
	start := time.Now()

	h.mu.Lock()
	mutators := make([]Mutator, 0, len(h.mutators))
	for m := range h.mutators {
		mutators = append(mutators, m)
	}
	h.mu.Unlock()

	// Save phase: mutators promote their stack-resident frames. This can
	// allocate, so it runs before the arena is frozen.
	for _, m := range mutators {
		m.SaveState()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	c := &copier{
		h:       h,
		from:    *h.dir.Load(),
		forward: make(map[uint64]uint64, h.next/2),
		next:    1,
	}

	for _, m := range mutators {
		m.Roots(func(v Value) { c.copy(v) })
	}
	for _, v := range h.inherent {
		c.copy(v)
	}
	for _, v := range h.symbols {
		c.copy(v)
	}
	for p := range h.protected {
		c.copy(*p)
	}
	c.scan(1)

	for _, wt := range c.weak {
		wt.rekey(func(k Value) (Value, bool) {
			if !k.IsRef() {
				return k, true
			}
			idx, ok := c.forward[k.index()]
			return ref(idx), ok
		})
	}

	for i, v := range h.inherent {
		h.inherent[i] = c.relocated(v)
	}
	for name, v := range h.symbols {
		h.symbols[name] = c.relocated(v)
	}
	for p := range h.protected {
		*p = c.relocated(*p)
	}
	for _, m := range mutators {
		m.Relocate(c.relocated)
	}

	if len(c.to) == 0 {
		c.to = append(c.to, new(page))
	}
	h.dir.Store(&c.to)
	h.next = c.next

	next := 2 * c.bytes
	if next < h.baseThreshold {
		next = h.baseThreshold
	}
	atomic.StoreInt64(&h.threshold, next)
	h.since.Store(0)
	h.requested.Store(false)

	h.stats.Collections++
	h.stats.LiveObjects = int(c.next - 1)
	h.stats.LiveBytes = c.bytes
	h.stats.LastPause = time.Since(start)

	log.Debugf("collection %d: %d objects, %d bytes live, %s",
		h.stats.Collections, h.stats.LiveObjects, h.stats.LiveBytes, h.stats.LastPause)

	if h.notify != nil {
		s := h.stats
		s.Allocated = h.allocated.Load()
		h.notify(s)
	}
}
