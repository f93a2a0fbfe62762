// Package heap is the object store shared by every VM instance: a paged
// arena of Go objects addressed by tagged Values, symbol interning, and a
// stop-the-world copying collector that cooperates with its mutators
// through a save/relocate protocol.
package heap

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("kestrel.heap")

const (
	pageBits = 12
	pageSize = 1 << pageBits
	pageMask = pageSize - 1

	// DefaultThreshold is the allocation volume between collections.
	DefaultThreshold = 4 << 20
)

type page [pageSize]any

// Options configures a Heap.
type Options struct {
	// Threshold is the number of accounted bytes allocated between
	// collection requests. Zero selects DefaultThreshold.
	Threshold int64

	// Inherent lists the instruction names in code order. Symbol i of this
	// list is interned with Code i.
	Inherent []string
}

// Mutator is a participant in collection. The collector calls SaveState on
// every registered mutator, then Roots, copies everything reachable, and
// finally Relocate. SaveState may allocate; Roots and Relocate must not.
type Mutator interface {
	SaveState()
	Roots(mark func(Value))
	Relocate(forward func(Value) Value)
}

// Stats describes the heap after the most recent collection.
type Stats struct {
	Collections uint64
	LiveObjects int
	LiveBytes   int64
	Allocated   int64
	LastPause   time.Duration
}

// Fault reports misuse of the heap: dereferencing a non-reference, a dead
// index, or an object of the wrong type.
type Fault struct {
	Op    string
	Value Value
}

func (f *Fault) Error() string {
	return fmt.Sprintf("heap: %s: invalid reference %v", f.Op, f.Value)
}

// Heap is safe for concurrent use by multiple mutators. Mutators execute
// while holding the world read lock; Collect takes it exclusively.
type Heap struct {
	world sync.RWMutex

	mu        sync.Mutex
	dir       atomic.Pointer[[]*page]
	next      uint64
	symbols   map[string]Value
	inherent  []Value
	mutators  map[Mutator]struct{}
	protected map[*Value]int
	notify    func(Stats)

	threshold     int64
	baseThreshold int64
	since         atomic.Int64
	allocated     atomic.Int64
	requested     atomic.Bool

	stats Stats
}

// New creates a heap and interns the inherent symbols.
func New(opts Options) *Heap {
	th := opts.Threshold
	if th <= 0 {
		th = DefaultThreshold
	}
	h := &Heap{
		next:          1,
		symbols:       make(map[string]Value),
		mutators:      make(map[Mutator]struct{}),
		protected:     make(map[*Value]int),
		threshold:     th,
		baseThreshold: th,
	}
	dir := []*page{new(page)}
	h.dir.Store(&dir)
	for code, name := range opts.Inherent {
		v := h.Alloc(&Symbol{Name: name, Code: code})
		h.symbols[name] = v
		h.inherent = append(h.inherent, v)
	}
	return h
}

// ---------------------------------------------------------------------------
// Allocation and access
// ---------------------------------------------------------------------------

// Alloc stores obj and returns its reference. Allocation never collects; it
// raises a collection request that mutators honor at their next safe point.
func (h *Heap) Alloc(obj any) Value {
	h.mu.Lock()
	v := h.place(obj)
	h.mu.Unlock()

	size := int64(SizeOf(obj))
	h.allocated.Add(size)
	if h.since.Add(size) >= atomic.LoadInt64(&h.threshold) {
		h.requested.Store(true)
	}
	return v
}

// place appends obj to the arena. Caller holds h.mu.
func (h *Heap) place(obj any) Value {
	dir := *h.dir.Load()
	idx := h.next
	pg := idx >> pageBits
	if int(pg) >= len(dir) {
		grown := make([]*page, len(dir), len(dir)*2)
		copy(grown, dir)
		grown = append(grown, new(page))
		h.dir.Store(&grown)
		dir = grown
	}
	dir[pg][idx&pageMask] = obj
	h.next++
	return ref(idx)
}

// Get returns the object v refers to.
func (h *Heap) Get(v Value) any {
	if !v.IsRef() {
		panic(&Fault{Op: "get", Value: v})
	}
	idx := v.index()
	dir := *h.dir.Load()
	pg := idx >> pageBits
	if int(pg) >= len(dir) {
		panic(&Fault{Op: "get", Value: v})
	}
	obj := dir[pg][idx&pageMask]
	if obj == nil {
		panic(&Fault{Op: "get", Value: v})
	}
	return obj
}

// Lookup is Get without the panic: it reports whether v is a live reference.
func (h *Heap) Lookup(v Value) (any, bool) {
	if !v.IsRef() {
		return nil, false
	}
	idx := v.index()
	dir := *h.dir.Load()
	pg := idx >> pageBits
	if int(pg) >= len(dir) {
		return nil, false
	}
	obj := dir[pg][idx&pageMask]
	return obj, obj != nil
}

// As returns the object v refers to when it has type T.
func As[T any](h *Heap, v Value) (T, bool) {
	obj, ok := h.Lookup(v)
	if !ok {
		var zero T
		return zero, false
	}
	t, ok := obj.(T)
	return t, ok
}

// MustAs is As for references the caller has already validated. A mismatch
// panics with a Fault.
func MustAs[T any](h *Heap, v Value) T {
	t, ok := As[T](h, v)
	if !ok {
		panic(&Fault{Op: "as", Value: v})
	}
	return t
}

// ---------------------------------------------------------------------------
// Symbols
// ---------------------------------------------------------------------------

// Intern returns the unique symbol named name.
func (h *Heap) Intern(name string) Value {
	h.mu.Lock()
	defer h.mu.Unlock()
	if v, ok := h.symbols[name]; ok {
		return v
	}
	obj := &Symbol{Name: name, Code: -1}
	v := h.place(obj)
	h.symbols[name] = v
	size := int64(SizeOf(obj))
	h.allocated.Add(size)
	if h.since.Add(size) >= atomic.LoadInt64(&h.threshold) {
		h.requested.Store(true)
	}
	return v
}

// SymbolName returns the name of a symbol, or "" if v is not one.
func (h *Heap) SymbolName(v Value) string {
	if s, ok := As[*Symbol](h, v); ok {
		return s.Name
	}
	return ""
}

// InherentSymbol returns the symbol for an instruction code.
func (h *Heap) InherentSymbol(code int) (Value, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if code < 0 || code >= len(h.inherent) {
		return 0, false
	}
	return h.inherent[code], true
}

// InherentCount returns the size of the instruction space.
func (h *Heap) InherentCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.inherent)
}

// Symbols returns the names of all interned symbols.
func (h *Heap) Symbols() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.symbols))
	for name := range h.symbols {
		names = append(names, name)
	}
	return names
}

// ---------------------------------------------------------------------------
// Mutators and roots
// ---------------------------------------------------------------------------

func (h *Heap) Register(m Mutator) {
	h.mu.Lock()
	h.mutators[m] = struct{}{}
	h.mu.Unlock()
}

func (h *Heap) Unregister(m Mutator) {
	h.mu.Lock()
	delete(h.mutators, m)
	h.mu.Unlock()
}

// Protect pins *p as a root. The cell is rewritten in place when the
// referent moves. Calls nest; each Protect needs a matching Unprotect.
func (h *Heap) Protect(p *Value) {
	h.mu.Lock()
	h.protected[p]++
	h.mu.Unlock()
}

func (h *Heap) Unprotect(p *Value) {
	h.mu.Lock()
	if h.protected[p] <= 1 {
		delete(h.protected, p)
	} else {
		h.protected[p]--
	}
	h.mu.Unlock()
}

// SetNotify installs a callback run after every collection.
func (h *Heap) SetNotify(fn func(Stats)) {
	h.mu.Lock()
	h.notify = fn
	h.mu.Unlock()
}

// ---------------------------------------------------------------------------
// World lock
// ---------------------------------------------------------------------------

// AcquireWorld marks the caller as a running mutator.
func (h *Heap) AcquireWorld() { h.world.RLock() }

// ReleaseWorld parks the caller. Its registered state must be consistent.
func (h *Heap) ReleaseWorld() { h.world.RUnlock() }

// CollectRequested reports whether allocation has crossed the threshold.
func (h *Heap) CollectRequested() bool { return h.requested.Load() }

// Allocated returns the total accounted bytes ever allocated.
func (h *Heap) Allocated() int64 { return h.allocated.Load() }

// Stats returns a snapshot of the last collection.
func (h *Heap) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.stats
	s.Allocated = h.allocated.Load()
	return s
}
