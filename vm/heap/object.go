package heap

import (
	"sync"
)

// ---------------------------------------------------------------------------
// Object protocol
// ---------------------------------------------------------------------------

// Scanner is implemented by every object that holds Values. Scan calls fn on
// each held Value and stores the result back, which lets the collector copy
// and rewrite in a single pass.
type Scanner interface {
	Scan(fn func(Value) Value)
}

// Sizer reports an approximate footprint used for collection triggering and
// per-instance allocation limits.
type Sizer interface {
	HeapSize() int
}

const defaultObjectSize = 16

// SizeOf returns the accounted size of obj.
func SizeOf(obj any) int {
	if s, ok := obj.(Sizer); ok {
		return s.HeapSize()
	}
	return defaultObjectSize
}

// ---------------------------------------------------------------------------
// Core objects
// ---------------------------------------------------------------------------

// Pair is a cons cell. Immutable pairs come from literal code.
type Pair struct {
	Car, Cdr  Value
	Immutable bool
}

func (p *Pair) Scan(fn func(Value) Value) {
	p.Car = fn(p.Car)
	p.Cdr = fn(p.Cdr)
}

func (p *Pair) HeapSize() int { return 24 }

// Symbol is an interned name. Code is the instruction code for inherent
// symbols and -1 for everything else.
type Symbol struct {
	Name string
	Code int
}

func (s *Symbol) HeapSize() int { return 24 + len(s.Name) }

// String is a Scheme string.
type String struct {
	Data      []rune
	Immutable bool
}

func (s *String) HeapSize() int { return 16 + 4*len(s.Data) }

// Vector is a Scheme vector.
type Vector struct {
	Elts      []Value
	Immutable bool
}

func (v *Vector) Scan(fn func(Value) Value) {
	for i, e := range v.Elts {
		v.Elts[i] = fn(e)
	}
}

func (v *Vector) HeapSize() int { return 24 + 8*len(v.Elts) }

// WeakTable maps keys to values. Keys are held weakly: after a collection
// any entry whose key object died is gone. Values are held strongly. Tables
// may be shared between instances, so access is guarded.
type WeakTable struct {
	mu      sync.RWMutex
	entries map[Value]Value
}

// NewWeakTable returns an empty table ready for Alloc.
func NewWeakTable() *WeakTable {
	return &WeakTable{entries: make(map[Value]Value)}
}

func (t *WeakTable) Get(key Value) (Value, bool) {
	t.mu.RLock()
	v, ok := t.entries[key]
	t.mu.RUnlock()
	return v, ok
}

func (t *WeakTable) Put(key, value Value) {
	t.mu.Lock()
	t.entries[key] = value
	t.mu.Unlock()
}

func (t *WeakTable) Delete(key Value) {
	t.mu.Lock()
	delete(t.entries, key)
	t.mu.Unlock()
}

func (t *WeakTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Range calls fn for every entry until fn returns false. fn must not
// modify the table.
func (t *WeakTable) Range(fn func(key, value Value) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for k, v := range t.entries {
		if !fn(k, v) {
			return
		}
	}
}

// Scan traces values only; keys are handled by the collector after tracing.
func (t *WeakTable) Scan(fn func(Value) Value) {
	for k, v := range t.entries {
		t.entries[k] = fn(v)
	}
}

func (t *WeakTable) HeapSize() int { return 48 + 16*len(t.entries) }

// rekey drops dead keys and rewrites the live ones.
func (t *WeakTable) rekey(forward func(Value) (Value, bool)) {
	next := make(map[Value]Value, len(t.entries))
	for k, v := range t.entries {
		nk, live := forward(k)
		if live {
			next[nk] = v
		}
	}
	t.entries = next
}
