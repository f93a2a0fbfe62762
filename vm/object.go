package vm

import (
	"bufio"
	"io"
	"sync"

	"github.com/chazu/kestrel/vm/heap"
)

// Value is re-exported so callers rarely need to import heap directly.
type Value = heap.Value

const (
	Nil         = heap.Nil
	True        = heap.True
	False       = heap.False
	Unspecified = heap.Unspecified
	Undefined   = heap.Undefined
	EOF         = heap.EOF
)

// Fixnum encodes an integer.
func Fixnum(n int64) Value { return heap.Fixnum(n) }

// ---------------------------------------------------------------------------
// Global bindings
// ---------------------------------------------------------------------------

// Gloc is a top-level binding cell. Prebound code references the cell
// directly instead of looking the name up.
type Gloc struct {
	Value  Value
	Symbol Value
}

func (g *Gloc) Scan(fn func(Value) Value) {
	g.Value = fn(g.Value)
	g.Symbol = fn(g.Symbol)
}

func (g *Gloc) HeapSize() int { return 24 }

// Environment maps symbols to glocs. Instances spawned from one parent share
// it, so the map is guarded; gloc cells themselves are not.
type Environment struct {
	Name     string
	Bindings map[Value]Value

	mu sync.Mutex
}

func (e *Environment) Scan(fn func(Value) Value) {
	next := make(map[Value]Value, len(e.Bindings))
	for k, v := range e.Bindings {
		next[fn(k)] = fn(v)
	}
	e.Bindings = next
}

func (e *Environment) HeapSize() int { return 48 + 16*len(e.Bindings) }

// ---------------------------------------------------------------------------
// Procedures
// ---------------------------------------------------------------------------

// Closure is a compiled procedure closed over a heap environment.
type Closure struct {
	Code Value
	Env  Value
	Argc int
	Rest bool
	Name Value
}

func (c *Closure) Scan(fn func(Value) Value) {
	c.Code = fn(c.Code)
	c.Env = fn(c.Env)
	c.Name = fn(c.Name)
}

func (c *Closure) HeapSize() int { return 48 }

// SubrFunc implements a primitive. args aliases the value stack and is only
// valid until the primitive makes a nested Scheme call or blocks.
type SubrFunc func(vm *VM, args []Value) (Value, error)

type subrKind uint8

const (
	subrNormal subrKind = iota
	subrApply
	subrCallCC
	subrResume
	subrAbort
)

// Subr is a primitive procedure. MaxArgs < 0 means variadic.
type Subr struct {
	Name    string
	Fn      SubrFunc
	MinArgs int
	MaxArgs int
	kind    subrKind
}

func (s *Subr) HeapSize() int { return 48 }

// Parameter is a procedure whose value is looked up in the dynamic
// environment.
type Parameter struct {
	Init Value
}

func (p *Parameter) Scan(fn func(Value) Value) { p.Init = fn(p.Init) }

// ---------------------------------------------------------------------------
// Frames
// ---------------------------------------------------------------------------

// EnvFrame is a lexical frame promoted off the value stack.
type EnvFrame struct {
	Vars []Value
	Up   Value
}

func (f *EnvFrame) Scan(fn func(Value) Value) {
	for i, v := range f.Vars {
		f.Vars[i] = fn(v)
	}
	f.Up = fn(f.Up)
}

func (f *EnvFrame) HeapSize() int { return 32 + 8*len(f.Vars) }

// ContFrame is a continuation frame promoted off the value stack. It is
// never modified once created, so captured continuations may share it.
type ContFrame struct {
	Args  []Value
	PC    Value
	Trace Value
	Env   Value
	Up    Value
}

func (f *ContFrame) Scan(fn func(Value) Value) {
	for i, v := range f.Args {
		f.Args[i] = fn(v)
	}
	f.PC = fn(f.PC)
	f.Trace = fn(f.Trace)
	f.Env = fn(f.Env)
	f.Up = fn(f.Up)
}

func (f *ContFrame) HeapSize() int { return 56 + 8*len(f.Args) }

// ---------------------------------------------------------------------------
// Dynamic state
// ---------------------------------------------------------------------------

type contKind uint8

const (
	contResume contKind = iota
	contEscape
	contAbort
)

// Continuation is a first-class continuation.
type Continuation struct {
	Cont     Value
	Wind     Value
	Handlers Value
	Serial   uint64

	kind    contKind
	payload Value
}

func (k *Continuation) Scan(fn func(Value) Value) {
	k.Cont = fn(k.Cont)
	k.Wind = fn(k.Wind)
	k.Handlers = fn(k.Handlers)
	k.payload = fn(k.payload)
}

func (k *Continuation) HeapSize() int { return 56 }

// WindRecord is one dynamic-wind extent.
type WindRecord struct {
	Before Value
	After  Value
	Up     Value
	Depth  int
}

func (w *WindRecord) Scan(fn func(Value) Value) {
	w.Before = fn(w.Before)
	w.After = fn(w.After)
	w.Up = fn(w.Up)
}

// Condition is the object handed to exception handlers.
type Condition struct {
	Kind      Value
	Who       Value
	Message   Value
	Irritants Value
}

func (c *Condition) Scan(fn func(Value) Value) {
	c.Kind = fn(c.Kind)
	c.Who = fn(c.Who)
	c.Message = fn(c.Message)
	c.Irritants = fn(c.Irritants)
}

// TraceNote records one procedure application with source information.
type TraceNote struct {
	Name   Value
	Source Value
	Line   int
	Column int
	Next   Value
}

func (n *TraceNote) Scan(fn func(Value) Value) {
	n.Name = fn(n.Name)
	n.Source = fn(n.Source)
	n.Next = fn(n.Next)
}

// Port wraps a host reader or writer.
type Port struct {
	Name string
	R    *bufio.Reader
	W    io.Writer
}

// SpawnHandle is the Scheme-visible reference to a child instance.
type SpawnHandle struct {
	Child *VM
}
