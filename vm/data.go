package vm

import (
	"github.com/chazu/kestrel/vm/heap"
)

// ---------------------------------------------------------------------------
// Allocation
// ---------------------------------------------------------------------------

// alloc stores obj in the shared heap and charges it to this instance.
// Crossing a spawn heap limit marks the instance exhausted; the loop
// terminates it at the next instruction boundary.
func (vm *VM) alloc(obj any) Value {
	v := vm.heap.Alloc(obj)
	if vm.heapLimit > 0 {
		vm.charge(int64(heap.SizeOf(obj)))
	}
	return v
}

func (vm *VM) charge(n int64) {
	vm.allocated += n
	if vm.allocated > vm.heapLimit {
		vm.exhausted = true
	}
}

// Allocated returns the bytes charged to this instance.
func (vm *VM) Allocated() int64 { return vm.allocated }

// ---------------------------------------------------------------------------
// Pairs and lists
// ---------------------------------------------------------------------------

func (vm *VM) Cons(car, cdr Value) Value {
	return vm.alloc(&heap.Pair{Car: car, Cdr: cdr})
}

func (vm *VM) pair(v Value) (*heap.Pair, bool) {
	return heap.As[*heap.Pair](vm.heap, v)
}

// car and cdr are for code walking: a malformed code list is fatal.
func (vm *VM) car(v Value) Value {
	p, ok := vm.pair(v)
	if !ok {
		panic(systemErrorf(KindInternal, "malformed code: expected pair, got %s", vm.WriteString(v)))
	}
	return p.Car
}

func (vm *VM) cdr(v Value) Value {
	p, ok := vm.pair(v)
	if !ok {
		panic(systemErrorf(KindInternal, "malformed code: expected pair, got %s", vm.WriteString(v)))
	}
	return p.Cdr
}

func (vm *VM) list(elts ...Value) Value {
	result := Nil
	for i := len(elts) - 1; i >= 0; i-- {
		result = vm.Cons(elts[i], result)
	}
	return result
}

// List builds a proper list.
func (vm *VM) List(elts ...Value) Value { return vm.list(elts...) }

// listToSlice copies a proper list into a slice. It reports false for
// improper or circular lists.
func (vm *VM) listToSlice(v Value) ([]Value, bool) {
	var out []Value
	slow := v
	for v != Nil {
		p, ok := vm.pair(v)
		if !ok {
			return nil, false
		}
		out = append(out, p.Car)
		v = p.Cdr
		if len(out)%2 == 0 {
			slow = vm.cdr(slow)
			if slow == v && v != Nil {
				return nil, false
			}
		}
	}
	return out, true
}

// ListToSlice exposes listToSlice to hosts.
func (vm *VM) ListToSlice(v Value) ([]Value, bool) { return vm.listToSlice(v) }

// ---------------------------------------------------------------------------
// Atoms
// ---------------------------------------------------------------------------

// Intern returns the symbol named name.
func (vm *VM) Intern(name string) Value { return vm.heap.Intern(name) }

// MakeString allocates a mutable string.
func (vm *VM) MakeString(s string) Value {
	return vm.alloc(&heap.String{Data: []rune(s)})
}

func (vm *VM) MakeVector(elts []Value) Value {
	return vm.alloc(&heap.Vector{Elts: elts})
}

// StringValue returns the Go string for a Scheme string or symbol.
func (vm *VM) StringValue(v Value) (string, bool) {
	switch o := vm.object(v).(type) {
	case *heap.String:
		return string(o.Data), true
	case *heap.Symbol:
		return o.Name, true
	}
	return "", false
}

// object returns the heap object for v, or nil for immediates.
func (vm *VM) object(v Value) any {
	obj, _ := vm.heap.Lookup(v)
	return obj
}

func (vm *VM) isSymbol(v Value) bool {
	_, ok := heap.As[*heap.Symbol](vm.heap, v)
	return ok
}

// isProcedure reports whether v can be applied.
func (vm *VM) isProcedure(v Value) bool {
	switch vm.object(v).(type) {
	case *Closure, *Subr, *Continuation, *Parameter:
		return true
	}
	return false
}

func (vm *VM) symbolName(v Value) string { return vm.heap.SymbolName(v) }

// TypeName names the type of v for tools and diagnostics.
func (vm *VM) TypeName(v Value) string {
	switch {
	case v == Nil:
		return "null"
	case v.IsFixnum():
		return "fixnum"
	case v.IsBool():
		return "boolean"
	case v.IsChar():
		return "char"
	case v == Unspecified:
		return "unspecified"
	case v == EOF:
		return "eof-object"
	case !v.IsRef():
		return "immediate"
	}
	vm.acquireWorld()
	defer vm.releaseWorld()
	switch vm.object(v).(type) {
	case *heap.Pair:
		return "pair"
	case *heap.Symbol:
		return "symbol"
	case *heap.String:
		return "string"
	case *heap.Vector:
		return "vector"
	case *heap.WeakTable:
		return "weak-table"
	case *Closure, *Subr, *Continuation, *Parameter:
		return "procedure"
	case *Condition:
		return "condition"
	case *Port:
		return "port"
	case *Environment:
		return "environment"
	case *SpawnHandle:
		return "spawn-handle"
	}
	return "object"
}

// procedureName returns a printable name for a procedure or "".
func (vm *VM) procedureName(v Value) string {
	switch o := vm.object(v).(type) {
	case *Closure:
		return vm.symbolName(o.Name)
	case *Subr:
		return o.Name
	case *Continuation:
		return "continuation"
	case *Parameter:
		return "parameter"
	}
	return ""
}

func (vm *VM) intArg(v Value) (int, bool) {
	if !v.IsFixnum() {
		return 0, false
	}
	return int(v.Int()), true
}
