package vm

import (
	"github.com/chazu/kestrel/vm/heap"
)

// ---------------------------------------------------------------------------
// Global environment
// ---------------------------------------------------------------------------

func (vm *VM) environment() *Environment {
	return heap.MustAs[*Environment](vm.heap, vm.globals)
}

// glocFor returns the binding cell for sym, creating an unbound one when
// create is set.
func (vm *VM) glocFor(sym Value, create bool) (Value, *Gloc) {
	env := vm.environment()
	env.mu.Lock()
	defer env.mu.Unlock()
	if gv, ok := env.Bindings[sym]; ok {
		return gv, heap.MustAs[*Gloc](vm.heap, gv)
	}
	if !create {
		return Nil, nil
	}
	g := &Gloc{Value: Undefined, Symbol: sym}
	gv := vm.alloc(g)
	env.Bindings[sym] = gv
	return gv, g
}

// glocOperand resolves a global operand: a gloc after prebinding, or a
// symbol before it.
func (vm *VM) glocOperand(operand Value, create bool) *Gloc {
	switch o := vm.object(operand).(type) {
	case *Gloc:
		return o
	case *heap.Symbol:
		_, g := vm.glocFor(operand, create)
		return g
	}
	panic(systemErrorf(KindInternal, "malformed global operand %s", vm.WriteString(operand)))
}

func (vm *VM) gref(operand Value) (Value, error) {
	g := vm.glocOperand(operand, false)
	if g == nil || g.Value == Undefined {
		sym := operand
		if g != nil {
			sym = g.Symbol
		}
		return Nil, vm.conditionError("undefined", vm.symbolName(sym), "attempt to reference unbound variable", sym)
	}
	return g.Value, nil
}

func (vm *VM) gset(operand, v Value) error {
	g := vm.glocOperand(operand, false)
	if g == nil || g.Value == Undefined {
		sym := operand
		if g != nil {
			sym = g.Symbol
		}
		return vm.conditionError("undefined", vm.symbolName(sym), "attempt to modify unbound variable", sym)
	}
	g.Value = v
	return nil
}

func (vm *VM) gdef(operand, v Value) {
	g := vm.glocOperand(operand, true)
	g.Value = v
	if c, ok := heap.As[*Closure](vm.heap, v); ok && (c.Name == False || c.Name == Nil) {
		c.Name = g.Symbol
	}
}

// subrOf resolves the S operand of subr instructions.
func (vm *VM) subrOf(operand Value) (*Subr, error) {
	switch o := vm.object(operand).(type) {
	case *Subr:
		return o, nil
	case *heap.Symbol:
		v, err := vm.gref(operand)
		if err != nil {
			return nil, err
		}
		if s, ok := heap.As[*Subr](vm.heap, v); ok {
			return s, nil
		}
		return nil, vm.schemeError(o.Name, "not a primitive procedure", v)
	}
	panic(systemErrorf(KindInternal, "malformed subr operand %s", vm.WriteString(operand)))
}

// LookupCurrentEnvironment returns the global value of the named variable.
func (vm *VM) LookupCurrentEnvironment(name string) (Value, bool) {
	vm.acquireWorld()
	defer vm.releaseWorld()
	_, g := vm.glocFor(vm.Intern(name), false)
	if g == nil || g.Value == Undefined {
		return Undefined, false
	}
	return g.Value, true
}

// InternCurrentEnvironment defines or redefines a global variable.
func (vm *VM) InternCurrentEnvironment(name string, v Value) {
	vm.acquireWorld()
	defer vm.releaseWorld()
	_, g := vm.glocFor(vm.Intern(name), true)
	g.Value = v
}

// LookupSystemClosure returns a procedure installed by Boot.
func (vm *VM) LookupSystemClosure(name string) (Value, error) {
	v, ok := vm.systemClosure(name)
	if !ok {
		return Nil, ErrNotBooted
	}
	return v, nil
}

func (vm *VM) systemClosure(name string) (Value, bool) {
	if !vm.booted {
		return Nil, false
	}
	v, ok := vm.LookupCurrentEnvironment(name)
	if !ok || !vm.isProcedure(v) {
		return Nil, false
	}
	return v, true
}

// GlobalNames lists the bound global variables.
func (vm *VM) GlobalNames() []string {
	vm.acquireWorld()
	defer vm.releaseWorld()
	env := vm.environment()
	env.mu.Lock()
	defer env.mu.Unlock()
	names := make([]string, 0, len(env.Bindings))
	for sym, gv := range env.Bindings {
		if heap.MustAs[*Gloc](vm.heap, gv).Value != Undefined {
			names = append(names, vm.symbolName(sym))
		}
	}
	return names
}
