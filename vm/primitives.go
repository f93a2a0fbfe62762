package vm

import (
	"github.com/chazu/kestrel/vm/heap"
)

// ---------------------------------------------------------------------------
// Primitive registration
// ---------------------------------------------------------------------------

// installSubrs binds every primitive in the global environment. The caller
// holds the world.
func (vm *VM) installSubrs() {
	vm.registerBooleanPrimitives()
	vm.registerIntegerPrimitives()
	vm.registerListPrimitives()
	vm.registerArrayPrimitives()
	vm.registerStringPrimitives()
	vm.registerCharacterPrimitives()
	vm.registerControlPrimitives()
	vm.registerExceptionPrimitives()
	vm.registerPortPrimitives()
	vm.registerSystemPrimitives()
	vm.registerSpawnPrimitives()
}

// defineSubr binds name to a primitive. max < 0 means variadic.
func (vm *VM) defineSubr(name string, min, max int, fn SubrFunc) {
	vm.defineSubrKind(name, min, max, fn, subrNormal)
}

func (vm *VM) defineSubrKind(name string, min, max int, fn SubrFunc, kind subrKind) {
	s := vm.alloc(&Subr{Name: name, Fn: fn, MinArgs: min, MaxArgs: max, kind: kind})
	_, g := vm.glocFor(vm.Intern(name), true)
	g.Value = s
}

// alias binds name to the value already bound to existing.
func (vm *VM) alias(name, existing string) {
	_, src := vm.glocFor(vm.Intern(existing), false)
	if src == nil {
		panic(systemErrorf(KindInternal, "alias %s: %s is unbound", name, existing))
	}
	_, g := vm.glocFor(vm.Intern(name), true)
	g.Value = src.Value
}

// ---------------------------------------------------------------------------
// Argument helpers
// ---------------------------------------------------------------------------

func (vm *VM) fixnumArg(who string, args []Value, i int) (int64, error) {
	if !args[i].IsFixnum() {
		return 0, vm.wrongType(who, i+1, "fixnum", args[i])
	}
	return args[i].Int(), nil
}

func (vm *VM) indexArg(who string, args []Value, i, limit int) (int, error) {
	n, err := vm.fixnumArg(who, args, i)
	if err != nil {
		return 0, err
	}
	if n < 0 || n >= int64(limit) {
		return 0, vm.conditionError("assertion-violation", who, "index out of range", args[i])
	}
	return int(n), nil
}

func (vm *VM) pairArg(who string, args []Value, i int) (*heap.Pair, error) {
	p, ok := vm.pair(args[i])
	if !ok {
		return nil, vm.wrongType(who, i+1, "pair", args[i])
	}
	return p, nil
}

func (vm *VM) stringArg(who string, args []Value, i int) (*heap.String, error) {
	s, ok := heap.As[*heap.String](vm.heap, args[i])
	if !ok {
		return nil, vm.wrongType(who, i+1, "string", args[i])
	}
	return s, nil
}

func (vm *VM) vectorArg(who string, args []Value, i int) (*heap.Vector, error) {
	v, ok := heap.As[*heap.Vector](vm.heap, args[i])
	if !ok {
		return nil, vm.wrongType(who, i+1, "vector", args[i])
	}
	return v, nil
}

func (vm *VM) symbolArg(who string, args []Value, i int) (*heap.Symbol, error) {
	s, ok := heap.As[*heap.Symbol](vm.heap, args[i])
	if !ok {
		return nil, vm.wrongType(who, i+1, "symbol", args[i])
	}
	return s, nil
}

func (vm *VM) procedureArg(who string, args []Value, i int) error {
	if !vm.isProcedure(args[i]) {
		return vm.wrongType(who, i+1, "procedure", args[i])
	}
	return nil
}

func (vm *VM) listArg(who string, args []Value, i int) ([]Value, error) {
	elts, ok := vm.listToSlice(args[i])
	if !ok {
		return nil, vm.wrongType(who, i+1, "proper list", args[i])
	}
	return elts, nil
}

func (vm *VM) literalViolation(who string, obj Value) *Error {
	return vm.conditionError("assertion-violation", who, "attempt to modify literal constant", obj)
}
