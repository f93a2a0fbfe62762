package vm

import (
	"github.com/chazu/kestrel/vm/heap"
)

// ---------------------------------------------------------------------------
// Vector Primitives
// ---------------------------------------------------------------------------

func (vm *VM) registerArrayPrimitives() {
	vm.defineSubr("vector", 0, -1, func(vm *VM, args []Value) (Value, error) {
		return vm.MakeVector(append([]Value(nil), args...)), nil
	})

	vm.defineSubr("make-vector", 1, 2, func(vm *VM, args []Value) (Value, error) {
		n, err := vm.fixnumArg("make-vector", args, 0)
		if err != nil {
			return Nil, err
		}
		if n < 0 || n > int64(vm.cfg.MaxStackSize)*64 {
			return Nil, vm.conditionError("assertion-violation", "make-vector", "invalid length", args[0])
		}
		fill := Unspecified
		if len(args) == 2 {
			fill = args[1]
		}
		elts := make([]Value, n)
		for i := range elts {
			elts[i] = fill
		}
		return vm.MakeVector(elts), nil
	})

	vm.defineSubr("vector-length", 1, 1, func(vm *VM, args []Value) (Value, error) {
		v, err := vm.vectorArg("vector-length", args, 0)
		if err != nil {
			return Nil, err
		}
		return Fixnum(int64(len(v.Elts))), nil
	})

	vm.defineSubr("vector-ref", 2, 2, func(vm *VM, args []Value) (Value, error) {
		v, err := vm.vectorArg("vector-ref", args, 0)
		if err != nil {
			return Nil, err
		}
		i, err := vm.indexArg("vector-ref", args, 1, len(v.Elts))
		if err != nil {
			return Nil, err
		}
		return v.Elts[i], nil
	})

	vm.defineSubr("vector-set!", 3, 3, func(vm *VM, args []Value) (Value, error) {
		v, err := vm.vectorArg("vector-set!", args, 0)
		if err != nil {
			return Nil, err
		}
		if v.Immutable {
			return Nil, vm.literalViolation("vector-set!", args[0])
		}
		i, err := vm.indexArg("vector-set!", args, 1, len(v.Elts))
		if err != nil {
			return Nil, err
		}
		v.Elts[i] = args[2]
		return Unspecified, nil
	})

	vm.defineSubr("vector->list", 1, 1, func(vm *VM, args []Value) (Value, error) {
		v, err := vm.vectorArg("vector->list", args, 0)
		if err != nil {
			return Nil, err
		}
		return vm.list(v.Elts...), nil
	})

	vm.defineSubr("list->vector", 1, 1, func(vm *VM, args []Value) (Value, error) {
		elts, err := vm.listArg("list->vector", args, 0)
		if err != nil {
			return Nil, err
		}
		return vm.MakeVector(elts), nil
	})

	vm.defineSubr("vector-fill!", 2, 2, func(vm *VM, args []Value) (Value, error) {
		v, err := vm.vectorArg("vector-fill!", args, 0)
		if err != nil {
			return Nil, err
		}
		if v.Immutable {
			return Nil, vm.literalViolation("vector-fill!", args[0])
		}
		for i := range v.Elts {
			v.Elts[i] = args[1]
		}
		return Unspecified, nil
	})

	vm.defineSubr("vector-copy", 1, 1, func(vm *VM, args []Value) (Value, error) {
		v, err := vm.vectorArg("vector-copy", args, 0)
		if err != nil {
			return Nil, err
		}
		return vm.alloc(&heap.Vector{Elts: append([]Value(nil), v.Elts...)}), nil
	})
}
