package vm

import (
	"github.com/chazu/kestrel/vm/heap"
)

// ---------------------------------------------------------------------------
// Control Primitives
// ---------------------------------------------------------------------------
//
// apply, call/cc, %resume and %abort are dispatched by the loop itself (their
// Fn is never called); they only exist here so they have names and arity.

func unreachableSubr(vm *VM, args []Value) (Value, error) {
	return Nil, systemErrorf(KindInternal, "control primitive called inline")
}

func (vm *VM) registerControlPrimitives() {
	vm.defineSubrKind("apply", 2, -1, unreachableSubr, subrApply)
	vm.defineSubrKind("call/cc", 1, 1, unreachableSubr, subrCallCC)
	vm.alias("call-with-current-continuation", "call/cc")
	vm.defineSubrKind("%resume", 2, 2, unreachableSubr, subrResume)
	vm.defineSubrKind("%abort", 1, 1, unreachableSubr, subrAbort)

	vm.defineSubr("continuation?", 1, 1, func(vm *VM, args []Value) (Value, error) {
		_, ok := heap.As[*Continuation](vm.heap, args[0])
		return heap.Bool(ok), nil
	})

	// Dynamic-wind records. The wind register changes only through these and
	// continuation transfers.
	vm.defineSubr("%wind-push", 2, 2, func(vm *VM, args []Value) (Value, error) {
		if err := vm.procedureArg("dynamic-wind", args, 0); err != nil {
			return Nil, err
		}
		if err := vm.procedureArg("dynamic-wind", args, 1); err != nil {
			return Nil, err
		}
		vm.pushWind(args[0], args[1])
		return Unspecified, nil
	})

	vm.defineSubr("%wind-pop", 0, 0, func(vm *VM, args []Value) (Value, error) {
		if vm.wind == Nil {
			return Nil, systemErrorf(KindInternal, "dynamic-wind record stack underflow")
		}
		vm.wind = vm.windRecord(vm.wind).Up
		return Unspecified, nil
	})

	vm.defineSubr("%wind-step-before", 1, 1, func(vm *VM, args []Value) (Value, error) {
		step := heap.MustAs[*heap.Vector](vm.heap, args[0])
		vm.wind = step.Elts[0]
		return step.Elts[1], nil
	})

	vm.defineSubr("%wind-step-after", 1, 1, func(vm *VM, args []Value) (Value, error) {
		step := heap.MustAs[*heap.Vector](vm.heap, args[0])
		vm.wind = step.Elts[2]
		return Unspecified, nil
	})

	vm.defineSubr("%wind-depth", 0, 0, func(vm *VM, args []Value) (Value, error) {
		return Fixnum(int64(vm.windDepth(vm.wind))), nil
	})

	// Parameters.
	vm.defineSubr("make-parameter", 1, 1, func(vm *VM, args []Value) (Value, error) {
		return vm.alloc(&Parameter{Init: args[0]}), nil
	})

	vm.defineSubr("%dynamic-swap!", 2, 2, func(vm *VM, args []Value) (Value, error) {
		p, ok := heap.As[*Parameter](vm.heap, args[0])
		if !ok {
			return Nil, vm.wrongType("parameterize", 1, "parameter", args[0])
		}
		old := vm.parameterValue(args[0], p)
		vm.dynamicTable().Put(args[0], args[1])
		return old, nil
	})
}
