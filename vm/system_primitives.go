package vm

import (
	"strings"

	"github.com/chazu/kestrel/vm/heap"
)

// ---------------------------------------------------------------------------
// System Primitives
// ---------------------------------------------------------------------------

func (vm *VM) registerSystemPrimitives() {
	vm.defineSubr("system-flag", 1, 1, func(vm *VM, args []Value) (Value, error) {
		name, ok := vm.StringValue(args[0])
		if !ok {
			return Nil, vm.wrongType("system-flag", 1, "symbol", args[0])
		}
		v, ok := vm.flags.Get(name)
		if !ok {
			return Nil, vm.schemeError("system-flag", "unknown system flag", args[0])
		}
		return v, nil
	})

	vm.defineSubr("set-system-flag!", 2, 2, func(vm *VM, args []Value) (Value, error) {
		name, ok := vm.StringValue(args[0])
		if !ok {
			return Nil, vm.wrongType("set-system-flag!", 1, "symbol", args[0])
		}
		if err := vm.flags.Set(name, args[1]); err != nil {
			return Nil, vm.conditionError("assertion-violation", "set-system-flag!", err.Error(), args[1])
		}
		return Unspecified, nil
	})

	vm.defineSubr("system-flags", 0, 0, func(vm *VM, args []Value) (Value, error) {
		names := FlagNames()
		elts := make([]Value, len(names))
		for i, name := range names {
			v, _ := vm.flags.Get(name)
			elts[i] = vm.Cons(vm.Intern(name), v)
		}
		return vm.list(elts...), nil
	})

	vm.defineSubr("collect", 0, 0, func(vm *VM, args []Value) (Value, error) {
		vm.Collect()
		return Unspecified, nil
	})

	// (heap-stats) => ((collections . n) (live-objects . n) (live-bytes . n) (allocated . n))
	vm.defineSubr("heap-stats", 0, 0, func(vm *VM, args []Value) (Value, error) {
		s := vm.heap.Stats()
		entry := func(name string, n int64) Value {
			return vm.Cons(vm.Intern(name), Fixnum(n))
		}
		return vm.list(
			entry("collections", int64(s.Collections)),
			entry("live-objects", int64(s.LiveObjects)),
			entry("live-bytes", s.LiveBytes),
			entry("allocated", s.Allocated),
		), nil
	})

	vm.defineSubr("stack-stats", 0, 0, func(vm *VM, args []Value) (Value, error) {
		return vm.list(
			vm.Cons(vm.Intern("size"), Fixnum(int64(len(vm.stack)))),
			vm.Cons(vm.Intern("high-water"), Fixnum(int64(vm.stackBusy))),
		), nil
	})

	vm.defineSubr("backtrace", 0, 1, func(vm *VM, args []Value) (Value, error) {
		p, err := vm.portArg("backtrace", args, 0, vm.errPort)
		if err != nil {
			return Nil, err
		}
		var b strings.Builder
		if !vm.Backtrace(&b) {
			return False, nil
		}
		return True, vm.writePort(p, b.String())
	})

	vm.defineSubr("trace-clear", 0, 0, func(vm *VM, args []Value) (Value, error) {
		vm.ClearTrace()
		return Unspecified, nil
	})

	vm.defineSubr("warning", 2, -1, func(vm *VM, args []Value) (Value, error) {
		who, _ := vm.StringValue(args[0])
		message, ok := vm.StringValue(args[1])
		if !ok {
			message = vm.DisplayString(args[1])
		}
		vm.SchemeWarning(1, who, message, args[2:]...)
		return Unspecified, nil
	})

	vm.defineSubr("recursion-level", 0, 0, func(vm *VM, args []Value) (Value, error) {
		return Fixnum(int64(vm.recursionLevel)), nil
	})

	vm.defineSubr("weak-table", 0, 0, func(vm *VM, args []Value) (Value, error) {
		return vm.alloc(heap.NewWeakTable()), nil
	})

	vm.defineSubr("weak-table-ref", 2, 3, func(vm *VM, args []Value) (Value, error) {
		t, ok := heap.As[*heap.WeakTable](vm.heap, args[0])
		if !ok {
			return Nil, vm.wrongType("weak-table-ref", 1, "weak table", args[0])
		}
		if v, ok := t.Get(args[1]); ok {
			return v, nil
		}
		if len(args) == 3 {
			return args[2], nil
		}
		return False, nil
	})

	vm.defineSubr("weak-table-set!", 3, 3, func(vm *VM, args []Value) (Value, error) {
		t, ok := heap.As[*heap.WeakTable](vm.heap, args[0])
		if !ok {
			return Nil, vm.wrongType("weak-table-set!", 1, "weak table", args[0])
		}
		t.Put(args[1], args[2])
		return Unspecified, nil
	})
}
