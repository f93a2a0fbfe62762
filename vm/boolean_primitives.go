package vm

import (
	"github.com/chazu/kestrel/vm/heap"
)

// ---------------------------------------------------------------------------
// Predicates and equivalence
// ---------------------------------------------------------------------------

// Equal reports structural equality: pairs, vectors and strings compare by
// content, everything else by identity.
func (vm *VM) Equal(a, b Value) bool {
	return vm.equal(a, b, 0)
}

func (vm *VM) equal(a, b Value, depth int) bool {
	for {
		if a == b {
			return true
		}
		if depth > maxPrintDepth*64 {
			return false
		}
		switch x := vm.object(a).(type) {
		case *heap.Pair:
			y, ok := vm.pair(b)
			if !ok || !vm.equal(x.Car, y.Car, depth+1) {
				return false
			}
			a, b = x.Cdr, y.Cdr
			depth++
			continue
		case *heap.Vector:
			y, ok := heap.As[*heap.Vector](vm.heap, b)
			if !ok || len(x.Elts) != len(y.Elts) {
				return false
			}
			for i := range x.Elts {
				if !vm.equal(x.Elts[i], y.Elts[i], depth+1) {
					return false
				}
			}
			return true
		case *heap.String:
			y, ok := heap.As[*heap.String](vm.heap, b)
			return ok && string(x.Data) == string(y.Data)
		}
		return false
	}
}

func (vm *VM) registerBooleanPrimitives() {
	predicate := func(name string, test func(vm *VM, v Value) bool) {
		vm.defineSubr(name, 1, 1, func(vm *VM, args []Value) (Value, error) {
			return heap.Bool(test(vm, args[0])), nil
		})
	}

	predicate("not", func(_ *VM, v Value) bool { return v == False })
	predicate("boolean?", func(_ *VM, v Value) bool { return v.IsBool() })
	predicate("null?", func(_ *VM, v Value) bool { return v == Nil })
	predicate("pair?", func(vm *VM, v Value) bool { _, ok := vm.pair(v); return ok })
	predicate("list?", func(vm *VM, v Value) bool { _, ok := vm.listToSlice(v); return ok })
	predicate("symbol?", func(vm *VM, v Value) bool { return vm.isSymbol(v) })
	predicate("string?", func(vm *VM, v Value) bool {
		_, ok := heap.As[*heap.String](vm.heap, v)
		return ok
	})
	predicate("vector?", func(vm *VM, v Value) bool {
		_, ok := heap.As[*heap.Vector](vm.heap, v)
		return ok
	})
	predicate("char?", func(_ *VM, v Value) bool { return v.IsChar() })
	predicate("fixnum?", func(_ *VM, v Value) bool { return v.IsFixnum() })
	predicate("procedure?", func(vm *VM, v Value) bool { return vm.isProcedure(v) })
	predicate("eof-object?", func(_ *VM, v Value) bool { return v == EOF })
	vm.alias("integer?", "fixnum?")
	vm.alias("number?", "fixnum?")

	vm.defineSubr("eof-object", 0, 0, func(vm *VM, args []Value) (Value, error) {
		return EOF, nil
	})

	// Fixnums and chars are immediates, so eqv? is eq?.
	vm.defineSubr("eq?", 2, 2, func(vm *VM, args []Value) (Value, error) {
		return heap.Bool(args[0] == args[1]), nil
	})
	vm.alias("eqv?", "eq?")

	vm.defineSubr("equal?", 2, 2, func(vm *VM, args []Value) (Value, error) {
		return heap.Bool(vm.Equal(args[0], args[1])), nil
	})
}
