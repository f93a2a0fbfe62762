package vm

import (
	"github.com/chazu/kestrel/vm/heap"
)

// ---------------------------------------------------------------------------
// Pair and List Primitives
// ---------------------------------------------------------------------------

func (vm *VM) registerListPrimitives() {
	vm.defineSubr("cons", 2, 2, func(vm *VM, args []Value) (Value, error) {
		return vm.Cons(args[0], args[1]), nil
	})

	vm.defineSubr("car", 1, 1, func(vm *VM, args []Value) (Value, error) {
		p, err := vm.pairArg("car", args, 0)
		if err != nil {
			return Nil, err
		}
		return p.Car, nil
	})

	vm.defineSubr("cdr", 1, 1, func(vm *VM, args []Value) (Value, error) {
		p, err := vm.pairArg("cdr", args, 0)
		if err != nil {
			return Nil, err
		}
		return p.Cdr, nil
	})

	// c[ad]{2}r, path read right to left.
	for _, name := range []string{"caar", "cadr", "cdar", "cddr"} {
		path := name[1 : len(name)-1]
		vm.defineSubr(name, 1, 1, func(vm *VM, args []Value) (Value, error) {
			v := args[0]
			for i := len(path) - 1; i >= 0; i-- {
				p, ok := vm.pair(v)
				if !ok {
					return Nil, vm.wrongType(name, 1, "appropriate list structure", args[0])
				}
				if path[i] == 'a' {
					v = p.Car
				} else {
					v = p.Cdr
				}
			}
			return v, nil
		})
	}

	vm.defineSubr("set-car!", 2, 2, func(vm *VM, args []Value) (Value, error) {
		p, err := vm.pairArg("set-car!", args, 0)
		if err != nil {
			return Nil, err
		}
		if p.Immutable {
			return Nil, vm.literalViolation("set-car!", args[0])
		}
		p.Car = args[1]
		return Unspecified, nil
	})

	vm.defineSubr("set-cdr!", 2, 2, func(vm *VM, args []Value) (Value, error) {
		p, err := vm.pairArg("set-cdr!", args, 0)
		if err != nil {
			return Nil, err
		}
		if p.Immutable {
			return Nil, vm.literalViolation("set-cdr!", args[0])
		}
		p.Cdr = args[1]
		return Unspecified, nil
	})

	vm.defineSubr("list", 0, -1, func(vm *VM, args []Value) (Value, error) {
		return vm.list(args...), nil
	})

	vm.defineSubr("length", 1, 1, func(vm *VM, args []Value) (Value, error) {
		elts, err := vm.listArg("length", args, 0)
		if err != nil {
			return Nil, err
		}
		return Fixnum(int64(len(elts))), nil
	})

	vm.defineSubr("reverse", 1, 1, func(vm *VM, args []Value) (Value, error) {
		elts, err := vm.listArg("reverse", args, 0)
		if err != nil {
			return Nil, err
		}
		result := Nil
		for _, e := range elts {
			result = vm.Cons(e, result)
		}
		return result, nil
	})

	vm.defineSubr("append", 0, -1, func(vm *VM, args []Value) (Value, error) {
		if len(args) == 0 {
			return Nil, nil
		}
		result := args[len(args)-1]
		for i := len(args) - 2; i >= 0; i-- {
			elts, err := vm.listArg("append", args, i)
			if err != nil {
				return Nil, err
			}
			for j := len(elts) - 1; j >= 0; j-- {
				result = vm.Cons(elts[j], result)
			}
		}
		return result, nil
	})

	vm.defineSubr("list-tail", 2, 2, func(vm *VM, args []Value) (Value, error) {
		k, err := vm.fixnumArg("list-tail", args, 1)
		if err != nil {
			return Nil, err
		}
		v := args[0]
		for ; k > 0; k-- {
			p, ok := vm.pair(v)
			if !ok {
				return Nil, vm.conditionError("assertion-violation", "list-tail", "index out of range", args[1])
			}
			v = p.Cdr
		}
		return v, nil
	})

	vm.defineSubr("list-ref", 2, 2, func(vm *VM, args []Value) (Value, error) {
		elts, err := vm.listArg("list-ref", args, 0)
		if err != nil {
			return Nil, err
		}
		i, err := vm.indexArg("list-ref", args, 1, len(elts))
		if err != nil {
			return Nil, err
		}
		return elts[i], nil
	})

	member := func(name string, same func(vm *VM, a, b Value) bool) {
		vm.defineSubr(name, 2, 2, func(vm *VM, args []Value) (Value, error) {
			for v := args[1]; v != Nil; {
				p, ok := vm.pair(v)
				if !ok {
					return Nil, vm.wrongType(name, 2, "proper list", args[1])
				}
				if same(vm, args[0], p.Car) {
					return v, nil
				}
				v = p.Cdr
			}
			return False, nil
		})
	}
	member("memq", func(_ *VM, a, b Value) bool { return a == b })
	member("member", func(vm *VM, a, b Value) bool { return vm.Equal(a, b) })

	assoc := func(name string, same func(vm *VM, a, b Value) bool) {
		vm.defineSubr(name, 2, 2, func(vm *VM, args []Value) (Value, error) {
			for v := args[1]; v != Nil; {
				p, ok := vm.pair(v)
				if !ok {
					return Nil, vm.wrongType(name, 2, "association list", args[1])
				}
				if entry, ok := vm.pair(p.Car); ok && same(vm, args[0], entry.Car) {
					return p.Car, nil
				}
				v = p.Cdr
			}
			return False, nil
		})
	}
	assoc("assq", func(_ *VM, a, b Value) bool { return a == b })
	assoc("assoc", func(vm *VM, a, b Value) bool { return vm.Equal(a, b) })

	vm.alias("memv", "memq")
	vm.alias("assv", "assq")

	vm.defineSubr("list-copy", 1, 1, func(vm *VM, args []Value) (Value, error) {
		elts, err := vm.listArg("list-copy", args, 0)
		if err != nil {
			return Nil, err
		}
		return vm.list(elts...), nil
	})

	vm.defineSubr("last-pair", 1, 1, func(vm *VM, args []Value) (Value, error) {
		p, err := vm.pairArg("last-pair", args, 0)
		if err != nil {
			return Nil, err
		}
		v := args[0]
		for {
			next, ok := heap.As[*heap.Pair](vm.heap, p.Cdr)
			if !ok {
				return v, nil
			}
			v, p = p.Cdr, next
		}
	})
}
