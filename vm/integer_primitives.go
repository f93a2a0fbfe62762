package vm

import (
	"strconv"

	"github.com/chazu/kestrel/vm/heap"
)

// ---------------------------------------------------------------------------
// Fixnum Primitives
// ---------------------------------------------------------------------------

func (vm *VM) fixnumResult(who string, n int64) (Value, error) {
	if !heap.FixnumFits(n) {
		return Nil, vm.conditionError("implementation-restriction", who, "fixnum overflow", Fixnum(n>>1))
	}
	return Fixnum(n), nil
}

func (vm *VM) registerIntegerPrimitives() {
	vm.defineSubr("+", 0, -1, func(vm *VM, args []Value) (Value, error) {
		var sum int64
		for i := range args {
			n, err := vm.fixnumArg("+", args, i)
			if err != nil {
				return Nil, err
			}
			sum += n
			if !heap.FixnumFits(sum) {
				return vm.fixnumResult("+", sum)
			}
		}
		return Fixnum(sum), nil
	})

	vm.defineSubr("*", 0, -1, func(vm *VM, args []Value) (Value, error) {
		product := int64(1)
		for i := range args {
			n, err := vm.fixnumArg("*", args, i)
			if err != nil {
				return Nil, err
			}
			r := product * n
			if product != 0 && (r/product != n || !heap.FixnumFits(r)) {
				return Nil, vm.conditionError("implementation-restriction", "*", "fixnum overflow", args[i])
			}
			product = r
		}
		return Fixnum(product), nil
	})

	vm.defineSubr("-", 1, -1, func(vm *VM, args []Value) (Value, error) {
		first, err := vm.fixnumArg("-", args, 0)
		if err != nil {
			return Nil, err
		}
		if len(args) == 1 {
			return vm.fixnumResult("-", -first)
		}
		for i := 1; i < len(args); i++ {
			n, err := vm.fixnumArg("-", args, i)
			if err != nil {
				return Nil, err
			}
			first -= n
			if !heap.FixnumFits(first) {
				return vm.fixnumResult("-", first)
			}
		}
		return Fixnum(first), nil
	})

	division := func(name string, op func(a, b int64) int64) {
		vm.defineSubr(name, 2, 2, func(vm *VM, args []Value) (Value, error) {
			a, err := vm.fixnumArg(name, args, 0)
			if err != nil {
				return Nil, err
			}
			b, err := vm.fixnumArg(name, args, 1)
			if err != nil {
				return Nil, err
			}
			if b == 0 {
				return Nil, vm.conditionError("assertion-violation", name, "division by zero", args[0], args[1])
			}
			return vm.fixnumResult(name, op(a, b))
		})
	}
	division("quotient", func(a, b int64) int64 { return a / b })
	division("remainder", func(a, b int64) int64 { return a % b })
	division("modulo", func(a, b int64) int64 {
		m := a % b
		if m != 0 && (m < 0) != (b < 0) {
			m += b
		}
		return m
	})

	compare := func(name string, ok func(a, b int64) bool) {
		vm.defineSubr(name, 1, -1, func(vm *VM, args []Value) (Value, error) {
			prev, err := vm.fixnumArg(name, args, 0)
			if err != nil {
				return Nil, err
			}
			result := true
			for i := 1; i < len(args); i++ {
				n, err := vm.fixnumArg(name, args, i)
				if err != nil {
					return Nil, err
				}
				if !ok(prev, n) {
					result = false
				}
				prev = n
			}
			return heap.Bool(result), nil
		})
	}
	compare("=", func(a, b int64) bool { return a == b })
	compare("<", func(a, b int64) bool { return a < b })
	compare(">", func(a, b int64) bool { return a > b })
	compare("<=", func(a, b int64) bool { return a <= b })
	compare(">=", func(a, b int64) bool { return a >= b })

	vm.defineSubr("zero?", 1, 1, func(vm *VM, args []Value) (Value, error) {
		n, err := vm.fixnumArg("zero?", args, 0)
		return heap.Bool(n == 0), err
	})

	vm.defineSubr("abs", 1, 1, func(vm *VM, args []Value) (Value, error) {
		n, err := vm.fixnumArg("abs", args, 0)
		if err != nil {
			return Nil, err
		}
		if n < 0 {
			n = -n
		}
		return vm.fixnumResult("abs", n)
	})

	vm.defineSubr("number->string", 1, 2, func(vm *VM, args []Value) (Value, error) {
		n, err := vm.fixnumArg("number->string", args, 0)
		if err != nil {
			return Nil, err
		}
		radix := int64(10)
		if len(args) == 2 {
			if radix, err = vm.fixnumArg("number->string", args, 1); err != nil {
				return Nil, err
			}
			if radix < 2 || radix > 36 {
				return Nil, vm.conditionError("assertion-violation", "number->string", "radix out of range", args[1])
			}
		}
		return vm.MakeString(strconv.FormatInt(n, int(radix))), nil
	})

	vm.defineSubr("string->number", 1, 2, func(vm *VM, args []Value) (Value, error) {
		s, err := vm.stringArg("string->number", args, 0)
		if err != nil {
			return Nil, err
		}
		radix := int64(10)
		if len(args) == 2 {
			if radix, err = vm.fixnumArg("string->number", args, 1); err != nil {
				return Nil, err
			}
		}
		n, perr := strconv.ParseInt(string(s.Data), int(radix), 64)
		if perr != nil || !heap.FixnumFits(n) {
			return False, nil
		}
		return Fixnum(n), nil
	})
}
