package vm

import (
	"unicode"

	"github.com/chazu/kestrel/vm/heap"
)

// ---------------------------------------------------------------------------
// Character Primitives
// ---------------------------------------------------------------------------

func (vm *VM) charArg(who string, args []Value, i int) (rune, error) {
	if !args[i].IsChar() {
		return 0, vm.wrongType(who, i+1, "char", args[i])
	}
	return args[i].Rune(), nil
}

func (vm *VM) registerCharacterPrimitives() {
	vm.defineSubr("char->integer", 1, 1, func(vm *VM, args []Value) (Value, error) {
		r, err := vm.charArg("char->integer", args, 0)
		return Fixnum(int64(r)), err
	})

	vm.defineSubr("integer->char", 1, 1, func(vm *VM, args []Value) (Value, error) {
		n, err := vm.fixnumArg("integer->char", args, 0)
		if err != nil {
			return Nil, err
		}
		if n < 0 || n > unicode.MaxRune || (n >= 0xd800 && n <= 0xdfff) {
			return Nil, vm.conditionError("assertion-violation", "integer->char", "invalid code point", args[0])
		}
		return heap.Char(rune(n)), nil
	})

	vm.defineSubr("char=?", 1, -1, func(vm *VM, args []Value) (Value, error) {
		first, err := vm.charArg("char=?", args, 0)
		if err != nil {
			return Nil, err
		}
		for i := 1; i < len(args); i++ {
			r, err := vm.charArg("char=?", args, i)
			if err != nil {
				return Nil, err
			}
			if r != first {
				return False, nil
			}
		}
		return True, nil
	})

	vm.defineSubr("char-upcase", 1, 1, func(vm *VM, args []Value) (Value, error) {
		r, err := vm.charArg("char-upcase", args, 0)
		return heap.Char(unicode.ToUpper(r)), err
	})

	vm.defineSubr("char-downcase", 1, 1, func(vm *VM, args []Value) (Value, error) {
		r, err := vm.charArg("char-downcase", args, 0)
		return heap.Char(unicode.ToLower(r)), err
	})

	vm.defineSubr("char-alphabetic?", 1, 1, func(vm *VM, args []Value) (Value, error) {
		r, err := vm.charArg("char-alphabetic?", args, 0)
		return heap.Bool(unicode.IsLetter(r)), err
	})

	vm.defineSubr("char-numeric?", 1, 1, func(vm *VM, args []Value) (Value, error) {
		r, err := vm.charArg("char-numeric?", args, 0)
		return heap.Bool(unicode.IsDigit(r)), err
	})

	vm.defineSubr("char-whitespace?", 1, 1, func(vm *VM, args []Value) (Value, error) {
		r, err := vm.charArg("char-whitespace?", args, 0)
		return heap.Bool(unicode.IsSpace(r)), err
	})
}
