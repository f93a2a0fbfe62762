package vm

import (
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/chazu/kestrel/vm/heap"
)

// ---------------------------------------------------------------------------
// String and Symbol Primitives
// ---------------------------------------------------------------------------

// gensymCounter is shared by every instance so generated names stay unique
// on a shared heap.
var gensymCounter atomic.Uint64

func (vm *VM) registerStringPrimitives() {
	vm.defineSubr("string-length", 1, 1, func(vm *VM, args []Value) (Value, error) {
		s, err := vm.stringArg("string-length", args, 0)
		if err != nil {
			return Nil, err
		}
		return Fixnum(int64(len(s.Data))), nil
	})

	vm.defineSubr("string-ref", 2, 2, func(vm *VM, args []Value) (Value, error) {
		s, err := vm.stringArg("string-ref", args, 0)
		if err != nil {
			return Nil, err
		}
		i, err := vm.indexArg("string-ref", args, 1, len(s.Data))
		if err != nil {
			return Nil, err
		}
		return heap.Char(s.Data[i]), nil
	})

	vm.defineSubr("string-set!", 3, 3, func(vm *VM, args []Value) (Value, error) {
		s, err := vm.stringArg("string-set!", args, 0)
		if err != nil {
			return Nil, err
		}
		if s.Immutable {
			return Nil, vm.literalViolation("string-set!", args[0])
		}
		i, err := vm.indexArg("string-set!", args, 1, len(s.Data))
		if err != nil {
			return Nil, err
		}
		if !args[2].IsChar() {
			return Nil, vm.wrongType("string-set!", 3, "char", args[2])
		}
		s.Data[i] = args[2].Rune()
		return Unspecified, nil
	})

	vm.defineSubr("string-append", 0, -1, func(vm *VM, args []Value) (Value, error) {
		var b strings.Builder
		for i := range args {
			s, err := vm.stringArg("string-append", args, i)
			if err != nil {
				return Nil, err
			}
			b.WriteString(string(s.Data))
		}
		return vm.MakeString(b.String()), nil
	})

	vm.defineSubr("substring", 3, 3, func(vm *VM, args []Value) (Value, error) {
		s, err := vm.stringArg("substring", args, 0)
		if err != nil {
			return Nil, err
		}
		start, err := vm.fixnumArg("substring", args, 1)
		if err != nil {
			return Nil, err
		}
		end, err := vm.fixnumArg("substring", args, 2)
		if err != nil {
			return Nil, err
		}
		if start < 0 || end < start || end > int64(len(s.Data)) {
			return Nil, vm.conditionError("assertion-violation", "substring", "index out of range", args[1], args[2])
		}
		return vm.MakeString(string(s.Data[start:end])), nil
	})

	vm.defineSubr("string=?", 1, -1, func(vm *VM, args []Value) (Value, error) {
		first, err := vm.stringArg("string=?", args, 0)
		if err != nil {
			return Nil, err
		}
		for i := 1; i < len(args); i++ {
			s, err := vm.stringArg("string=?", args, i)
			if err != nil {
				return Nil, err
			}
			if string(s.Data) != string(first.Data) {
				return False, nil
			}
		}
		return True, nil
	})

	vm.defineSubr("string->list", 1, 1, func(vm *VM, args []Value) (Value, error) {
		s, err := vm.stringArg("string->list", args, 0)
		if err != nil {
			return Nil, err
		}
		elts := make([]Value, len(s.Data))
		for i, r := range s.Data {
			elts[i] = heap.Char(r)
		}
		return vm.list(elts...), nil
	})

	vm.defineSubr("list->string", 1, 1, func(vm *VM, args []Value) (Value, error) {
		elts, err := vm.listArg("list->string", args, 0)
		if err != nil {
			return Nil, err
		}
		data := make([]rune, len(elts))
		for i, e := range elts {
			if !e.IsChar() {
				return Nil, vm.wrongType("list->string", 1, "list of chars", args[0])
			}
			data[i] = e.Rune()
		}
		return vm.alloc(&heap.String{Data: data}), nil
	})

	vm.defineSubr("string-copy", 1, 1, func(vm *VM, args []Value) (Value, error) {
		s, err := vm.stringArg("string-copy", args, 0)
		if err != nil {
			return Nil, err
		}
		return vm.MakeString(string(s.Data)), nil
	})

	vm.defineSubr("symbol->string", 1, 1, func(vm *VM, args []Value) (Value, error) {
		s, err := vm.symbolArg("symbol->string", args, 0)
		if err != nil {
			return Nil, err
		}
		return vm.alloc(&heap.String{Data: []rune(s.Name), Immutable: true}), nil
	})

	vm.defineSubr("string->symbol", 1, 1, func(vm *VM, args []Value) (Value, error) {
		s, err := vm.stringArg("string->symbol", args, 0)
		if err != nil {
			return Nil, err
		}
		return vm.Intern(string(s.Data)), nil
	})

	vm.defineSubr("gensym", 0, 1, func(vm *VM, args []Value) (Value, error) {
		prefix := "g"
		if len(args) == 1 {
			if s, ok := vm.StringValue(args[0]); ok {
				prefix = s
			}
		}
		return vm.Intern(prefix + "." + strconv.FormatUint(gensymCounter.Add(1), 10)), nil
	})
}
