package vm

import (
	"github.com/chazu/kestrel/vm/heap"
)

// ---------------------------------------------------------------------------
// Exception Primitives
// ---------------------------------------------------------------------------

func (vm *VM) conditionArg(who string, args []Value, i int) (*Condition, error) {
	c, ok := heap.As[*Condition](vm.heap, args[i])
	if !ok {
		return nil, vm.wrongType(who, i+1, "condition", args[i])
	}
	return c, nil
}

func (vm *VM) registerExceptionPrimitives() {
	// Handler stack, most recent first.
	vm.defineSubr("%handlers", 0, 0, func(vm *VM, args []Value) (Value, error) {
		return vm.handlers, nil
	})

	vm.defineSubr("%set-handlers!", 1, 1, func(vm *VM, args []Value) (Value, error) {
		vm.handlers = args[0]
		return Unspecified, nil
	})

	vm.defineSubr("%handler-push", 1, 1, func(vm *VM, args []Value) (Value, error) {
		if err := vm.procedureArg("with-exception-handler", args, 0); err != nil {
			return Nil, err
		}
		vm.handlers = vm.Cons(args[0], vm.handlers)
		return Unspecified, nil
	})

	vm.defineSubr("%handler-pop", 0, 0, func(vm *VM, args []Value) (Value, error) {
		p, ok := vm.pair(vm.handlers)
		if !ok {
			return Nil, systemErrorf(KindInternal, "exception handler stack underflow")
		}
		vm.handlers = p.Cdr
		return Unspecified, nil
	})

	vm.defineSubr("%handler-returned", 1, 1, func(vm *VM, args []Value) (Value, error) {
		return Nil, vm.conditionError("non-continuable", "raise", "handler returned from non-continuable exception", args[0])
	})

	// (error who message irritant ...) or (error message irritant ...).
	vm.defineSubr("error", 1, -1, func(vm *VM, args []Value) (Value, error) {
		who := ""
		rest := args
		if _, ok := heap.As[*heap.String](vm.heap, args[0]); !ok {
			if args[0] != False {
				who, _ = vm.StringValue(args[0])
				if who == "" {
					who = vm.WriteString(args[0])
				}
			}
			rest = args[1:]
		}
		if len(rest) == 0 {
			return Nil, vm.arityError("error", 2, -1, len(args))
		}
		message, ok := vm.StringValue(rest[0])
		if !ok {
			message = vm.DisplayString(rest[0])
		}
		irritants := append([]Value(nil), rest[1:]...)
		return Nil, vm.conditionError("error", who, message, irritants...)
	})

	vm.defineSubr("assertion-violation", 2, -1, func(vm *VM, args []Value) (Value, error) {
		who, _ := vm.StringValue(args[0])
		message, ok := vm.StringValue(args[1])
		if !ok {
			message = vm.DisplayString(args[1])
		}
		irritants := append([]Value(nil), args[2:]...)
		return Nil, vm.conditionError("assertion-violation", who, message, irritants...)
	})

	vm.defineSubr("condition?", 1, 1, func(vm *VM, args []Value) (Value, error) {
		_, ok := heap.As[*Condition](vm.heap, args[0])
		return heap.Bool(ok), nil
	})

	accessor := func(name string, field func(*Condition) Value) {
		vm.defineSubr(name, 1, 1, func(vm *VM, args []Value) (Value, error) {
			c, err := vm.conditionArg(name, args, 0)
			if err != nil {
				return Nil, err
			}
			return field(c), nil
		})
	}
	accessor("condition-kind", func(c *Condition) Value { return c.Kind })
	accessor("condition-who", func(c *Condition) Value { return c.Who })
	accessor("condition-message", func(c *Condition) Value { return c.Message })
	accessor("condition-irritants", func(c *Condition) Value { return c.Irritants })
	vm.alias("error-object?", "condition?")
	vm.alias("error-object-message", "condition-message")
	vm.alias("error-object-irritants", "condition-irritants")

	vm.defineSubr("make-condition", 4, 4, func(vm *VM, args []Value) (Value, error) {
		if _, err := vm.symbolArg("make-condition", args, 0); err != nil {
			return Nil, err
		}
		if _, err := vm.listArg("make-condition", args, 3); err != nil {
			return Nil, err
		}
		return vm.alloc(&Condition{Kind: args[0], Who: args[1], Message: args[2], Irritants: args[3]}), nil
	})
}
