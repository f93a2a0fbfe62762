package vm

import (
	"github.com/chazu/kestrel/vm/heap"
)

// ---------------------------------------------------------------------------
// Procedure application
// ---------------------------------------------------------------------------

// apply applies the value register to the pending arguments [fp, sp) in tail
// position: the callee returns to the current continuation.
func (vm *VM) apply() error {
	for {
		proc := vm.value
		argc := vm.sp - vm.fp

		switch o := vm.object(proc).(type) {
		case *Closure:
			return vm.applyClosure(o, argc)

		case *Subr:
			if err := vm.checkArity(o, argc); err != nil {
				return err
			}
			switch o.kind {
			case subrApply:
				if err := vm.spreadApply(); err != nil {
					return err
				}
				continue
			case subrCallCC:
				k := vm.captureContinuation()
				vm.value = vm.stack[vm.fp]
				vm.stack[vm.fp] = k
				continue
			case subrResume:
				k := vm.stack[vm.fp]
				if _, ok := heap.As[*Continuation](vm.heap, k); !ok {
					return vm.wrongType(o.Name, 1, "continuation", k)
				}
				return vm.resume(k, vm.stack[vm.fp+1])
			case subrAbort:
				return vm.abortWith(vm.stack[vm.fp])
			}
			result, err := o.Fn(vm, vm.stack[vm.fp:vm.sp])
			if err != nil {
				return err
			}
			return vm.returnValue(result)

		case *Continuation:
			vals, err := vm.continuationArgs(argc)
			if err != nil {
				return err
			}
			return vm.invokeContinuation(proc, vals)

		case *Parameter:
			switch argc {
			case 0:
				return vm.returnValue(vm.parameterValue(proc, o))
			case 1:
				vm.dynamicTable().Put(proc, vm.stack[vm.fp])
				return vm.returnValue(Unspecified)
			}
			return vm.arityError("parameter", 0, 1, argc)
		}
		return vm.schemeError("apply", "attempt to call non-procedure", proc)
	}
}

// returnValue completes a primitive application: the arguments are
// consumed and control passes to the current continuation.
func (vm *VM) returnValue(v Value) error {
	vm.value = v
	vm.sp = vm.fp
	if vm.popCont() {
		return errHalt
	}
	return nil
}

func (vm *VM) applyClosure(c *Closure, argc int) error {
	if c.Rest {
		if argc < c.Argc {
			return vm.arityError(vm.symbolName(c.Name), c.Argc, -1, argc)
		}
		rest := Nil
		for i := vm.sp - 1; i >= vm.fp+c.Argc; i-- {
			rest = vm.Cons(vm.stack[i], rest)
		}
		vm.sp = vm.fp + c.Argc
		vm.push(rest)
		argc = c.Argc + 1
	} else if argc != c.Argc {
		return vm.arityError(vm.symbolName(c.Name), c.Argc, c.Argc, argc)
	}

	if depth := vm.flags.backtraceDepth(); depth > 0 {
		if comment, ok := vm.sourceComment(c.Code); ok {
			vm.recordTrace(comment, depth)
		}
	}

	// Tail call: slide the arguments down over the caller's dead frames.
	if dest := vm.contTop(); dest < vm.fp {
		copy(vm.stack[dest:], vm.stack[vm.fp:vm.sp])
		vm.fp = dest
		vm.sp = dest + argc
	}
	vm.pushEnvFrame(argc, c.Env)
	vm.pc = c.Code
	return nil
}

// spreadApply rewrites (apply f a ... lst) into (f a ... elements-of-lst).
func (vm *VM) spreadApply() error {
	f := vm.stack[vm.fp]
	lst := vm.stack[vm.sp-1]
	elts, ok := vm.listToSlice(lst)
	if !ok {
		return vm.wrongType("apply", vm.sp-vm.fp, "proper list", lst)
	}
	copy(vm.stack[vm.fp:], vm.stack[vm.fp+1:vm.sp-1])
	vm.sp -= 2
	for _, e := range elts {
		vm.push(e)
	}
	vm.value = f
	return nil
}

// ---------------------------------------------------------------------------
// Continuations
// ---------------------------------------------------------------------------

func (vm *VM) hostSerial() uint64 {
	return vm.hosts[len(vm.hosts)-1].serial
}

func (vm *VM) hostActive(serial uint64) bool {
	for i := range vm.hosts {
		if vm.hosts[i].serial == serial {
			return true
		}
	}
	return false
}

// captureContinuation promotes the live chain and wraps it.
func (vm *VM) captureContinuation() Value {
	vm.saveContinuation()
	return vm.alloc(&Continuation{
		Cont:     vm.cont,
		Wind:     vm.wind,
		Handlers: vm.handlers,
		Serial:   vm.hostSerial(),
	})
}

// continuationArgs packs the values passed to a continuation. Several
// values arrive as a list.
func (vm *VM) continuationArgs(argc int) (Value, error) {
	switch argc {
	case 0:
		return Unspecified, nil
	case 1:
		return vm.stack[vm.fp], nil
	}
	return vm.list(vm.stack[vm.fp:vm.sp]...), nil
}

// invokeContinuation transfers to k, running the after and before thunks
// between the current dynamic extent and k's.
func (vm *VM) invokeContinuation(kv, vals Value) error {
	k := heap.MustAs[*Continuation](vm.heap, kv)
	switch {
	case k.Serial == vm.hostSerial():
		return vm.windTo(k.Wind, kv, vals)
	case vm.hostActive(k.Serial):
		// Owned by an outer host call: unwind this level, then let the
		// owning loop finish the transfer.
		top := vm.hosts[len(vm.hosts)-1]
		esc := vm.alloc(&Continuation{kind: contEscape, payload: kv, Serial: top.serial, Wind: Nil, Handlers: Nil, Cont: Nil})
		return vm.windTo(top.wind, esc, vals)
	}
	return vm.schemeError("continuation", "host call that captured this continuation has returned", kv)
}

// windTo runs the wind steps from the current record to target and then
// resumes kv with vals.
func (vm *VM) windTo(target, kv, vals Value) error {
	steps := vm.windSteps(vm.wind, target)
	if steps == Nil {
		return vm.resume(kv, vals)
	}
	perform, ok := vm.systemClosure("%perform-wind")
	if !ok {
		return ErrNotBooted
	}
	vm.sp = vm.fp
	vm.push(steps)
	vm.push(kv)
	vm.push(vals)
	vm.value = perform
	return vm.apply()
}

// resume is the final transfer once winding is done.
func (vm *VM) resume(kv, vals Value) error {
	k := heap.MustAs[*Continuation](vm.heap, kv)
	switch k.kind {
	case contEscape:
		return &escapeSignal{k: k.payload, vals: vals}
	case contAbort:
		return vm.finishAbort()
	}
	vm.wind = k.Wind
	vm.handlers = k.Handlers
	vm.cont = k.Cont
	vm.env = Nil
	vm.fp, vm.sp = 0, 0
	vm.value = vals
	if vm.popCont() {
		return errHalt
	}
	return nil
}
