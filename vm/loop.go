package vm

import (
	"fmt"
	"runtime"

	"github.com/chazu/kestrel/vm/heap"
)

// timeoutCheckInterval is how many instructions run between context checks.
const timeoutCheckInterval = 256

// ---------------------------------------------------------------------------
// Dispatch
// ---------------------------------------------------------------------------

// loop executes instructions from the pc register until the current host
// frame halts or an error escapes it. The caller holds the world.
//
// Conditions raised by primitives are routed to the Scheme handler stack;
// only errors that no handler takes, system errors, and control signals
// belonging to an outer host frame leave the loop.
func (vm *VM) loop(init, resume bool) (result Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = Nil, vm.recoverPanic(r)
		}
	}()
	if resume {
		log.Debugf("instance %d resuming at level %d", vm.id, vm.recursionLevel)
	} else if init && vm.flags.CollectStackNotify.IsTrue() {
		log.Infof("instance %d: new top-level run, stack %d slots", vm.id, len(vm.stack))
	}

	for {
		if err := vm.safePoint(); err != nil {
			return Nil, err
		}
		op, operands := vm.fetch()
		if vm.profile != nil {
			vm.profile.record(op)
		}

		var err error
		switch op {
		case OpNop:

		case OpHalt:
			return vm.value, nil

		case OpConst:
			vm.value = vm.car(operands)

		case OpPushConst:
			vm.push(vm.car(operands))

		case OpPush:
			vm.push(vm.value)

		case OpIloc:
			vm.value = *vm.ilocCell(operands)

		case OpPushIloc:
			vm.push(*vm.ilocCell(operands))

		case OpIset:
			*vm.ilocCell(operands) = vm.value

		case OpGref:
			vm.value, err = vm.gref(vm.car(operands))

		case OpPushGref:
			var v Value
			if v, err = vm.gref(vm.car(operands)); err == nil {
				vm.push(v)
			}

		case OpGset:
			err = vm.gset(vm.car(operands), vm.value)

		case OpGdef:
			vm.gdef(vm.car(operands), vm.value)

		case OpIfTrue:
			if vm.value.IsTrue() {
				vm.pc = operands
			}

		case OpIfFalse:
			if !vm.value.IsTrue() {
				vm.pc = operands
			}

		case OpIfNull:
			if vm.value == Nil {
				vm.pc = operands
			}

		case OpCall:
			vm.updateCont(vm.pc)
			vm.pc = operands

		case OpApply:
			err = vm.apply()

		case OpApplyGref:
			if vm.value, err = vm.gref(vm.car(operands)); err == nil {
				err = vm.apply()
			}

		case OpApplyIloc:
			vm.value = *vm.ilocCell(operands)
			err = vm.apply()

		case OpRet:
			if vm.popCont() {
				return vm.value, nil
			}

		case OpExtend:
			n := vm.operandInt(vm.car(operands))
			if vm.sp-vm.fp != n {
				panic(systemErrorf(KindInternal, "extend %d with %d pending values", n, vm.sp-vm.fp))
			}
			vm.pushEnvFrame(n, vm.env)

		case OpExtendUnbound:
			n := vm.operandInt(vm.car(operands))
			vm.collectStack(n + envHeaderSize)
			for i := 0; i < n; i++ {
				vm.push(Undefined)
			}
			vm.pushEnvFrame(n, vm.env)

		case OpClosure:
			vm.makeClosure(operands)

		case OpSubr:
			err = vm.callSubr(operands, false)

		case OpPushSubr:
			err = vm.callSubr(operands, true)

		default:
			panic(systemErrorf(KindInternal, "unimplemented instruction %s", op))
		}

		if err != nil {
			if result, done, err := vm.dispatchError(err); done {
				return result, err
			}
		}
	}
}

// fetch decodes the next instruction and advances pc past it.
func (vm *VM) fetch() (Opcode, Value) {
	p, ok := vm.pair(vm.pc)
	if !ok {
		panic(systemErrorf(KindInternal, "code ran off its end"))
	}
	ins, ok := vm.pair(p.Car)
	if !ok {
		panic(systemErrorf(KindInternal, "malformed instruction %s", vm.WriteString(p.Car)))
	}
	op, ok := vm.InstructionToOpcode(ins.Car)
	if !ok {
		panic(systemErrorf(KindInternal, "invalid instruction %s", vm.WriteString(ins.Car)))
	}
	vm.pc = p.Cdr
	return op, ins.Cdr
}

// safePoint services collection requests, resource limits, and stop
// requests between instructions.
func (vm *VM) safePoint() error {
	if vm.heap.CollectRequested() {
		vm.park()
	}
	if vm.exhausted {
		return systemErrorf(KindResourceExhausted, "instance %d exceeded its heap limit of %d bytes", vm.id, vm.heapLimit)
	}
	if vm.stopReq.Load() {
		vm.stopReq.Store(false)
		if vm.recursionLevel > 0 || len(vm.hosts) > 1 {
			return systemErrorf(KindStopped, "instance %d stopped inside a nested host call", vm.id)
		}
		return ErrStopped
	}
	vm.steps++
	if vm.ctx != nil && vm.steps%timeoutCheckInterval == 0 {
		if err := vm.ctx.Err(); err != nil {
			return systemErrorf(KindResourceExhausted, "instance %d: %v", vm.id, err)
		}
	}
	return nil
}

// dispatchError handles an error returned by an instruction. It reports
// done when the loop must return.
func (vm *VM) dispatchError(err error) (Value, bool, error) {
	for i := 0; err != nil; i++ {
		switch e := err.(type) {
		case *Error:
			if e.aborted {
				if i > 0 {
					return Nil, true, e
				}
				// Surfacing from a nested host call: unwind this level too.
				err = vm.abortError(e)
				continue
			}
			err = vm.raiseError(e)
		case *escapeSignal:
			k := heap.MustAs[*Continuation](vm.heap, e.k)
			if k.Serial != vm.hostSerial() {
				return Nil, true, e
			}
			err = vm.invokeContinuation(e.k, e.vals)
		default:
			if err == errHalt {
				return vm.value, true, nil
			}
			return Nil, true, err
		}
	}
	return Nil, false, nil
}

// recoverPanic converts a panic inside the loop into a system error.
func (vm *VM) recoverPanic(r any) error {
	var err error
	switch e := r.(type) {
	case *SystemError:
		err = e
	case *heap.Fault:
		err = systemErrorf(KindInternal, "%v", e)
	case runtime.Error:
		err = systemErrorf(KindInternal, "runtime fault: %v", e)
	case error:
		err = systemErrorf(KindInternal, "%v", e)
	default:
		err = systemErrorf(KindInternal, "%s", fmt.Sprint(r))
	}
	log.Errorf("instance %d: %v", vm.id, err)
	return err
}

// ---------------------------------------------------------------------------
// Operands
// ---------------------------------------------------------------------------

func (vm *VM) operandInt(v Value) int {
	n, ok := vm.intArg(v)
	if !ok {
		panic(systemErrorf(KindInternal, "malformed operand %s", vm.WriteString(v)))
	}
	return n
}

// ilocCell decodes a (depth index) operand pair.
func (vm *VM) ilocCell(operands Value) *Value {
	depth := vm.operandInt(vm.car(operands))
	index := vm.operandInt(vm.car(vm.cdr(operands)))
	return vm.lookupIloc(depth, index)
}

// makeClosure builds a closure from ((argc rest name) . body).
func (vm *VM) makeClosure(operands Value) {
	spec := vm.car(operands)
	argc := vm.operandInt(vm.car(spec))
	rest := vm.car(vm.cdr(spec))
	name := vm.car(vm.cdr(vm.cdr(spec)))
	env := vm.saveEnv(vm.env)
	vm.env = env
	vm.value = vm.alloc(&Closure{
		Code: vm.cdr(operands),
		Env:  env,
		Argc: argc,
		Rest: rest.IsTrue(),
		Name: name,
	})
}

// callSubr runs an inline primitive call: (subr S ARGC). The arguments are
// the top ARGC stack values.
func (vm *VM) callSubr(operands Value, pushResult bool) error {
	s, err := vm.subrOf(vm.car(operands))
	if err != nil {
		return err
	}
	argc := vm.operandInt(vm.car(vm.cdr(operands)))
	if argc > vm.sp-vm.fp {
		panic(systemErrorf(KindInternal, "subr %s: %d arguments requested, %d pending", s.Name, argc, vm.sp-vm.fp))
	}
	if s.kind != subrNormal {
		panic(systemErrorf(KindInternal, "subr %s cannot be called inline", s.Name))
	}
	if err := vm.checkArity(s, argc); err != nil {
		return err
	}
	base := vm.sp - argc
	result, err := s.Fn(vm, vm.stack[base:vm.sp])
	if err != nil {
		return err
	}
	vm.sp -= argc
	vm.value = result
	if pushResult {
		vm.push(result)
	}
	return nil
}

func (vm *VM) checkArity(s *Subr, argc int) error {
	if argc < s.MinArgs || (s.MaxArgs >= 0 && argc > s.MaxArgs) {
		return vm.arityError(s.Name, s.MinArgs, s.MaxArgs, argc)
	}
	return nil
}

func (vm *VM) arityError(who string, min, max, got int) *Error {
	var want string
	switch {
	case max < 0:
		want = fmt.Sprintf("at least %d", min)
	case min == max:
		want = fmt.Sprintf("%d", min)
	default:
		want = fmt.Sprintf("%d to %d", min, max)
	}
	return vm.schemeError(who, fmt.Sprintf("wrong number of arguments: required %s, but got %d", want, got))
}
