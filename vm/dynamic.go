package vm

import (
	"github.com/chazu/kestrel/vm/heap"
)

// ---------------------------------------------------------------------------
// Dynamic-wind
// ---------------------------------------------------------------------------

func (vm *VM) windRecord(v Value) *WindRecord {
	return heap.MustAs[*WindRecord](vm.heap, v)
}

func (vm *VM) windDepth(v Value) int {
	if v == Nil {
		return 0
	}
	return vm.windRecord(v).Depth
}

// pushWind makes a record for before/after the current one.
func (vm *VM) pushWind(before, after Value) {
	vm.wind = vm.alloc(&WindRecord{
		Before: before,
		After:  after,
		Up:     vm.wind,
		Depth:  vm.windDepth(vm.wind) + 1,
	})
}

// windSteps lists the thunks to run when moving from one wind record to
// another. Each step is a vector #(during thunk after): the wind register
// holds during while thunk runs, and after once it returns. Exits come
// first, innermost first; entries follow, outermost first.
func (vm *VM) windSteps(from, to Value) Value {
	if from == to {
		return Nil
	}
	var exits, enters []Value
	a, b := from, to
	da, db := vm.windDepth(a), vm.windDepth(b)
	for da > db {
		exits = append(exits, a)
		a = vm.windRecord(a).Up
		da--
	}
	for db > da {
		enters = append(enters, b)
		b = vm.windRecord(b).Up
		db--
	}
	for a != b {
		exits = append(exits, a)
		a = vm.windRecord(a).Up
		enters = append(enters, b)
		b = vm.windRecord(b).Up
	}

	steps := make([]Value, 0, len(exits)+len(enters))
	for _, r := range exits {
		rec := vm.windRecord(r)
		steps = append(steps, vm.MakeVector([]Value{rec.Up, rec.After, rec.Up}))
	}
	for i := len(enters) - 1; i >= 0; i-- {
		rec := vm.windRecord(enters[i])
		steps = append(steps, vm.MakeVector([]Value{rec.Up, rec.Before, enters[i]}))
	}
	return vm.list(steps...)
}

// ---------------------------------------------------------------------------
// Parameters
// ---------------------------------------------------------------------------

func (vm *VM) dynamicTable() *heap.WeakTable {
	return heap.MustAs[*heap.WeakTable](vm.heap, vm.dynEnv)
}

func (vm *VM) parameterValue(pv Value, p *Parameter) Value {
	if v, ok := vm.dynamicTable().Get(pv); ok {
		return v
	}
	return p.Init
}

// ---------------------------------------------------------------------------
// Raising and surfacing
// ---------------------------------------------------------------------------

// makeCondition turns a Go-side error into the object handlers receive.
func (vm *VM) makeCondition(e *Error) Value {
	who := False
	if e.Who != "" {
		who = vm.Intern(e.Who)
	}
	irritants := Nil
	if e.values != nil {
		irritants = vm.list(e.values...)
	} else if len(e.Irritants) > 0 {
		strs := make([]Value, len(e.Irritants))
		for i, s := range e.Irritants {
			strs[i] = vm.MakeString(s)
		}
		irritants = vm.list(strs...)
	}
	e.values = nil
	return vm.alloc(&Condition{
		Kind:      vm.Intern(e.Kind),
		Who:       who,
		Message:   vm.MakeString(e.Message),
		Irritants: irritants,
	})
}

// raiseError hands a primitive's error to the Scheme handler chain. The
// failing activation's pending arguments are dropped; %raise runs in its
// place.
func (vm *VM) raiseError(e *Error) error {
	raise, ok := vm.systemClosure("%raise")
	if !ok {
		e.Backtrace = vm.BacktraceSeek()
		e.aborted = true
		return e
	}
	cond := vm.makeCondition(e)
	vm.sp = vm.fp
	vm.push(cond)
	vm.push(False)
	vm.value = raise
	return vm.apply()
}

// conditionToError renders a raised object for the host.
func (vm *VM) conditionToError(obj Value) *Error {
	var e *Error
	if c, ok := heap.As[*Condition](vm.heap, obj); ok {
		e = &Error{Kind: vm.symbolName(c.Kind)}
		if s, ok := vm.StringValue(c.Who); ok {
			e.Who = s
		}
		if s, ok := vm.StringValue(c.Message); ok {
			e.Message = s
		}
		if irritants, ok := vm.listToSlice(c.Irritants); ok {
			for _, v := range irritants {
				e.Irritants = append(e.Irritants, vm.restrictedString(v))
			}
		}
	} else {
		e = &Error{
			Kind:      "raise",
			Message:   "uncaught exception",
			Irritants: []string{vm.restrictedString(obj)},
		}
	}
	e.Backtrace = vm.BacktraceSeek()
	return e
}

// abortWith starts surfacing an unhandled condition to the host.
func (vm *VM) abortWith(obj Value) error {
	e := vm.conditionToError(obj)
	e.aborted = true
	log.Debugf("instance %d: unhandled %s", vm.id, e.Error())
	return vm.abortError(e)
}

// abortError unwinds the current host level to its entry extent. The error
// comes back once every after-thunk has run.
func (vm *VM) abortError(e *Error) error {
	top := vm.hosts[len(vm.hosts)-1]
	vm.aborting = e
	steps := vm.windSteps(vm.wind, top.wind)
	if steps == Nil {
		return vm.finishAbort()
	}
	perform, ok := vm.systemClosure("%perform-wind")
	if !ok {
		return vm.finishAbort()
	}
	k := vm.alloc(&Continuation{kind: contAbort, Serial: top.serial, Cont: Nil, Wind: Nil, Handlers: Nil, payload: Nil})
	vm.sp = vm.fp
	vm.push(steps)
	vm.push(k)
	vm.push(Unspecified)
	vm.value = perform
	return vm.apply()
}

func (vm *VM) finishAbort() error {
	e := vm.aborting
	vm.aborting = nil
	if e == nil {
		return systemErrorf(KindInternal, "abort completed without a pending error")
	}
	return e
}

// ---------------------------------------------------------------------------
// Warnings
// ---------------------------------------------------------------------------

// SchemeWarning reports a condition and returns normally. Output goes to the
// current error port when the warning-level flag admits it.
func (vm *VM) SchemeWarning(level int, who, message string, irritants ...Value) {
	if !vm.flags.warningEnabled(level) {
		return
	}
	text := message
	if who != "" {
		text = who + ": " + message
	}
	for _, v := range irritants {
		text += " " + vm.restrictedString(v)
	}
	log.Warning(text)
	if port, ok := heap.As[*Port](vm.heap, vm.errPort); ok && port.W != nil {
		vm.writePort(port, "warning: "+text+"\n")
	}
}
