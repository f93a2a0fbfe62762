package vm

// ---------------------------------------------------------------------------
// Host trampoline
// ---------------------------------------------------------------------------

// ApplyScheme calls proc for effect.
func (vm *VM) ApplyScheme(proc Value, args ...Value) error {
	_, err := vm.callSchemeStub(proc, args)
	return err
}

// ApplySchemeArgv is ApplyScheme with the arguments in a slice.
func (vm *VM) ApplySchemeArgv(proc Value, argv []Value) error {
	_, err := vm.callSchemeStub(proc, argv)
	return err
}

// CallScheme calls proc and returns its value. It may be used by a host
// with the instance idle, or by a primitive while the loop is running; the
// latter nests a new loop on the Go stack.
func (vm *VM) CallScheme(proc Value, args ...Value) (Value, error) {
	return vm.callSchemeStub(proc, args)
}

// CallSchemeArgv is CallScheme with the arguments in a slice.
func (vm *VM) CallSchemeArgv(proc Value, argv []Value) (Value, error) {
	return vm.callSchemeStub(proc, argv)
}

func (vm *VM) callSchemeStub(proc Value, argv []Value) (Value, error) {
	if vm.recursionLevel >= vm.cfg.MaxRecursion {
		return Nil, systemErrorf(KindStackOverflow, "host call nesting exceeds %d", vm.cfg.MaxRecursion)
	}
	if vm.worldHeld == 0 {
		return vm.callOuter(proc, argv)
	}
	return vm.callNested(proc, argv)
}

// callOuter starts a fresh activation for a host that is not inside the
// loop. It shares serial 0 with top-level runs.
func (vm *VM) callOuter(proc Value, argv []Value) (Value, error) {
	vm.acquireWorld()
	defer vm.releaseWorld()

	vm.recursionLevel++
	defer func() { vm.recursionLevel-- }()

	vm.fp, vm.sp = 0, 0
	vm.env, vm.cont, vm.note = Nil, Nil, Nil
	for _, a := range argv {
		vm.push(a)
	}
	vm.value = proc

	result, err := vm.enterOuter()
	vm.finishOuter(err)
	vm.setState(StateIdle)
	return result, err
}

// enterOuter applies the value register to the pending arguments as the
// bottom host frame. The caller holds the world.
func (vm *VM) enterOuter() (Value, error) {
	vm.hosts = append(vm.hosts[:0], hostFrame{
		serial:   0,
		cont:     Nil,
		pc:       Nil,
		value:    Unspecified,
		wind:     vm.wind,
		handlers: vm.handlers,
	})
	vm.pc = vm.applyCode
	vm.setState(StateRunning)
	return vm.loop(false, false)
}

// finishOuter drops the bottom host frame, restoring its dynamic state when
// the run failed.
func (vm *VM) finishOuter(err error) {
	if len(vm.hosts) == 0 {
		return
	}
	top := vm.hosts[0]
	vm.hosts = vm.hosts[:0]
	if err != nil {
		vm.wind = top.wind
		vm.handlers = top.handlers
	}
}

// callNested runs proc on top of the running activation. A continuation
// frame resuming at (halt) is pushed first, so the nested loop returns as
// soon as proc does and the caller's pending arguments are preserved.
func (vm *VM) callNested(proc Value, argv []Value) (Value, error) {
	vm.recursionLevel++
	defer func() { vm.recursionLevel-- }()

	entry := hostFrame{
		serial:   vm.nextSerial(),
		pc:       vm.pc,
		value:    vm.value,
		wind:     vm.wind,
		handlers: vm.handlers,
	}
	vm.updateCont(vm.haltCode)
	entry.cont = vm.cont
	vm.hosts = append(vm.hosts, entry)

	for _, a := range argv {
		vm.push(a)
	}
	vm.value = proc
	vm.pc = vm.applyCode

	result, err := vm.loop(false, false)

	// The frame may have been rewritten by a collection meanwhile.
	top := vm.hosts[len(vm.hosts)-1]
	vm.hosts = vm.hosts[:len(vm.hosts)-1]
	if err != nil {
		vm.cont = top.cont
		vm.popCont()
		vm.wind = top.wind
	}
	vm.pc = top.pc
	vm.value = top.value
	vm.handlers = top.handlers
	return result, err
}
