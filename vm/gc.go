package vm

import (
	"github.com/chazu/kestrel/vm/heap"
)

// ---------------------------------------------------------------------------
// Collector cooperation
// ---------------------------------------------------------------------------
//
// The heap drives three phases while every instance is parked:
//
//  1. SaveState promotes all environment and continuation frames off the
//     stack and compacts pending arguments, so the only stack-resident
//     values left are plain Scheme values in [0, sp).
//  2. Roots reports every register, host frame and stack slot.
//  3. Relocate rewrites the same cells with their new references.
//
// No instruction runs between the phases: the world lock is held
// exclusively by the collector for the whole sequence.

var _ heap.Mutator = (*VM)(nil)

// SaveState implements heap.Mutator.
func (vm *VM) SaveState() {
	if vm.stack == nil {
		return
	}
	vm.saveState()
}

// Roots implements heap.Mutator.
func (vm *VM) Roots(mark func(Value)) {
	vm.eachRoot(func(p *Value) { mark(*p) })
	mark(vm.env)
	mark(vm.cont)
}

// Relocate implements heap.Mutator.
func (vm *VM) Relocate(forward func(Value) Value) {
	vm.eachRoot(func(p *Value) { *p = forward(*p) })
	vm.env = vm.gcEnv(vm.env, forward)
	vm.cont = vm.gcCont(vm.cont, forward)
	if vm.flags.CollectNotify.IsTrue() {
		log.Infof("collect: instance %d relocated (sp=%d)", vm.id, vm.sp)
	}
}

// eachRoot visits every collector-visible cell except the env and cont
// registers, which gcEnv and gcCont handle.
func (vm *VM) eachRoot(fn func(*Value)) {
	for _, p := range []*Value{
		&vm.pc, &vm.value, &vm.note,
		&vm.trace, &vm.traceTail,
		&vm.wind, &vm.handlers, &vm.dynEnv,
		&vm.inPort, &vm.outPort, &vm.errPort,
		&vm.globals, &vm.sourceComments,
		&vm.haltCode, &vm.applyCode,
		&vm.result,
	} {
		fn(p)
	}
	for i := range vm.hosts {
		h := &vm.hosts[i]
		fn(&h.cont)
		fn(&h.pc)
		fn(&h.value)
		fn(&h.wind)
		fn(&h.handlers)
	}
	for i := 0; i < vm.sp; i++ {
		fn(&vm.stack[i])
	}
}

func isLink(v Value) bool {
	_, ok := linkOffset(v)
	return ok
}

// gcEnv rewrites the environment register. After SaveState the chain is
// entirely heap resident; its interior links were rewritten by the copy.
func (vm *VM) gcEnv(link Value, forward func(Value) Value) Value {
	if isLink(link) {
		panic(systemErrorf(KindInternal, "stack-resident environment survived the save phase"))
	}
	return forward(link)
}

// gcCont rewrites the continuation register; see gcEnv.
func (vm *VM) gcCont(link Value, forward func(Value) Value) Value {
	if isLink(link) {
		panic(systemErrorf(KindInternal, "stack-resident continuation survived the save phase"))
	}
	return forward(link)
}
