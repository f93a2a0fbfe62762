package vm

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/chazu/kestrel/vm/heap"
)

// ---------------------------------------------------------------------------
// Interpreter: instances sharing one heap
// ---------------------------------------------------------------------------

// SpawnOptions bound a child instance. Zero fields are unbounded.
type SpawnOptions struct {
	Timeout   time.Duration
	HeapLimit int64
}

// Interpreter owns the instances running on one heap. The root instance is
// created with it; children are spawned from any instance and run on their
// own goroutines.
type Interpreter struct {
	heap *heap.Heap
	root *VM

	mu        sync.Mutex
	instances map[int]*VM
	nextID    int
	wg        sync.WaitGroup
}

// NewInterpreter creates a heap-sharing interpreter and its booted root
// instance.
func NewInterpreter(h *heap.Heap, cfg Config) (*Interpreter, error) {
	root, err := New(h, cfg)
	if err != nil {
		return nil, err
	}
	if err := root.Standalone(); err != nil {
		return nil, err
	}
	in := &Interpreter{heap: h, root: root, instances: map[int]*VM{0: root}, nextID: 1}
	root.interp = in
	return in, nil
}

// Root returns instance 0.
func (in *Interpreter) Root() *VM { return in.root }

// Heap returns the shared heap.
func (in *Interpreter) Heap() *heap.Heap { return in.heap }

// Instance returns the live instance with the given id.
func (in *Interpreter) Instance(id int) (*VM, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	vm, ok := in.instances[id]
	return vm, ok
}

// Instances returns the registered instances in no particular order.
func (in *Interpreter) Instances() []*VM {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make([]*VM, 0, len(in.instances))
	for _, vm := range in.instances {
		out = append(out, vm)
	}
	return out
}

// Spawn starts proc applied to args on a new instance whose parent is
// parent. The child shares the parent's global environment, source
// comments and ports, and starts with a copy of its parameter bindings.
func (in *Interpreter) Spawn(parent *VM, proc Value, args []Value, opts SpawnOptions) (*VM, error) {
	if parent.interp != in {
		return nil, errors.New("vm: spawn parent belongs to another interpreter")
	}
	child := &VM{}
	cfg := parent.cfg
	cfg.Flags = parent.flags
	cfg.StackSize = DefaultStackSize
	if err := child.configure(in.heap, cfg); err != nil {
		return nil, err
	}

	in.mu.Lock()
	child.id = in.nextID
	in.nextID++
	in.instances[child.id] = child
	in.mu.Unlock()

	child.interp = in
	child.parent = parent
	child.heapLimit = opts.HeapLimit
	child.resumeCh = make(chan struct{}, 1)
	ctx := context.Background()
	if parent.ctx != nil {
		ctx = parent.ctx
	}
	if opts.Timeout > 0 {
		child.ctx, child.cancel = context.WithTimeout(ctx, opts.Timeout)
	} else {
		child.ctx, child.cancel = context.WithCancel(ctx)
	}

	// The parent's hold on the world covers the child's setup, so no
	// collection can run until proc and args sit in the child's roots.
	parent.acquireWorld()
	in.heap.Register(child)
	child.allocState()
	child.globals = parent.globals
	child.sourceComments = parent.sourceComments
	child.inPort, child.outPort, child.errPort = parent.inPort, parent.outPort, parent.errPort
	child.booted = parent.booted
	table := child.dynamicTable()
	parent.dynamicTable().Range(func(k, v Value) bool {
		table.Put(k, v)
		return true
	})
	for _, a := range args {
		child.push(a)
	}
	child.value = proc
	child.state.Store(int32(StateRunning))
	parent.children = append(parent.children, child)
	parent.releaseWorld()

	log.Infof("instance %d: spawned by %d (timeout %s, heap limit %d)", child.id, parent.id, opts.Timeout, opts.HeapLimit)

	in.wg.Add(1)
	go in.run(child)
	return child, nil
}

// run is the child's goroutine.
func (in *Interpreter) run(child *VM) {
	defer in.wg.Done()
	child.acquireWorld()
	result, err := child.enterOuter()
	for err == ErrStopped {
		child.setState(StateStopped)
		log.Debugf("instance %d: stopped", child.id)
		var resumed bool
		child.blocking(func() {
			select {
			case <-child.resumeCh:
				resumed = true
			case <-child.ctx.Done():
			}
		})
		if !resumed {
			err = systemErrorf(KindResourceExhausted, "instance %d: %v", child.id, child.ctx.Err())
			break
		}
		result, err = child.loop(false, true)
	}
	child.finishOuter(err)
	child.result = result
	child.resultErr = err
	child.releaseWorld()
	child.terminate()
}

// terminate publishes the result and wakes Resolve. The instance stays
// registered with the heap until Release so its result remains a root.
func (vm *VM) terminate() {
	if vm.cancel != nil {
		vm.cancel()
	}
	if vm.resultErr != nil {
		log.Infof("instance %d: terminated: %v", vm.id, vm.resultErr)
	} else {
		log.Debugf("instance %d: terminated", vm.id)
	}
	vm.setState(StateTerminated)
}

// Resume continues a stopped child.
func (vm *VM) Resume() error {
	if vm.resumeCh == nil {
		return errors.New("vm: resume applies to spawned instances; use Run(false)")
	}
	if vm.State() != StateStopped {
		return errors.New("vm: instance is not stopped")
	}
	// Mark running before the child wakes so an immediate Resolve waits.
	vm.setState(StateRunning)
	select {
	case vm.resumeCh <- struct{}{}:
	default:
	}
	return nil
}

// Release unregisters a terminated instance from its interpreter and the
// heap. Its result is no longer rooted afterwards.
func (in *Interpreter) Release(vm *VM) error {
	if vm.State() != StateTerminated {
		return errors.New("vm: release of a live instance")
	}
	in.mu.Lock()
	delete(in.instances, vm.id)
	in.mu.Unlock()
	if p := vm.parent; p != nil {
		p.acquireWorld()
		for i, c := range p.children {
			if c == vm {
				p.children = append(p.children[:i], p.children[i+1:]...)
				break
			}
		}
		p.releaseWorld()
	}
	in.heap.Unregister(vm)
	return nil
}

// StopAll asks every instance to park.
func (in *Interpreter) StopAll() {
	for _, vm := range in.Instances() {
		vm.Stop()
	}
}

// Wait blocks until every spawned goroutine has finished.
func (in *Interpreter) Wait() {
	in.wg.Wait()
}

// ---------------------------------------------------------------------------
// Spawn Primitives
// ---------------------------------------------------------------------------

func (vm *VM) spawnHandleArg(who string, args []Value, i int) (*VM, error) {
	h, ok := heap.As[*SpawnHandle](vm.heap, args[i])
	if !ok {
		return nil, vm.wrongType(who, i+1, "spawn handle", args[i])
	}
	return h.Child, nil
}

// childError converts a child's failure into a condition for the parent.
func (vm *VM) childError(child *VM, err error) *Error {
	var se *SystemError
	var e *Error
	switch {
	case errors.As(err, &e):
		return vm.conditionError(e.Kind, "spawn-resolve", e.Message)
	case errors.As(err, &se) && se.Kind == KindResourceExhausted:
		return vm.conditionError("resource-exhausted", "spawn-resolve", se.Message, Fixnum(int64(child.id)))
	case errors.Is(err, ErrStopped):
		return vm.conditionError("stopped", "spawn-resolve", "instance is stopped", Fixnum(int64(child.id)))
	}
	return vm.conditionError("system", "spawn-resolve", err.Error(), Fixnum(int64(child.id)))
}

func (vm *VM) registerSpawnPrimitives() {
	// (spawn thunk [timeout-ms [heap-limit]])
	vm.defineSubr("spawn", 1, 3, func(vm *VM, args []Value) (Value, error) {
		if vm.interp == nil {
			return Nil, vm.schemeError("spawn", "instance is not part of an interpreter")
		}
		if err := vm.procedureArg("spawn", args, 0); err != nil {
			return Nil, err
		}
		opts := SpawnOptions{Timeout: vm.cfg.SpawnTimeout, HeapLimit: vm.cfg.SpawnHeapLimit}
		if len(args) > 1 {
			ms, err := vm.fixnumArg("spawn", args, 1)
			if err != nil {
				return Nil, err
			}
			opts.Timeout = time.Duration(ms) * time.Millisecond
		}
		if len(args) > 2 {
			n, err := vm.fixnumArg("spawn", args, 2)
			if err != nil {
				return Nil, err
			}
			opts.HeapLimit = n
		}
		child, err := vm.interp.Spawn(vm, args[0], nil, opts)
		if err != nil {
			return Nil, vm.conditionError("system", "spawn", err.Error())
		}
		return vm.alloc(&SpawnHandle{Child: child}), nil
	})

	vm.defineSubr("spawn-resolve", 1, 1, func(vm *VM, args []Value) (Value, error) {
		child, err := vm.spawnHandleArg("spawn-resolve", args, 0)
		if err != nil {
			return Nil, err
		}
		var rerr error
		vm.blocking(func() { _, rerr = child.Resolve() })
		if rerr != nil {
			return Nil, vm.childError(child, rerr)
		}
		// Read under the world: the result may have moved while we waited.
		return child.result, nil
	})

	vm.defineSubr("spawn-stop", 1, 1, func(vm *VM, args []Value) (Value, error) {
		child, err := vm.spawnHandleArg("spawn-stop", args, 0)
		if err != nil {
			return Nil, err
		}
		child.Stop()
		return Unspecified, nil
	})

	vm.defineSubr("spawn-resume", 1, 1, func(vm *VM, args []Value) (Value, error) {
		child, err := vm.spawnHandleArg("spawn-resume", args, 0)
		if err != nil {
			return Nil, err
		}
		if err := child.Resume(); err != nil {
			return Nil, vm.schemeError("spawn-resume", err.Error(), args[0])
		}
		return Unspecified, nil
	})

	vm.defineSubr("spawn-state", 1, 1, func(vm *VM, args []Value) (Value, error) {
		child, err := vm.spawnHandleArg("spawn-state", args, 0)
		if err != nil {
			return Nil, err
		}
		return vm.Intern(child.State().String()), nil
	})

	vm.defineSubr("instance-id", 0, 0, func(vm *VM, args []Value) (Value, error) {
		return Fixnum(int64(vm.id)), nil
	})
}
