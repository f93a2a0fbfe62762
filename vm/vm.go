package vm

import (
	"bufio"
	"context"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tliron/commonlog"

	"github.com/chazu/kestrel/vm/heap"
)

var log = commonlog.GetLogger("kestrel.vm")

// Stack sizing defaults, in slots.
const (
	DefaultStackSize    = 4096
	DefaultMaxStackSize = 1 << 20

	// DefaultMaxRecursion bounds nested host calls (CallScheme from inside
	// a primitive), which consume Go stack.
	DefaultMaxRecursion = 1000
)

// Config holds construction-time settings for a VM instance.
type Config struct {
	StackSize      int
	MaxStackSize   int
	MaxRecursion   int
	Flags          Flags
	ProfileOpcodes bool

	// SpawnTimeout and SpawnHeapLimit are the defaults for children
	// spawned from Scheme. Zero means unbounded.
	SpawnTimeout   time.Duration
	SpawnHeapLimit int64

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// DefaultConfig returns the configuration used when fields are left zero.
func DefaultConfig() Config {
	return Config{
		StackSize:    DefaultStackSize,
		MaxStackSize: DefaultMaxStackSize,
		MaxRecursion: DefaultMaxRecursion,
		Flags:        DefaultFlags(),
	}
}

// State is the lifecycle state of an instance.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopped
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

// hostFrame records one entry into the dispatch loop from Go: the top-level
// run or a nested CallScheme. Values here are collector roots.
type hostFrame struct {
	serial   uint64
	cont     Value
	pc       Value
	value    Value
	wind     Value
	handlers Value
}

// VM is one execution context. All registers live here; nothing is global,
// so any number of instances may share a heap.
type VM struct {
	heap *heap.Heap
	cfg  Config

	// ---------------------------------------------------------------------
	// Registers
	// ---------------------------------------------------------------------

	pc    Value
	value Value
	env   Value
	cont  Value
	note  Value

	fp, sp    int
	stack     []Value
	toStack   []Value
	stackBusy int

	// Trace ring, oldest first.
	trace      Value
	traceTail  Value
	traceCount int

	flags Flags

	// ---------------------------------------------------------------------
	// Dynamic state
	// ---------------------------------------------------------------------

	wind     Value
	handlers Value
	dynEnv   Value

	inPort  Value
	outPort Value
	errPort Value

	globals        Value
	sourceComments Value

	haltCode  Value
	applyCode Value

	// aborting holds the error being surfaced while after-thunks run.
	aborting *Error

	recursionLevel int
	hosts          []hostFrame
	serial         uint64
	worldHeld      int
	booted         bool

	// ---------------------------------------------------------------------
	// Parallel mode
	// ---------------------------------------------------------------------

	interp    *Interpreter
	id        int
	parent    *VM
	ctx       context.Context
	cancel    context.CancelFunc
	heapLimit int64
	allocated int64
	exhausted bool
	result    Value
	resultErr error
	children  []*VM
	resumeCh  chan struct{}

	stopReq atomic.Bool
	state   atomic.Int32
	mu      sync.Mutex
	cond    *sync.Cond
	// loading counts open top-level loads; guarded by mu.
	loading int
	// lastErr is the error of the last top-level run.
	lastErr error

	steps   uint64
	profile *OpcodeProfile
}

// New creates an instance bound to h. The heap must have been created with
// InstructionNames as its inherent symbol list.
func New(h *heap.Heap, cfg Config) (*VM, error) {
	vm := &VM{}
	if err := vm.Init(h, cfg); err != nil {
		return nil, err
	}
	return vm, nil
}

// NewHeap creates a heap carrying this VM's instruction space.
func NewHeap(threshold int64) *heap.Heap {
	return heap.New(heap.Options{Threshold: threshold, Inherent: InstructionNames()})
}

// Init prepares the instance: stack, registers, global environment, ports,
// and registration with the heap as a mutator.
func (vm *VM) Init(h *heap.Heap, cfg Config) error {
	if err := vm.configure(h, cfg); err != nil {
		return err
	}
	h.Register(vm)

	vm.acquireWorld()
	defer vm.releaseWorld()

	vm.globals = vm.alloc(&Environment{Name: "interaction", Bindings: make(map[Value]Value)})
	vm.sourceComments = vm.alloc(heap.NewWeakTable())
	vm.allocState()

	in := vm.cfg.Stdin
	if in == nil {
		in = os.Stdin
	}
	out := vm.cfg.Stdout
	if out == nil {
		out = os.Stdout
	}
	errw := vm.cfg.Stderr
	if errw == nil {
		errw = os.Stderr
	}
	vm.inPort = vm.alloc(&Port{Name: "stdin", R: bufio.NewReader(in)})
	vm.outPort = vm.alloc(&Port{Name: "stdout", W: out})
	vm.errPort = vm.alloc(&Port{Name: "stderr", W: errw})
	return nil
}

// configure validates cfg and sets up everything that does not allocate.
func (vm *VM) configure(h *heap.Heap, cfg Config) error {
	def := DefaultConfig()
	if cfg.StackSize <= 0 {
		cfg.StackSize = def.StackSize
	}
	if cfg.MaxStackSize < cfg.StackSize {
		cfg.MaxStackSize = max(def.MaxStackSize, cfg.StackSize)
	}
	if cfg.MaxRecursion <= 0 {
		cfg.MaxRecursion = def.MaxRecursion
	}
	cfg.Flags.fillDefaults()
	if err := cfg.Flags.Validate(); err != nil {
		return err
	}
	if h.InherentCount() != int(opcodeCount) {
		return systemErrorf(KindInternal, "heap instruction space has %d entries, want %d",
			h.InherentCount(), int(opcodeCount))
	}

	vm.heap = h
	vm.cfg = cfg
	vm.flags = cfg.Flags
	vm.stack = make([]Value, cfg.StackSize)
	vm.toStack = make([]Value, cfg.StackSize)
	vm.cond = sync.NewCond(&vm.mu)
	if cfg.ProfileOpcodes {
		vm.profile = &OpcodeProfile{}
	}
	vm.clearRegisters()
	vm.wind = Nil
	vm.handlers = Nil
	vm.globals = Nil
	vm.sourceComments = Nil
	vm.dynEnv = Nil
	vm.inPort, vm.outPort, vm.errPort = Nil, Nil, Nil
	vm.haltCode, vm.applyCode = Nil, Nil
	vm.result = Unspecified
	return nil
}

// allocState allocates the per-instance heap objects. The world is held.
func (vm *VM) allocState() {
	vm.dynEnv = vm.alloc(heap.NewWeakTable())
	vm.haltCode = vm.list(vm.list(vm.instruction(OpHalt)))
	vm.applyCode = vm.list(vm.list(vm.instruction(OpApply)))
}

func (vm *VM) instruction(op Opcode) Value {
	sym, ok := vm.OpcodeToInstruction(op)
	if !ok {
		panic(systemErrorf(KindInternal, "no inherent symbol for %s", op))
	}
	return sym
}

func (vm *VM) clearRegisters() {
	vm.pc = Nil
	vm.value = Unspecified
	vm.env = Nil
	vm.cont = Nil
	vm.note = Nil
	vm.trace = Nil
	vm.traceTail = Nil
	vm.traceCount = 0
	vm.fp, vm.sp = 0, 0
	clear(vm.stack)
}

// Heap returns the heap this instance allocates from.
func (vm *VM) Heap() *heap.Heap { return vm.heap }

// Flags returns a copy of the current system flags.
func (vm *VM) Flags() Flags { return vm.flags }

// SetFlag validates and stores one system flag.
func (vm *VM) SetFlag(name string, v Value) error { return vm.flags.Set(name, v) }

// ID returns the instance number; the root instance is 0.
func (vm *VM) ID() int { return vm.id }

// Parent returns the spawning instance, or nil.
func (vm *VM) Parent() *VM { return vm.parent }

// State returns the lifecycle state.
func (vm *VM) State() State { return State(vm.state.Load()) }

// Value returns the value register.
func (vm *VM) Value() Value { return vm.value }

// StackSize returns the current stack capacity in slots.
func (vm *VM) StackSize() int { return len(vm.stack) }

// StackHighWater returns the deepest stack use since the last ResetStackStats.
func (vm *VM) StackHighWater() int { return vm.stackBusy }

// ResetStackStats clears the high-water mark.
func (vm *VM) ResetStackStats() { vm.stackBusy = vm.sp }

// RecursionLevel reports the number of active nested host calls.
func (vm *VM) RecursionLevel() int { return vm.recursionLevel }

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Boot installs the primitive procedures and the system closures.
func (vm *VM) Boot() error {
	vm.acquireWorld()
	vm.installSubrs()
	vm.releaseWorld()
	vm.booted = true
	if _, err := vm.Load(bootPrelude, bootSource); err != nil {
		vm.booted = false
		return err
	}
	return nil
}

// Standalone boots and then loads the bundled library procedures.
func (vm *VM) Standalone() error {
	if err := vm.Boot(); err != nil {
		return err
	}
	_, err := vm.Load(standardLibrary, "library")
	return err
}

// Reset clears the execution registers and the dynamic state, leaving
// global bindings intact. Use it after an error surfaced to the host.
func (vm *VM) Reset() {
	if vm.worldHeld == 0 {
		vm.heap.AcquireWorld()
		defer vm.heap.ReleaseWorld()
	}
	vm.clearRegisters()
	vm.wind = Nil
	vm.handlers = Nil
	vm.aborting = nil
	vm.hosts = vm.hosts[:0]
	vm.recursionLevel = 0
	vm.exhausted = false
	vm.stopReq.Store(false)
	vm.lastErr = nil
	vm.state.Store(int32(StateIdle))
}

// Execute runs a code list as a fresh top-level activation.
func (vm *VM) Execute(code Value) (Value, error) {
	if vm.worldHeld > 0 {
		return Nil, ErrReentrant
	}
	vm.acquireWorld()
	vm.pc = code
	vm.releaseWorld()
	return vm.Run(true)
}

// Run enters the dispatch loop. With init the loop starts a new top-level
// activation at the pc register; otherwise it resumes a stopped run.
func (vm *VM) Run(init bool) (Value, error) {
	if vm.worldHeld > 0 {
		return Nil, ErrReentrant
	}
	vm.acquireWorld()
	defer vm.releaseWorld()

	if init {
		vm.fp, vm.sp = 0, 0
		vm.value = Unspecified
		vm.env = Nil
		vm.cont = Nil
		vm.note = Nil
		// Top-level runs share serial 0, so a continuation captured by an
		// earlier form can be re-entered from a later one.
		vm.hosts = append(vm.hosts[:0], hostFrame{
			serial:   0,
			cont:     Nil,
			pc:       Nil,
			value:    Unspecified,
			wind:     vm.wind,
			handlers: vm.handlers,
		})
	} else if len(vm.hosts) == 0 {
		return Nil, ErrTerminated
	}

	vm.setState(StateRunning)
	result, err := vm.loop(init, !init)
	switch {
	case err == ErrStopped:
		vm.setState(StateStopped)
		return Nil, err
	case err != nil:
		vm.handlers = vm.hosts[0].handlers
		vm.hosts = vm.hosts[:0]
		vm.value = Nil
		vm.lastErr = err
		vm.setState(StateIdle)
		return Nil, err
	}
	vm.hosts = vm.hosts[:0]
	vm.value = result
	vm.lastErr = nil
	vm.setState(StateIdle)
	return result, nil
}

// Stop asks the instance to park at its next instruction boundary. An idle
// instance outside a load ignores the request.
func (vm *VM) Stop() {
	vm.mu.Lock()
	if State(vm.state.Load()) == StateRunning || vm.loading > 0 {
		vm.stopReq.Store(true)
	}
	vm.mu.Unlock()
}

// beginLoad marks a multi-form load so a stop between forms still lands.
func (vm *VM) beginLoad() {
	vm.mu.Lock()
	vm.loading++
	vm.mu.Unlock()
}

// endLoad closes a load; a stop nobody consumed is dropped with it.
func (vm *VM) endLoad() {
	vm.mu.Lock()
	vm.loading--
	if vm.loading == 0 && State(vm.state.Load()) != StateRunning {
		vm.stopReq.Store(false)
	}
	vm.mu.Unlock()
}

// Resolve blocks until the instance is no longer running and reports how
// it ended: the result, ErrStopped for a parked instance, or the error
// that terminated it. An idle instance reports its last top-level run.
func (vm *VM) Resolve() (Value, error) {
	vm.mu.Lock()
	for State(vm.state.Load()) == StateRunning {
		vm.cond.Wait()
	}
	st := State(vm.state.Load())
	vm.mu.Unlock()

	switch st {
	case StateStopped:
		return Nil, ErrStopped
	case StateTerminated:
		return vm.result, vm.resultErr
	}
	return vm.value, vm.lastErr
}

func (vm *VM) setState(s State) {
	vm.mu.Lock()
	vm.state.Store(int32(s))
	vm.cond.Broadcast()
	vm.mu.Unlock()
}

func (vm *VM) nextSerial() uint64 {
	vm.serial++
	return vm.serial
}

// ---------------------------------------------------------------------------
// World lock
// ---------------------------------------------------------------------------

// acquireWorld is re-entrant per instance: nested host calls must not take
// a second read lock while a collector may be waiting.
func (vm *VM) acquireWorld() {
	if vm.worldHeld == 0 {
		vm.heap.AcquireWorld()
	}
	vm.worldHeld++
}

func (vm *VM) releaseWorld() {
	vm.worldHeld--
	if vm.worldHeld == 0 {
		vm.heap.ReleaseWorld()
	}
}

// blocking runs fn with the world released so collections can proceed while
// this instance waits. The value stack may be compacted meanwhile, so
// primitives must not touch their args slice afterwards.
func (vm *VM) blocking(fn func()) {
	held := vm.worldHeld > 0
	if held {
		vm.heap.ReleaseWorld()
	}
	defer func() {
		if held {
			vm.heap.AcquireWorld()
		}
	}()
	fn()
}

// park releases the world, services a pending collection, and reacquires.
func (vm *VM) park() {
	vm.blocking(vm.heap.MaybeCollect)
}

// Collect runs a full collection, parking this instance if it is running.
func (vm *VM) Collect() {
	vm.blocking(vm.heap.Collect)
}

// Protect pins a host-held value as a root until Unprotect.
func (vm *VM) Protect(v *Value) { vm.heap.Protect(v) }

// Unprotect releases a cell pinned with Protect.
func (vm *VM) Unprotect(v *Value) { vm.heap.Unprotect(v) }
