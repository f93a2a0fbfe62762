package vm

import (
	"github.com/chazu/kestrel/vm/heap"
)

// ---------------------------------------------------------------------------
// Stack layout
// ---------------------------------------------------------------------------
//
// One []Value holds pending arguments, environment frames and continuation
// frames. Frames are addressed by the offset of their header, wrapped in a
// private "stack link" immediate, so growing the stack moves nothing that
// links point at: offsets stay valid across reallocation.
//
//	env frame:   [var0 .. varN-1][envHeader(N)][up]
//	cont frame:  [arg0 .. argN-1][contHeader(N)][pc][note][env][up]
//
// Promotion copies a frame to the heap and overwrites its header with a
// forwarding marker followed by the heap reference. Heap frames never link
// back into the stack.

const (
	privStackLink uint8 = iota
	privEnvHeader
	privContHeader
	privForward
)

const (
	envHeaderSize  = 2
	contHeaderSize = 5

	contPC   = 1
	contNote = 2
	contEnv  = 3
	contUp   = 4
)

var forwardMarker = heap.Private(privForward, 0)

func stackLink(offset int) Value { return heap.Private(privStackLink, uint64(offset)) }

func linkOffset(v Value) (int, bool) {
	if v.IsPrivate() && v.PrivateKind() == privStackLink {
		return int(v.PrivatePayload()), true
	}
	return 0, false
}

func headerCount(v Value) int { return int(v.PrivatePayload()) }

// follow resolves a link whose frame has been promoted.
func (vm *VM) follow(link Value) Value {
	if h, ok := linkOffset(link); ok && vm.stack[h] == forwardMarker {
		return vm.stack[h+1]
	}
	return link
}

// ---------------------------------------------------------------------------
// Push / pop
// ---------------------------------------------------------------------------

func (vm *VM) push(v Value) {
	if vm.sp >= len(vm.stack) {
		vm.collectStack(1)
	}
	vm.stack[vm.sp] = v
	vm.sp++
	if vm.sp > vm.stackBusy {
		vm.stackBusy = vm.sp
	}
}

func (vm *VM) pop() Value {
	vm.sp--
	return vm.stack[vm.sp]
}

// contTop is the lowest offset the current activation may reuse: just above
// the innermost stack-resident continuation frame.
func (vm *VM) contTop() int {
	if h, ok := linkOffset(vm.cont); ok && vm.stack[h] != forwardMarker {
		return h + contHeaderSize
	}
	return 0
}

// ---------------------------------------------------------------------------
// Environment frames
// ---------------------------------------------------------------------------

// pushEnvFrame turns the top count values into a frame linked to up.
func (vm *VM) pushEnvFrame(count int, up Value) {
	vm.collectStack(envHeaderSize)
	h := vm.sp
	vm.stack[h] = heap.Private(privEnvHeader, uint64(count))
	vm.stack[h+1] = up
	vm.env = stackLink(h)
	vm.sp = h + envHeaderSize
	vm.fp = vm.sp
	if vm.sp > vm.stackBusy {
		vm.stackBusy = vm.sp
	}
}

// envFrame returns the variables and parent link of the frame at link.
// The vars slice aliases storage and may be written.
func (vm *VM) envFrame(link Value) ([]Value, Value) {
	link = vm.follow(link)
	if h, ok := linkOffset(link); ok {
		n := headerCount(vm.stack[h])
		return vm.stack[h-n : h], vm.stack[h+1]
	}
	f, ok := heap.As[*EnvFrame](vm.heap, link)
	if !ok {
		panic(systemErrorf(KindInternal, "environment chain broken at %v", link))
	}
	return f.Vars, f.Up
}

// lookupIloc resolves a lexical address to its storage cell.
func (vm *VM) lookupIloc(depth, index int) *Value {
	link := vm.env
	for ; depth > 0; depth-- {
		if link == Nil {
			panic(systemErrorf(KindInternal, "lexical depth out of range"))
		}
		_, link = vm.envFrame(link)
	}
	if link == Nil {
		panic(systemErrorf(KindInternal, "lexical depth out of range"))
	}
	vars, _ := vm.envFrame(link)
	if index < 0 || index >= len(vars) {
		panic(systemErrorf(KindInternal, "lexical index %d out of range (frame has %d)", index, len(vars)))
	}
	return &vars[index]
}

// saveEnv promotes the frame at link and everything it reaches.
func (vm *VM) saveEnv(link Value) Value {
	h, ok := linkOffset(link)
	if !ok {
		return link
	}
	if vm.stack[h] == forwardMarker {
		return vm.stack[h+1]
	}
	n := headerCount(vm.stack[h])
	vars := make([]Value, n)
	copy(vars, vm.stack[h-n:h])
	up := vm.saveEnv(vm.stack[h+1])
	ref := vm.alloc(&EnvFrame{Vars: vars, Up: up})
	vm.stack[h] = forwardMarker
	vm.stack[h+1] = ref
	return ref
}

// ---------------------------------------------------------------------------
// Continuation frames
// ---------------------------------------------------------------------------

// updateCont pushes a continuation frame resuming at pc. The pending
// arguments [fp, sp) become the frame's saved arguments. Existing frames are
// never modified, so captured continuations sharing them stay valid.
func (vm *VM) updateCont(pc Value) {
	vm.collectStack(contHeaderSize)
	argc := vm.sp - vm.fp
	h := vm.sp
	vm.stack[h] = heap.Private(privContHeader, uint64(argc))
	vm.stack[h+contPC] = pc
	vm.stack[h+contNote] = vm.note
	vm.stack[h+contEnv] = vm.env
	vm.stack[h+contUp] = vm.cont
	vm.cont = stackLink(h)
	vm.sp = h + contHeaderSize
	vm.fp = vm.sp
	if vm.sp > vm.stackBusy {
		vm.stackBusy = vm.sp
	}
}

// popCont restores the innermost continuation frame. It reports true when
// there is none left, which ends the run.
func (vm *VM) popCont() bool {
	if vm.cont == Nil {
		return true
	}
	link := vm.follow(vm.cont)
	if h, ok := linkOffset(link); ok {
		argc := headerCount(vm.stack[h])
		vm.pc = vm.stack[h+contPC]
		vm.note = vm.stack[h+contNote]
		vm.env = vm.follow(vm.stack[h+contEnv])
		vm.cont = vm.stack[h+contUp]
		vm.fp = h - argc
		vm.sp = h
		return false
	}
	f, ok := heap.As[*ContFrame](vm.heap, link)
	if !ok {
		panic(systemErrorf(KindInternal, "continuation chain broken at %v", link))
	}
	// Every live frame is on the heap, so the stack is free from the base.
	n := len(f.Args)
	if n > len(vm.stack) {
		vm.growStack(n)
	}
	copy(vm.stack, f.Args)
	vm.fp = 0
	vm.sp = n
	vm.pc = f.PC
	vm.note = f.Trace
	vm.env = f.Env
	vm.cont = f.Up
	if vm.sp > vm.stackBusy {
		vm.stackBusy = vm.sp
	}
	return false
}

// saveCont promotes the continuation chain at link and returns the heap
// reference of its innermost frame. Promotion is iterative: chains are as
// deep as the non-tail recursion that built them.
func (vm *VM) saveCont(link Value) Value {
	var frames []int
	for {
		h, ok := linkOffset(link)
		if !ok {
			break
		}
		if vm.stack[h] == forwardMarker {
			link = vm.stack[h+1]
			break
		}
		frames = append(frames, h)
		link = vm.stack[h+contUp]
	}
	up := link
	for i := len(frames) - 1; i >= 0; i-- {
		h := frames[i]
		argc := headerCount(vm.stack[h])
		args := make([]Value, argc)
		copy(args, vm.stack[h-argc:h])
		env := vm.saveEnv(vm.stack[h+contEnv])
		ref := vm.alloc(&ContFrame{
			Args:  args,
			PC:    vm.stack[h+contPC],
			Trace: vm.stack[h+contNote],
			Env:   env,
			Up:    up,
		})
		vm.stack[h] = forwardMarker
		vm.stack[h+1] = ref
		up = ref
	}
	return up
}

// saveContinuation promotes the whole live chain, including the frames
// nested host calls will return through.
func (vm *VM) saveContinuation() {
	vm.cont = vm.saveCont(vm.cont)
	for i := range vm.hosts {
		vm.hosts[i].cont = vm.saveCont(vm.hosts[i].cont)
	}
}

// ---------------------------------------------------------------------------
// Growth and compaction
// ---------------------------------------------------------------------------

// CollectStack guarantees acquire free slots above sp.
func (vm *VM) CollectStack(acquire int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if se, ok := r.(*SystemError); ok {
				err = se
				return
			}
			panic(r)
		}
	}()
	vm.acquireWorld()
	defer vm.releaseWorld()
	vm.collectStack(acquire)
	return nil
}

// collectStack makes room for acquire more slots. It first promotes every
// frame and compacts the pending arguments to the base; only if that is not
// enough does the stack grow. Growth past the maximum is a system error.
func (vm *VM) collectStack(acquire int) {
	if vm.sp+acquire <= len(vm.stack) {
		return
	}
	if vm.flags.CollectStackNotify.IsTrue() {
		log.Infof("collect-stack: sp=%d fp=%d acquire=%d size=%d", vm.sp, vm.fp, acquire, len(vm.stack))
	}
	vm.saveState()
	if vm.sp+acquire <= len(vm.stack) {
		return
	}
	vm.growStack(vm.sp + acquire)
}

func (vm *VM) growStack(need int) {
	size := len(vm.stack)
	for size < need {
		size *= 2
	}
	if size > vm.cfg.MaxStackSize {
		if need > vm.cfg.MaxStackSize {
			panic(systemErrorf(KindStackOverflow, "value stack would exceed %d slots", vm.cfg.MaxStackSize))
		}
		size = vm.cfg.MaxStackSize
	}
	if vm.heapLimit > 0 {
		vm.charge(int64(8 * (size - len(vm.stack)) * 2))
	}
	if vm.flags.CollectStackNotify.IsTrue() {
		log.Infof("collect-stack: growing %d -> %d slots", len(vm.stack), size)
	}
	grown := make([]Value, size)
	copy(grown, vm.stack[:vm.sp])
	vm.stack = grown
	vm.toStack = make([]Value, size)
}

// saveState promotes all frames to the heap and compacts the pending
// arguments of the current activation down to the stack base.
func (vm *VM) saveState() {
	vm.saveContinuation()
	vm.env = vm.saveEnv(vm.env)
	vm.saveStack()
}

func (vm *VM) saveStack() {
	n := vm.sp - vm.fp
	if vm.fp > 0 {
		copy(vm.toStack[:n], vm.stack[vm.fp:vm.sp])
		copy(vm.stack[:n], vm.toStack[:n])
		clear(vm.toStack[:n])
	}
	clear(vm.stack[n:])
	vm.fp = 0
	vm.sp = n
}
