package vm

import (
	"fmt"

	"github.com/chazu/kestrel/vm/heap"
)

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// bootSource names the prelude; its closures carry no source comments, so
// system procedures stay out of backtraces.
const bootSource = "boot"

// Load reads, checks and prebinds every form in src, then executes them in
// order. It returns the value of the last form.
func (vm *VM) Load(src, name string) (Value, error) {
	if vm.worldHeld > 0 {
		return Nil, ErrReentrant
	}
	vm.acquireWorld()
	forms, err := vm.assemble(src, name)
	vm.Protect(&forms)
	vm.releaseWorld()
	defer vm.Unprotect(&forms)
	if err != nil {
		return Nil, err
	}
	result, err := vm.runForms(&forms)
	if err != nil {
		return Nil, fmt.Errorf("%s: %w", name, err)
	}
	return result, nil
}

// RunForms executes a list of prepared code lists in order and returns the
// value of the last one.
func (vm *VM) RunForms(forms Value) (Value, error) {
	if vm.worldHeld > 0 {
		return Nil, ErrReentrant
	}
	// Pinned under the world so no collection slips in between.
	vm.acquireWorld()
	vm.Protect(&forms)
	vm.releaseWorld()
	defer vm.Unprotect(&forms)

	return vm.runForms(&forms)
}

// runForms runs the forms in a protected cell, advancing the cell as it
// goes. The collector rewrites the cell while the world is released.
func (vm *VM) runForms(cell *Value) (Value, error) {
	vm.beginLoad()
	defer vm.endLoad()
	result := Unspecified
	for {
		vm.acquireWorld()
		if *cell == Nil {
			vm.releaseWorld()
			return result, nil
		}
		p, ok := vm.pair(*cell)
		if !ok {
			vm.releaseWorld()
			return Nil, systemErrorf(KindInternal, "form list is improper")
		}
		vm.pc = p.Car
		*cell = p.Cdr
		vm.releaseWorld()

		var err error
		if result, err = vm.Run(true); err != nil {
			return Nil, err
		}
	}
}

// Assemble reads, checks and prebinds src without running it. The result is
// a list of code lists.
func (vm *VM) Assemble(src, name string) (Value, error) {
	vm.acquireWorld()
	defer vm.releaseWorld()
	return vm.assemble(src, name)
}

func (vm *VM) assemble(src, name string) (forms Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			forms, err = Nil, vm.recoverPanic(r)
		}
	}()
	rd := newReader(vm, src, name)
	data, err := rd.readAll()
	if err != nil {
		return Nil, err
	}
	a := &assembler{vm: vm, name: name, positions: rd.positions, comments: name != bootSource}
	for i, form := range data {
		code, err := a.topLevel(form)
		if err != nil {
			return Nil, err
		}
		data[i] = code
	}
	return vm.list(data...), nil
}

// Prebind checks and prebinds a list of forms built outside the reader,
// such as one decoded from an image.
func (vm *VM) Prebind(forms Value, name string) (Value, error) {
	vm.acquireWorld()
	defer vm.releaseWorld()
	return vm.prebind(forms, name)
}

func (vm *VM) prebind(forms Value, name string) (result Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = Nil, vm.recoverPanic(r)
		}
	}()
	data, ok := vm.listToSlice(forms)
	if !ok {
		return Nil, &ReadError{Source: name, Message: "form list is improper"}
	}
	a := &assembler{vm: vm, name: name, positions: map[Value]Position{}}
	for i, form := range data {
		if data[i], err = a.topLevel(form); err != nil {
			return Nil, err
		}
	}
	return vm.list(data...), nil
}

// ---------------------------------------------------------------------------
// Assembler
// ---------------------------------------------------------------------------

type assembler struct {
	vm        *VM
	name      string
	positions map[Value]Position
	comments  bool
	seen      map[Value]bool
}

// operandShape is the operand count an instruction takes; variadic marks
// instructions whose operands are a code list.
const variadic = -1

var operandShape = [opcodeCount]int{
	OpNop:           0,
	OpHalt:          0,
	OpConst:         1,
	OpPushConst:     1,
	OpPush:          0,
	OpIloc:          2,
	OpPushIloc:      2,
	OpIset:          2,
	OpGref:          1,
	OpPushGref:      1,
	OpGset:          1,
	OpGdef:          1,
	OpIfTrue:        variadic,
	OpIfFalse:       variadic,
	OpIfNull:        variadic,
	OpCall:          variadic,
	OpApply:         0,
	OpApplyGref:     1,
	OpApplyIloc:     2,
	OpRet:           0,
	OpExtend:        1,
	OpExtendUnbound: 1,
	OpClosure:       variadic,
	OpSubr:          2,
	OpPushSubr:      2,
}

func terminates(op Opcode) bool {
	switch op {
	case OpRet, OpHalt, OpApply, OpApplyGref, OpApplyIloc:
		return true
	}
	return false
}

func (a *assembler) errorf(at Value, format string, args ...any) *ReadError {
	pos := a.positions[at]
	return &ReadError{Source: a.name, Position: pos, Message: fmt.Sprintf(format, args...)}
}

// topLevel prepares one form. A form that does not end in a terminating
// instruction gets (halt) appended.
func (a *assembler) topLevel(form Value) (Value, error) {
	elts, ok := a.vm.listToSlice(form)
	if !ok || len(elts) == 0 {
		return Nil, a.errorf(form, "top-level form must be a non-empty instruction list")
	}
	last, _ := a.vm.pair(elts[len(elts)-1])
	if last == nil {
		return Nil, a.errorf(form, "malformed instruction %s", a.vm.WriteString(elts[len(elts)-1]))
	}
	if op, ok := a.vm.InstructionToOpcode(last.Car); !ok || !terminates(op) {
		form = a.vm.list(append(elts, a.vm.list(a.vm.instruction(OpHalt)))...)
	}
	if err := a.code(form, false); err != nil {
		return Nil, err
	}
	return form, nil
}

// code checks and prebinds an instruction list. Branch and closure bodies
// must end in a terminating instruction.
func (a *assembler) code(code Value, body bool) error {
	elts, ok := a.vm.listToSlice(code)
	if !ok || len(elts) == 0 {
		return a.errorf(code, "empty or improper code list")
	}
	for i, ins := range elts {
		op, err := a.instruction(ins)
		if err != nil {
			return err
		}
		if body && i == len(elts)-1 && !terminates(op) {
			return a.errorf(ins, "code body must end in ret, apply or halt, not %s", op)
		}
		if op == OpClosure && a.comments {
			var next Value = Nil
			if i+1 < len(elts) {
				next = elts[i+1]
			}
			a.comment(ins, next)
		}
	}
	return nil
}

func (a *assembler) instruction(ins Value) (Opcode, error) {
	vm := a.vm
	p, ok := vm.pair(ins)
	if !ok {
		return 0, a.errorf(ins, "malformed instruction %s", vm.WriteString(ins))
	}
	op, ok := vm.InstructionToOpcode(p.Car)
	if !ok {
		return 0, a.errorf(ins, "unknown instruction %s", vm.WriteString(p.Car))
	}
	operands, ok := vm.listToSlice(p.Cdr)
	if !ok {
		return 0, a.errorf(ins, "%s: improper operand list", op)
	}
	if want := operandShape[op]; want != variadic && len(operands) != want {
		return 0, a.errorf(ins, "%s takes %d operands, got %d", op, want, len(operands))
	}

	switch op {
	case OpIloc, OpPushIloc, OpIset, OpApplyIloc:
		for _, o := range operands {
			if n, ok := vm.intArg(o); !ok || n < 0 {
				return 0, a.errorf(ins, "%s: lexical address must be non-negative fixnums", op)
			}
		}
	case OpExtend, OpExtendUnbound:
		if n, ok := vm.intArg(operands[0]); !ok || n < 0 {
			return 0, a.errorf(ins, "%s: frame size must be a non-negative fixnum", op)
		}
	case OpGref, OpPushGref, OpGset, OpGdef, OpApplyGref:
		op0, _ := vm.pair(p.Cdr)
		switch vm.object(op0.Car).(type) {
		case *Gloc:
		case *heap.Symbol:
			gv, _ := vm.glocFor(op0.Car, true)
			op0.Car = gv
		default:
			return 0, a.errorf(ins, "%s: operand must be a symbol", op)
		}
	case OpSubr, OpPushSubr:
		op0, _ := vm.pair(p.Cdr)
		if n, ok := vm.intArg(operands[1]); !ok || n < 0 {
			return 0, a.errorf(ins, "%s: argument count must be a non-negative fixnum", op)
		}
		switch vm.object(op0.Car).(type) {
		case *Subr:
		case *heap.Symbol:
			if _, g := vm.glocFor(op0.Car, false); g != nil {
				if s, ok := heap.As[*Subr](vm.heap, g.Value); ok {
					if s.kind != subrNormal {
						return 0, a.errorf(ins, "%s: %s cannot be called inline", op, s.Name)
					}
					op0.Car = g.Value
				}
			}
		default:
			return 0, a.errorf(ins, "%s: operand must name a primitive", op)
		}
	case OpConst, OpPushConst:
		if !vm.flags.MutableLiterals.IsTrue() {
			a.freeze(operands[0])
		}
	case OpIfTrue, OpIfFalse, OpIfNull, OpCall:
		if err := a.code(p.Cdr, true); err != nil {
			return 0, err
		}
	case OpClosure:
		if len(operands) < 2 {
			return 0, a.errorf(ins, "closure needs a spec and a body")
		}
		spec, ok := vm.listToSlice(operands[0])
		if !ok || len(spec) != 3 {
			return 0, a.errorf(ins, "closure spec must be (argc rest name)")
		}
		if n, ok := vm.intArg(spec[0]); !ok || n < 0 {
			return 0, a.errorf(ins, "closure argc must be a non-negative fixnum")
		}
		if err := a.code(vm.cdr(p.Cdr), true); err != nil {
			return 0, err
		}
	}
	return op, nil
}

// freeze marks a literal immutable.
func (a *assembler) freeze(v Value) {
	if a.seen == nil {
		a.seen = make(map[Value]bool)
	}
	for v.IsRef() && !a.seen[v] {
		a.seen[v] = true
		switch o := a.vm.object(v).(type) {
		case *heap.Pair:
			o.Immutable = true
			a.freeze(o.Car)
			v = o.Cdr
			continue
		case *heap.Vector:
			o.Immutable = true
			for _, e := range o.Elts {
				a.freeze(e)
			}
		case *heap.String:
			o.Immutable = true
		}
		return
	}
}

// comment registers (name source line column) for a closure body. An
// anonymous closure immediately stored by gdef takes the global's name.
func (a *assembler) comment(ins, next Value) {
	vm := a.vm
	body := vm.cdr(vm.cdr(ins))
	spec := vm.car(vm.cdr(ins))
	name := vm.car(vm.cdr(vm.cdr(spec)))
	if !vm.isSymbol(name) {
		name = vm.Intern("<anonymous>")
		if np, ok := vm.pair(next); ok {
			if op, ok := vm.InstructionToOpcode(np.Car); ok && op == OpGdef {
				switch o := vm.car(np.Cdr); vm.object(o).(type) {
				case *Gloc:
					name = heap.MustAs[*Gloc](vm.heap, o).Symbol
				case *heap.Symbol:
					name = o
				}
			}
		}
	}
	pos, ok := a.positions[ins]
	if !ok {
		return
	}
	comment := vm.list(name, vm.MakeString(a.name), Fixnum(int64(pos.Line)), Fixnum(int64(pos.Column)))
	if t, ok := heap.As[*heap.WeakTable](vm.heap, vm.sourceComments); ok {
		t.Put(body, comment)
	}
}
