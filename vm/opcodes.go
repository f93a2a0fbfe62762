package vm

import (
	"fmt"

	"github.com/chazu/kestrel/vm/heap"
)

// ---------------------------------------------------------------------------
// Instruction space
// ---------------------------------------------------------------------------

// Opcode enumerates the instruction space. Each opcode is interned in the
// heap as an inherent symbol whose Code is the opcode number, so code lists
// are ordinary heap data: ((op operand ...) ...).
type Opcode int

const (
	OpNop Opcode = iota
	OpHalt
	OpConst
	OpPushConst
	OpPush
	OpIloc
	OpPushIloc
	OpIset
	OpGref
	OpPushGref
	OpGset
	OpGdef
	OpIfTrue
	OpIfFalse
	OpIfNull
	OpCall
	OpApply
	OpApplyGref
	OpApplyIloc
	OpRet
	OpExtend
	OpExtendUnbound
	OpClosure
	OpSubr
	OpPushSubr

	opcodeCount
)

var opcodeNames = [opcodeCount]string{
	OpNop:           "nop",
	OpHalt:          "halt",
	OpConst:         "const",
	OpPushConst:     "push.const",
	OpPush:          "push",
	OpIloc:          "iloc",
	OpPushIloc:      "push.iloc",
	OpIset:          "iset",
	OpGref:          "gref",
	OpPushGref:      "push.gref",
	OpGset:          "gset",
	OpGdef:          "gdef",
	OpIfTrue:        "if.true",
	OpIfFalse:       "if.false",
	OpIfNull:        "if.null",
	OpCall:          "call",
	OpApply:         "apply",
	OpApplyGref:     "apply.gref",
	OpApplyIloc:     "apply.iloc",
	OpRet:           "ret",
	OpExtend:        "extend",
	OpExtendUnbound: "extend.unbound",
	OpClosure:       "closure",
	OpSubr:          "subr",
	OpPushSubr:      "push.subr",
}

// InstructionNames returns the inherent symbol names in opcode order. A heap
// shared by VMs must be created with this list.
func InstructionNames() []string {
	return append([]string(nil), opcodeNames[:]...)
}

func (op Opcode) String() string {
	if op >= 0 && op < opcodeCount {
		return opcodeNames[op]
	}
	return fmt.Sprintf("opcode(%d)", int(op))
}

// OpcodeToInstruction returns the inherent symbol for op.
func (vm *VM) OpcodeToInstruction(op Opcode) (Value, bool) {
	return vm.heap.InherentSymbol(int(op))
}

// InstructionToOpcode decodes an instruction symbol. Anything that is not an
// inherent symbol is reported as false.
func (vm *VM) InstructionToOpcode(sym Value) (Opcode, bool) {
	s, ok := heap.As[*heap.Symbol](vm.heap, sym)
	if !ok || s.Code < 0 || s.Code >= int(opcodeCount) {
		return 0, false
	}
	return Opcode(s.Code), true
}
