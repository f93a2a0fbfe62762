package vm

import (
	"bufio"
	"io"
	"strings"

	"github.com/chazu/kestrel/vm/heap"
)

// ---------------------------------------------------------------------------
// Port Primitives
// ---------------------------------------------------------------------------

type flusher interface {
	Flush() error
}

func (vm *VM) writePort(p *Port, s string) error {
	if p.W == nil {
		return vm.schemeError("write", "port is not an output port", vm.MakeString(p.Name))
	}
	if _, err := io.WriteString(p.W, s); err != nil {
		return vm.conditionError("i/o", "write", err.Error())
	}
	return nil
}

// portArg returns the port at args[i], or the register fallback when the
// argument is absent.
func (vm *VM) portArg(who string, args []Value, i int, fallback Value) (*Port, error) {
	v := fallback
	if i < len(args) {
		v = args[i]
	}
	p, ok := heap.As[*Port](vm.heap, v)
	if !ok {
		return nil, vm.wrongType(who, i+1, "port", v)
	}
	return p, nil
}

// SetPorts replaces the current ports. Nil arguments leave a port unchanged.
func (vm *VM) SetPorts(in io.Reader, out, errw io.Writer) {
	vm.acquireWorld()
	defer vm.releaseWorld()
	if in != nil {
		vm.inPort = vm.alloc(&Port{Name: "input", R: bufio.NewReader(in)})
	}
	if out != nil {
		vm.outPort = vm.alloc(&Port{Name: "output", W: out})
	}
	if errw != nil {
		vm.errPort = vm.alloc(&Port{Name: "error", W: errw})
	}
}

func (vm *VM) registerPortPrimitives() {
	output := func(name string, render func(vm *VM, v Value) string) {
		vm.defineSubr(name, 1, 2, func(vm *VM, args []Value) (Value, error) {
			p, err := vm.portArg(name, args, 1, vm.outPort)
			if err != nil {
				return Nil, err
			}
			return Unspecified, vm.writePort(p, render(vm, args[0]))
		})
	}
	output("display", func(vm *VM, v Value) string { return vm.DisplayString(v) })
	output("write", func(vm *VM, v Value) string { return vm.WriteString(v) })

	vm.defineSubr("write-char", 1, 2, func(vm *VM, args []Value) (Value, error) {
		r, err := vm.charArg("write-char", args, 0)
		if err != nil {
			return Nil, err
		}
		p, err := vm.portArg("write-char", args, 1, vm.outPort)
		if err != nil {
			return Nil, err
		}
		return Unspecified, vm.writePort(p, string(r))
	})

	vm.defineSubr("write-string", 1, 2, func(vm *VM, args []Value) (Value, error) {
		s, err := vm.stringArg("write-string", args, 0)
		if err != nil {
			return Nil, err
		}
		p, err := vm.portArg("write-string", args, 1, vm.outPort)
		if err != nil {
			return Nil, err
		}
		return Unspecified, vm.writePort(p, string(s.Data))
	})

	vm.defineSubr("newline", 0, 1, func(vm *VM, args []Value) (Value, error) {
		p, err := vm.portArg("newline", args, 0, vm.outPort)
		if err != nil {
			return Nil, err
		}
		return Unspecified, vm.writePort(p, "\n")
	})

	vm.defineSubr("flush-output-port", 0, 1, func(vm *VM, args []Value) (Value, error) {
		p, err := vm.portArg("flush-output-port", args, 0, vm.outPort)
		if err != nil {
			return Nil, err
		}
		if f, ok := p.W.(flusher); ok {
			if err := f.Flush(); err != nil {
				return Nil, vm.conditionError("i/o", "flush-output-port", err.Error())
			}
		}
		return Unspecified, nil
	})

	input := func(name string, read func(p *Port) (rune, error)) {
		vm.defineSubr(name, 0, 1, func(vm *VM, args []Value) (Value, error) {
			p, err := vm.portArg(name, args, 0, vm.inPort)
			if err != nil {
				return Nil, err
			}
			if p.R == nil {
				return Nil, vm.schemeError(name, "port is not an input port", args...)
			}
			var r rune
			var rerr error
			vm.blocking(func() { r, rerr = read(p) })
			if rerr == io.EOF {
				return EOF, nil
			}
			if rerr != nil {
				return Nil, vm.conditionError("i/o", name, rerr.Error())
			}
			return heap.Char(r), nil
		})
	}
	input("read-char", func(p *Port) (rune, error) {
		r, _, err := p.R.ReadRune()
		return r, err
	})
	input("peek-char", func(p *Port) (rune, error) {
		r, _, err := p.R.ReadRune()
		if err == nil {
			err = p.R.UnreadRune()
		}
		return r, err
	})

	vm.defineSubr("read-line", 0, 1, func(vm *VM, args []Value) (Value, error) {
		p, err := vm.portArg("read-line", args, 0, vm.inPort)
		if err != nil {
			return Nil, err
		}
		if p.R == nil {
			return Nil, vm.schemeError("read-line", "port is not an input port")
		}
		var line string
		var rerr error
		vm.blocking(func() { line, rerr = p.R.ReadString('\n') })
		if rerr == io.EOF && line == "" {
			return EOF, nil
		}
		if rerr != nil && rerr != io.EOF {
			return Nil, vm.conditionError("i/o", "read-line", rerr.Error())
		}
		return vm.MakeString(strings.TrimSuffix(line, "\n")), nil
	})

	vm.defineSubr("current-input-port", 0, 0, func(vm *VM, args []Value) (Value, error) {
		return vm.inPort, nil
	})
	vm.defineSubr("current-output-port", 0, 0, func(vm *VM, args []Value) (Value, error) {
		return vm.outPort, nil
	})
	vm.defineSubr("current-error-port", 0, 0, func(vm *VM, args []Value) (Value, error) {
		return vm.errPort, nil
	})

	vm.defineSubr("open-output-string", 0, 0, func(vm *VM, args []Value) (Value, error) {
		return vm.alloc(&Port{Name: "string", W: &strings.Builder{}}), nil
	})

	vm.defineSubr("get-output-string", 1, 1, func(vm *VM, args []Value) (Value, error) {
		p, err := vm.portArg("get-output-string", args, 0, Nil)
		if err != nil {
			return Nil, err
		}
		b, ok := p.W.(*strings.Builder)
		if !ok {
			return Nil, vm.wrongType("get-output-string", 1, "string output port", args[0])
		}
		return vm.MakeString(b.String()), nil
	})

	vm.defineSubr("open-input-string", 1, 1, func(vm *VM, args []Value) (Value, error) {
		s, err := vm.stringArg("open-input-string", args, 0)
		if err != nil {
			return Nil, err
		}
		return vm.alloc(&Port{Name: "string", R: bufio.NewReader(strings.NewReader(string(s.Data)))}), nil
	})
}
