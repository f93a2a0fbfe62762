package vm

import (
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/chazu/kestrel/vm/heap"
)

// Limits used when printing without a restriction. They only stop runaway
// output on circular data.
const (
	maxPrintDepth  = 128
	maxPrintLength = 100000
)

var charNames = map[rune]string{
	' ':    "space",
	'\n':   "newline",
	'\t':   "tab",
	'\r':   "return",
	0:      "nul",
	0x7f:   "delete",
	0x1b:   "esc",
	'\a':   "alarm",
	'\b':   "backspace",
	'\f':   "page",
	'\v':   "vtab",
	0xfeff: "bom",
}

type printer struct {
	vm       *VM
	b        strings.Builder
	write    bool
	maxDepth int
	maxLen   int
}

func (p *printer) print(v Value, depth int) {
	if p.b.Len() > p.maxLen {
		return
	}
	switch {
	case v == 0:
		p.b.WriteString("#<empty>")
		return
	case v.IsFixnum():
		fmt.Fprintf(&p.b, "%d", v.Int())
		return
	case v.IsChar():
		r := v.Rune()
		if !p.write {
			p.b.WriteRune(r)
		} else if name, ok := charNames[r]; ok {
			p.b.WriteString("#\\" + name)
		} else {
			p.b.WriteString("#\\")
			p.b.WriteRune(r)
		}
		return
	case !v.IsRef():
		p.b.WriteString(v.String())
		return
	}

	switch o := p.vm.object(v).(type) {
	case *heap.Pair:
		p.printList(v, depth)
	case *heap.Vector:
		if depth >= p.maxDepth {
			p.b.WriteString("#(...)")
			return
		}
		p.b.WriteString("#(")
		for i, e := range o.Elts {
			if i > 0 {
				p.b.WriteByte(' ')
			}
			p.print(e, depth+1)
		}
		p.b.WriteByte(')')
	case *heap.Symbol:
		p.b.WriteString(o.Name)
	case *heap.String:
		if p.write {
			p.writeString(o.Data)
		} else {
			p.b.WriteString(string(o.Data))
		}
	case *heap.WeakTable:
		fmt.Fprintf(&p.b, "#<weak-hashtable %d>", o.Len())
	case *Closure:
		if o.Name != False && o.Name != 0 && o.Name != Nil {
			fmt.Fprintf(&p.b, "#<closure %s>", p.vm.symbolName(o.Name))
		} else {
			p.b.WriteString("#<closure>")
		}
	case *Subr:
		fmt.Fprintf(&p.b, "#<subr %s>", o.Name)
	case *Continuation:
		p.b.WriteString("#<continuation>")
	case *Parameter:
		p.b.WriteString("#<parameter>")
	case *Gloc:
		fmt.Fprintf(&p.b, "#<gloc %s>", p.vm.symbolName(o.Symbol))
	case *Environment:
		fmt.Fprintf(&p.b, "#<environment %s>", o.Name)
	case *EnvFrame:
		fmt.Fprintf(&p.b, "#<env-frame %d>", len(o.Vars))
	case *ContFrame:
		p.b.WriteString("#<cont-frame>")
	case *WindRecord:
		fmt.Fprintf(&p.b, "#<dynamic-wind %d>", o.Depth)
	case *Condition:
		p.printCondition(o, depth)
	case *TraceNote:
		p.b.WriteString("#<trace-note>")
	case *Port:
		fmt.Fprintf(&p.b, "#<port %s>", o.Name)
	case *SpawnHandle:
		fmt.Fprintf(&p.b, "#<instance %d>", o.Child.ID())
	default:
		fmt.Fprintf(&p.b, "#<object %T>", o)
	}
}

func (p *printer) printList(v Value, depth int) {
	if depth >= p.maxDepth {
		p.b.WriteString("(...)")
		return
	}
	pr, _ := p.vm.pair(v)
	if next, ok := p.vm.pair(pr.Cdr); ok && next.Cdr == Nil {
		switch p.vm.symbolName(pr.Car) {
		case "quote":
			p.b.WriteByte('\'')
			p.print(next.Car, depth+1)
			return
		case "quasiquote":
			p.b.WriteByte('`')
			p.print(next.Car, depth+1)
			return
		case "unquote":
			p.b.WriteByte(',')
			p.print(next.Car, depth+1)
			return
		}
	}
	p.b.WriteByte('(')
	first := true
	for {
		if !first {
			p.b.WriteByte(' ')
		}
		first = false
		p.print(pr.Car, depth+1)
		if p.b.Len() > p.maxLen {
			p.b.WriteString(" ...")
			break
		}
		if pr.Cdr == Nil {
			break
		}
		next, ok := p.vm.pair(pr.Cdr)
		if !ok {
			p.b.WriteString(" . ")
			p.print(pr.Cdr, depth+1)
			break
		}
		pr = next
	}
	p.b.WriteByte(')')
}

func (p *printer) printCondition(c *Condition, depth int) {
	fmt.Fprintf(&p.b, "#<condition %s", p.vm.symbolName(c.Kind))
	if s, ok := p.vm.StringValue(c.Who); ok {
		fmt.Fprintf(&p.b, " %s", s)
	}
	if s, ok := p.vm.StringValue(c.Message); ok {
		fmt.Fprintf(&p.b, " %q", s)
	}
	p.b.WriteByte('>')
}

func (p *printer) writeString(data []rune) {
	p.b.WriteByte('"')
	for _, r := range data {
		switch r {
		case '"':
			p.b.WriteString(`\"`)
		case '\\':
			p.b.WriteString(`\\`)
		case '\n':
			p.b.WriteString(`\n`)
		case '\t':
			p.b.WriteString(`\t`)
		case '\r':
			p.b.WriteString(`\r`)
		default:
			p.b.WriteRune(r)
		}
	}
	p.b.WriteByte('"')
}

// ---------------------------------------------------------------------------
// Entry points
// ---------------------------------------------------------------------------

// WriteString renders v the way write does.
func (vm *VM) WriteString(v Value) string {
	p := &printer{vm: vm, write: true, maxDepth: maxPrintDepth, maxLen: maxPrintLength}
	p.print(v, 0)
	return p.b.String()
}

// DisplayString renders v the way display does.
func (vm *VM) DisplayString(v Value) string {
	p := &printer{vm: vm, write: false, maxDepth: maxPrintDepth, maxLen: maxPrintLength}
	p.print(v, 0)
	return p.b.String()
}

// restrictedString renders v for diagnostics, honoring the nesting limit
// and the restricted line length flags.
func (vm *VM) restrictedString(v Value) string {
	depth := vm.flags.intFlag(vm.flags.RecordPrintNestingLimit, maxPrintDepth)
	width := vm.flags.intFlag(vm.flags.RestrictedPrintLineLength, 0)
	p := &printer{vm: vm, write: true, maxDepth: depth + 1, maxLen: maxPrintLength}
	if width > 0 {
		p.maxLen = width
	}
	p.print(v, 0)
	return truncate(p.b.String(), width)
}

// truncate shortens s to width runes, marking the cut with "...".
func truncate(s string, width int) string {
	if width <= 0 || utf8.RuneCountInString(s) <= width {
		return s
	}
	if width <= 3 {
		return string([]rune(s)[:width])
	}
	return string([]rune(s)[:width-3]) + "..."
}

// Print writes v to w.
func (vm *VM) Print(w io.Writer, v Value, write bool) error {
	var s string
	if write {
		s = vm.WriteString(v)
	} else {
		s = vm.DisplayString(v)
	}
	_, err := io.WriteString(w, s)
	return err
}
