package vm

import (
	"fmt"
	"io"

	"github.com/chazu/kestrel/vm/heap"
)

// ---------------------------------------------------------------------------
// Trace ring
// ---------------------------------------------------------------------------

// sourceComment returns the (name source line column) comment registered for
// a closure body.
func (vm *VM) sourceComment(code Value) (Value, bool) {
	t, ok := heap.As[*heap.WeakTable](vm.heap, vm.sourceComments)
	if !ok {
		return Nil, false
	}
	return t.Get(code)
}

// recordTrace appends a note for comment and evicts the oldest note once
// the ring holds more than depth entries.
func (vm *VM) recordTrace(comment Value, depth int) {
	elts, ok := vm.listToSlice(comment)
	if !ok || len(elts) < 4 {
		return
	}
	note := vm.alloc(&TraceNote{
		Name:   elts[0],
		Source: elts[1],
		Line:   int(elts[2].Int()),
		Column: int(elts[3].Int()),
		Next:   Nil,
	})
	if vm.traceTail != Nil {
		heap.MustAs[*TraceNote](vm.heap, vm.traceTail).Next = note
	} else {
		vm.trace = note
	}
	vm.traceTail = note
	vm.traceCount++
	for vm.traceCount > depth {
		head := heap.MustAs[*TraceNote](vm.heap, vm.trace)
		vm.trace = head.Next
		// Unlink so notes kept alive by saved frames do not pin the ring.
		head.Next = Nil
		vm.traceCount--
	}
	if vm.trace == Nil {
		vm.traceTail = Nil
	}
	vm.note = note
}

// ClearTrace empties the trace ring.
func (vm *VM) ClearTrace() {
	vm.trace, vm.traceTail, vm.traceCount = Nil, Nil, 0
}

// TraceFrames returns the ring, most recent first.
func (vm *VM) TraceFrames() []Frame {
	var frames []Frame
	for n := vm.trace; n != Nil; {
		note := heap.MustAs[*TraceNote](vm.heap, n)
		frames = append(frames, vm.noteFrame(note))
		n = note.Next
	}
	for i, j := 0, len(frames)-1; i < j; i, j = i+1, j-1 {
		frames[i], frames[j] = frames[j], frames[i]
	}
	return frames
}

func (vm *VM) noteFrame(note *TraceNote) Frame {
	f := Frame{Line: note.Line, Column: note.Column}
	if s, ok := vm.StringValue(note.Name); ok {
		f.Name = s
	}
	if s, ok := vm.StringValue(note.Source); ok {
		f.Source = s
	}
	return f
}

// ---------------------------------------------------------------------------
// Backtrace
// ---------------------------------------------------------------------------

// eachContNote visits the trace note saved in every continuation frame,
// innermost first, until fn returns false.
func (vm *VM) eachContNote(fn func(Value) bool) {
	link := vm.cont
	for link != Nil {
		link = vm.follow(link)
		if h, ok := linkOffset(link); ok {
			if !fn(vm.stack[h+contNote]) {
				return
			}
			link = vm.stack[h+contUp]
			continue
		}
		f, ok := heap.As[*ContFrame](vm.heap, link)
		if !ok {
			return
		}
		if !fn(f.Trace) {
			return
		}
		link = f.Up
	}
}

// BacktraceSeek materializes the active frames: the current activation and
// every saved continuation frame that carries a note. Frames without source
// information are skipped; the walk stops at the backtrace depth.
func (vm *VM) BacktraceSeek() []Frame {
	depth := vm.flags.backtraceDepth()
	if depth == 0 {
		return nil
	}
	var frames []Frame
	last := Nil
	add := func(n Value) bool {
		if n == Nil || n == last {
			return true
		}
		last = n
		if note, ok := heap.As[*TraceNote](vm.heap, n); ok {
			frames = append(frames, vm.noteFrame(note))
		}
		return len(frames) < depth
	}
	if add(vm.note) {
		vm.eachContNote(add)
	}
	return frames
}

// Backtrace renders the active frames to w and reports whether any were
// written.
func (vm *VM) Backtrace(w io.Writer) bool {
	return vm.writeBacktrace(w, vm.BacktraceSeek())
}

func (vm *VM) writeBacktrace(w io.Writer, frames []Frame) bool {
	if len(frames) == 0 {
		return false
	}
	width := vm.flags.intFlag(vm.flags.BacktraceLineLength, 0)
	fmt.Fprintln(w, "backtrace:")
	for i, f := range frames {
		WriteFrame(w, i, f, width)
	}
	return true
}

// WriteFrame prints one frame in backtrace format, truncating each line to
// width columns when width is positive.
func WriteFrame(w io.Writer, i int, f Frame, width int) {
	name := f.Name
	if name == "" {
		name = "<unknown>"
	}
	fmt.Fprintln(w, truncate(fmt.Sprintf("  %d  %s", i, name), width))
	if f.Source != "" {
		fmt.Fprintln(w, truncate(fmt.Sprintf("  ...%q line %d column %d", f.Source, f.Line, f.Column), width))
	} else {
		fmt.Fprintln(w, "  ...unknown location")
	}
}
