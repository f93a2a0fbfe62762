package vm

import (
	"errors"
	"testing"
)

// ---------------------------------------------------------------------------
// Tail calls
// ---------------------------------------------------------------------------

const countLoop = `
((closure (2 #f count)
   (push.iloc 0 0) (push.const 0) (subr = 2)
   (if.true (iloc 0 1) (ret))
   (push.iloc 0 0) (push.const 1) (push.subr - 2)
   (push.iloc 0 1) (push.const 1) (push.subr + 2)
   (apply.gref count))
 (gdef count))
`

func TestTailCallRunsInConstantStack(t *testing.T) {
	vm, _ := newTestVM(t)
	mustLoad(t, vm, countLoop)
	vm.ResetStackStats()
	v := mustLoad(t, vm, `((push.const 100000) (push.const 0) (apply.gref count))`)
	if v != Fixnum(100000) {
		t.Errorf("count = %s, want 100000", vm.WriteString(v))
	}
	if hw := vm.StackHighWater(); hw >= 64 {
		t.Errorf("StackHighWater() = %d, want < 64 for a tail loop", hw)
	}
	if vm.StackSize() != DefaultStackSize {
		t.Errorf("stack grew to %d during a tail loop", vm.StackSize())
	}
}

func TestTailCallFromNonTailContext(t *testing.T) {
	vm, _ := newTestVM(t)
	mustLoad(t, vm, countLoop)
	v := mustLoad(t, vm, `((push.const 1) (call (push.const 5000) (push.const 0) (apply.gref count)) (push) (subr + 2))`)
	if v != Fixnum(5001) {
		t.Errorf("(+ 1 (count 5000 0)) = %s, want 5001", vm.WriteString(v))
	}
}

// ---------------------------------------------------------------------------
// Deep recursion and the collector
// ---------------------------------------------------------------------------

const buildList = `
((closure (1 #f build)
   (push.iloc 0 0) (push.const 0) (subr = 2)
   (if.true (const ()) (ret))
   (push.iloc 0 0)
   (call (push.iloc 0 0) (push.const 1) (push.subr - 2) (apply.gref build))
   (push)
   (subr cons 2)
   (ret))
 (gdef build))
`

func TestDeepRecursionSurvivesCollection(t *testing.T) {
	vm, _ := newTestVMWithHeap(t, 4096)
	mustLoad(t, vm, buildList)
	mustLoad(t, vm, `((call (push.const 2000) (apply.gref build)) (gdef lst))`)

	if v := mustLoad(t, vm, `((push.gref lst) (subr length 1))`); v != Fixnum(2000) {
		t.Errorf("length = %s, want 2000", vm.WriteString(v))
	}
	if v := mustLoad(t, vm, `((push.gref lst) (subr car 1))`); v != Fixnum(2000) {
		t.Errorf("car = %s, want 2000", vm.WriteString(v))
	}
	if v := mustLoad(t, vm, `((push.gref lst) (push.const 1999) (subr list-ref 2))`); v != Fixnum(1) {
		t.Errorf("last = %s, want 1", vm.WriteString(v))
	}
	if n := vm.Heap().Stats().Collections; n == 0 {
		t.Error("expected at least one collection with a 4096-byte threshold")
	}
}

func TestClosureSurvivesExplicitCollect(t *testing.T) {
	vm, _ := newTestVM(t)
	mustLoad(t, vm, `
((closure (0 #f make-counter)
   (push.const 0) (extend 1)
   (closure (0 #f #f)
     (push.iloc 1 0) (push.const 1) (subr + 2)
     (iset 1 0)
     (iloc 1 0)
     (ret))
   (ret))
 (gdef make-counter))
((call (apply.gref make-counter)) (gdef counter))
((apply.gref counter))`)

	before := vm.Heap().Stats().Collections
	vm.Collect()
	if after := vm.Heap().Stats().Collections; after != before+1 {
		t.Errorf("Collections = %d, want %d", after, before+1)
	}
	if v := mustLoad(t, vm, `((apply.gref counter))`); v != Fixnum(2) {
		t.Errorf("counter after collect = %s, want 2", vm.WriteString(v))
	}
}

// ---------------------------------------------------------------------------
// Continuations
// ---------------------------------------------------------------------------

func TestCallCCEscape(t *testing.T) {
	vm, _ := newTestVM(t)
	// (call/cc (lambda (k) (+ 1 (k 10))))
	v := mustLoad(t, vm, `
((closure (1 #f #f)
   (push.const 1)
   (call (push.const 10) (apply.iloc 0 0))
   (push)
   (subr + 2)
   (ret))
 (push)
 (apply.gref call/cc))`)
	if v != Fixnum(10) {
		t.Errorf("escape = %s, want 10", vm.WriteString(v))
	}
}

func TestCallCCNormalReturn(t *testing.T) {
	vm, _ := newTestVM(t)
	// (+ 1 (call/cc (lambda (k) 41)))
	v := mustLoad(t, vm, `
((push.const 1)
 (call (closure (1 #f #f) (const 41) (ret)) (push) (apply.gref call/cc))
 (push)
 (subr + 2))`)
	if v != Fixnum(42) {
		t.Errorf("normal return = %s, want 42", vm.WriteString(v))
	}
}

func TestContinuationReentry(t *testing.T) {
	vm, _ := newTestVM(t)
	// (define r #f)
	// (+ 100 (call/cc (lambda (k) (set! r k) 1)))
	v := mustLoad(t, vm, `
((const #f) (gdef r))
((push.const 100)
 (call (closure (1 #f #f) (iloc 0 0) (gset r) (const 1) (ret)) (push) (apply.gref call/cc))
 (push)
 (subr + 2))`)
	if v != Fixnum(101) {
		t.Fatalf("first pass = %s, want 101", vm.WriteString(v))
	}
	// Each invocation re-enters the addition from a later top-level form.
	for _, tc := range []struct {
		arg  string
		want int64
	}{{"5", 105}, {"7", 107}} {
		v := mustLoad(t, vm, `((push.const `+tc.arg+`) (apply.gref r))`)
		if v != Fixnum(tc.want) {
			t.Errorf("(r %s) = %s, want %d", tc.arg, vm.WriteString(v), tc.want)
		}
	}
}

func TestContinuationSurvivesCollection(t *testing.T) {
	vm, _ := newTestVMWithHeap(t, 4096)
	mustLoad(t, vm, buildList)
	mustLoad(t, vm, `
((const #f) (gdef r))
((push.const 100)
 (call (closure (1 #f #f) (iloc 0 0) (gset r) (const 1) (ret)) (push) (apply.gref call/cc))
 (push)
 (subr + 2))`)
	mustLoad(t, vm, `((push.const 1000) (apply.gref build))`)
	vm.Collect()
	if v := mustLoad(t, vm, `((push.const 2) (apply.gref r))`); v != Fixnum(102) {
		t.Errorf("(r 2) after collection = %s, want 102", vm.WriteString(v))
	}
}

func TestMultipleContinuationArgumentsBecomeList(t *testing.T) {
	vm, _ := newTestVM(t)
	v := mustLoad(t, vm, `
((closure (1 #f #f)
   (push.const 1) (push.const 2) (apply.iloc 0 0))
 (push)
 (apply.gref call/cc))`)
	if got := vm.WriteString(v); got != "(1 2)" {
		t.Errorf("(k 1 2) = %s, want (1 2)", got)
	}
}

// ---------------------------------------------------------------------------
// Host calls
// ---------------------------------------------------------------------------

// defineHostCall installs (host-call thunk), which re-enters Scheme from Go.
func defineHostCall(vm *VM) {
	vm.acquireWorld()
	defer vm.releaseWorld()
	vm.defineSubr("host-call", 1, 1, func(vm *VM, args []Value) (Value, error) {
		return vm.CallScheme(args[0])
	})
}

func TestCallSchemeFromHost(t *testing.T) {
	vm, _ := newTestVM(t)
	mustLoad(t, vm, `((closure (2 #f add) (push.iloc 0 0) (push.iloc 0 1) (subr + 2) (ret)) (gdef add))`)
	add, ok := vm.LookupCurrentEnvironment("add")
	if !ok {
		t.Fatal("add is unbound")
	}
	v, err := vm.CallScheme(add, Fixnum(20), Fixnum(22))
	if err != nil {
		t.Fatalf("CallScheme: %v", err)
	}
	if v != Fixnum(42) {
		t.Errorf("CallScheme = %s, want 42", vm.WriteString(v))
	}
	if vm.RecursionLevel() != 0 {
		t.Errorf("RecursionLevel() = %d after return, want 0", vm.RecursionLevel())
	}
}

func TestNestedCallScheme(t *testing.T) {
	vm, _ := newTestVM(t)
	defineHostCall(vm)
	// (+ 1 (host-call (lambda () 41)))
	v := mustLoad(t, vm, `
((push.const 1)
 (call (closure (0 #f #f) (const 41) (ret)) (push) (apply.gref host-call))
 (push)
 (subr + 2))`)
	if v != Fixnum(42) {
		t.Errorf("nested = %s, want 42", vm.WriteString(v))
	}
}

func TestEscapeThroughNestedCall(t *testing.T) {
	vm, _ := newTestVM(t)
	defineHostCall(vm)
	// (call/cc (lambda (k) (+ 1 (host-call (lambda () (k 42))))))
	v := mustLoad(t, vm, `
((closure (1 #f #f)
   (push.const 1)
   (call (closure (0 #f #f) (push.const 42) (apply.iloc 1 0))
         (push)
         (apply.gref host-call))
   (push)
   (subr + 2)
   (ret))
 (push)
 (apply.gref call/cc))`)
	if v != Fixnum(42) {
		t.Errorf("escape = %s, want 42", vm.WriteString(v))
	}
	if vm.RecursionLevel() != 0 {
		t.Errorf("RecursionLevel() = %d after escape, want 0", vm.RecursionLevel())
	}
}

func TestHostRecursionLimit(t *testing.T) {
	var out = new(discard)
	vm, err := New(NewHeap(0), Config{MaxRecursion: 8, Stdout: out, Stderr: out})
	if err != nil {
		t.Fatal(err)
	}
	if err := vm.Standalone(); err != nil {
		t.Fatal(err)
	}
	defineHostCall(vm)
	mustLoad(t, vm, `((closure (0 #f again) (push.gref again) (apply.gref host-call)) (gdef again))`)
	_, err = vm.Load(`((apply.gref again))`, "test")
	if !errors.Is(err, ErrStackOverflow) {
		t.Errorf("err = %v, want stack overflow", err)
	}
}

func TestApplySchemeVariants(t *testing.T) {
	vm, _ := newTestVM(t)
	mustLoad(t, vm, `((const 0) (gdef applied))`)
	mustLoad(t, vm, `((closure (2 #f store) (push.iloc 0 0) (push.iloc 0 1) (subr + 2) (gset applied) (ret)) (gdef store))`)
	store := global(t, vm, "store")

	if err := vm.ApplyScheme(store, Fixnum(1), Fixnum(2)); err != nil {
		t.Fatalf("ApplyScheme: %v", err)
	}
	if v := global(t, vm, "applied"); v != Fixnum(3) {
		t.Errorf("after ApplyScheme applied = %s, want 3", vm.WriteString(v))
	}

	if err := vm.ApplySchemeArgv(store, []Value{Fixnum(30), Fixnum(12)}); err != nil {
		t.Fatalf("ApplySchemeArgv: %v", err)
	}
	if v := global(t, vm, "applied"); v != Fixnum(42) {
		t.Errorf("after ApplySchemeArgv applied = %s, want 42", vm.WriteString(v))
	}

	if err := vm.ApplySchemeArgv(store, []Value{Fixnum(1)}); err == nil {
		t.Error("ApplySchemeArgv with one argument succeeded")
	}
	if vm.RecursionLevel() != 0 {
		t.Errorf("RecursionLevel() = %d, want 0", vm.RecursionLevel())
	}
}

func TestCallSchemeArgv(t *testing.T) {
	vm, _ := newTestVM(t)
	v, err := vm.CallSchemeArgv(global(t, vm, "list"), []Value{Fixnum(1), Fixnum(2), Fixnum(3)})
	if err != nil {
		t.Fatalf("CallSchemeArgv: %v", err)
	}
	if got := vm.WriteString(v); got != "(1 2 3)" {
		t.Errorf("CallSchemeArgv = %s, want (1 2 3)", got)
	}
}

func TestCallSchemeRaiseRestoresRecursionLevel(t *testing.T) {
	vm, _ := newTestVM(t)
	mustLoad(t, vm, `((closure (0 #f fail) (push.const "host failure") (apply.gref error)) (gdef fail))`)

	_, err := vm.CallScheme(global(t, vm, "fail"))
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("err = %v, want *Error", err)
	}
	if e.Message != "host failure" {
		t.Errorf("Message = %q, want host failure", e.Message)
	}
	if vm.RecursionLevel() != 0 {
		t.Errorf("RecursionLevel() = %d after raise, want 0", vm.RecursionLevel())
	}

	// The instance stays usable.
	if v := mustLoad(t, vm, `((push.const 40) (push.const 2) (subr + 2))`); v != Fixnum(42) {
		t.Errorf("after raise = %s, want 42", vm.WriteString(v))
	}
}

type discard struct{}

func (*discard) Write(p []byte) (int, error) { return len(p), nil }
