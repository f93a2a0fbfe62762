package vm

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
)

// lockedWriter serializes writes from instances sharing a port.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// ---------------------------------------------------------------------------
// Multi-instance tests
//
// Instances spawned from one interpreter share the heap and the global
// environment but run on their own goroutines with their own stacks,
// registers and dynamic state.
// ---------------------------------------------------------------------------

func newTestInterpreter(t *testing.T, threshold int64) (*Interpreter, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	in, err := NewInterpreter(NewHeap(threshold), Config{Stdout: &lockedWriter{w: &out}, Stderr: &lockedWriter{w: &out}})
	if err != nil {
		t.Fatalf("NewInterpreter: %v", err)
	}
	t.Cleanup(func() {
		in.StopAll()
	})
	return in, &out
}

func global(t *testing.T, vm *VM, name string) Value {
	t.Helper()
	v, ok := vm.LookupCurrentEnvironment(name)
	if !ok {
		t.Fatalf("%s is unbound", name)
	}
	return v
}

func TestSpawnReturnsResult(t *testing.T) {
	in, _ := newTestInterpreter(t, 0)
	root := in.Root()
	mustLoad(t, root, countLoop)

	child, err := in.Spawn(root, global(t, root, "count"), []Value{Fixnum(10000), Fixnum(0)}, SpawnOptions{})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if child.ID() == root.ID() {
		t.Errorf("child ID = %d, same as root", child.ID())
	}
	if child.Parent() != root {
		t.Error("child.Parent() is not the root")
	}
	v, err := child.Resolve()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if v != Fixnum(10000) {
		t.Errorf("result = %s, want 10000", root.WriteString(v))
	}
	if child.State() != StateTerminated {
		t.Errorf("State() = %v, want terminated", child.State())
	}
	if err := in.Release(child); err != nil {
		t.Errorf("Release: %v", err)
	}
	if _, ok := in.Instance(child.ID()); ok {
		t.Error("released instance is still registered")
	}
}

func TestSpawnHeapLimit(t *testing.T) {
	in, _ := newTestInterpreter(t, 0)
	root := in.Root()
	mustLoad(t, root, `
((closure (1 #f grow)
   (push.iloc 0 0) (push.const 1) (push.subr cons 2)
   (apply.gref grow))
 (gdef grow))`)

	child, err := in.Spawn(root, global(t, root, "grow"), []Value{Nil}, SpawnOptions{HeapLimit: 64 << 10, Timeout: 30 * time.Second})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	_, err = child.Resolve()
	if !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("err = %v, want resource exhausted", err)
	}
	if !strings.Contains(err.Error(), "heap limit") {
		t.Errorf("err = %v, want a heap limit failure", err)
	}

	// The parent is unaffected.
	if v := mustLoad(t, root, `((push.const 1) (push.const 2) (subr + 2))`); v != Fixnum(3) {
		t.Errorf("parent after child failure = %s, want 3", root.WriteString(v))
	}
	if err := in.Release(child); err != nil {
		t.Errorf("Release: %v", err)
	}
}

func TestSpawnTimeout(t *testing.T) {
	in, _ := newTestInterpreter(t, 0)
	root := in.Root()
	mustLoad(t, root, `((closure (0 #f spin) (apply.gref spin)) (gdef spin))`)

	child, err := in.Spawn(root, global(t, root, "spin"), nil, SpawnOptions{Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	start := time.Now()
	_, err = child.Resolve()
	if !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("err = %v, want resource exhausted", err)
	}
	if d := time.Since(start); d > 10*time.Second {
		t.Errorf("timeout took %v", d)
	}
}

func TestSpawnStopAndResume(t *testing.T) {
	in, _ := newTestInterpreter(t, 0)
	root := in.Root()
	mustLoad(t, root, `((closure (0 #f spin) (apply.gref spin)) (gdef spin))`)

	child, err := in.Spawn(root, global(t, root, "spin"), nil, SpawnOptions{Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	child.Stop()
	if _, err := child.Resolve(); !errors.Is(err, ErrStopped) {
		t.Fatalf("Resolve after Stop: %v, want ErrStopped", err)
	}
	if child.State() != StateStopped {
		t.Errorf("State() = %v, want stopped", child.State())
	}
	if err := child.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	// The resumed loop keeps spinning until its deadline.
	if _, err := child.Resolve(); !errors.Is(err, ErrResourceExhausted) {
		t.Errorf("Resolve after Resume: %v, want resource exhausted", err)
	}
	if err := child.Resume(); err == nil {
		t.Error("Resume of a terminated instance succeeded")
	}
}

func TestSpawnFromScheme(t *testing.T) {
	in, _ := newTestInterpreter(t, 0)
	root := in.Root()
	v := mustLoad(t, root, `
((closure (0 #f #f) (push.const 6) (push.const 7) (subr * 2) (ret))
 (push)
 (subr spawn 1)
 (push)
 (subr spawn-resolve 1))`)
	if v != Fixnum(42) {
		t.Errorf("spawn-resolve = %s, want 42", root.WriteString(v))
	}
}

func TestSpawnFailureIsCondition(t *testing.T) {
	in, _ := newTestInterpreter(t, 0)
	root := in.Root()
	_, err := root.Load(`
((closure (0 #f #f) (push.const "child failed") (apply.gref error))
 (push)
 (subr spawn 1)
 (push)
 (subr spawn-resolve 1))`, "test")
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("err = %v, want *Error", err)
	}
	if e.Message != "child failed" {
		t.Errorf("Message = %q, want child failed", e.Message)
	}
}

func TestChildSharesGlobals(t *testing.T) {
	in, _ := newTestInterpreter(t, 0)
	root := in.Root()
	mustLoad(t, root, `((const 0) (gdef shared))`)
	mustLoad(t, root, `((closure (0 #f setter) (const 99) (gset shared) (ret)) (gdef setter))`)

	child, err := in.Spawn(root, global(t, root, "setter"), nil, SpawnOptions{})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if _, err := child.Resolve(); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if v := mustLoad(t, root, `((gref shared))`); v != Fixnum(99) {
		t.Errorf("shared = %s, want 99", root.WriteString(v))
	}
}

func TestChildrenCollectTogether(t *testing.T) {
	in, _ := newTestInterpreter(t, 4096)
	root := in.Root()
	mustLoad(t, root, buildList)
	mustLoad(t, root, `
((closure (0 #f work)
   (call (push.const 500) (apply.gref build)) (push)
   (subr length 1)
   (ret))
 (gdef work))`)

	var children []*VM
	for i := 0; i < 4; i++ {
		child, err := in.Spawn(root, global(t, root, "work"), nil, SpawnOptions{Timeout: 30 * time.Second})
		if err != nil {
			t.Fatalf("Spawn %d: %v", i, err)
		}
		children = append(children, child)
	}
	for i, child := range children {
		v, err := child.Resolve()
		if err != nil {
			t.Fatalf("child %d: %v", i, err)
		}
		if v != Fixnum(500) {
			t.Errorf("child %d = %s, want 500", i, root.WriteString(v))
		}
	}
	in.Wait()
	if in.Heap().Stats().Collections == 0 {
		t.Error("expected collections with four allocating children")
	}
}

func TestInstancesAreIsolatedInterpreters(t *testing.T) {
	vm1, _ := newTestVM(t)
	vm2, _ := newTestVM(t)
	mustLoad(t, vm1, `((const 1) (gdef x))`)
	mustLoad(t, vm2, `((const 2) (gdef x))`)
	if v := mustLoad(t, vm1, `((gref x))`); v != Fixnum(1) {
		t.Errorf("vm1 x = %s, want 1", vm1.WriteString(v))
	}
	if v := mustLoad(t, vm2, `((gref x))`); v != Fixnum(2) {
		t.Errorf("vm2 x = %s, want 2", vm2.WriteString(v))
	}
}

func TestLoadSurvivesConcurrentCollections(t *testing.T) {
	in, _ := newTestInterpreter(t, 4096)
	root := in.Root()
	mustLoad(t, root, `
((closure (1 #f churn)
   (push.const 1) (push.const 2) (subr cons 2) (push)
   (apply.gref churn))
 (gdef churn))`)

	child, err := in.Spawn(root, global(t, root, "churn"), []Value{Fixnum(0)}, SpawnOptions{Timeout: 30 * time.Second})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer child.Stop()

	src := `
((push.const 1) (push.const 2) (subr cons 2))
((push.const "garbage") (subr string-copy 1))
((push.const 40) (push.const 2) (subr + 2))`
	for i := 0; i < 200; i++ {
		v, err := root.Load(src, "churned")
		if err != nil {
			t.Fatalf("Load %d: %v", i, err)
		}
		if v != Fixnum(42) {
			t.Fatalf("Load %d = %s, want 42", i, root.WriteString(v))
		}
	}
	if in.Heap().Stats().Collections == 0 {
		t.Error("expected collections while the child allocates")
	}
}
