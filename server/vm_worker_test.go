package server

import (
	"errors"
	"testing"

	"github.com/chazu/kestrel/vm"
)

func TestVMWorker_Do(t *testing.T) {
	result, err := testWorker.Do(bg(), func(v *vm.VM) (any, error) {
		return v.Load(`((push.const 2) (push.const 5) (subr * 2))`, "worker")
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if result.(vm.Value) != vm.Fixnum(10) {
		t.Errorf("result = %v, want 10", result)
	}
}

func TestVMWorker_RecoversPanics(t *testing.T) {
	_, err := testWorker.Do(bg(), func(v *vm.VM) (any, error) {
		panic("boom")
	})
	if err == nil {
		t.Fatal("expected an error from a panicking request")
	}

	// The worker keeps serving.
	if _, err := testWorker.Do(bg(), func(v *vm.VM) (any, error) { return nil, nil }); err != nil {
		t.Errorf("Do after panic: %v", err)
	}
}

func TestVMWorker_Stop(t *testing.T) {
	w := NewVMWorker(newBootedVM())
	w.Stop()
	w.Stop()

	_, err := w.Do(bg(), func(v *vm.VM) (any, error) { return nil, nil })
	if !errors.Is(err, ErrWorkerStopped) {
		t.Errorf("Do after Stop: %v, want ErrWorkerStopped", err)
	}
}
