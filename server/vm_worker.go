package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chazu/kestrel/vm"
)

// ErrWorkerStopped is returned by Do after Stop.
var ErrWorkerStopped = errors.New("vm worker stopped")

// stopRetryInterval paces the stop requests of an expired Do.
const stopRetryInterval = 10 * time.Millisecond

// vmRequest represents a unit of work to be executed on the VM goroutine.
type vmRequest struct {
	fn   func(*vm.VM) (any, error)
	done chan vmResult
}

// vmResult holds the return value from a VM operation.
type vmResult struct {
	value any
	err   error
}

// VMWorker serializes all VM access through a single goroutine. A VM
// instance is single-threaded; every RPC and LSP handler goes through
// the worker.
type VMWorker struct {
	vm       *vm.VM
	requests chan vmRequest
	quit     chan struct{}
	stopped  chan struct{}
}

// NewVMWorker creates a VMWorker and starts the processing goroutine.
func NewVMWorker(v *vm.VM) *VMWorker {
	w := &VMWorker{
		vm:       v,
		requests: make(chan vmRequest, 64),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go w.loop()
	return w
}

// loop processes VM requests sequentially on a dedicated goroutine.
func (w *VMWorker) loop() {
	defer close(w.stopped)
	for {
		select {
		case req := <-w.requests:
			req.done <- w.execute(req.fn)
		case <-w.quit:
			return
		}
	}
}

// execute runs a function on the VM, recovering from panics. An error
// leaves the instance reset for the next request.
func (w *VMWorker) execute(fn func(*vm.VM) (any, error)) (result vmResult) {
	defer func() {
		if r := recover(); r != nil {
			result.err = fmt.Errorf("vm worker: %v", r)
			w.vm.Reset()
		}
	}()
	result.value, result.err = fn(w.vm)
	if result.err != nil {
		w.vm.Reset()
	}
	return result
}

// Do submits a function for execution on the VM goroutine and blocks
// until it completes. When ctx ends first the running code is asked to
// stop and Do still waits for it, so the VM is never shared.
func (w *VMWorker) Do(ctx context.Context, fn func(*vm.VM) (any, error)) (any, error) {
	req := vmRequest{
		fn:   fn,
		done: make(chan vmResult, 1),
	}
	select {
	case w.requests <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.quit:
		return nil, ErrWorkerStopped
	}

	select {
	case result := <-req.done:
		return result.value, result.err
	case <-w.stopped:
		return nil, ErrWorkerStopped
	case <-ctx.Done():
		// An idle VM drops a stop, so repeat it until the request ends.
		w.vm.Stop()
		ticker := time.NewTicker(stopRetryInterval)
		defer ticker.Stop()
		var result vmResult
	wait:
		for {
			select {
			case result = <-req.done:
				break wait
			case <-ticker.C:
				w.vm.Stop()
			case <-w.stopped:
				return nil, ErrWorkerStopped
			}
		}
		if result.err == nil {
			// The request finished before the stop took effect; clear it.
			w.Do(context.Background(), func(v *vm.VM) (any, error) {
				v.Reset()
				return nil, nil
			})
			return result.value, nil
		}
		return nil, fmt.Errorf("%w: %v", ctx.Err(), result.err)
	}
}

// Stop shuts down the worker goroutine and waits for it to exit.
func (w *VMWorker) Stop() {
	select {
	case <-w.quit:
	default:
		close(w.quit)
	}
	<-w.stopped
}

// VM returns the underlying VM. Callers outside the worker goroutine may
// only use methods that take the world lock themselves.
func (w *VMWorker) VM() *vm.VM {
	return w.vm
}
