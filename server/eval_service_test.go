package server

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/chazu/kestrel/vm"
)

// ---------------------------------------------------------------------------
// Eval
// ---------------------------------------------------------------------------

func TestEval_SimpleArithmetic(t *testing.T) {
	svc := newTestEvalService()

	resp := mustEval(t, svc, `((push.const 3) (push.const 4) (subr + 2))`)
	if resp.Result != "7" {
		t.Errorf("Result = %q, want %q", resp.Result, "7")
	}
	if resp.Type != "fixnum" {
		t.Errorf("Type = %q, want fixnum", resp.Type)
	}
	if resp.Handle == "" {
		t.Error("expected a handle")
	}
}

func TestEval_ListResult(t *testing.T) {
	svc := newTestEvalService()

	resp := mustEval(t, svc, `((push.const 1) (push.const 2) (subr list 2))`)
	if resp.Result != "(1 2)" || resp.Type != "pair" {
		t.Errorf("Result = %q (%s), want (1 2) (pair)", resp.Result, resp.Type)
	}
}

func TestEval_CapturesOutput(t *testing.T) {
	svc := newTestEvalService()

	resp := mustEval(t, svc, `((push.const "hello") (subr display 1)) ((subr newline 0))`)
	if resp.Output != "hello\n" {
		t.Errorf("Output = %q, want %q", resp.Output, "hello\n")
	}

	// Output does not leak into the next evaluation.
	resp = mustEval(t, svc, `((const 1))`)
	if resp.Output != "" {
		t.Errorf("Output = %q, want empty", resp.Output)
	}
}

func TestEval_DefinitionsPersist(t *testing.T) {
	svc := newTestEvalService()

	mustEval(t, svc, `((closure (1 #f eval-test-square) (push.iloc 0 0) (push.iloc 0 0) (subr * 2) (ret)) (gdef eval-test-square))`)
	resp := mustEval(t, svc, `((push.const 9) (apply.gref eval-test-square))`)
	if resp.Result != "81" {
		t.Errorf("Result = %q, want 81", resp.Result)
	}
}

func TestEval_EmptySource(t *testing.T) {
	svc := newTestEvalService()

	_, err := svc.Eval(bg(), &EvalRequest{})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("err = %v, want ErrInvalidArgument", err)
	}
}

func TestEval_SchemeError(t *testing.T) {
	svc := newTestEvalService()

	resp, err := svc.Eval(bg(), &EvalRequest{Source: `((gref eval-test-unbound))`})
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if resp.Success {
		t.Fatal("expected failure")
	}
	if resp.Error == nil || resp.Error.Kind != "undefined" {
		t.Fatalf("Error = %+v, want kind undefined", resp.Error)
	}
	if !strings.Contains(resp.Error.Message, "unbound variable") {
		t.Errorf("Message = %q", resp.Error.Message)
	}

	// The VM recovers for the next request.
	if got := mustEval(t, svc, `((push.const 2) (push.const 3) (subr + 2))`).Result; got != "5" {
		t.Errorf("after error = %q, want 5", got)
	}
}

func TestEval_ReadError(t *testing.T) {
	svc := newTestEvalService()

	resp, err := svc.Eval(bg(), &EvalRequest{Source: `((push.const 1)`, Name: "broken"})
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if resp.Success || resp.Error == nil || resp.Error.Kind != "read" {
		t.Fatalf("resp = %+v, want a read error", resp)
	}
	if len(resp.Error.Backtrace) != 1 || resp.Error.Backtrace[0].Source != "broken" {
		t.Errorf("Backtrace = %+v, want position in broken", resp.Error.Backtrace)
	}
}

func TestEval_DeadlineStopsRunaway(t *testing.T) {
	env := newIsolatedEnv()
	defer env.Stop()

	mustEval(t, env.Eval, `((closure (0 #f spin) (apply.gref spin)) (gdef spin))`)

	ctx, cancel := context.WithTimeout(bg(), 50*time.Millisecond)
	defer cancel()
	_, err := env.Eval.Eval(ctx, &EvalRequest{Source: `((apply.gref spin))`})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}

	if got := mustEval(t, env.Eval, `((push.const 1) (push.const 1) (subr + 2))`).Result; got != "2" {
		t.Errorf("after stop = %q, want 2", got)
	}
}

func TestEval_ServiceTimeout(t *testing.T) {
	env := newIsolatedEnv()
	defer env.Stop()
	env.Eval.timeout = 50 * time.Millisecond

	mustEval(t, env.Eval, `((closure (0 #f spin) (apply.gref spin)) (gdef spin))`)
	if _, err := env.Eval.Eval(bg(), &EvalRequest{Source: `((apply.gref spin))`}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
}

// ---------------------------------------------------------------------------
// Check
// ---------------------------------------------------------------------------

func TestCheck_Valid(t *testing.T) {
	svc := newTestEvalService()

	resp, err := svc.Check(bg(), &CheckRequest{Source: `((push.const 1) (push.const 2) (subr + 2))`})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !resp.Valid || len(resp.Diagnostics) != 0 {
		t.Errorf("resp = %+v, want valid", resp)
	}
}

func TestCheck_DoesNotRun(t *testing.T) {
	svc := newTestEvalService()

	if _, err := svc.Check(bg(), &CheckRequest{Source: `((const 1) (gdef check-test-never))`}); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if _, ok := testVM.LookupCurrentEnvironment("check-test-never"); ok {
		t.Error("Check ran the code")
	}
}

func TestCheck_ReportsPosition(t *testing.T) {
	svc := newTestEvalService()

	resp, err := svc.Check(bg(), &CheckRequest{Source: "((const 1))\n((const 2)"})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if resp.Valid {
		t.Fatal("expected invalid")
	}
	if len(resp.Diagnostics) != 1 {
		t.Fatalf("Diagnostics = %+v, want one", resp.Diagnostics)
	}
	if d := resp.Diagnostics[0]; d.Line < 2 || d.Message == "" {
		t.Errorf("Diagnostic = %+v, want line 2 or later", d)
	}
}

func TestCheck_EmptySource(t *testing.T) {
	svc := newTestEvalService()
	if _, err := svc.Check(bg(), &CheckRequest{}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("err = %v, want ErrInvalidArgument", err)
	}
}

// ---------------------------------------------------------------------------
// Sessions and handles
// ---------------------------------------------------------------------------

func TestSession_Lifecycle(t *testing.T) {
	env := newIsolatedEnv()
	defer env.Stop()
	svc := env.Eval

	info, err := svc.OpenSession(bg(), &OpenSessionRequest{Name: "editor"})
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	if info.ID == "" || info.Name != "editor" {
		t.Fatalf("info = %+v", info)
	}

	for i := 0; i < 2; i++ {
		resp, err := svc.Eval(bg(), &EvalRequest{Session: info.ID, Source: `((push.const 1) (push.const 2) (subr cons 2))`})
		if err != nil || !resp.Success {
			t.Fatalf("Eval in session: %v %+v", err, resp)
		}
	}

	closed, err := svc.CloseSession(bg(), &CloseSessionRequest{ID: info.ID})
	if err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	if closed.Evals != 2 || closed.Handles != 2 {
		t.Errorf("closed = %+v, want 2 evals and 2 handles", closed)
	}
	if n := env.Handles.Len(info.ID); n != 0 {
		t.Errorf("%d handles survive the session", n)
	}

	if _, err := svc.CloseSession(bg(), &CloseSessionRequest{ID: info.ID}); !errors.Is(err, ErrNotFound) {
		t.Errorf("second close err = %v, want ErrNotFound", err)
	}
}

func TestEval_UnknownSession(t *testing.T) {
	svc := newTestEvalService()
	_, err := svc.Eval(bg(), &EvalRequest{Session: "nope", Source: `((const 1))`})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestInspect_List(t *testing.T) {
	svc := newTestEvalService()

	resp := mustEval(t, svc, `((push.const 1) (push.const "two") (push.const #\c) (subr list 3))`)
	info, err := svc.Inspect(bg(), &InspectRequest{Handle: resp.Handle})
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if info.Type != "pair" {
		t.Errorf("Type = %q, want pair", info.Type)
	}
	want := []string{"1", `"two"`, `#\c`}
	if len(info.Elements) != len(want) {
		t.Fatalf("Elements = %v, want %v", info.Elements, want)
	}
	for i := range want {
		if info.Elements[i] != want[i] {
			t.Errorf("Elements[%d] = %q, want %q", i, info.Elements[i], want[i])
		}
	}
	if info.Display != `(1 two c)` {
		t.Errorf("Display = %q", info.Display)
	}
}

func TestInspect_SurvivesCollection(t *testing.T) {
	env := newIsolatedEnv()
	defer env.Stop()

	mustEval(t, env.Eval, `((push.const "garbage") (subr string-copy 1))`)
	resp := mustEval(t, env.Eval, `((push.const 5) (push.const 6) (subr list 2))`)
	env.Worker.Do(bg(), func(v *vm.VM) (any, error) {
		v.Collect()
		return nil, nil
	})

	info, err := env.Eval.Inspect(bg(), &InspectRequest{Handle: resp.Handle})
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if info.Written != "(5 6)" {
		t.Errorf("Written = %q after collection, want (5 6)", info.Written)
	}
}

func TestRelease(t *testing.T) {
	svc := newTestEvalService()

	resp := mustEval(t, svc, `((push.const 1) (push.const 2) (subr cons 2))`)
	if _, err := svc.Release(bg(), &ReleaseRequest{Handle: resp.Handle}); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := svc.Release(bg(), &ReleaseRequest{Handle: resp.Handle}); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Release err = %v, want ErrNotFound", err)
	}
	if _, err := svc.Inspect(bg(), &InspectRequest{Handle: resp.Handle}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Inspect after Release err = %v, want ErrNotFound", err)
	}
}

func TestHandleSweep(t *testing.T) {
	env := newIsolatedEnv()
	defer env.Stop()

	mustEval(t, env.Eval, `((push.const 1) (push.const 2) (subr cons 2))`)
	if n := env.Handles.Sweep(time.Hour); n != 0 {
		t.Errorf("Sweep(1h) removed %d fresh handles", n)
	}
	time.Sleep(5 * time.Millisecond)
	if n := env.Handles.Sweep(time.Millisecond); n != 1 {
		t.Errorf("Sweep(1ms) removed %d, want 1", n)
	}
	if n := env.Handles.Len(""); n != 0 {
		t.Errorf("Len = %d after sweep", n)
	}
}
