package profile

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/chazu/kestrel/vm"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "profile.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func snapshot(push, ret uint64) vm.ProfileSnapshot {
	return vm.ProfileSnapshot{
		Opcodes: []vm.OpcodeCount{
			{Op: vm.OpPush, Count: push},
			{Op: vm.OpRet, Count: ret},
		},
		Pairs: []vm.OpcodePairCount{
			{First: vm.OpPush, Second: vm.OpRet, Count: ret},
		},
	}
}

// ---------------------------------------------------------------------------
// Runs
// ---------------------------------------------------------------------------

func TestSaveAndListRuns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.Save(ctx, "first", snapshot(10, 2))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if first.Total != 12 {
		t.Errorf("Total = %d, want 12", first.Total)
	}
	second, err := s.Save(ctx, "second", snapshot(1, 1))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if first.ID == second.ID {
		t.Error("runs share an id")
	}

	runs, err := s.Runs(ctx)
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("len(Runs) = %d, want 2", len(runs))
	}
	if runs[0].ID != second.ID {
		t.Errorf("Runs()[0] = %s, want newest run %s", runs[0].Label, second.Label)
	}

	got, err := s.Run(ctx, first.ID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got.Label != "first" || got.Total != 12 || !got.Created.Equal(first.Created) {
		t.Errorf("Run() = %+v, want %+v", got, first)
	}
}

func TestRunNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Run(context.Background(), uuid.New()); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("err = %v, want ErrRunNotFound", err)
	}
	if err := s.Delete(context.Background(), uuid.New()); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Delete err = %v, want ErrRunNotFound", err)
	}
}

func TestReopenKeepsRuns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	run, err := s.Save(context.Background(), "kept", snapshot(3, 1))
	if err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if _, err := s.Run(context.Background(), run.ID); err != nil {
		t.Errorf("Run after reopen: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Aggregation
// ---------------------------------------------------------------------------

func TestTopOpcodesAggregatesRuns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a, _ := s.Save(ctx, "a", snapshot(10, 2))
	b, _ := s.Save(ctx, "b", snapshot(5, 20))

	all, err := s.TopOpcodes(ctx, 0)
	if err != nil {
		t.Fatalf("TopOpcodes: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("rows = %v, want 2", all)
	}
	if all[0].Op != "ret" || all[0].Count != 22 {
		t.Errorf("top = %+v, want ret 22", all[0])
	}
	if all[1].Op != "push" || all[1].Count != 15 {
		t.Errorf("second = %+v, want push 15", all[1])
	}

	top, err := s.TopOpcodes(ctx, 1, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(top) != 1 || top[0].Op != "push" || top[0].Count != 10 {
		t.Errorf("TopOpcodes(1, a) = %+v, want [push 10]", top)
	}

	pairs, err := s.TopPairs(ctx, 5, a.ID, b.ID)
	if err != nil {
		t.Fatalf("TopPairs: %v", err)
	}
	if len(pairs) != 1 || pairs[0].First != "push" || pairs[0].Second != "ret" || pairs[0].Count != 22 {
		t.Errorf("TopPairs = %+v, want [push ret 22]", pairs)
	}
}

func TestDeleteRemovesRows(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a, _ := s.Save(ctx, "a", snapshot(10, 2))
	s.Save(ctx, "b", snapshot(1, 1))

	if err := s.Delete(ctx, a.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	rows, err := s.TopOpcodes(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range rows {
		if r.Count != 1 {
			t.Errorf("row %+v survived deletion of run a", r)
		}
	}
	runs, _ := s.Runs(ctx)
	if len(runs) != 1 {
		t.Errorf("len(Runs) = %d, want 1", len(runs))
	}
}

func TestSaveFromProfilingVM(t *testing.T) {
	var out bytes.Buffer
	v, err := vm.New(vm.NewHeap(0), vm.Config{ProfileOpcodes: true, Stdout: &out, Stderr: &out})
	if err != nil {
		t.Fatal(err)
	}
	if err := v.Standalone(); err != nil {
		t.Fatal(err)
	}
	if _, err := v.Load(`((push.const 1) (push.const 2) (subr + 2))`, "test"); err != nil {
		t.Fatal(err)
	}
	snap, ok := v.OpcodeProfile()
	if !ok {
		t.Fatal("profiling not enabled")
	}

	s := openTestStore(t)
	run, err := s.Save(context.Background(), "vm", snap)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if run.Total != snap.Total() || run.Total == 0 {
		t.Errorf("Total = %d, want %d", run.Total, snap.Total())
	}
	rows, err := s.TopOpcodes(context.Background(), 0, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, r := range rows {
		if r.Op == "push.const" {
			found = true
		}
	}
	if !found {
		t.Errorf("rows = %+v, want push.const", rows)
	}
}

// ---------------------------------------------------------------------------
// Report
// ---------------------------------------------------------------------------

func TestWriteReport(t *testing.T) {
	var b strings.Builder
	err := WriteReport(&b,
		[]OpcodeRow{{Op: "push", Count: 3}, {Op: "ret", Count: 1}},
		[]PairRow{{First: "push", Second: "ret", Count: 1}})
	if err != nil {
		t.Fatal(err)
	}
	got := b.String()
	for _, want := range []string{";; 4 instructions", "push", "75.00%", ";; pairs"} {
		if !strings.Contains(got, want) {
			t.Errorf("report missing %q:\n%s", want, got)
		}
	}
}
