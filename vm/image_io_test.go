package vm

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestImageRoundTrip(t *testing.T) {
	vm, out := newTestVM(t)
	src := `
((closure (1 #f greet) (push.const "hello ") (subr display 1) (push.iloc 0 0) (subr display 1) (ret))
 (gdef greet))
((push.const "image") (apply.gref greet))
((push.const (1 2 3)) (subr length 1))`

	path := filepath.Join(t.TempDir(), "greet.kimg")
	if err := vm.SaveImage(src, "greet.ks", path); err != nil {
		t.Fatalf("SaveImage: %v", err)
	}

	fresh, freshOut := newTestVM(t)
	v, err := fresh.LoadImage(path)
	if err != nil {
		t.Fatalf("LoadImage: %v", err)
	}
	if v != Fixnum(3) {
		t.Errorf("result = %s, want 3", fresh.WriteString(v))
	}
	if got := freshOut.String(); got != "hello image" {
		t.Errorf("output = %q, want %q", got, "hello image")
	}
	if out.Len() != 0 {
		t.Errorf("SaveImage ran code: %q", out.String())
	}
}

func TestSaveImageRejectsBadAssembly(t *testing.T) {
	vm, _ := newTestVM(t)
	var b bytes.Buffer
	if err := vm.SaveImageTo(&b, `((no-such-op 1))`, "bad"); err == nil {
		t.Error("SaveImageTo accepted an unknown instruction")
	}
	if b.Len() != 0 {
		t.Error("SaveImageTo wrote a broken image")
	}
}

func TestImageRoundTripDeepNesting(t *testing.T) {
	vm, _ := newTestVM(t)
	body := "(const 1) (ret)"
	for i := 0; i < 20; i++ {
		body = "(closure (0 #f #f) " + body + ") (ret)"
	}
	src := "(" + body + ")"

	var b bytes.Buffer
	if err := vm.SaveImageTo(&b, src, "deep"); err != nil {
		t.Fatalf("SaveImageTo: %v", err)
	}
	fresh, _ := newTestVM(t)
	v, err := fresh.LoadImageFrom(&b)
	if err != nil {
		t.Fatalf("LoadImageFrom: %v", err)
	}
	if got := fresh.TypeName(v); got != "procedure" {
		t.Errorf("result type = %s, want procedure", got)
	}
}
