package image

import (
	"errors"
	"testing"

	"github.com/fxamacker/cbor/v2"

	"github.com/chazu/kestrel/vm/heap"
)

func list(h *heap.Heap, elts ...heap.Value) heap.Value {
	v := heap.Nil
	for i := len(elts) - 1; i >= 0; i-- {
		v = h.Alloc(&heap.Pair{Car: elts[i], Cdr: v})
	}
	return v
}

func str(h *heap.Heap, s string) heap.Value {
	return h.Alloc(&heap.String{Data: []rune(s)})
}

// sampleForms builds ((push.const "hi") (push.const #(1 #\a #t)) (const (a . 2))).
func sampleForms(h *heap.Heap) heap.Value {
	vec := h.Alloc(&heap.Vector{Elts: []heap.Value{heap.Fixnum(1), heap.Char('a'), heap.True}})
	dotted := h.Alloc(&heap.Pair{Car: h.Intern("a"), Cdr: heap.Fixnum(2)})
	return list(h,
		list(h, h.Intern("push.const"), str(h, "hi")),
		list(h, h.Intern("push.const"), vec),
		list(h, h.Intern("const"), dotted),
	)
}

func TestEncodeDecode(t *testing.T) {
	src := heap.New(heap.Options{})
	data, err := Encode(src, "sample", sampleForms(src))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	dst := heap.New(heap.Options{})
	forms, img, err := Decode(dst, data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if img.Source != "sample" {
		t.Errorf("Source = %q, want sample", img.Source)
	}
	if len(img.Forms) != 3 {
		t.Fatalf("len(Forms) = %d, want 3", len(img.Forms))
	}

	first := heap.MustAs[*heap.Pair](dst, forms)
	ins := heap.MustAs[*heap.Pair](dst, first.Car)
	if name := dst.SymbolName(ins.Car); name != "push.const" {
		t.Errorf("op = %q, want push.const", name)
	}
	s := heap.MustAs[*heap.String](dst, heap.MustAs[*heap.Pair](dst, ins.Cdr).Car)
	if string(s.Data) != "hi" {
		t.Errorf("string = %q, want hi", string(s.Data))
	}

	second := heap.MustAs[*heap.Pair](dst, first.Cdr)
	vecIns := heap.MustAs[*heap.Pair](dst, second.Car)
	vec := heap.MustAs[*heap.Vector](dst, heap.MustAs[*heap.Pair](dst, vecIns.Cdr).Car)
	if len(vec.Elts) != 3 || vec.Elts[0] != heap.Fixnum(1) || vec.Elts[1] != heap.Char('a') || vec.Elts[2] != heap.True {
		t.Errorf("vector = %v", vec.Elts)
	}

	third := heap.MustAs[*heap.Pair](dst, second.Cdr)
	constIns := heap.MustAs[*heap.Pair](dst, third.Car)
	dotted := heap.MustAs[*heap.Pair](dst, heap.MustAs[*heap.Pair](dst, constIns.Cdr).Car)
	if dst.SymbolName(dotted.Car) != "a" || dotted.Cdr != heap.Fixnum(2) {
		t.Errorf("dotted pair = (%v . %v)", dotted.Car, dotted.Cdr)
	}
	if third.Cdr != heap.Nil {
		t.Error("form list is not terminated")
	}
}

func TestEncodingIsDeterministic(t *testing.T) {
	h := heap.New(heap.Options{})
	a, err := Encode(h, "x", sampleForms(h))
	if err != nil {
		t.Fatal(err)
	}
	b, err := Encode(h, "x", sampleForms(h))
	if err != nil {
		t.Fatal(err)
	}
	if string(a) != string(b) {
		t.Error("two encodings of equal forms differ")
	}
}

func TestChecksumMismatch(t *testing.T) {
	h := heap.New(heap.Options{})
	data, err := Encode(h, "x", sampleForms(h))
	if err != nil {
		t.Fatal(err)
	}
	img, err := Unmarshal(data)
	if err != nil {
		t.Fatal(err)
	}
	img.Forms = img.Forms[:1]
	tampered, err := encMode.Marshal(img)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Unmarshal(tampered); !errors.Is(err, ErrChecksum) {
		t.Errorf("err = %v, want ErrChecksum", err)
	}
}

func TestVersionMismatch(t *testing.T) {
	data, err := cbor.Marshal(&Image{Version: Version + 1})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Unmarshal(data); !errors.Is(err, ErrVersion) {
		t.Errorf("err = %v, want ErrVersion", err)
	}
}

func TestEncodeRejectsProcedures(t *testing.T) {
	type opaque struct{}
	h := heap.New(heap.Options{})
	forms := list(h, list(h, h.Intern("const"), h.Alloc(&opaque{})))
	if _, err := Encode(h, "x", forms); err == nil {
		t.Error("Encode accepted a non-data object")
	}
}

func TestEncodeRejectsCycles(t *testing.T) {
	h := heap.New(heap.Options{})
	p := h.Alloc(&heap.Pair{Car: heap.Fixnum(1), Cdr: heap.Nil})
	heap.MustAs[*heap.Pair](h, p).Cdr = p
	forms := list(h, list(h, h.Intern("const"), p))
	if _, err := Encode(h, "x", forms); err == nil {
		t.Error("Encode accepted a circular list")
	}
}

func TestGarbageInput(t *testing.T) {
	if _, err := Unmarshal([]byte{0xff, 0x00, 0x13}); err == nil {
		t.Error("Unmarshal accepted garbage")
	}
}
