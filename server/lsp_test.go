package server

import (
	"strings"
	"testing"

	protocol "github.com/tliron/glsp/protocol_3_16"

	"github.com/chazu/kestrel/vm"
)

// ---------------------------------------------------------------------------
// LSP text extraction helpers
// ---------------------------------------------------------------------------

func TestExtractPrefix_Instruction(t *testing.T) {
	text := "((push.co"
	pos := protocol.Position{Line: 0, Character: 9}
	if prefix := extractPrefix(text, pos); prefix != "push.co" {
		t.Errorf("extractPrefix = %q, want %q", prefix, "push.co")
	}
}

func TestExtractPrefix_SchemeSymbol(t *testing.T) {
	text := "(apply.gref string->sym"
	pos := protocol.Position{Line: 0, Character: 23}
	if prefix := extractPrefix(text, pos); prefix != "string->sym" {
		t.Errorf("extractPrefix = %q, want %q", prefix, "string->sym")
	}
}

func TestExtractPrefix_AfterParen(t *testing.T) {
	text := "(("
	pos := protocol.Position{Line: 0, Character: 2}
	if prefix := extractPrefix(text, pos); prefix != "" {
		t.Errorf("extractPrefix = %q, want empty string", prefix)
	}
}

func TestExtractPrefix_MultiLine(t *testing.T) {
	text := "((const 1))\n((gr"
	pos := protocol.Position{Line: 1, Character: 4}
	if prefix := extractPrefix(text, pos); prefix != "gr" {
		t.Errorf("extractPrefix = %q, want %q", prefix, "gr")
	}
}

func TestExtractPrefix_LineBeyondDocument(t *testing.T) {
	text := "single line"
	pos := protocol.Position{Line: 5, Character: 0}
	if prefix := extractPrefix(text, pos); prefix != "" {
		t.Errorf("extractPrefix beyond doc = %q, want empty string", prefix)
	}
}

// ---------------------------------------------------------------------------
// extractWord
// ---------------------------------------------------------------------------

func TestExtractWord(t *testing.T) {
	tests := []struct {
		text string
		line uint32
		char uint32
		want string
	}{
		{"(apply.gref fold-left)", 0, 3, "apply.gref"},
		{"(apply.gref fold-left)", 0, 14, "fold-left"},
		{"(apply.gref fold-left)", 0, 21, "fold-left"},
		{"(subr set-car! 2)", 0, 8, "set-car!"},
		{"first\n(gref x)", 1, 6, "x"},
		{"", 0, 0, ""},
		{"single line", 5, 0, ""},
	}
	for _, tt := range tests {
		pos := protocol.Position{Line: tt.line, Character: tt.char}
		if got := extractWord(tt.text, pos); got != tt.want {
			t.Errorf("extractWord(%q, %d:%d) = %q, want %q", tt.text, tt.line, tt.char, got, tt.want)
		}
	}
}

func TestOffsetPosition(t *testing.T) {
	text := "ab\ncdé\nf"
	if got := offsetPosition(text, strings.Index(text, "f")); got.Line != 2 || got.Character != 0 {
		t.Errorf("offsetPosition(f) = %+v, want 2:0", got)
	}
	if got := offsetPosition(text, strings.Index(text, "\nf")); got.Line != 1 || got.Character != 3 {
		t.Errorf("offsetPosition(end of line 1) = %+v, want 1:3", got)
	}
}

func TestBoolPtr(t *testing.T) {
	if p := boolPtr(true); p == nil || !*p {
		t.Error("boolPtr(true) should point at true")
	}
}

// ---------------------------------------------------------------------------
// LSP VM-backed logic
// ---------------------------------------------------------------------------

func newTestLSP() *LspServer {
	return &LspServer{
		worker: testWorker,
		docs:   make(map[string]string),
	}
}

func TestLSP_CompleteInstructions(t *testing.T) {
	lsp := newTestLSP()

	result, err := testWorker.Do(bg(), func(v *vm.VM) (any, error) {
		return lsp.complete(v, "push."), nil
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	items := result.([]protocol.CompletionItem)
	labels := map[string]bool{}
	for _, item := range items {
		labels[item.Label] = true
	}
	for _, want := range []string{"push.const", "push.iloc", "push.gref", "push.subr"} {
		if !labels[want] {
			t.Errorf("completion missing %s: %v", want, labels)
		}
	}
}

func TestLSP_CompleteGlobals(t *testing.T) {
	lsp := newTestLSP()

	result, _ := testWorker.Do(bg(), func(v *vm.VM) (any, error) {
		return lsp.complete(v, "fold-"), nil
	})
	items := result.([]protocol.CompletionItem)
	found := false
	for _, item := range items {
		if item.Label == "fold-left" {
			found = true
			if item.Kind == nil || *item.Kind != protocol.CompletionItemKindFunction {
				t.Errorf("fold-left kind = %v, want function", item.Kind)
			}
		}
	}
	if !found {
		t.Errorf("completion for fold- missing fold-left: %+v", items)
	}
}

func TestLSP_HoverInstruction(t *testing.T) {
	lsp := newTestLSP()

	result, _ := testWorker.Do(bg(), func(v *vm.VM) (any, error) {
		return lsp.hover(v, "apply.gref"), nil
	})
	hover := result.(*protocol.Hover)
	if hover == nil {
		t.Fatal("expected hover for apply.gref")
	}
	content := hover.Contents.(protocol.MarkupContent)
	if !strings.Contains(content.Value, "global procedure") {
		t.Errorf("hover = %q", content.Value)
	}
}

func TestLSP_HoverGlobal(t *testing.T) {
	lsp := newTestLSP()

	mustEval(t, newTestEvalService(), `((const (1 2 3)) (gdef lsp-test-list))`)
	result, _ := testWorker.Do(bg(), func(v *vm.VM) (any, error) {
		return lsp.hover(v, "lsp-test-list"), nil
	})
	hover := result.(*protocol.Hover)
	if hover == nil {
		t.Fatal("expected hover for lsp-test-list")
	}
	value := hover.Contents.(protocol.MarkupContent).Value
	if !strings.Contains(value, "pair") || !strings.Contains(value, "(1 2 3)") {
		t.Errorf("hover = %q", value)
	}
}

func TestLSP_HoverUnknownWord(t *testing.T) {
	lsp := newTestLSP()

	result, _ := testWorker.Do(bg(), func(v *vm.VM) (any, error) {
		return lsp.hover(v, "lsp-test-no-such-thing"), nil
	})
	if hover := result.(*protocol.Hover); hover != nil {
		t.Errorf("hover = %+v, want nil", hover)
	}
}

func TestLSP_DefinitionAndReferences(t *testing.T) {
	lsp := newTestLSP()
	lsp.docs["file:///a.kasm"] = "((closure (1 #f double)\n   (push.iloc 0 0) (push.iloc 0 0) (subr + 2) (ret))\n (gdef double))"
	lsp.docs["file:///b.kasm"] = "((push.const 4) (apply.gref double))\n((push.gref double) (gdef twice))"

	defs := lsp.locate(definitionPattern("double"))
	if len(defs) != 2 {
		t.Fatalf("definitions = %+v, want closure name and gdef", defs)
	}
	if defs[0].URI != "file:///a.kasm" || defs[0].Range.Start.Line != 0 || defs[0].Range.Start.Character != 16 {
		t.Errorf("closure definition at %+v", defs[0])
	}
	if defs[1].Range.Start.Line != 2 {
		t.Errorf("gdef definition at line %d, want 2", defs[1].Range.Start.Line)
	}

	refs := lsp.locate(referencePattern("double"))
	if len(refs) != 3 {
		t.Fatalf("references = %+v, want 3", refs)
	}
	for _, r := range refs[1:] {
		if r.URI != "file:///b.kasm" {
			t.Errorf("reference in %s, want b.kasm", r.URI)
		}
	}
	if len(lsp.locate(referencePattern("doub"))) != 0 {
		t.Error("prefix of a name matched")
	}
}

func TestLSP_Diagnostics(t *testing.T) {
	lsp := newTestLSP()

	diags, err := lsp.checkDiagnostics("file:///ok.kasm", "((const 1))")
	if err != nil {
		t.Fatalf("checkDiagnostics: %v", err)
	}
	if len(diags) != 0 {
		t.Errorf("diagnostics = %+v, want none", diags)
	}

	diags, err = lsp.checkDiagnostics("file:///bad.kasm", "((const 1))\n((const 2)")
	if err != nil {
		t.Fatalf("checkDiagnostics: %v", err)
	}
	if len(diags) != 1 {
		t.Fatalf("diagnostics = %+v, want one", diags)
	}
	if diags[0].Severity == nil || *diags[0].Severity != protocol.DiagnosticSeverityError {
		t.Error("diagnostic should be an error")
	}
	if diags[0].Range.Start.Line < 1 {
		t.Errorf("diagnostic line = %d, want the second line", diags[0].Range.Start.Line)
	}
}

func TestLSP_DocumentStore(t *testing.T) {
	lsp := newTestLSP()
	lsp.docs["file:///x.kasm"] = "((const 1))"

	if text, ok := lsp.document("file:///x.kasm"); !ok || text != "((const 1))" {
		t.Errorf("document = %q, %v", text, ok)
	}
	if _, ok := lsp.document("file:///missing.kasm"); ok {
		t.Error("missing document reported present")
	}
}
