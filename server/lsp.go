package server

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"
	glspserver "github.com/tliron/glsp/server"

	"github.com/chazu/kestrel/vm"

	_ "github.com/tliron/commonlog/simple"
)

const lspName = "kestrel-lsp"

// instructionDocs describes each instruction for hover.
var instructionDocs = map[string]string{
	"nop":            "`(nop)` does nothing.",
	"halt":           "`(halt)` ends the top-level activation with the value register.",
	"const":          "`(const datum)` loads a literal into the value register.",
	"push.const":     "`(push.const datum)` pushes a literal.",
	"push":           "`(push)` pushes the value register.",
	"iloc":           "`(iloc depth index)` loads a lexical variable.",
	"push.iloc":      "`(push.iloc depth index)` pushes a lexical variable.",
	"iset":           "`(iset depth index)` assigns the value register to a lexical variable.",
	"gref":           "`(gref name)` loads a global variable.",
	"push.gref":      "`(push.gref name)` pushes a global variable.",
	"gset":           "`(gset name)` assigns an existing global variable.",
	"gdef":           "`(gdef name)` defines a global variable.",
	"if.true":        "`(if.true code ...)` runs the nested code when the value is not #f.",
	"if.false":       "`(if.false code ...)` runs the nested code when the value is #f.",
	"if.null":        "`(if.null code ...)` runs the nested code when the value is ().",
	"call":           "`(call code ...)` runs the nested code in a fresh continuation frame.",
	"apply":          "`(apply)` applies the value register to the pushed arguments.",
	"apply.gref":     "`(apply.gref name)` applies a global procedure to the pushed arguments.",
	"apply.iloc":     "`(apply.iloc depth index)` applies a lexical procedure to the pushed arguments.",
	"ret":            "`(ret)` returns the value register to the current continuation.",
	"extend":         "`(extend n)` binds the n pushed values in a new lexical frame.",
	"extend.unbound": "`(extend.unbound n)` opens a frame of n unassigned variables.",
	"closure":        "`(closure (argc rest? name) code ...)` makes a procedure over the current frame.",
	"subr":           "`(subr name argc)` calls a primitive with the pushed arguments.",
	"push.subr":      "`(push.subr name argc)` calls a primitive and pushes its result.",
}

// LspServer offers editor support for assembly source backed by a VM.
type LspServer struct {
	worker *VMWorker

	mu   sync.Mutex
	docs map[string]string // URI → full document content

	handler protocol.Handler
	server  *glspserver.Server
	version string
}

// NewLSP creates a new LSP server wrapping the given VM.
func NewLSP(v *vm.VM) *LspServer {
	s := &LspServer{
		worker:  NewVMWorker(v),
		docs:    make(map[string]string),
		version: "0.1.0",
	}

	s.handler = protocol.Handler{
		Initialize:  s.initialize,
		Initialized: s.initialized,
		Shutdown:    s.shutdown,
		SetTrace:    s.setTrace,

		TextDocumentDidOpen:   s.textDocumentDidOpen,
		TextDocumentDidChange: s.textDocumentDidChange,
		TextDocumentDidClose:  s.textDocumentDidClose,

		TextDocumentCompletion: s.textDocumentCompletion,
		TextDocumentHover:      s.textDocumentHover,
		TextDocumentDefinition: s.textDocumentDefinition,
		TextDocumentReferences: s.textDocumentReferences,
	}

	s.server = glspserver.NewServer(&s.handler, lspName, false)

	return s
}

// Run starts the LSP server on stdio. Blocks until the client disconnects.
func (s *LspServer) Run() error {
	return s.server.RunStdio()
}

// --- LSP lifecycle handlers ---

func (s *LspServer) initialize(ctx *glsp.Context, params *protocol.InitializeParams) (any, error) {
	log.Info("kestrel LSP initializing")

	capabilities := s.handler.CreateServerCapabilities()

	syncKind := protocol.TextDocumentSyncKindFull
	capabilities.TextDocumentSync = &protocol.TextDocumentSyncOptions{
		OpenClose: boolPtr(true),
		Change:    &syncKind,
	}

	capabilities.CompletionProvider = &protocol.CompletionOptions{
		TriggerCharacters: []string{"(", "."},
	}

	capabilities.HoverProvider = true
	capabilities.DefinitionProvider = true
	capabilities.ReferencesProvider = true

	return protocol.InitializeResult{
		Capabilities: capabilities,
		ServerInfo: &protocol.InitializeResultServerInfo{
			Name:    lspName,
			Version: &s.version,
		},
	}, nil
}

func (s *LspServer) initialized(ctx *glsp.Context, params *protocol.InitializedParams) error {
	return nil
}

func (s *LspServer) shutdown(ctx *glsp.Context) error {
	s.worker.Stop()
	return nil
}

func (s *LspServer) setTrace(ctx *glsp.Context, params *protocol.SetTraceParams) error {
	return nil
}

// --- Document synchronization ---

func (s *LspServer) textDocumentDidOpen(ctx *glsp.Context, params *protocol.DidOpenTextDocumentParams) error {
	uri := params.TextDocument.URI
	text := params.TextDocument.Text

	s.mu.Lock()
	s.docs[string(uri)] = text
	s.mu.Unlock()

	s.publishDiagnostics(ctx, uri, text)
	return nil
}

func (s *LspServer) textDocumentDidChange(ctx *glsp.Context, params *protocol.DidChangeTextDocumentParams) error {
	uri := params.TextDocument.URI

	// With Full sync, the last change event contains the full text
	if len(params.ContentChanges) > 0 {
		last := params.ContentChanges[len(params.ContentChanges)-1]
		if whole, ok := last.(protocol.TextDocumentContentChangeEventWhole); ok {
			s.mu.Lock()
			s.docs[string(uri)] = whole.Text
			s.mu.Unlock()

			s.publishDiagnostics(ctx, uri, whole.Text)
		}
	}
	return nil
}

func (s *LspServer) textDocumentDidClose(ctx *glsp.Context, params *protocol.DidCloseTextDocumentParams) error {
	uri := params.TextDocument.URI

	s.mu.Lock()
	delete(s.docs, string(uri))
	s.mu.Unlock()

	go ctx.Notify(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: []protocol.Diagnostic{},
	})
	return nil
}

func (s *LspServer) document(uri protocol.DocumentUri) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	text, ok := s.docs[string(uri)]
	return text, ok
}

// --- Language features ---

func (s *LspServer) textDocumentCompletion(ctx *glsp.Context, params *protocol.CompletionParams) (any, error) {
	text, ok := s.document(params.TextDocument.URI)
	if !ok {
		return nil, nil
	}

	prefix := extractPrefix(text, params.Position)
	if prefix == "" {
		return nil, nil
	}

	return s.worker.Do(context.Background(), func(v *vm.VM) (any, error) {
		return s.complete(v, prefix), nil
	})
}

func (s *LspServer) textDocumentHover(ctx *glsp.Context, params *protocol.HoverParams) (*protocol.Hover, error) {
	text, ok := s.document(params.TextDocument.URI)
	if !ok {
		return nil, nil
	}

	word := extractWord(text, params.Position)
	if word == "" {
		return nil, nil
	}

	result, err := s.worker.Do(context.Background(), func(v *vm.VM) (any, error) {
		return s.hover(v, word), nil
	})
	if err != nil {
		return nil, nil
	}
	hover, _ := result.(*protocol.Hover)
	return hover, nil
}

func (s *LspServer) textDocumentDefinition(ctx *glsp.Context, params *protocol.DefinitionParams) (any, error) {
	text, ok := s.document(params.TextDocument.URI)
	if !ok {
		return nil, nil
	}

	word := extractWord(text, params.Position)
	if word == "" {
		return nil, nil
	}
	return s.locate(definitionPattern(word)), nil
}

func (s *LspServer) textDocumentReferences(ctx *glsp.Context, params *protocol.ReferenceParams) ([]protocol.Location, error) {
	text, ok := s.document(params.TextDocument.URI)
	if !ok {
		return nil, nil
	}

	word := extractWord(text, params.Position)
	if word == "" {
		return nil, nil
	}
	return s.locate(referencePattern(word)), nil
}

// --- VM-backed logic (called on worker goroutine) ---

func (s *LspServer) complete(v *vm.VM, prefix string) []protocol.CompletionItem {
	var items []protocol.CompletionItem

	add := func(name, detail string, kind protocol.CompletionItemKind) {
		nameCopy := name
		items = append(items, protocol.CompletionItem{
			Label:      name,
			Kind:       &kind,
			Detail:     &detail,
			InsertText: &nameCopy,
		})
	}

	for _, name := range vm.InstructionNames() {
		if strings.HasPrefix(name, prefix) {
			add(name, "instruction", protocol.CompletionItemKindKeyword)
		}
	}

	names := v.GlobalNames()
	sort.Strings(names)
	for _, name := range names {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		value, _ := v.LookupCurrentEnvironment(name)
		kind := protocol.CompletionItemKindVariable
		typ := v.TypeName(value)
		if typ == "procedure" {
			kind = protocol.CompletionItemKindFunction
		}
		add(name, typ, kind)
	}

	// Limit results
	const maxItems = 100
	if len(items) > maxItems {
		items = items[:maxItems]
	}

	return items
}

func (s *LspServer) hover(v *vm.VM, word string) *protocol.Hover {
	var b strings.Builder
	if doc, ok := instructionDocs[word]; ok {
		fmt.Fprintf(&b, "**%s** instruction\n\n%s", word, doc)
	} else if value, ok := v.LookupCurrentEnvironment(word); ok {
		fmt.Fprintf(&b, "**%s** : %s\n\n```\n%s\n```", word, v.TypeName(value), truncateHover(v.WriteString(value)))
	} else {
		return nil
	}

	return &protocol.Hover{
		Contents: protocol.MarkupContent{
			Kind:  protocol.MarkupKindMarkdown,
			Value: b.String(),
		},
	}
}

const maxHoverValue = 200

func truncateHover(s string) string {
	if utf8.RuneCountInString(s) <= maxHoverValue {
		return s
	}
	return string([]rune(s)[:maxHoverValue]) + "..."
}

// --- Definitions and references ---

// Definitions are gdef instructions and named closures; references are the
// global instructions that name the variable.
func definitionPattern(name string) *regexp.Regexp {
	q := regexp.QuoteMeta(name)
	return regexp.MustCompile(`\(gdef\s+(` + q + `)\s*\)|\(closure\s+\(\s*\d+\s+#[tf]\s+(` + q + `)\s*\)`)
}

func referencePattern(name string) *regexp.Regexp {
	q := regexp.QuoteMeta(name)
	return regexp.MustCompile(`\((?:gref|push\.gref|apply\.gref|gset|gdef)\s+(` + q + `)\s*\)`)
}

// locate finds the name captured by re in every open document.
func (s *LspServer) locate(re *regexp.Regexp) []protocol.Location {
	s.mu.Lock()
	uris := make([]string, 0, len(s.docs))
	for uri := range s.docs {
		uris = append(uris, uri)
	}
	sort.Strings(uris)
	docs := make(map[string]string, len(uris))
	for _, uri := range uris {
		docs[uri] = s.docs[uri]
	}
	s.mu.Unlock()

	var locations []protocol.Location
	for _, uri := range uris {
		text := docs[uri]
		for _, m := range re.FindAllStringSubmatchIndex(text, -1) {
			// The first participating group holds the name.
			for g := 1; 2*g+1 < len(m); g++ {
				if m[2*g] < 0 {
					continue
				}
				locations = append(locations, protocol.Location{
					URI: protocol.DocumentUri(uri),
					Range: protocol.Range{
						Start: offsetPosition(text, m[2*g]),
						End:   offsetPosition(text, m[2*g+1]),
					},
				})
				break
			}
		}
	}
	return locations
}

// offsetPosition converts a byte offset into a zero-based line and
// character.
func offsetPosition(text string, offset int) protocol.Position {
	before := text[:offset]
	line := strings.Count(before, "\n")
	start := strings.LastIndexByte(before, '\n') + 1
	return protocol.Position{
		Line:      protocol.UInteger(line),
		Character: protocol.UInteger(utf8.RuneCountInString(before[start:])),
	}
}

// --- Diagnostics ---

// checkDiagnostics assembles text and reports the first error.
func (s *LspServer) checkDiagnostics(uri protocol.DocumentUri, text string) ([]protocol.Diagnostic, error) {
	result, err := s.worker.Do(context.Background(), func(v *vm.VM) (any, error) {
		if _, err := v.Assemble(text, string(uri)); err != nil {
			return diagnostic(err), nil
		}
		return nil, nil
	})
	if err != nil {
		return nil, err
	}

	var diagnostics []protocol.Diagnostic
	if d, ok := result.(Diagnostic); ok {
		severity := protocol.DiagnosticSeverityError
		source := lspName
		at := protocol.Position{}
		if d.Line > 0 {
			at.Line = protocol.UInteger(d.Line - 1)
		}
		if d.Column > 0 {
			at.Character = protocol.UInteger(d.Column - 1)
		}
		diagnostics = append(diagnostics, protocol.Diagnostic{
			Range:    protocol.Range{Start: at, End: at},
			Severity: &severity,
			Source:   &source,
			Message:  d.Message,
		})
	}
	return diagnostics, nil
}

func (s *LspServer) publishDiagnostics(ctx *glsp.Context, uri protocol.DocumentUri, text string) {
	diagnostics, err := s.checkDiagnostics(uri, text)
	if err != nil {
		log.Warningf("diagnostics for %s: %v", uri, err)
		return
	}
	if diagnostics == nil {
		diagnostics = []protocol.Diagnostic{}
	}

	go ctx.Notify(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: diagnostics,
	})
}

// --- Text extraction helpers ---

// isSymbolRune reports whether r can appear in an assembly symbol.
func isSymbolRune(r byte) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r >= 0x80:
		return true
	}
	return strings.IndexByte("!$%&*/:<=>?^_~+-.@", r) >= 0
}

// extractPrefix returns the symbol fragment before the cursor for
// completion.
func extractPrefix(text string, pos protocol.Position) string {
	lines := strings.Split(text, "\n")
	if int(pos.Line) >= len(lines) {
		return ""
	}
	line := lines[pos.Line]
	col := int(pos.Character)
	if col > len(line) {
		col = len(line)
	}

	start := col
	for start > 0 && isSymbolRune(line[start-1]) {
		start--
	}

	return line[start:col]
}

// extractWord returns the full symbol under the cursor.
func extractWord(text string, pos protocol.Position) string {
	lines := strings.Split(text, "\n")
	if int(pos.Line) >= len(lines) {
		return ""
	}
	line := lines[pos.Line]
	col := int(pos.Character)
	if col > len(line) {
		col = len(line)
	}

	start := col
	for start > 0 && isSymbolRune(line[start-1]) {
		start--
	}
	end := col
	for end < len(line) && isSymbolRune(line[end]) {
		end++
	}

	return line[start:end]
}

func boolPtr(b bool) *bool {
	return &b
}
