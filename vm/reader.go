package vm

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/chazu/kestrel/vm/heap"
)

// Position is a location in assembly source, 1-based.
type Position struct {
	Line   int
	Column int
}

// ReadError reports malformed assembly text or code.
type ReadError struct {
	Source string
	Position
	Message string
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("%s:%d:%d: %s", e.Source, e.Line, e.Column, e.Message)
}

// ---------------------------------------------------------------------------
// Reader
// ---------------------------------------------------------------------------

// reader turns s-expression text into heap data. It records the position
// of every list it builds so the loader can attach source comments.
type reader struct {
	vm        *VM
	name      string
	src       []rune
	pos       int
	line, col int
	positions map[Value]Position
}

func newReader(vm *VM, src, name string) *reader {
	return &reader{
		vm:        vm,
		name:      name,
		src:       []rune(src),
		line:      1,
		col:       1,
		positions: make(map[Value]Position),
	}
}

func (r *reader) errorf(at Position, format string, args ...any) *ReadError {
	return &ReadError{Source: r.name, Position: at, Message: fmt.Sprintf(format, args...)}
}

func (r *reader) here() Position { return Position{Line: r.line, Column: r.col} }

func (r *reader) peek() (rune, bool) {
	if r.pos >= len(r.src) {
		return 0, false
	}
	return r.src[r.pos], true
}

func (r *reader) next() rune {
	c := r.src[r.pos]
	r.pos++
	if c == '\n' {
		r.line++
		r.col = 1
	} else {
		r.col++
	}
	return c
}

// skipAtmosphere skips whitespace and comments, including #| |# blocks and
// #; datum comments.
func (r *reader) skipAtmosphere() error {
	for {
		c, ok := r.peek()
		if !ok {
			return nil
		}
		switch {
		case unicode.IsSpace(c):
			r.next()
		case c == ';':
			for {
				c, ok := r.peek()
				if !ok || c == '\n' {
					break
				}
				r.next()
			}
		case c == '#' && r.pos+1 < len(r.src) && r.src[r.pos+1] == '|':
			start := r.here()
			r.next()
			r.next()
			depth := 1
			for depth > 0 {
				if r.pos+1 >= len(r.src) {
					return r.errorf(start, "unterminated block comment")
				}
				switch {
				case r.src[r.pos] == '|' && r.src[r.pos+1] == '#':
					depth--
					r.next()
				case r.src[r.pos] == '#' && r.src[r.pos+1] == '|':
					depth++
					r.next()
				}
				r.next()
			}
		case c == '#' && r.pos+1 < len(r.src) && r.src[r.pos+1] == ';':
			r.next()
			r.next()
			if _, err := r.read(); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// readAll reads every datum in the source.
func (r *reader) readAll() ([]Value, error) {
	var forms []Value
	for {
		v, err := r.read()
		if err != nil {
			return nil, err
		}
		if v == EOF {
			return forms, nil
		}
		forms = append(forms, v)
	}
}

// read returns the next datum, or EOF at the end of input.
func (r *reader) read() (Value, error) {
	if err := r.skipAtmosphere(); err != nil {
		return Nil, err
	}
	c, ok := r.peek()
	if !ok {
		return EOF, nil
	}
	start := r.here()
	switch c {
	case '(', '[':
		r.next()
		return r.readList(start, closer(c))
	case ')', ']':
		r.next()
		return Nil, r.errorf(start, "unexpected %q", c)
	case '\'':
		r.next()
		return r.readQuoted(start, "quote")
	case '`':
		r.next()
		return r.readQuoted(start, "quasiquote")
	case ',':
		r.next()
		return r.readQuoted(start, "unquote")
	case '"':
		r.next()
		return r.readString(start)
	case '#':
		return r.readHash(start)
	}
	return r.readAtom(start)
}

func closer(open rune) rune {
	if open == '[' {
		return ']'
	}
	return ')'
}

func (r *reader) readQuoted(start Position, name string) (Value, error) {
	v, err := r.read()
	if err != nil {
		return Nil, err
	}
	if v == EOF {
		return Nil, r.errorf(start, "unexpected end of input after quote")
	}
	return r.vm.list(r.vm.Intern(name), v), nil
}

func (r *reader) readList(start Position, end rune) (Value, error) {
	var elts []Value
	tail := Nil
	for {
		if err := r.skipAtmosphere(); err != nil {
			return Nil, err
		}
		c, ok := r.peek()
		if !ok {
			return Nil, r.errorf(start, "unterminated list")
		}
		if c == ')' || c == ']' {
			r.next()
			if c != end {
				return Nil, r.errorf(start, "list opened with %q closed with %q", closerOpen(end), c)
			}
			break
		}
		if c == '.' && r.delimitedAt(r.pos+1) {
			dot := r.here()
			r.next()
			if len(elts) == 0 {
				return Nil, r.errorf(dot, "dot at start of list")
			}
			v, err := r.read()
			if err != nil {
				return Nil, err
			}
			if v == EOF {
				return Nil, r.errorf(start, "unterminated list")
			}
			tail = v
			if err := r.skipAtmosphere(); err != nil {
				return Nil, err
			}
			c, ok := r.peek()
			if !ok || c != end {
				return Nil, r.errorf(dot, "expected %q after dotted tail", end)
			}
			r.next()
			break
		}
		v, err := r.read()
		if err != nil {
			return Nil, err
		}
		elts = append(elts, v)
	}
	result := tail
	for i := len(elts) - 1; i >= 0; i-- {
		result = r.vm.Cons(elts[i], result)
	}
	if result != Nil && len(elts) > 0 {
		r.positions[result] = start
	}
	return result, nil
}

func closerOpen(end rune) rune {
	if end == ']' {
		return '['
	}
	return '('
}

func (r *reader) delimitedAt(i int) bool {
	if i >= len(r.src) {
		return true
	}
	c := r.src[i]
	return unicode.IsSpace(c) || strings.ContainsRune("()[]\";", c)
}

func (r *reader) readString(start Position) (Value, error) {
	var b strings.Builder
	for {
		c, ok := r.peek()
		if !ok {
			return Nil, r.errorf(start, "unterminated string")
		}
		r.next()
		if c == '"' {
			break
		}
		if c != '\\' {
			b.WriteRune(c)
			continue
		}
		e, ok := r.peek()
		if !ok {
			return Nil, r.errorf(start, "unterminated string")
		}
		r.next()
		switch e {
		case 'n':
			b.WriteRune('\n')
		case 't':
			b.WriteRune('\t')
		case 'r':
			b.WriteRune('\r')
		case 'a':
			b.WriteRune('\a')
		case '0':
			b.WriteRune(0)
		case '\\', '"':
			b.WriteRune(e)
		case 'x':
			var hex strings.Builder
			for {
				h, ok := r.peek()
				if !ok {
					return Nil, r.errorf(start, "unterminated string")
				}
				r.next()
				if h == ';' {
					break
				}
				hex.WriteRune(h)
			}
			n, err := strconv.ParseInt(hex.String(), 16, 32)
			if err != nil {
				return Nil, r.errorf(start, "bad hex escape \\x%s;", hex.String())
			}
			b.WriteRune(rune(n))
		case '\n':
			for {
				c, ok := r.peek()
				if !ok || (c != ' ' && c != '\t') {
					break
				}
				r.next()
			}
		default:
			return Nil, r.errorf(start, "unknown string escape \\%c", e)
		}
	}
	return r.vm.MakeString(b.String()), nil
}

func (r *reader) readHash(start Position) (Value, error) {
	r.next()
	c, ok := r.peek()
	if !ok {
		return Nil, r.errorf(start, "unexpected end of input after #")
	}
	switch c {
	case '(':
		r.next()
		lst, err := r.readList(start, ')')
		if err != nil {
			return Nil, err
		}
		elts, ok := r.vm.listToSlice(lst)
		if !ok {
			return Nil, r.errorf(start, "dotted vector literal")
		}
		return r.vm.MakeVector(elts), nil
	case '\\':
		r.next()
		return r.readChar(start)
	}
	tok := r.token()
	switch tok {
	case "t", "true":
		return True, nil
	case "f", "false":
		return False, nil
	case "<unspecified>":
		return Unspecified, nil
	case "<eof>":
		return EOF, nil
	}
	if strings.HasPrefix(tok, "x") || strings.HasPrefix(tok, "X") {
		if n, err := strconv.ParseInt(tok[1:], 16, 64); err == nil && heap.FixnumFits(n) {
			return Fixnum(n), nil
		}
	}
	return Nil, r.errorf(start, "unknown syntax #%s", tok)
}

func (r *reader) readChar(start Position) (Value, error) {
	first, ok := r.peek()
	if !ok {
		return Nil, r.errorf(start, "unexpected end of input in character")
	}
	r.next()
	rest := r.token()
	if rest == "" {
		return heap.Char(first), nil
	}
	name := string(first) + rest
	for r0, n := range charNames {
		if n == name {
			return heap.Char(r0), nil
		}
	}
	if first == 'x' {
		if n, err := strconv.ParseInt(rest, 16, 32); err == nil {
			return heap.Char(rune(n)), nil
		}
	}
	return Nil, r.errorf(start, "unknown character name #\\%s", name)
}

// token consumes characters up to the next delimiter.
func (r *reader) token() string {
	var b strings.Builder
	for !r.delimitedAt(r.pos) {
		b.WriteRune(r.next())
	}
	return b.String()
}

func (r *reader) readAtom(start Position) (Value, error) {
	tok := r.token()
	if tok == "" {
		c := r.next()
		return Nil, r.errorf(start, "unexpected %q", c)
	}
	if n, err := strconv.ParseInt(tok, 10, 64); err == nil {
		if !heap.FixnumFits(n) {
			return Nil, r.errorf(start, "integer %s out of fixnum range", tok)
		}
		return Fixnum(n), nil
	}
	if tok[0] == '|' && len(tok) > 1 && tok[len(tok)-1] == '|' {
		tok = tok[1 : len(tok)-1]
	}
	return r.vm.Intern(tok), nil
}

// Read parses src into a list of data without prebinding or running it.
func (vm *VM) Read(src, name string) (Value, error) {
	vm.acquireWorld()
	defer vm.releaseWorld()
	forms, err := newReader(vm, src, name).readAll()
	if err != nil {
		return Nil, err
	}
	return vm.list(forms...), nil
}
