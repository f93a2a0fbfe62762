package heap

import "fmt"

// Value is a tagged machine word. The low bits select the representation:
//
//	xxxx...xxx1  fixnum (63-bit signed payload)
//	xxxx...x000  heap reference (index << 3, index 0 reserved)
//	xxxx...x010  immediate (kind in bits 8..15, payload in bits 16..63)
//
// A zero Value is never valid; it marks empty slots.
type Value uint64

const (
	tagMask      Value = 0x7
	tagRef       Value = 0x0
	tagImmediate Value = 0x2

	immKindShift    = 8
	immPayloadShift = 16
)

// Immediate kinds. Kinds at or above PrivateBase belong to the mutator
// and are never interpreted by the collector.
const (
	kindSpecial uint8 = 0
	kindChar    uint8 = 1

	PrivateBase uint8 = 0x80
)

const (
	specialNil uint64 = iota
	specialTrue
	specialFalse
	specialUnspecified
	specialUndefined
	specialEOF
)

func immediate(kind uint8, payload uint64) Value {
	return Value(payload<<immPayloadShift | uint64(kind)<<immKindShift | uint64(tagImmediate))
}

// Predefined immediates.
const (
	Nil         = Value(specialNil<<immPayloadShift|uint64(kindSpecial)<<immKindShift) | tagImmediate
	True        = Value(specialTrue<<immPayloadShift|uint64(kindSpecial)<<immKindShift) | tagImmediate
	False       = Value(specialFalse<<immPayloadShift|uint64(kindSpecial)<<immKindShift) | tagImmediate
	Unspecified = Value(specialUnspecified<<immPayloadShift|uint64(kindSpecial)<<immKindShift) | tagImmediate
	Undefined   = Value(specialUndefined<<immPayloadShift|uint64(kindSpecial)<<immKindShift) | tagImmediate
	EOF         = Value(specialEOF<<immPayloadShift|uint64(kindSpecial)<<immKindShift) | tagImmediate
)

// Fixnum range (63-bit signed).
const (
	MaxFixnum int64 = 1<<62 - 1
	MinFixnum int64 = -1 << 62
)

// ---------------------------------------------------------------------------
// Constructors
// ---------------------------------------------------------------------------

// Fixnum encodes n. The caller must check FixnumFits for untrusted input.
func Fixnum(n int64) Value {
	return Value(uint64(n)<<1 | 1)
}

// FixnumFits reports whether n is representable as a fixnum.
func FixnumFits(n int64) bool {
	return n >= MinFixnum && n <= MaxFixnum
}

// Char encodes a character.
func Char(r rune) Value {
	return immediate(kindChar, uint64(uint32(r)))
}

// Bool maps a Go bool onto #t / #f.
func Bool(b bool) Value {
	if b {
		return True
	}
	return False
}

// Private builds a mutator-private immediate. kind is an offset from
// PrivateBase.
func Private(kind uint8, payload uint64) Value {
	return immediate(PrivateBase+kind, payload)
}

func ref(index uint64) Value {
	return Value(index << 3)
}

// ---------------------------------------------------------------------------
// Predicates and accessors
// ---------------------------------------------------------------------------

func (v Value) IsFixnum() bool { return v&1 == 1 }

// Int returns the fixnum payload.
func (v Value) Int() int64 { return int64(v) >> 1 }

// IsRef reports whether v refers to a heap object.
func (v Value) IsRef() bool { return v != 0 && v&tagMask == tagRef }

// IsImmediate reports whether v carries no heap reference. Only immediate
// values may be stored in cells the collector does not trace.
func (v Value) IsImmediate() bool { return v != 0 && !v.IsRef() }

func (v Value) index() uint64 { return uint64(v) >> 3 }

func (v Value) immKind() uint8 {
	if v&tagMask != tagImmediate {
		return 0xff
	}
	return uint8(uint64(v) >> immKindShift)
}

func (v Value) IsChar() bool { return v.immKind() == kindChar }

// Rune returns the character payload.
func (v Value) Rune() rune { return rune(uint32(uint64(v) >> immPayloadShift)) }

func (v Value) IsBool() bool { return v == True || v == False }

// IsTrue follows Scheme truthiness: everything except #f is true.
func (v Value) IsTrue() bool { return v != False }

// IsPrivate reports whether v is a mutator-private immediate.
func (v Value) IsPrivate() bool {
	k := v.immKind()
	return k != 0xff && k >= PrivateBase
}

// PrivateKind returns the kind passed to Private.
func (v Value) PrivateKind() uint8 { return v.immKind() - PrivateBase }

// PrivatePayload returns the payload passed to Private.
func (v Value) PrivatePayload() uint64 { return uint64(v) >> immPayloadShift }

func (v Value) String() string {
	switch {
	case v == 0:
		return "#<empty>"
	case v.IsFixnum():
		return fmt.Sprintf("%d", v.Int())
	case v.IsRef():
		return fmt.Sprintf("#<ref %d>", v.index())
	case v.IsChar():
		return fmt.Sprintf("#\\%c", v.Rune())
	case v.IsPrivate():
		return fmt.Sprintf("#<private %d:%d>", v.PrivateKind(), v.PrivatePayload())
	}
	switch v {
	case Nil:
		return "()"
	case True:
		return "#t"
	case False:
		return "#f"
	case Unspecified:
		return "#<unspecified>"
	case Undefined:
		return "#<undefined>"
	case EOF:
		return "#<eof>"
	}
	return fmt.Sprintf("#<invalid %#x>", uint64(v))
}
