// Package image serializes assembled code to a portable CBOR image and back.
// An image holds data only: the top-level forms as read, before prebinding.
// Loading an image therefore goes through the same checks as loading
// assembly text.
package image

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/chazu/kestrel/vm/heap"
)

// Version is the current image format.
const Version = 1

var (
	ErrVersion  = errors.New("image: unsupported version")
	ErrChecksum = errors.New("image: checksum mismatch")
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

// Each level of code nesting costs two CBOR levels (the node map and its
// element array), so the decoder limits are raised to what the encoder can
// produce.
func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("image: failed to create CBOR enc mode: %v", err))
	}
	encMode = em

	dm, err := cbor.DecOptions{
		MaxNestedLevels:  65535,
		MaxArrayElements: 1 << 24,
		MaxMapPairs:      1 << 24,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("image: failed to create CBOR dec mode: %v", err))
	}
	decMode = dm
}

// Kind identifies a node in the image tree.
type Kind uint8

const (
	KindNil Kind = iota
	KindFixnum
	KindSymbol
	KindString
	KindChar
	KindBool
	KindUnspecified
	KindList
	KindVector
)

// Node is one datum. Lists store their elements flat in Elts with an
// optional non-nil Tail for dotted lists, so long code lists do not nest.
type Node struct {
	Kind Kind   `cbor:"1,keyasint"`
	Int  int64  `cbor:"2,keyasint,omitempty"`
	Text string `cbor:"3,keyasint,omitempty"`
	Elts []Node `cbor:"4,keyasint,omitempty"`
	Tail *Node  `cbor:"5,keyasint,omitempty"`
}

// Image is the file format.
type Image struct {
	Version uint8    `cbor:"1,keyasint"`
	Source  string   `cbor:"2,keyasint"`
	Hash    [32]byte `cbor:"3,keyasint"`
	Forms   []Node   `cbor:"4,keyasint"`
}

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

// Encode serializes forms, a proper list of data living in h. The caller
// must keep forms reachable for the duration of the call.
func Encode(h *heap.Heap, source string, forms heap.Value) ([]byte, error) {
	e := &encoder{h: h, active: make(map[heap.Value]bool)}
	elts, tail, err := e.spine(forms)
	if err != nil {
		return nil, err
	}
	if tail != heap.Nil {
		return nil, errors.New("image: form list is improper")
	}
	img := &Image{Version: Version, Source: source, Forms: elts}
	if img.Hash, err = hashForms(img.Forms); err != nil {
		return nil, err
	}
	return encMode.Marshal(img)
}

type encoder struct {
	h      *heap.Heap
	active map[heap.Value]bool
}

func (e *encoder) node(v heap.Value) (Node, error) {
	switch {
	case v == heap.Nil:
		return Node{Kind: KindNil}, nil
	case v.IsFixnum():
		return Node{Kind: KindFixnum, Int: v.Int()}, nil
	case v == heap.True || v == heap.False:
		n := Node{Kind: KindBool}
		if v == heap.True {
			n.Int = 1
		}
		return n, nil
	case v == heap.Unspecified:
		return Node{Kind: KindUnspecified}, nil
	case v.IsChar():
		return Node{Kind: KindChar, Int: int64(v.Rune())}, nil
	case !v.IsRef():
		return Node{}, fmt.Errorf("image: cannot serialize immediate %v", v)
	}

	if e.active[v] {
		return Node{}, errors.New("image: circular structure")
	}
	e.active[v] = true
	defer delete(e.active, v)

	switch o := e.h.Get(v).(type) {
	case *heap.Symbol:
		return Node{Kind: KindSymbol, Text: o.Name}, nil
	case *heap.String:
		return Node{Kind: KindString, Text: string(o.Data)}, nil
	case *heap.Pair:
		elts, tail, err := e.spine(v)
		if err != nil {
			return Node{}, err
		}
		n := Node{Kind: KindList, Elts: elts}
		if tail != heap.Nil {
			t, err := e.node(tail)
			if err != nil {
				return Node{}, err
			}
			n.Tail = &t
		}
		return n, nil
	case *heap.Vector:
		n := Node{Kind: KindVector, Elts: make([]Node, 0, len(o.Elts))}
		for _, x := range o.Elts {
			c, err := e.node(x)
			if err != nil {
				return Node{}, err
			}
			n.Elts = append(n.Elts, c)
		}
		return n, nil
	default:
		return Node{}, fmt.Errorf("image: cannot serialize %T", o)
	}
}

// spine encodes the cars of a list and returns whatever ends it.
func (e *encoder) spine(v heap.Value) ([]Node, heap.Value, error) {
	var elts []Node
	seen := make(map[heap.Value]bool)
	for v != heap.Nil {
		p, ok := heap.As[*heap.Pair](e.h, v)
		if !ok {
			break
		}
		if seen[v] {
			return nil, heap.Nil, errors.New("image: circular list")
		}
		seen[v] = true
		n, err := e.node(p.Car)
		if err != nil {
			return nil, heap.Nil, err
		}
		elts = append(elts, n)
		v = p.Cdr
	}
	return elts, v, nil
}

func hashForms(forms []Node) ([32]byte, error) {
	data, err := encMode.Marshal(forms)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(data), nil
}

// ---------------------------------------------------------------------------
// Decoding
// ---------------------------------------------------------------------------

// Unmarshal parses and verifies an image without touching a heap.
func Unmarshal(data []byte) (*Image, error) {
	var img Image
	if err := decMode.Unmarshal(data, &img); err != nil {
		return nil, fmt.Errorf("image: unmarshal: %w", err)
	}
	if img.Version != Version {
		return nil, fmt.Errorf("%w: %d", ErrVersion, img.Version)
	}
	sum, err := hashForms(img.Forms)
	if err != nil {
		return nil, err
	}
	if sum != img.Hash {
		return nil, ErrChecksum
	}
	return &img, nil
}

// Decode rebuilds the forms of data in h and returns them as a list. The
// caller must hold the world so nothing moves while the list is built.
func Decode(h *heap.Heap, data []byte) (heap.Value, *Image, error) {
	img, err := Unmarshal(data)
	if err != nil {
		return heap.Nil, nil, err
	}
	forms, err := build(h, img.Forms, nil)
	if err != nil {
		return heap.Nil, nil, err
	}
	return forms, img, nil
}

func build(h *heap.Heap, elts []Node, tail *Node) (heap.Value, error) {
	end := heap.Nil
	if tail != nil {
		v, err := value(h, *tail)
		if err != nil {
			return heap.Nil, err
		}
		end = v
	}
	for i := len(elts) - 1; i >= 0; i-- {
		v, err := value(h, elts[i])
		if err != nil {
			return heap.Nil, err
		}
		end = h.Alloc(&heap.Pair{Car: v, Cdr: end})
	}
	return end, nil
}

func value(h *heap.Heap, n Node) (heap.Value, error) {
	switch n.Kind {
	case KindNil:
		return heap.Nil, nil
	case KindFixnum:
		if !heap.FixnumFits(n.Int) {
			return heap.Nil, fmt.Errorf("image: fixnum %d out of range", n.Int)
		}
		return heap.Fixnum(n.Int), nil
	case KindBool:
		return heap.Bool(n.Int != 0), nil
	case KindUnspecified:
		return heap.Unspecified, nil
	case KindChar:
		return heap.Char(rune(n.Int)), nil
	case KindSymbol:
		return h.Intern(n.Text), nil
	case KindString:
		return h.Alloc(&heap.String{Data: []rune(n.Text)}), nil
	case KindList:
		if len(n.Elts) == 0 {
			return heap.Nil, errors.New("image: empty list node")
		}
		return build(h, n.Elts, n.Tail)
	case KindVector:
		elts := make([]heap.Value, len(n.Elts))
		for i, c := range n.Elts {
			v, err := value(h, c)
			if err != nil {
				return heap.Nil, err
			}
			elts[i] = v
		}
		return h.Alloc(&heap.Vector{Elts: elts}), nil
	}
	return heap.Nil, fmt.Errorf("image: unknown node kind %d", n.Kind)
}
