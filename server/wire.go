package server

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"google.golang.org/grpc/encoding"
)

// ---------------------------------------------------------------------------
// Codec
//
// The eval service has no generated messages; requests and responses are
// plain structs carried as CBOR. The same codec serves gRPC (registered
// under its content subtype) and Connect (passed with connect.WithCodec).
// ---------------------------------------------------------------------------

// CodecName is the content subtype of the eval service.
const CodecName = "cbor"

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("server: failed to create CBOR enc mode: %v", err))
	}
	encMode = em

	dm, err := cbor.DecOptions{ExtraReturnErrors: cbor.ExtraDecErrorUnknownField}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("server: failed to create CBOR dec mode: %v", err))
	}
	decMode = dm

	encoding.RegisterCodec(Codec{})
}

// Codec marshals service messages as CBOR.
type Codec struct{}

func (Codec) Name() string { return CodecName }

func (Codec) Marshal(v any) ([]byte, error) { return encMode.Marshal(v) }

func (Codec) Unmarshal(data []byte, v any) error { return decMode.Unmarshal(data, v) }

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// EvalRequest runs assembly source. Name labels the source in backtraces
// and defaults to "eval".
type EvalRequest struct {
	Session string `cbor:"1,keyasint,omitempty"`
	Source  string `cbor:"2,keyasint"`
	Name    string `cbor:"3,keyasint,omitempty"`
}

// EvalResponse reports the value of the last form. A Scheme error is a
// successful RPC with Success false and Error set.
type EvalResponse struct {
	Success bool       `cbor:"1,keyasint"`
	Result  string     `cbor:"2,keyasint,omitempty"`
	Type    string     `cbor:"3,keyasint,omitempty"`
	Handle  string     `cbor:"4,keyasint,omitempty"`
	Output  string     `cbor:"5,keyasint,omitempty"`
	Error   *ErrorInfo `cbor:"6,keyasint,omitempty"`
}

// ErrorInfo mirrors vm.Error, or carries a system error's text in Message
// with Kind "system".
type ErrorInfo struct {
	Kind      string      `cbor:"1,keyasint"`
	Who       string      `cbor:"2,keyasint,omitempty"`
	Message   string      `cbor:"3,keyasint"`
	Irritants []string    `cbor:"4,keyasint,omitempty"`
	Backtrace []FrameInfo `cbor:"5,keyasint,omitempty"`
}

type FrameInfo struct {
	Name   string `cbor:"1,keyasint"`
	Source string `cbor:"2,keyasint,omitempty"`
	Line   int    `cbor:"3,keyasint,omitempty"`
	Column int    `cbor:"4,keyasint,omitempty"`
}

// CheckRequest reads and assembles source without running it.
type CheckRequest struct {
	Source string `cbor:"1,keyasint"`
	Name   string `cbor:"2,keyasint,omitempty"`
}

type CheckResponse struct {
	Valid       bool         `cbor:"1,keyasint"`
	Diagnostics []Diagnostic `cbor:"2,keyasint,omitempty"`
}

// Diagnostic positions are 1-based; zero means unknown.
type Diagnostic struct {
	Line    int    `cbor:"1,keyasint,omitempty"`
	Column  int    `cbor:"2,keyasint,omitempty"`
	Message string `cbor:"3,keyasint"`
}

type OpenSessionRequest struct {
	Name string `cbor:"1,keyasint,omitempty"`
}

type SessionInfo struct {
	ID      string `cbor:"1,keyasint"`
	Name    string `cbor:"2,keyasint,omitempty"`
	Evals   int    `cbor:"3,keyasint,omitempty"`
	Handles int    `cbor:"4,keyasint,omitempty"`
}

type CloseSessionRequest struct {
	ID string `cbor:"1,keyasint"`
}

// InspectRequest renders a value held by a handle.
type InspectRequest struct {
	Handle string `cbor:"1,keyasint"`
}

type InspectResponse struct {
	Type     string   `cbor:"1,keyasint"`
	Written  string   `cbor:"2,keyasint"`
	Display  string   `cbor:"3,keyasint"`
	Elements []string `cbor:"4,keyasint,omitempty"`
}

type ReleaseRequest struct {
	Handle string `cbor:"1,keyasint"`
}

// Empty is the response of calls that return nothing.
type Empty struct{}
