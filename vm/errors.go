package vm

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors returned by the host boundary.
var (
	ErrStopped    = errors.New("vm: stopped")
	ErrNotBooted  = errors.New("vm: not booted")
	ErrReentrant  = errors.New("vm: run called from inside the dispatch loop")
	ErrTerminated = errors.New("vm: instance terminated")
)

// ---------------------------------------------------------------------------
// System errors
// ---------------------------------------------------------------------------

// SystemErrorKind classifies non-recoverable failures.
type SystemErrorKind int

const (
	KindInternal SystemErrorKind = iota
	KindStackOverflow
	KindResourceExhausted
	KindStopped
)

func (k SystemErrorKind) String() string {
	switch k {
	case KindInternal:
		return "internal"
	case KindStackOverflow:
		return "stack-overflow"
	case KindResourceExhausted:
		return "resource-exhausted"
	case KindStopped:
		return "stopped"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// SystemError terminates the current instance's useful work. It is never
// seen by Scheme exception handlers.
type SystemError struct {
	Kind    SystemErrorKind
	Message string
}

func (e *SystemError) Error() string {
	return fmt.Sprintf("system error (%s): %s", e.Kind, e.Message)
}

// Is matches on Kind so callers can test errors.Is(err, ErrStackOverflow).
func (e *SystemError) Is(target error) bool {
	t, ok := target.(*SystemError)
	return ok && t.Message == "" && t.Kind == e.Kind
}

// Kind-only targets for errors.Is.
var (
	ErrStackOverflow     = &SystemError{Kind: KindStackOverflow}
	ErrResourceExhausted = &SystemError{Kind: KindResourceExhausted}
	ErrInternal          = &SystemError{Kind: KindInternal}
)

func systemErrorf(kind SystemErrorKind, format string, args ...any) *SystemError {
	return &SystemError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// ---------------------------------------------------------------------------
// Scheme errors
// ---------------------------------------------------------------------------

// Frame is one materialized backtrace entry. Missing information renders as
// placeholders.
type Frame struct {
	Name   string
	Source string
	Line   int
	Column int
}

func (f Frame) String() string {
	name := f.Name
	if name == "" {
		name = "?"
	}
	if f.Source == "" {
		return name
	}
	return fmt.Sprintf("%s (%s:%d:%d)", name, f.Source, f.Line, f.Column)
}

// Error is a Scheme-level error. Primitives return it to raise a condition;
// when no handler takes it, it surfaces to the host with its backtrace.
type Error struct {
	Kind      string
	Who       string
	Message   string
	Irritants []string
	Backtrace []Frame

	values  []Value
	aborted bool
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Who != "" {
		fmt.Fprintf(&b, "error in %s: %s", e.Who, e.Message)
	} else {
		fmt.Fprintf(&b, "error: %s", e.Message)
	}
	if len(e.Irritants) > 0 {
		fmt.Fprintf(&b, " (irritants: %s)", strings.Join(e.Irritants, " "))
	}
	return b.String()
}

// schemeError builds an error of kind "error". Irritants are rendered
// immediately; the raw values only survive until the loop raises them.
func (vm *VM) schemeError(who, message string, irritants ...Value) *Error {
	return vm.conditionError("error", who, message, irritants...)
}

func (vm *VM) conditionError(kind, who, message string, irritants ...Value) *Error {
	e := &Error{Kind: kind, Who: who, Message: message, values: irritants}
	for _, v := range irritants {
		e.Irritants = append(e.Irritants, vm.restrictedString(v))
	}
	return e
}

// wrongType is the common argument check failure.
func (vm *VM) wrongType(who string, position int, expected string, got Value) *Error {
	return vm.schemeError(who,
		fmt.Sprintf("expected %s, but got %s, as argument %d", expected, vm.WriteString(got), position),
		got)
}

// ---------------------------------------------------------------------------
// Internal control signals
// ---------------------------------------------------------------------------

// errHalt ends the loop normally with the value register as result.
var errHalt = errors.New("vm: halt")

// escapeSignal carries a continuation invocation out of a nested host call
// to the loop that owns the continuation.
type escapeSignal struct {
	k    Value
	vals Value
}

func (*escapeSignal) Error() string { return "vm: continuation escape" }
