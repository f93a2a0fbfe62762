package vm

import (
	"fmt"
)

// Flags are the system configuration cells. They are not collector roots,
// so every cell must hold an immediate value; Set enforces that.
type Flags struct {
	LexicalSyntaxVersion      Value
	MutableLiterals           Value
	CollectNotify             Value
	CollectStackNotify        Value
	Backtrace                 Value
	BacktraceLineLength       Value
	RestrictedPrintLineLength Value
	RecordPrintNestingLimit   Value
	WarningLevel              Value
}

type flagKind uint8

const (
	flagBool flagKind = 1 << iota
	flagFixnum
)

type flagSpec struct {
	name string
	kind flagKind
	cell func(*Flags) *Value
}

var flagSpecs = []flagSpec{
	{"lexical-syntax-version", flagFixnum, func(f *Flags) *Value { return &f.LexicalSyntaxVersion }},
	{"mutable-literals", flagBool, func(f *Flags) *Value { return &f.MutableLiterals }},
	{"collect-notify", flagBool, func(f *Flags) *Value { return &f.CollectNotify }},
	{"collect-stack-notify", flagBool, func(f *Flags) *Value { return &f.CollectStackNotify }},
	{"backtrace", flagBool | flagFixnum, func(f *Flags) *Value { return &f.Backtrace }},
	{"backtrace-line-length", flagFixnum, func(f *Flags) *Value { return &f.BacktraceLineLength }},
	{"restricted-print-line-length", flagBool | flagFixnum, func(f *Flags) *Value { return &f.RestrictedPrintLineLength }},
	{"record-print-nesting-limit", flagFixnum, func(f *Flags) *Value { return &f.RecordPrintNestingLimit }},
	{"warning-level", flagBool | flagFixnum, func(f *Flags) *Value { return &f.WarningLevel }},
}

// DefaultBacktraceDepth applies when the backtrace flag is #t.
const DefaultBacktraceDepth = 12

// DefaultFlags returns the boot-time flag settings.
func DefaultFlags() Flags {
	return Flags{
		LexicalSyntaxVersion:      Fixnum(6),
		MutableLiterals:           False,
		CollectNotify:             False,
		CollectStackNotify:        False,
		Backtrace:                 True,
		BacktraceLineLength:       Fixnum(80),
		RestrictedPrintLineLength: Fixnum(40),
		RecordPrintNestingLimit:   Fixnum(2),
		WarningLevel:              False,
	}
}

// FlagNames lists the flag names in declaration order.
func FlagNames() []string {
	names := make([]string, len(flagSpecs))
	for i, s := range flagSpecs {
		names[i] = s.name
	}
	return names
}

func lookupFlag(name string) (flagSpec, bool) {
	for _, s := range flagSpecs {
		if s.name == name {
			return s, true
		}
	}
	return flagSpec{}, false
}

// Get returns the value of a named flag.
func (f *Flags) Get(name string) (Value, bool) {
	s, ok := lookupFlag(name)
	if !ok {
		return 0, false
	}
	return *s.cell(f), true
}

// Set stores v into a named flag. Heap references are rejected outright;
// immediates must also match the flag's kind.
func (f *Flags) Set(name string, v Value) error {
	s, ok := lookupFlag(name)
	if !ok {
		return fmt.Errorf("unknown system flag %q", name)
	}
	if !v.IsImmediate() {
		return fmt.Errorf("system flag %s: value %v is not immediate", name, v)
	}
	switch {
	case v.IsBool() && s.kind&flagBool != 0:
	case v.IsFixnum() && s.kind&flagFixnum != 0:
		if v.Int() < 0 {
			return fmt.Errorf("system flag %s: negative value %d", name, v.Int())
		}
	default:
		return fmt.Errorf("system flag %s: value %v has the wrong type", name, v)
	}
	*s.cell(f) = v
	return nil
}

// Validate checks every cell, for flags assembled outside Set. An unset
// cell is an error; fillDefaults supplies them.
func (f *Flags) Validate() error {
	for _, s := range flagSpecs {
		v := *s.cell(f)
		if v == 0 {
			return fmt.Errorf("flag %s is unset", s.name)
		}
		if err := (&Flags{}).Set(s.name, v); err != nil {
			return err
		}
	}
	return nil
}

// fillDefaults copies the default into every unset cell.
func (f *Flags) fillDefaults() {
	def := DefaultFlags()
	for _, s := range flagSpecs {
		if *s.cell(f) == 0 {
			*s.cell(f) = *s.cell(&def)
		}
	}
}

// backtraceDepth decodes the backtrace flag: 0 disables tracing.
func (f *Flags) backtraceDepth() int {
	switch {
	case f.Backtrace == True:
		return DefaultBacktraceDepth
	case f.Backtrace.IsFixnum():
		return int(f.Backtrace.Int())
	}
	return 0
}

func (f *Flags) intFlag(v Value, fallback int) int {
	if v.IsFixnum() {
		return int(v.Int())
	}
	return fallback
}

// warningEnabled reports whether warnings of the given level print.
func (f *Flags) warningEnabled(level int) bool {
	switch {
	case f.WarningLevel == True:
		return true
	case f.WarningLevel.IsFixnum():
		return level <= int(f.WarningLevel.Int())
	}
	return false
}
