package vm

import (
	"fmt"
	"io"
	"sort"
	"sync/atomic"
)

// OpcodeProfile counts executed instructions and adjacent instruction pairs.
// Counters are atomic so a snapshot may be taken while the instance runs.
type OpcodeProfile struct {
	counts [opcodeCount]uint64
	pairs  [opcodeCount][opcodeCount]uint64

	// prev is only touched by the owning loop.
	prev    Opcode
	started bool
}

// OpcodeCount is one row of a profile snapshot.
type OpcodeCount struct {
	Op    Opcode
	Count uint64
}

// OpcodePairCount counts Second executing immediately after First.
type OpcodePairCount struct {
	First  Opcode
	Second Opcode
	Count  uint64
}

// ProfileSnapshot is a point-in-time copy of an OpcodeProfile, sorted by
// descending count. Zero rows are omitted.
type ProfileSnapshot struct {
	Opcodes []OpcodeCount
	Pairs   []OpcodePairCount
}

func (p *OpcodeProfile) record(op Opcode) {
	atomic.AddUint64(&p.counts[op], 1)
	if p.started {
		atomic.AddUint64(&p.pairs[p.prev][op], 1)
	}
	p.prev = op
	p.started = true
}

// Snapshot copies the counters.
func (p *OpcodeProfile) Snapshot() ProfileSnapshot {
	var s ProfileSnapshot
	for op := Opcode(0); op < opcodeCount; op++ {
		if n := atomic.LoadUint64(&p.counts[op]); n > 0 {
			s.Opcodes = append(s.Opcodes, OpcodeCount{Op: op, Count: n})
		}
		for next := Opcode(0); next < opcodeCount; next++ {
			if n := atomic.LoadUint64(&p.pairs[op][next]); n > 0 {
				s.Pairs = append(s.Pairs, OpcodePairCount{First: op, Second: next, Count: n})
			}
		}
	}
	sort.SliceStable(s.Opcodes, func(i, j int) bool { return s.Opcodes[i].Count > s.Opcodes[j].Count })
	sort.SliceStable(s.Pairs, func(i, j int) bool { return s.Pairs[i].Count > s.Pairs[j].Count })
	return s
}

// Reset zeroes every counter.
func (p *OpcodeProfile) Reset() {
	for op := range p.counts {
		atomic.StoreUint64(&p.counts[op], 0)
		for next := range p.pairs[op] {
			atomic.StoreUint64(&p.pairs[op][next], 0)
		}
	}
	p.started = false
}

// Total returns the number of instructions counted.
func (s ProfileSnapshot) Total() uint64 {
	var n uint64
	for _, c := range s.Opcodes {
		n += c.Count
	}
	return n
}

// ---------------------------------------------------------------------------
// VM accessors
// ---------------------------------------------------------------------------

// OpcodeProfile returns a snapshot of the instance's counters. It reports
// false when profiling was not enabled in Config.
func (vm *VM) OpcodeProfile() (ProfileSnapshot, bool) {
	if vm.profile == nil {
		return ProfileSnapshot{}, false
	}
	return vm.profile.Snapshot(), true
}

// DisplayOpcodeProfile writes the opcode and pair tables to w.
func (vm *VM) DisplayOpcodeProfile(w io.Writer) error {
	s, ok := vm.OpcodeProfile()
	if !ok {
		_, err := fmt.Fprintln(w, ";; opcode profiling is not enabled")
		return err
	}
	total := s.Total()
	if _, err := fmt.Fprintf(w, ";; %d instructions\n", total); err != nil {
		return err
	}
	for _, c := range s.Opcodes {
		pct := 100 * float64(c.Count) / float64(total)
		if _, err := fmt.Fprintf(w, "%-16s %12d %6.2f%%\n", c.Op, c.Count, pct); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintln(w, ";; pairs"); err != nil {
		return err
	}
	for _, c := range s.Pairs {
		if _, err := fmt.Fprintf(w, "%-16s %-16s %12d\n", c.First, c.Second, c.Count); err != nil {
			return err
		}
	}
	return nil
}
