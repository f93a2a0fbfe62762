package profile

import (
	"fmt"
	"io"
)

// WriteReport prints aggregated rows in the layout of
// vm.DisplayOpcodeProfile.
func WriteReport(w io.Writer, ops []OpcodeRow, pairs []PairRow) error {
	var total uint64
	for _, r := range ops {
		total += r.Count
	}
	if _, err := fmt.Fprintf(w, ";; %d instructions\n", total); err != nil {
		return err
	}
	for _, r := range ops {
		pct := 0.0
		if total > 0 {
			pct = 100 * float64(r.Count) / float64(total)
		}
		if _, err := fmt.Fprintf(w, "%-16s %12d %6.2f%%\n", r.Op, r.Count, pct); err != nil {
			return err
		}
	}
	if len(pairs) == 0 {
		return nil
	}
	if _, err := fmt.Fprintln(w, ";; pairs"); err != nil {
		return err
	}
	for _, r := range pairs {
		if _, err := fmt.Fprintf(w, "%-16s %-16s %12d\n", r.First, r.Second, r.Count); err != nil {
			return err
		}
	}
	return nil
}
