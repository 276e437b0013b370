package reporting

import (
	"fmt"
	"io"
	"strings"
)

// Formatter renders suite summaries for the terminal.
type Formatter struct {
	out io.Writer
}

// NewFormatter creates a formatter writing to out.
func NewFormatter(out io.Writer) *Formatter {
	return &Formatter{out: out}
}

// WriteSummary prints the suite summary: the counts, the per-test exit
// codes, and the parameter tuples of failing tests.
func (f *Formatter) WriteSummary(report *SuiteReport) {
	fmt.Fprintln(f.out)
	fmt.Fprintln(f.out, "─────────────────────────────────────────────────────────────")
	fmt.Fprintf(f.out, "Suite %s: %d test(s) in %s\n",
		report.SuiteID, report.Summary.Total,
		report.EndTime.Sub(report.StartTime).Round(1e6))
	fmt.Fprintf(f.out, "  passed: %d  failed: %d  setup-error: %d",
		report.Summary.Passed, report.Summary.Failed, report.Summary.SetupError)
	if report.Summary.Cancelled > 0 {
		fmt.Fprintf(f.out, "  cancelled: %d", report.Summary.Cancelled)
	}
	fmt.Fprintln(f.out)

	for _, r := range report.Results {
		mark := "✅"
		if !r.Passed() {
			mark = "❌"
		}
		fmt.Fprintf(f.out, "  %s test %d: %s (exit %d)\n", mark, r.Index, r.Status, r.ExitStatus)
		if !r.Passed() {
			if len(r.Params) > 0 {
				fmt.Fprintf(f.out, "       params: %s\n", strings.Join(r.Params, " | "))
			}
			if r.Notes != "" {
				fmt.Fprintf(f.out, "       notes: %s\n", r.Notes)
			}
		}
	}
	fmt.Fprintln(f.out, "─────────────────────────────────────────────────────────────")
}
