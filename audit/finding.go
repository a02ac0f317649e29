// Package audit runs external static analyzers against a generated
// artifact and folds their findings into a structured report for the
// AUDIT stage.
package audit

import (
	"fmt"
	"sort"
	"strings"
)

// Severity orders findings from cosmetic to blocking.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// rank maps severities onto a comparable scale for sorting and the
// error-count threshold.
func (s Severity) rank() int {
	switch s {
	case SeverityError:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// Finding is one analyzer-reported issue.
type Finding struct {
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
	Location    string   `json:"location,omitempty"`
	Analyzer    string   `json:"analyzer,omitempty"`
}

// Report aggregates the findings of one audit run.
type Report struct {
	Findings     []Finding `json:"findings"`
	AnalyzersRun int       `json:"analyzers_run"`
	// Failed lists analyzers that could not produce findings at all,
	// after retries.
	Failed []string `json:"failed,omitempty"`
}

// ErrorCount counts findings at SeverityError.
func (r *Report) ErrorCount() int {
	n := 0
	for _, f := range r.Findings {
		if f.Severity == SeverityError {
			n++
		}
	}
	return n
}

// Summarize renders the report as the AUDIT stage artifact. Findings
// are listed worst first.
func (r *Report) Summarize() string {
	var b strings.Builder
	fmt.Fprintf(&b, "audit: %d analyzers, %d findings (%d errors)\n",
		r.AnalyzersRun, len(r.Findings), r.ErrorCount())

	sorted := make([]Finding, len(r.Findings))
	copy(sorted, r.Findings)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Severity.rank() > sorted[j].Severity.rank()
	})
	for _, f := range sorted {
		fmt.Fprintf(&b, "- [%s] %s", f.Severity, f.Description)
		if f.Location != "" {
			fmt.Fprintf(&b, " (%s)", f.Location)
		}
		if f.Analyzer != "" {
			fmt.Fprintf(&b, " <%s>", f.Analyzer)
		}
		b.WriteByte('\n')
	}
	for _, name := range r.Failed {
		fmt.Fprintf(&b, "- [unavailable] analyzer %s produced no result\n", name)
	}
	return b.String()
}
