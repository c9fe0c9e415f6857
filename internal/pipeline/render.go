package pipeline

import (
	"fmt"
	"io"
	"sort"

	"github.com/ppiankov/cityledger/internal/model"
)

const banner = "═══════════════════════════════════════════════════════════"

// Renderer prints human-readable stage summaries
type Renderer struct {
	w io.Writer
}

// NewRenderer creates a renderer writing to w
func NewRenderer(w io.Writer) *Renderer {
	return &Renderer{w: w}
}

func (r *Renderer) header(title string) {
	_, _ = fmt.Fprintf(r.w, "\n%s\n  %s\n%s\n\n", banner, title, banner)
}

// RenderExtraction prints one line per class and the totals
func (r *Renderer) RenderExtraction(report *ExtractReport) {
	if report == nil {
		return
	}
	r.header("Extraction")

	var accepted, rejected, total int
	for _, s := range report.Classes {
		mark := "✓"
		if report.Errors[s.Class] != nil {
			mark = "✗"
		}
		_, _ = fmt.Fprintf(r.w, "%s %-28s %4d stored  +%-4d -%-4d dup %-4d rounds %-3d %s\n",
			mark, s.Class, s.Total(), s.Accepted, s.Rejected, s.Duplicates, s.Rounds, s.Stop)
		if err := report.Errors[s.Class]; err != nil {
			_, _ = fmt.Fprintf(r.w, "    %v\n", err)
		}
		accepted += s.Accepted
		rejected += s.Rejected
		total += s.Total()
	}

	_, _ = fmt.Fprintf(r.w, "\n  Classes:    %d (%d failed)\n", len(report.Classes), report.Failed())
	_, _ = fmt.Fprintf(r.w, "  Stored:     %d\n", total)
	_, _ = fmt.Fprintf(r.w, "  Accepted:   %d\n", accepted)
	_, _ = fmt.Fprintf(r.w, "  Rejected:   %d\n", rejected)
	if report.Dropped > 0 {
		_, _ = fmt.Fprintf(r.w, "  Dropped:    %d duplicate identifiers\n", report.Dropped)
	}
}

// RenderMapping prints the mapping stage totals and per-slot outcomes
func (r *Renderer) RenderMapping(report *MapReport) {
	if report == nil {
		return
	}
	r.header("Foreign-Key Mapping")

	city := report.CanonicalCityID
	if city == "" {
		city = "(none)"
	}
	_, _ = fmt.Fprintf(r.w, "  Canonical city:  %s\n", city)
	if report.City != nil {
		_, _ = fmt.Fprintf(r.w, "  City refs:       %d rewritten, %d other city records\n",
			report.City.Rewritten, report.City.Duplicates)
	}
	_, _ = fmt.Fprintf(r.w, "  Cleared:         %d foreign keys\n", report.Cleared)
	if report.Assigned > 0 || report.Dropped > 0 {
		_, _ = fmt.Fprintf(r.w, "  Identifiers:     %d assigned, %d duplicates dropped\n", report.Assigned, report.Dropped)
	}
	_, _ = fmt.Fprintf(r.w, "\n")

	r.slots(report.Mapping)
	if len(report.Repair) > 0 {
		_, _ = fmt.Fprintf(r.w, "\n  Repair passes:\n")
		r.slots(report.Repair)
	}
	_, _ = fmt.Fprintf(r.w, "\n  Unresolved:      %d\n", report.Unresolved)

	if report.Audit != nil {
		r.RenderAudit(report.Audit)
	}
}

func (r *Renderer) slots(summaries []model.MappingSummary) {
	for _, s := range summaries {
		if s.Attempted == 0 {
			continue
		}
		mark := "✓"
		if s.Unresolved+s.Failed+s.Gated > 0 {
			mark = "•"
		}
		_, _ = fmt.Fprintf(r.w, "%s %-40s %3d/%-3d resolved  none %-3d failed %-3d gated %-3d (%d candidates)\n",
			mark, s.Class+"."+s.Field, s.Resolved, s.Attempted, s.Unresolved, s.Failed, s.Gated, s.Candidates)
	}
}

// RenderAudit prints the presence verifier's totals and the classes with gaps
func (r *Renderer) RenderAudit(report *model.AuditReport) {
	if report == nil {
		return
	}
	r.header("Audit")

	t := report.Totals
	if report.Score != nil {
		_, _ = fmt.Fprintf(r.w, "  Linkage index:      %d/100 (%s confidence)\n", report.Score.Index, report.Score.Confidence)
	}
	_, _ = fmt.Fprintf(r.w, "  Instances:          %d\n", t.Instances)
	_, _ = fmt.Fprintf(r.w, "  Resolved links:     %d\n", t.Links)
	_, _ = fmt.Fprintf(r.w, "  Null foreign keys:  %d\n", t.NullFKs)
	_, _ = fmt.Fprintf(r.w, "  Dangling values:    %d\n", t.Dangling)
	_, _ = fmt.Fprintf(r.w, "  Unique violations:  %d\n", t.UniqueViolations)

	if len(t.Tiers) > 0 {
		tiers := make([]model.EvidenceTier, 0, len(t.Tiers))
		for tier := range t.Tiers {
			tiers = append(tiers, tier)
		}
		sort.Slice(tiers, func(i, j int) bool { return tiers[i].Rank() > tiers[j].Rank() })
		_, _ = fmt.Fprintf(r.w, "\n  Evidence:\n")
		for _, tier := range tiers {
			_, _ = fmt.Fprintf(r.w, "    %-18s %d\n", tier, t.Tiers[tier])
		}
	}

	if report.Score != nil {
		var flagged []model.Signal
		for _, s := range report.Score.Signals {
			if s.Severity != model.SeverityInfo {
				flagged = append(flagged, s)
			}
		}
		if len(flagged) > 0 {
			_, _ = fmt.Fprintf(r.w, "\n  Signals:\n")
			for _, s := range flagged {
				_, _ = fmt.Fprintf(r.w, "    [%s] %s\n", s.Severity, s.Description)
			}
		}
	}

	var gaps []model.ClassAudit
	for _, ca := range report.Classes {
		if len(ca.NullFKs) > 0 || len(ca.Dangling) > 0 || len(ca.UniqueViolations) > 0 {
			gaps = append(gaps, ca)
		}
	}
	if len(gaps) == 0 {
		return
	}
	_, _ = fmt.Fprintf(r.w, "\n  Gaps:\n")
	for _, ca := range gaps {
		for _, field := range sortedKeys(ca.NullFKs) {
			_, _ = fmt.Fprintf(r.w, "    %s.%s: %d null\n", ca.Class, field, ca.NullFKs[field])
		}
		for _, field := range sortedKeys(ca.Dangling) {
			_, _ = fmt.Fprintf(r.w, "    %s.%s: %d dangling\n", ca.Class, field, ca.Dangling[field])
		}
		for _, v := range ca.UniqueViolations {
			_, _ = fmt.Fprintf(r.w, "    %s %v: %v share %q\n", ca.Class, v.Columns, v.RecordIDs, v.Key)
		}
	}
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
