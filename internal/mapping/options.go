package mapping

import (
	"fmt"
	"strings"

	"github.com/ppiankov/cityledger/internal/model"
	"github.com/ppiankov/cityledger/internal/schema"
)

// Candidate is one target instance offered to the model
type Candidate struct {
	ID    string
	Label string
}

// Candidates lists the target instances that can be linked, labelled by the
// class label fields. exclude drops one ID (self references).
func Candidates(target *schema.Class, instances []model.Instance, maxChars int, exclude string) []Candidate {
	out := make([]Candidate, 0, len(instances))
	seen := make(map[string]bool, len(instances))
	for _, inst := range instances {
		id := inst.Record.String(target.PrimaryKey)
		if id == "" || id == exclude || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, Candidate{ID: id, Label: Label(target, inst.Record, maxChars)})
	}
	return out
}

// Label renders the label fields of rec as "field: value" pairs
func Label(c *schema.Class, rec model.Record, maxChars int) string {
	fields := c.Labels
	if len(fields) == 0 {
		fields = c.DescriptiveFields()
	}
	var parts []string
	for _, name := range fields {
		if rec.IsNull(name) {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s", name, clip(rec.String(name), maxChars)))
	}
	if len(parts) == 0 {
		return "(no label)"
	}
	return strings.Join(parts, "; ")
}

// LabelValues returns the non-empty label field values of rec
func LabelValues(c *schema.Class, rec model.Record) []string {
	var values []string
	for _, name := range c.Labels {
		if v := strings.TrimSpace(rec.String(name)); v != "" {
			values = append(values, v)
		}
	}
	return values
}

// Describe renders the descriptive fields of a source record, one per line
func Describe(c *schema.Class, rec model.Record, maxChars int) string {
	var lines []string
	for _, name := range c.DescriptiveFields() {
		if rec.IsNull(name) {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %s", name, clip(rec.String(name), maxChars)))
	}
	return strings.Join(lines, "\n")
}

// descriptiveText joins the descriptive values of rec for evidence lookups
func descriptiveText(c *schema.Class, rec model.Record) string {
	var parts []string
	for _, name := range c.DescriptiveFields() {
		if v := rec.String(name); v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, " \n ")
}

func clip(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if max <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
