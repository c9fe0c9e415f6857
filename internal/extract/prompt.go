package extract

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ppiankov/cityledger/internal/chunk"
	"github.com/ppiankov/cityledger/internal/model"
	"github.com/ppiankov/cityledger/internal/schema"
)

const systemPrompt = `You extract structured records from a city climate-policy document.

Rules:
- Only record facts stated in the document. Never guess, infer or complete values.
- Copy numbers, units and names exactly as printed. Do not convert units or reformat numbers.
- Verified fields are objects {"value": ..., "quote": "...", "confidence": 0..1}. The quote must be copied verbatim from the document and must contain the value. If the document explicitly says a value is not given, set value to null and quote that statement.
- Leave foreign-key fields (ids of other records) null; they are linked later.
- Do not add fields that are not in the schema. Put useful extra detail in "misc" or "notes".
- Record instances with record_instances, in batches. Skip instances already listed as stored.
- When every instance of the class in the document has been recorded, call all_extracted.
- Always answer with a tool call.`

// SystemPrompt returns the instructions shared by every class
func SystemPrompt() string {
	return systemPrompt
}

// UserPrompt renders the opening message for one class and chunk
func UserPrompt(c *schema.Class, ch chunk.Chunk, chunks int, summary string) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Record class: %s\n\n", c.Name)
	if c.Context != "" {
		fmt.Fprintf(&sb, "What this class covers:\n%s\n\n", c.Context)
	}
	fmt.Fprintf(&sb, "JSON schema of one item:\n%s\n\n", c.CompactSchema())
	fmt.Fprintf(&sb, "Already stored (do not repeat):\n%s\n\n", summary)

	if chunks > 1 {
		fmt.Fprintf(&sb, "Document part %d of %d (%s).", ch.Index+1, chunks, ch.ID)
		if len(ch.Tables) > 0 {
			fmt.Fprintf(&sb, " When items come from a table, add table_signature=<sig> to source_notes using one of: %s.", strings.Join(ch.Tables, ", "))
		}
		sb.WriteString("\n\n")
	} else if len(ch.Tables) > 0 {
		fmt.Fprintf(&sb, "When items come from a table, add table_signature=<sig> to source_notes using one of: %s.\n\n", strings.Join(ch.Tables, ", "))
	}

	fmt.Fprintf(&sb, "Document:\n<<<\n%s\n>>>", ch.Text)
	return sb.String()
}

// Summarize renders up to max stored instances as compact JSON lines, newest
// last. When tables is non-empty only instances extracted from those tables
// are listed.
func Summarize(instances []model.Instance, max int, tables []string) string {
	selected := instances
	if len(tables) > 0 {
		selected = nil
		for _, inst := range instances {
			for _, t := range tables {
				if inst.Provenance.Table == t {
					selected = append(selected, inst)
					break
				}
			}
		}
	}

	if len(selected) == 0 {
		return "None yet."
	}

	skipped := 0
	if max > 0 && len(selected) > max {
		skipped = len(selected) - max
		selected = selected[skipped:]
	}

	lines := make([]string, 0, len(selected)+1)
	if skipped > 0 {
		lines = append(lines, fmt.Sprintf("... (%d earlier)", skipped))
	}
	for _, inst := range selected {
		rec := inst.Record.Clone()
		delete(rec, model.MiscField)
		data, err := json.Marshal(map[string]any(rec))
		if err != nil {
			continue
		}
		lines = append(lines, string(data))
	}
	return strings.Join(lines, "\n")
}

// reminder nudges a model that answered without a tool call
const reminder = "You must answer by calling record_instances or all_extracted."
