package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Tool names
const (
	ToolRecordInstances = "record_instances"
	ToolAllExtracted    = "all_extracted"
	ToolChooseLink      = "choose_link"
)

// NoMatch is the candidate_id a model uses to decline every candidate
const NoMatch = "none"

// ExtractionTools returns the tools offered during class extraction
func ExtractionTools() []Tool {
	return []Tool{
		{
			Name:        ToolRecordInstances,
			Description: "Record a batch of instances of the requested class found in the source text. Every verified field must be an object {value, quote, confidence} whose quote is copied verbatim from the source.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"items": map[string]any{
						"type":        "array",
						"description": "Instances matching the class schema.",
						"items":       map[string]any{"type": "object"},
					},
					"source_notes": map[string]any{
						"type":        "string",
						"description": "Where the items were found, e.g. heading path or table_signature=<sig>.",
					},
				},
				"required": []string{"items"},
			},
		},
		{
			Name:        ToolAllExtracted,
			Description: "Signal that every instance of the class present in the source has been recorded.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"reason": map[string]any{"type": "string"},
				},
				"required": []string{"reason"},
			},
		},
	}
}

// MappingTools returns the tool offered when linking a foreign key
func MappingTools() []Tool {
	return []Tool{
		{
			Name:        ToolChooseLink,
			Description: "Choose the single candidate the record refers to, or \"none\" when no candidate fits.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"candidate_id": map[string]any{
						"type":        []string{"string", "null"},
						"description": "The id of the chosen candidate, or \"none\".",
					},
					"justification": map[string]any{"type": "string"},
				},
				"required": []string{"candidate_id"},
			},
		},
	}
}

// RecordInstancesArgs are the arguments of record_instances
type RecordInstancesArgs struct {
	Items       []json.RawMessage `json:"items"`
	SourceNotes string            `json:"source_notes,omitempty"`
}

// TableSignature returns the table_signature=<sig> value from source notes, if any
func (a RecordInstancesArgs) TableSignature() string {
	const key = "table_signature="
	idx := strings.Index(a.SourceNotes, key)
	if idx < 0 {
		return ""
	}
	rest := a.SourceNotes[idx+len(key):]
	if end := strings.IndexAny(rest, " ,;\n\t"); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}

// AllExtractedArgs are the arguments of all_extracted
type AllExtractedArgs struct {
	Reason string `json:"reason"`
}

// ChooseLinkArgs are the arguments of choose_link
type ChooseLinkArgs struct {
	CandidateID   *string `json:"candidate_id"`
	Justification string  `json:"justification,omitempty"`
}

// Choice returns the chosen ID, or "" for no match
func (a ChooseLinkArgs) Choice() string {
	if a.CandidateID == nil {
		return ""
	}
	id := strings.TrimSpace(*a.CandidateID)
	if strings.EqualFold(id, NoMatch) || strings.EqualFold(id, "null") {
		return ""
	}
	return id
}

// ParseArgs decodes tool call arguments; an empty string decodes as {}
func ParseArgs(call ToolCall, v any) error {
	args := strings.TrimSpace(call.Arguments)
	if args == "" {
		args = "{}"
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(args)))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("parse %s arguments: %w", call.Name, err)
	}
	return nil
}
