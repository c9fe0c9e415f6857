package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// MiscField is the free-form auxiliary object every record class carries
const MiscField = "misc"

// provenanceKey is where Instance provenance lives inside misc when serialized
const provenanceKey = "provenance"

// Record is one populated record-class object keyed by field alias
type Record map[string]any

// Clone returns a deep copy of the record
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}

// String returns the field rendered as text, or "" when absent or null
func (r Record) String(field string) string {
	return AsString(r[field])
}

// IsNull reports whether the field is absent or null
func (r Record) IsNull(field string) bool {
	v, ok := r[field]
	return !ok || v == nil || v == ""
}

// Misc returns the record's misc object, creating it if needed
func (r Record) Misc() map[string]any {
	if m, ok := r[MiscField].(map[string]any); ok {
		return m
	}
	m := map[string]any{}
	r[MiscField] = m
	return m
}

// Provenance locates where an instance was extracted from
type Provenance struct {
	Chunk string `json:"chunk,omitempty"` // Chunk identifier (heading path or index)
	Table string `json:"table,omitempty"` // Table signature the instance came from
	Round int    `json:"round,omitempty"` // Extraction round (1-based)
}

// IsZero reports whether no provenance was recorded
func (p Provenance) IsZero() bool {
	return p == Provenance{}
}

// Instance is an extracted record plus its provenance
type Instance struct {
	Record     Record
	Provenance Provenance
}

// MarshalJSON writes the record with provenance folded into misc
func (i Instance) MarshalJSON() ([]byte, error) {
	rec := i.Record.Clone()
	if rec == nil {
		rec = Record{}
	}
	if !i.Provenance.IsZero() {
		rec.Misc()[provenanceKey] = map[string]any{
			"chunk": i.Provenance.Chunk,
			"table": i.Provenance.Table,
			"round": i.Provenance.Round,
		}
	}
	return json.Marshal(map[string]any(rec))
}

// UnmarshalJSON reads a record, keeping numbers verbatim and lifting provenance out of misc
func (i *Instance) UnmarshalJSON(data []byte) error {
	rec, err := DecodeRecord(data)
	if err != nil {
		return err
	}

	i.Record = rec
	i.Provenance = Provenance{}

	misc, ok := rec[MiscField].(map[string]any)
	if !ok {
		return nil
	}
	raw, ok := misc[provenanceKey]
	if !ok {
		return nil
	}
	delete(misc, provenanceKey)
	if len(misc) == 0 {
		delete(rec, MiscField)
	}

	if p, ok := raw.(map[string]any); ok {
		i.Provenance.Chunk = AsString(p["chunk"])
		i.Provenance.Table = AsString(p["table"])
		if n, ok := AsInt(p["round"]); ok {
			i.Provenance.Round = n
		}
	}
	return nil
}

// DecodeRecord decodes a JSON object, preserving numbers as json.Number
func DecodeRecord(data []byte) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var rec Record
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}

// Dataset holds instances grouped by record class
type Dataset map[string][]Instance

// Clone returns a deep copy of the dataset
func (d Dataset) Clone() Dataset {
	out := make(Dataset, len(d))
	for class, instances := range d {
		copied := make([]Instance, len(instances))
		for i, inst := range instances {
			copied[i] = Instance{Record: inst.Record.Clone(), Provenance: inst.Provenance}
		}
		out[class] = copied
	}
	return out
}

// Classes returns the class names present, sorted
func (d Dataset) Classes() []string {
	names := make([]string, 0, len(d))
	for name := range d {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the total number of instances
func (d Dataset) Count() int {
	n := 0
	for _, instances := range d {
		n += len(instances)
	}
	return n
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, inner := range t {
			m[k] = cloneValue(inner)
		}
		return m
	case Record:
		return t.Clone()
	case []any:
		s := make([]any, len(t))
		for i, inner := range t {
			s[i] = cloneValue(inner)
		}
		return s
	default:
		return v
	}
}
