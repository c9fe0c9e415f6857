package extract

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/ppiankov/cityledger/internal/model"
	"github.com/ppiankov/cityledger/internal/schema"
)

// DedupKey hashes a record's content: every field except the primary key,
// foreign keys (cleared before mapping anyway) and misc (proofs and
// provenance). Null, empty and absent fields hash the same.
func DedupKey(c *schema.Class, rec model.Record) string {
	content := make(map[string]any, len(rec))
	for k, v := range rec {
		if v == nil || v == "" || k == c.PrimaryKey || k == model.MiscField {
			continue
		}
		if f, ok := c.Field(k); ok && f.IsForeignKey() {
			continue
		}
		content[k] = v
	}

	// encoding/json sorts map keys, which makes the encoding canonical
	data, err := json.Marshal(content)
	if err != nil {
		data = []byte(model.AsString(content))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Set tracks the dedup keys of accepted instances of one class
type Set struct {
	class *schema.Class
	seen  map[string]struct{}
}

// NewSet creates a set seeded with already-accepted instances
func NewSet(c *schema.Class, accepted []model.Instance) *Set {
	s := &Set{class: c, seen: make(map[string]struct{}, len(accepted))}
	for _, inst := range accepted {
		s.Add(inst.Record)
	}
	return s
}

// Add records rec and reports whether it was new
func (s *Set) Add(rec model.Record) bool {
	key := DedupKey(s.class, rec)
	if _, ok := s.seen[key]; ok {
		return false
	}
	s.seen[key] = struct{}{}
	return true
}

// IsDuplicate reports whether rec matches an instance already in the set
func (s *Set) IsDuplicate(rec model.Record) bool {
	_, ok := s.seen[DedupKey(s.class, rec)]
	return ok
}

// Len returns the number of distinct instances
func (s *Set) Len() int {
	return len(s.seen)
}

// IsDuplicate reports whether candidate duplicates any instance in accepted
func IsDuplicate(c *schema.Class, candidate model.Record, accepted []model.Instance) bool {
	return NewSet(c, accepted).IsDuplicate(candidate)
}
