package extract

import (
	"encoding/json"
	"testing"

	"github.com/ppiankov/cityledger/internal/model"
	"github.com/ppiankov/cityledger/internal/schema"
)

func mustClass(t *testing.T, name string) *schema.Class {
	t.Helper()
	reg, err := schema.Default()
	if err != nil {
		t.Fatalf("schema.Default failed: %v", err)
	}
	c, err := reg.Get(name)
	if err != nil {
		t.Fatalf("Get(%s) failed: %v", name, err)
	}
	return c
}

func TestDedupKey_IgnoresIdentityAndLinks(t *testing.T) {
	c := mustClass(t, "CityTarget")

	a := model.Record{
		"cityTargetId": "a",
		"cityId":       "city-1",
		"description":  "Reduce emissions",
		"targetYear":   json.Number("2030"),
		"misc":         map[string]any{"targetYear_proof": map[string]any{"quote": "by 2030"}},
	}
	b := model.Record{
		"cityTargetId": "b",
		"indicatorId":  "ind-7",
		"description":  "Reduce emissions",
		"targetYear":   json.Number("2030"),
		"notes":        nil,
	}

	if DedupKey(c, a) != DedupKey(c, b) {
		t.Error("expected records differing only in PK, FKs, misc and nulls to collide")
	}

	b["targetYear"] = json.Number("2035")
	if DedupKey(c, a) == DedupKey(c, b) {
		t.Error("expected different content to produce different keys")
	}
}

func TestDedupKey_EmptyStringIsNull(t *testing.T) {
	c := mustClass(t, "Sector")

	blank := model.Record{"sectorName": "Energy", "description": ""}
	absent := model.Record{"sectorName": "Energy"}
	null := model.Record{"sectorName": "Energy", "description": nil}

	if DedupKey(c, blank) != DedupKey(c, absent) || DedupKey(c, null) != DedupKey(c, absent) {
		t.Error("expected empty, null and absent fields to hash the same")
	}
	if !NewSet(c, []model.Instance{{Record: absent}}).IsDuplicate(blank) {
		t.Error("expected a blank field not to make a record new")
	}
}

func TestSet_FirstSeenWins(t *testing.T) {
	c := mustClass(t, "Sector")
	s := NewSet(c, []model.Instance{{Record: model.Record{"sectorName": "Energy"}}})

	if s.Add(model.Record{"sectorId": "x", "sectorName": "Energy"}) {
		t.Error("expected duplicate of seeded instance to be refused")
	}
	if !s.Add(model.Record{"sectorName": "Transport"}) {
		t.Error("expected new content to be added")
	}
	if s.Len() != 2 {
		t.Errorf("expected 2 distinct instances, got %d", s.Len())
	}
	if !IsDuplicate(c, model.Record{"sectorName": "Energy"}, []model.Instance{{Record: model.Record{"sectorName": "Energy"}}}) {
		t.Error("expected IsDuplicate to match equal content")
	}
}
