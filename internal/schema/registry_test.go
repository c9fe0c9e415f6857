package schema

import (
	"errors"
	"testing"
)

func mustDefault(t *testing.T) *Registry {
	t.Helper()
	r, err := Default()
	if err != nil {
		t.Fatalf("Default() failed: %v", err)
	}
	return r
}

func TestDefault_Classes(t *testing.T) {
	r := mustDefault(t)

	names := r.Names()
	if len(names) != 17 {
		t.Fatalf("expected 17 classes, got %d: %v", len(names), names)
	}
	if names[0] != "ClimateCityContract" || names[len(names)-1] != "InitiativeTef" {
		t.Errorf("unexpected declaration order: %v", names)
	}
	if r.CityClass != "City" || r.CityField != "cityId" {
		t.Errorf("unexpected city reference: %s.%s", r.CityClass, r.CityField)
	}
}

func TestGet_Known(t *testing.T) {
	r := mustDefault(t)

	c, err := r.Get("CityTarget")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if c.PrimaryKey != "cityTargetId" {
		t.Errorf("expected primary key cityTargetId, got %s", c.PrimaryKey)
	}

	want := []string{"targetYear", "targetValue", "baselineYear", "baselineValue", "status"}
	got := c.VerifiedFields()
	if len(got) != len(want) {
		t.Fatalf("expected verified fields %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("verified[%d]: expected %s, got %s", i, want[i], got[i])
		}
	}

	fks := c.ForeignKeys()
	if len(fks) != 2 || fks[0].Target != "City" || fks[1].Target != "Indicator" {
		t.Errorf("unexpected foreign keys: %+v", fks)
	}
}

func TestGet_Unknown(t *testing.T) {
	r := mustDefault(t)

	_, err := r.Get("Spaceship")
	if !errors.Is(err, ErrSchemaNotFound) {
		t.Fatalf("expected ErrSchemaNotFound, got %v", err)
	}
}

func TestForeignKeySlots_ExcludeCity(t *testing.T) {
	r := mustDefault(t)

	slots := r.ForeignKeySlots()
	if len(slots) == 0 {
		t.Fatal("expected slots")
	}
	for _, s := range slots {
		if s.Target == "City" {
			t.Errorf("city slot should be excluded: %s", s)
		}
	}

	found := false
	for _, s := range slots {
		if s.Class == "TefCategory" && s.Field == "parentId" && s.Target == "TefCategory" {
			found = true
		}
	}
	if !found {
		t.Error("expected self-referential TefCategory.parentId slot")
	}
}

func TestDependencyOrder(t *testing.T) {
	r := mustDefault(t)

	order, err := r.DependencyOrder()
	if err != nil {
		t.Fatalf("DependencyOrder failed: %v", err)
	}
	pos := make(map[string]int, len(order))
	for i, name := range order {
		pos[name] = i
	}

	for _, c := range r.Classes() {
		for _, f := range c.ForeignKeys() {
			if f.Target == c.Name {
				continue
			}
			if pos[f.Target] > pos[c.Name] {
				t.Errorf("%s must come after %s", c.Name, f.Target)
			}
		}
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "unknown target",
			yaml: `
classes:
  - name: A
    primary_key: aId
    fields:
      - {name: aId}
      - {name: bId, kind: foreign_key, target: B}
`,
		},
		{
			name: "missing primary key",
			yaml: `
classes:
  - name: A
    primary_key: aId
    fields:
      - {name: title}
`,
		},
		{
			name: "duplicate class",
			yaml: `
classes:
  - name: A
    primary_key: aId
    fields: [{name: aId}]
  - name: A
    primary_key: aId
    fields: [{name: aId}]
`,
		},
		{
			name: "bad label",
			yaml: `
classes:
  - name: A
    primary_key: aId
    labels: [nope]
    fields: [{name: aId}]
`,
		},
		{
			name: "cycle",
			yaml: `
classes:
  - name: A
    primary_key: aId
    fields: [{name: aId}, {name: bId, kind: foreign_key, target: B}]
  - name: B
    primary_key: bId
    fields: [{name: bId}, {name: aId, kind: foreign_key, target: A}]
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := Parse([]byte(tt.yaml))
			if err == nil && tt.name == "cycle" {
				_, err = r.DependencyOrder()
			}
			if err == nil {
				t.Errorf("expected error for %s", tt.name)
			}
		})
	}
}

func TestCompiled_Strict(t *testing.T) {
	r := mustDefault(t)

	s, err := r.Compiled("CityTarget")
	if err != nil {
		t.Fatalf("Compiled failed: %v", err)
	}

	valid := map[string]any{
		"description": "Reduce emissions",
		"targetYear":  map[string]any{"value": 2030.0, "quote": "by 2030", "confidence": 0.9},
		"targetValue": map[string]any{"value": 80.0, "quote": "80% reduction"},
	}
	if err := s.Validate(valid); err != nil {
		t.Errorf("expected valid record, got %v", err)
	}

	unknown := map[string]any{
		"description": "Reduce emissions",
		"targetYear":  map[string]any{"value": 2030.0, "quote": "by 2030"},
		"targetValue": map[string]any{"value": 80.0, "quote": "80% reduction"},
		"sneaky":      "extra",
	}
	if err := s.Validate(unknown); err == nil {
		t.Error("expected unknown field to be rejected")
	}

	missing := map[string]any{
		"targetYear":  map[string]any{"value": 2030.0, "quote": "by 2030"},
		"targetValue": map[string]any{"value": 80.0, "quote": "80% reduction"},
	}
	if err := s.Validate(missing); err == nil {
		t.Error("expected missing description to be rejected")
	}

	again, err := r.Compiled("CityTarget")
	if err != nil || again != s {
		t.Error("expected compiled schema to be cached")
	}
}
