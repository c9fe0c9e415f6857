package validate

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/ppiankov/cityledger/internal/model"
	"github.com/ppiankov/cityledger/internal/schema"
)

const targetSource = `## Climate targets

The city commits to an 80% reduction of greenhouse gas emissions
by 2030 compared to 1990. Baseline data for transport is not
specified in this contract.`

func newValidator(t *testing.T) *Validator {
	t.Helper()
	reg, err := schema.Default()
	if err != nil {
		t.Fatalf("schema.Default failed: %v", err)
	}
	return NewValidator(reg, nil)
}

func decode(t *testing.T, s string) model.Record {
	t.Helper()
	rec, err := model.DecodeRecord([]byte(s))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	return rec
}

func TestValidate_AcceptsAndCollapses(t *testing.T) {
	v := newValidator(t)
	raw := decode(t, `{
		"description": "Reduce emissions",
		"targetYear": {"value": 2030, "quote": "by 2030", "confidence": 0.95},
		"targetValue": {"value": 80, "quote": "80% reduction", "confidence": 0.9}
	}`)

	out, err := v.Validate("CityTarget", raw, targetSource)
	if err != nil {
		t.Fatalf("expected acceptance, got %v", err)
	}

	if out["targetYear"] != json.Number("2030") {
		t.Errorf("expected targetYear 2030, got %#v", out["targetYear"])
	}
	if out["targetValue"] != json.Number("80") {
		t.Errorf("expected targetValue 80, got %#v", out["targetValue"])
	}

	proof, ok := out.Misc()["targetYear_proof"].(map[string]any)
	if !ok {
		t.Fatalf("expected targetYear_proof in misc, got %#v", out["misc"])
	}
	if proof["quote"] != "by 2030" {
		t.Errorf("expected proof quote 'by 2030', got %v", proof["quote"])
	}

	if _, ok := raw["targetYear"].(map[string]any); !ok {
		t.Error("input record must not be mutated")
	}
}

func TestValidate_RejectsWholeRecord(t *testing.T) {
	v := newValidator(t)
	raw := decode(t, `{
		"description": "Reduce emissions",
		"targetYear": {"value": 2030, "quote": "around 2030", "confidence": 0.99},
		"targetValue": {"value": 80, "quote": "80% reduction", "confidence": 0.9}
	}`)

	out, err := v.Validate("CityTarget", raw, targetSource)
	if out != nil {
		t.Errorf("expected no output record, got %v", out)
	}
	if !errors.Is(err, ErrQuoteValidation) {
		t.Fatalf("expected ErrQuoteValidation, got %v", err)
	}

	var rej *Rejection
	if !errors.As(err, &rej) {
		t.Fatalf("expected *Rejection, got %T", err)
	}
	if rej.Field != "targetYear" || rej.Quote != "around 2030" {
		t.Errorf("expected rejection on targetYear/'around 2030', got %s/%q", rej.Field, rej.Quote)
	}
}

func TestValidate_FirstFailingFieldNamed(t *testing.T) {
	v := newValidator(t)
	raw := decode(t, `{
		"description": "Reduce emissions",
		"targetYear": {"value": 2031, "quote": "by 2031"},
		"targetValue": {"value": 90, "quote": "90% reduction"}
	}`)

	_, err := v.Validate("CityTarget", raw, targetSource)
	var rej *Rejection
	if !errors.As(err, &rej) || rej.Field != "targetYear" {
		t.Fatalf("expected first failing field targetYear, got %v", err)
	}
}

func TestValidate_NullValueNeedsQuote(t *testing.T) {
	v := newValidator(t)

	withQuote := decode(t, `{
		"description": "Reduce emissions",
		"targetYear": {"value": 2030, "quote": "by 2030"},
		"targetValue": {"value": 80, "quote": "80% reduction"},
		"baselineValue": {"value": null, "quote": "not specified"}
	}`)
	out, err := v.Validate("CityTarget", withQuote, targetSource)
	if err != nil {
		t.Fatalf("documented absence should be accepted: %v", err)
	}
	if out["baselineValue"] != nil {
		t.Errorf("expected null baselineValue, got %v", out["baselineValue"])
	}

	noQuote := decode(t, `{
		"description": "Reduce emissions",
		"targetYear": {"value": 2030, "quote": "by 2030"},
		"targetValue": {"value": 80, "quote": "80% reduction"},
		"baselineValue": {"value": null, "quote": ""}
	}`)
	if _, err := v.Validate("CityTarget", noQuote, targetSource); !errors.Is(err, ErrQuoteValidation) {
		t.Errorf("expected rejection for null value without quote, got %v", err)
	}
}

func TestValidate_ConfidenceNeverGates(t *testing.T) {
	v := newValidator(t)
	raw := decode(t, `{
		"description": "Reduce emissions",
		"targetYear": {"value": 2030, "quote": "by 2030", "confidence": 0.01},
		"targetValue": {"value": 80, "quote": "80% reduction", "confidence": 7}
	}`)

	if _, err := v.Validate("CityTarget", raw, targetSource); err != nil {
		t.Errorf("confidence must not affect acceptance: %v", err)
	}
}

func TestValidate_ShapeErrors(t *testing.T) {
	v := newValidator(t)

	tests := []struct {
		name string
		raw  string
	}{
		{"unknown field", `{"description": "x", "targetYear": {"value": 2030, "quote": "by 2030"}, "targetValue": {"value": 80, "quote": "80% reduction"}, "invented": 1}`},
		{"missing required", `{"targetYear": {"value": 2030, "quote": "by 2030"}, "targetValue": {"value": 80, "quote": "80% reduction"}}`},
		{"verified as scalar", `{"description": "x", "targetYear": 2030, "targetValue": {"value": 80, "quote": "80% reduction"}}`},
		{"object as verified value", `{"description": "x", "targetYear": {"value": {"nested": [1, 2]}, "quote": "by 2030"}, "targetValue": {"value": 80, "quote": "80% reduction"}}`},
		{"array as verified value", `{"description": "x", "targetYear": {"value": 2030, "quote": "by 2030"}, "targetValue": {"value": ["eighty"], "quote": "80% reduction"}}`},
		{"extra key in triple", `{"description": "x", "targetYear": {"value": 2030, "quote": "by 2030", "page": 3}, "targetValue": {"value": 80, "quote": "80% reduction"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Validate("CityTarget", decode(t, tt.raw), targetSource)
			if !errors.Is(err, ErrShape) {
				t.Errorf("expected ErrShape, got %v", err)
			}
		})
	}
}

func TestValidate_UnknownClass(t *testing.T) {
	v := newValidator(t)
	_, err := v.Validate("Nope", model.Record{}, targetSource)
	if !errors.Is(err, schema.ErrSchemaNotFound) {
		t.Errorf("expected ErrSchemaNotFound, got %v", err)
	}
}

func TestValidate_NoVerifiedFields(t *testing.T) {
	v := newValidator(t)
	raw := decode(t, `{"sectorName": "Transport", "description": "Road and rail"}`)

	out, err := v.Validate("Sector", raw, targetSource)
	if err != nil {
		t.Fatalf("plain records need no quotes: %v", err)
	}
	if out["sectorName"] != "Transport" {
		t.Errorf("unexpected output: %v", out)
	}
}
