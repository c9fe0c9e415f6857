package validate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	"github.com/ppiankov/cityledger/internal/model"
	"github.com/ppiankov/cityledger/internal/schema"
)

var (
	// ErrQuoteValidation marks a verified field whose quote is missing or not in the source
	ErrQuoteValidation = errors.New("quote validation failed")

	// ErrShape marks a record that does not match its class schema
	ErrShape = errors.New("record does not match schema")
)

// ProofSuffix is appended to a field name to form its misc provenance key
const ProofSuffix = "_proof"

// Rejection explains why a whole record was refused
type Rejection struct {
	Class  string
	Field  string // First failing field, empty for whole-record shape errors
	Quote  string
	Reason string
	Err    error // ErrQuoteValidation or ErrShape
}

func (r *Rejection) Error() string {
	if r.Field == "" {
		return fmt.Sprintf("%s: %v: %s", r.Class, r.Err, r.Reason)
	}
	return fmt.Sprintf("%s.%s: %v: %s (quote %q)", r.Class, r.Field, r.Err, r.Reason, r.Quote)
}

func (r *Rejection) Unwrap() error {
	return r.Err
}

// Validator checks model-produced records against the registry and the source text
type Validator struct {
	registry *schema.Registry
	log      *zap.Logger
}

// NewValidator creates a new validator
func NewValidator(registry *schema.Registry, log *zap.Logger) *Validator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Validator{registry: registry, log: log}
}

// Validate checks a raw record against sourceText
func (v *Validator) Validate(class string, raw model.Record, sourceText string) (model.Record, error) {
	return v.ValidateSource(class, raw, NewSource(sourceText))
}

// ValidateSource checks a raw record against a prepared source. On success the
// verified fields collapse to their values and quote/confidence move to
// misc["<field>_proof"]. Any failure rejects the whole record.
func (v *Validator) ValidateSource(class string, raw model.Record, src *Source) (model.Record, error) {
	c, err := v.registry.Get(class)
	if err != nil {
		return nil, err
	}

	compiled, err := v.registry.Compiled(class)
	if err != nil {
		return nil, err
	}
	if err := compiled.Validate(map[string]any(raw)); err != nil {
		return nil, &Rejection{Class: class, Reason: shapeReason(err), Err: ErrShape}
	}

	type proof struct {
		field      string
		value      any
		quote      string
		confidence any
	}
	var proofs []proof

	for _, name := range c.VerifiedFields() {
		val, present := raw[name]
		if !present || val == nil {
			continue
		}
		triple, ok := val.(map[string]any)
		if !ok {
			return nil, &Rejection{Class: class, Field: name, Reason: "verified field is not an object", Err: ErrShape}
		}

		quote, _ := triple["quote"].(string)
		if strings.TrimSpace(quote) == "" {
			return nil, &Rejection{Class: class, Field: name, Reason: "missing quote", Err: ErrQuoteValidation}
		}
		if !src.Contains(quote) {
			return nil, &Rejection{Class: class, Field: name, Quote: quote, Reason: "quote not found in source", Err: ErrQuoteValidation}
		}

		confidence := triple["confidence"]
		v.logConfidence(class, name, confidence)
		proofs = append(proofs, proof{field: name, value: triple["value"], quote: quote, confidence: confidence})
	}

	out := raw.Clone()
	if len(proofs) == 0 {
		return out, nil
	}
	misc := out.Misc()
	for _, p := range proofs {
		out[p.field] = p.value
		misc[p.field+ProofSuffix] = map[string]any{
			"quote":      p.quote,
			"confidence": p.confidence,
		}
	}
	return out, nil
}

// logConfidence records confidence for review; it never affects acceptance
func (v *Validator) logConfidence(class, field string, confidence any) {
	f, ok := model.AsFloat(confidence)
	if !ok {
		v.log.Debug("verified field without numeric confidence", zap.String("class", class), zap.String("field", field))
		return
	}
	if f < 0 || f > 1 {
		v.log.Warn("confidence out of range", zap.String("class", class), zap.String("field", field), zap.Float64("confidence", f))
		return
	}
	v.log.Debug("verified field", zap.String("class", class), zap.String("field", field), zap.Float64("confidence", f))
}

func shapeReason(err error) string {
	var ve *jsonschema.ValidationError
	if errors.As(err, &ve) {
		leaf := ve
		for len(leaf.Causes) > 0 {
			leaf = leaf.Causes[0]
		}
		loc := leaf.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return loc + ": " + leaf.Message
	}
	return err.Error()
}
