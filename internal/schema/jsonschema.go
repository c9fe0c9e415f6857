package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// JSONSchema returns the strict JSON Schema of a class as a generic map.
// Unknown properties are rejected; nullability follows Required.
func (c *Class) JSONSchema() map[string]any {
	props := make(map[string]any, len(c.Fields)+1)
	var required []string

	for _, f := range c.Fields {
		props[f.Name] = fieldSchema(c, f)
		if f.Required {
			required = append(required, f.Name)
		}
	}
	props["misc"] = map[string]any{"type": []string{"object", "null"}}

	s := map[string]any{
		"title":                c.Name,
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func fieldSchema(c *Class, f Field) map[string]any {
	if f.Name == c.PrimaryKey || f.IsForeignKey() {
		return map[string]any{"type": []string{"string", "null"}}
	}

	if f.IsVerified() {
		triple := map[string]any{
			"type": "object",
			"properties": map[string]any{
				"value":      map[string]any{"type": append(scalarTypes(f.Type), "null")},
				"quote":      map[string]any{"type": []string{"string", "null"}},
				"confidence": map[string]any{"type": []string{"number", "string", "null"}},
			},
			"required":             []string{"value"},
			"additionalProperties": false,
		}
		if !f.Required {
			return map[string]any{"anyOf": []any{triple, map[string]any{"type": "null"}}}
		}
		return triple
	}

	types := scalarTypes(f.Type)
	if !f.Required {
		types = append(types, "null")
	}
	return map[string]any{"type": types}
}

// scalarTypes lists the JSON types accepted for a value of a field type.
// Numbers may arrive as text, as they are quoted in the source.
func scalarTypes(fieldType string) []string {
	switch fieldType {
	case "integer":
		return []string{"integer", "string"}
	case "number":
		return []string{"number", "string"}
	default:
		return []string{"string"}
	}
}

// Compiled returns the compiled validator for a class, compiling it once
func (r *Registry) Compiled(name string) (*jsonschema.Schema, error) {
	c, err := r.Get(name)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.compiled[name]; ok {
		return s, nil
	}

	data, err := json.Marshal(c.JSONSchema())
	if err != nil {
		return nil, fmt.Errorf("marshal schema %s: %w", name, err)
	}

	url := name + ".json"
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(url, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("add schema %s: %w", name, err)
	}
	s, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}

	r.compiled[name] = s
	return s, nil
}

// CompactSchema returns the schema in the indented form shown to the model
func (c *Class) CompactSchema() string {
	data, err := json.MarshalIndent(c.JSONSchema(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}
