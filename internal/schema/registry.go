package schema

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed registry.yaml
var defaultRegistry []byte

// ErrSchemaNotFound is returned for an unknown record class
var ErrSchemaNotFound = errors.New("schema not found")

// Kind classifies a field
type Kind string

const (
	KindScalar     Kind = "scalar"
	KindForeignKey Kind = "foreign_key"
	KindVerified   Kind = "verified"
)

// Field describes one field of a record class
type Field struct {
	Name     string `yaml:"name"`
	Kind     Kind   `yaml:"kind,omitempty"`
	Type     string `yaml:"type,omitempty"` // string, integer, number, date, uuid
	Required bool   `yaml:"required,omitempty"`
	Target   string `yaml:"target,omitempty"`   // Target class for foreign keys
	Expected bool   `yaml:"expected,omitempty"` // FK the presence verifier counts when null
}

// IsForeignKey reports whether the field references another class
func (f Field) IsForeignKey() bool {
	return f.Kind == KindForeignKey
}

// IsVerified reports whether the field is a value/quote/confidence triple
func (f Field) IsVerified() bool {
	return f.Kind == KindVerified
}

// Class is the schema of one record class
type Class struct {
	Name       string     `yaml:"name"`
	PrimaryKey string     `yaml:"primary_key"`
	Context    string     `yaml:"context,omitempty"`
	Labels     []string   `yaml:"labels,omitempty"`
	Unique     [][]string `yaml:"unique,omitempty"`
	Fields     []Field    `yaml:"fields"`
}

// Field returns the named field
func (c *Class) Field(name string) (Field, bool) {
	for _, f := range c.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// VerifiedFields returns the names of verified fields in declaration order
func (c *Class) VerifiedFields() []string {
	var names []string
	for _, f := range c.Fields {
		if f.IsVerified() {
			names = append(names, f.Name)
		}
	}
	return names
}

// ForeignKeys returns the foreign-key fields in declaration order
func (c *Class) ForeignKeys() []Field {
	var fks []Field
	for _, f := range c.Fields {
		if f.IsForeignKey() {
			fks = append(fks, f)
		}
	}
	return fks
}

// DescriptiveFields returns fields that describe the record in prose or values,
// excluding the primary key and foreign keys
func (c *Class) DescriptiveFields() []string {
	var names []string
	for _, f := range c.Fields {
		if f.Name == c.PrimaryKey || f.IsForeignKey() {
			continue
		}
		names = append(names, f.Name)
	}
	return names
}

// Registry holds every record class known to the pipeline
type Registry struct {
	CityClass string
	CityField string

	classes []*Class
	byName  map[string]*Class

	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

type registryFile struct {
	City struct {
		Class string `yaml:"class"`
		Field string `yaml:"field"`
	} `yaml:"city"`
	Classes []*Class `yaml:"classes"`
}

// Default returns the built-in registry
func Default() (*Registry, error) {
	return Parse(defaultRegistry)
}

// LoadFile reads a registry from a YAML file
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	return Parse(data)
}

// Parse builds a registry from YAML and checks it for consistency
func Parse(data []byte) (*Registry, error) {
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}

	r := &Registry{
		CityClass: file.City.Class,
		CityField: file.City.Field,
		byName:    make(map[string]*Class, len(file.Classes)),
		compiled:  make(map[string]*jsonschema.Schema),
	}

	for _, c := range file.Classes {
		if c.Name == "" {
			return nil, fmt.Errorf("registry: class without name")
		}
		if _, dup := r.byName[c.Name]; dup {
			return nil, fmt.Errorf("registry: duplicate class %s", c.Name)
		}
		for i := range c.Fields {
			if c.Fields[i].Kind == "" {
				c.Fields[i].Kind = KindScalar
			}
			if c.Fields[i].Type == "" {
				c.Fields[i].Type = "string"
			}
		}
		r.classes = append(r.classes, c)
		r.byName[c.Name] = c
	}

	if err := r.check(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) check() error {
	for _, c := range r.classes {
		pk, ok := c.Field(c.PrimaryKey)
		if !ok || pk.Kind != KindScalar {
			return fmt.Errorf("registry: class %s: primary key %q must be a declared scalar field", c.Name, c.PrimaryKey)
		}
		for _, f := range c.Fields {
			switch f.Kind {
			case KindScalar, KindVerified:
			case KindForeignKey:
				if _, ok := r.byName[f.Target]; !ok {
					return fmt.Errorf("registry: %s.%s targets unknown class %q", c.Name, f.Name, f.Target)
				}
			default:
				return fmt.Errorf("registry: %s.%s has unknown kind %q", c.Name, f.Name, f.Kind)
			}
			if f.Name == "misc" {
				return fmt.Errorf("registry: %s declares reserved field misc", c.Name)
			}
		}
		for _, label := range c.Labels {
			if _, ok := c.Field(label); !ok {
				return fmt.Errorf("registry: %s label %q is not a field", c.Name, label)
			}
		}
		for _, cols := range c.Unique {
			for _, col := range cols {
				if _, ok := c.Field(col); !ok {
					return fmt.Errorf("registry: %s unique column %q is not a field", c.Name, col)
				}
			}
		}
	}

	if r.CityClass != "" {
		city, ok := r.byName[r.CityClass]
		if !ok {
			return fmt.Errorf("registry: city class %q is not declared", r.CityClass)
		}
		if city.PrimaryKey != r.CityField {
			return fmt.Errorf("registry: city field %q must be the primary key of %s", r.CityField, r.CityClass)
		}
	}
	return nil
}

// Get returns the schema of a class or ErrSchemaNotFound
func (r *Registry) Get(name string) (*Class, error) {
	c, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSchemaNotFound, name)
	}
	return c, nil
}

// Classes returns all classes in declaration order
func (r *Registry) Classes() []*Class {
	out := make([]*Class, len(r.classes))
	copy(out, r.classes)
	return out
}

// Names returns all class names in declaration order
func (r *Registry) Names() []string {
	names := make([]string, len(r.classes))
	for i, c := range r.classes {
		names[i] = c.Name
	}
	return names
}

// IsCityField reports whether a foreign key is the canonical city reference
func (r *Registry) IsCityField(f Field) bool {
	return r.CityClass != "" && f.IsForeignKey() && f.Target == r.CityClass && f.Name == r.CityField
}

// Slot is one foreign-key field of one class
type Slot struct {
	Class  string
	Field  string
	Target string
}

func (s Slot) String() string {
	return s.Class + "." + s.Field + "->" + s.Target
}

// ForeignKeySlots returns every non-city foreign-key slot in declaration order
func (r *Registry) ForeignKeySlots() []Slot {
	var slots []Slot
	for _, c := range r.classes {
		for _, f := range c.ForeignKeys() {
			if r.IsCityField(f) {
				continue
			}
			slots = append(slots, Slot{Class: c.Name, Field: f.Name, Target: f.Target})
		}
	}
	return slots
}

// DependencyOrder returns class names so that every FK target precedes its referrers.
// Self references are ignored.
func (r *Registry) DependencyOrder() ([]string, error) {
	const (
		visiting = iota + 1
		done
	)
	state := make(map[string]int, len(r.classes))
	var order []string

	var visit func(c *Class) error
	visit = func(c *Class) error {
		switch state[c.Name] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("registry: foreign-key cycle through %s", c.Name)
		}
		state[c.Name] = visiting
		for _, f := range c.ForeignKeys() {
			if f.Target == c.Name {
				continue
			}
			if err := visit(r.byName[f.Target]); err != nil {
				return err
			}
		}
		state[c.Name] = done
		order = append(order, c.Name)
		return nil
	}

	for _, c := range r.classes {
		if err := visit(c); err != nil {
			return nil, err
		}
	}
	return order, nil
}
