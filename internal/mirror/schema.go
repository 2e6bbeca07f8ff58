package mirror

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// OnDelete controls what happens to an entity when the entity it references is removed.
type OnDelete string

const (
	OnDeleteCascade OnDelete = "cascade" // remove the referencing entity
	OnDeleteDetach  OnDelete = "detach"  // null out the reference
)

// Relation declares that Field on the owning entity holds the id of a Target entity.
type Relation struct {
	Field    string   `yaml:"field"`
	Target   string   `yaml:"target"`
	OnDelete OnDelete `yaml:"on_delete"`
}

type EntitySchema struct {
	Relations []Relation `yaml:"relations"`
}

// Schema describes the mirrored entity kinds and their relationships.
// A nil or empty schema accepts any entity kind and has no cascades.
type Schema struct {
	Entities map[string]EntitySchema `yaml:"entities"`
}

// LoadSchema reads a YAML schema file.
func LoadSchema(path string) (*Schema, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading schema: %w", err)
	}
	return ParseSchema(raw)
}

// ParseSchema parses and validates a YAML schema document.
func ParseSchema(raw []byte) (*Schema, error) {
	var s Schema
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parsing schema: %w", err)
	}
	for name, es := range s.Entities {
		for i := range es.Relations {
			if es.Relations[i].OnDelete == "" {
				es.Relations[i].OnDelete = OnDeleteCascade
			}
		}
		s.Entities[name] = es
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks that every relation points at a declared entity and uses a known rule.
func (s *Schema) Validate() error {
	for name, es := range s.Entities {
		for _, r := range es.Relations {
			if r.Field == "" {
				return fmt.Errorf("%w: %s has a relation without a field", ErrInvalidSchema, name)
			}
			if _, ok := s.Entities[r.Target]; !ok {
				return fmt.Errorf("%w: %s.%s targets undeclared entity %q", ErrInvalidSchema, name, r.Field, r.Target)
			}
			if r.OnDelete != OnDeleteCascade && r.OnDelete != OnDeleteDetach {
				return fmt.Errorf("%w: %s.%s has unknown on_delete %q", ErrInvalidSchema, name, r.Field, r.OnDelete)
			}
		}
	}
	return nil
}

// Allows reports whether the entity kind may be stored.
func (s *Schema) Allows(entity string) bool {
	if s == nil || len(s.Entities) == 0 {
		return true
	}
	_, ok := s.Entities[entity]
	return ok
}

// referrer is an (entity, relation) pair pointing at some target kind.
type referrer struct {
	entity   string
	relation Relation
}

// referrersOf returns relations targeting the given kind, in a stable order.
func (s *Schema) referrersOf(target string) []referrer {
	if s == nil {
		return nil
	}
	names := make([]string, 0, len(s.Entities))
	for name := range s.Entities {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []referrer
	for _, name := range names {
		for _, r := range s.Entities[name].Relations {
			if r.Target == target {
				out = append(out, referrer{entity: name, relation: r})
			}
		}
	}
	return out
}
