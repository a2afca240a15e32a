package schema

import (
	"encoding/json"
	"fmt"
	"sort"
)

// ParameterSet is the partially filled variable map being collected for one
// pending request. Only values that passed ValidateValue are ever stored.
type ParameterSet struct {
	ResourceType string         `json:"resourceType"`
	Values       map[string]any `json:"values"`
}

// NewParameterSet returns an empty set for a resource type.
func NewParameterSet(resourceType string) *ParameterSet {
	return &ParameterSet{
		ResourceType: resourceType,
		Values:       make(map[string]any),
	}
}

// Set stores a validated value.
func (p *ParameterSet) Set(field string, value any) {
	if p.Values == nil {
		p.Values = make(map[string]any)
	}
	p.Values[field] = value
}

// Get returns a stored value.
func (p *ParameterSet) Get(field string) (any, bool) {
	v, ok := p.Values[field]
	return v, ok
}

// Unset removes a value, typically after the recovery advisor identified it
// as the cause of a failure.
func (p *ParameterSet) Unset(field string) {
	delete(p.Values, field)
}

// Missing returns the required fields not yet filled, in prompt order.
func (p *ParameterSet) Missing(s *Schema) []FieldSpec {
	var out []FieldSpec
	for _, f := range s.Fields {
		if !f.Required {
			continue
		}
		if _, ok := p.Values[f.Name]; !ok {
			out = append(out, f)
		}
	}
	return out
}

// Complete reports whether every required field is filled.
func (p *ParameterSet) Complete(s *Schema) bool {
	return len(p.Missing(s)) == 0
}

// Summary renders the collected values for a confirmation prompt, masking
// sensitive fields. Fields appear in catalog order.
func (p *ParameterSet) Summary(s *Schema) string {
	out := ""
	for _, f := range s.Fields {
		v, ok := p.Values[f.Name]
		if !ok {
			continue
		}
		if f.Sensitive {
			out += fmt.Sprintf("  %s: ********\n", f.Name)
			continue
		}
		out += fmt.Sprintf("  %s: %s\n", f.Name, renderValue(v))
	}
	return out
}

// SortedKeys returns the filled field names in lexical order.
func (p *ParameterSet) SortedKeys() []string {
	keys := make([]string, 0, len(p.Values))
	for k := range p.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func renderValue(v any) string {
	switch t := v.(type) {
	case json.RawMessage:
		return string(t)
	case string:
		return t
	default:
		return fmt.Sprintf("%v", t)
	}
}
