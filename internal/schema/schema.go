// Package schema holds the parameter catalog for every provisionable
// resource type and validates candidate values against it. Nothing outside
// this package decides what a field accepts.
package schema

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// FieldType is the wire type of a parameter value.
type FieldType string

const (
	TypeString FieldType = "string"
	TypeInt    FieldType = "int"
	TypeBool   FieldType = "bool"
	TypeJSON   FieldType = "json"
)

// FieldSpec describes a single parameter of a resource type.
type FieldSpec struct {
	Name        string            `yaml:"name"`
	Type        FieldType         `yaml:"type"`
	Required    bool              `yaml:"required"`
	Default     string            `yaml:"default,omitempty"`
	Validate    string            `yaml:"validate,omitempty"`
	Prompt      string            `yaml:"prompt"`
	Sensitive   bool              `yaml:"sensitive,omitempty"`
	Suggestions []string          `yaml:"suggestions,omitempty"`
	Normalize   map[string]string `yaml:"normalize,omitempty"`
}

// Schema is the ordered field catalog of one resource type. Field order is
// prompt order.
type Schema struct {
	ResourceType string      `yaml:"resourceType"`
	DisplayName  string      `yaml:"displayName"`
	Fields       []FieldSpec `yaml:"fields"`
}

// Field looks up a field by name.
func (s *Schema) Field(name string) (*FieldSpec, bool) {
	for i := range s.Fields {
		if s.Fields[i].Name == name {
			return &s.Fields[i], true
		}
	}
	return nil, false
}

// RequiredFields returns the required fields in prompt order.
func (s *Schema) RequiredFields() []FieldSpec {
	var out []FieldSpec
	for _, f := range s.Fields {
		if f.Required {
			out = append(out, f)
		}
	}
	return out
}

// ValidationError reports why a candidate value was rejected. The message is
// safe to show to the user.
type ValidationError struct {
	ResourceType string
	Field        string
	Value        string
	Reason       string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid value for %s.%s: %s", e.ResourceType, e.Field, e.Reason)
}

// normalizeRaw maps colloquial inputs onto catalog values before type
// conversion. Lookup is case-insensitive; unknown inputs pass through.
func (f *FieldSpec) normalizeRaw(raw string) string {
	raw = strings.TrimSpace(raw)
	if f.Normalize == nil {
		return raw
	}
	if mapped, ok := f.Normalize[strings.ToLower(raw)]; ok {
		return mapped
	}
	return raw
}

// convert turns a normalized raw string into the field's Go value.
func (f *FieldSpec) convert(raw string) (any, error) {
	switch f.Type {
	case TypeString:
		return raw, nil
	case TypeInt:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("expected a whole number, got %q", raw)
		}
		return n, nil
	case TypeBool:
		switch strings.ToLower(raw) {
		case "true", "yes", "y", "on", "enabled":
			return true, nil
		case "false", "no", "n", "off", "disabled":
			return false, nil
		}
		return nil, fmt.Errorf("expected yes or no, got %q", raw)
	case TypeJSON:
		if !json.Valid([]byte(raw)) {
			return nil, fmt.Errorf("not valid JSON")
		}
		return json.RawMessage(raw), nil
	}
	return nil, fmt.Errorf("unknown field type %q", f.Type)
}
