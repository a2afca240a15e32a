// Package plan turns a complete parameter set into an executable plan with
// a deterministic identity.
package plan

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/terrachat-io/terrachat/internal/intent"
	"github.com/terrachat-io/terrachat/internal/schema"
)

// Plan is an engine-ready provisioning request. Two plans with the same
// resource type and variables always carry the same ID.
type Plan struct {
	ID           string         `json:"id"`
	Action       intent.Action  `json:"action"`
	ResourceType string         `json:"resourceType"`
	Variables    map[string]any `json:"variables"`
	// SafetyGates lists fields whose values demand an extra explicit
	// confirmation before execution. A gated plan is valid, just not yet
	// runnable.
	SafetyGates []string `json:"safetyGates,omitempty"`
}

// SchemaViolationError reports an internal consistency failure between a
// parameter set and its schema. Reaching the compiler with one of these is
// a collection-layer bug, not user error.
type SchemaViolationError struct {
	ResourceType string
	Detail       string
}

func (e *SchemaViolationError) Error() string {
	return fmt.Sprintf("schema violation for %s: %s", e.ResourceType, e.Detail)
}

// Compiler validates parameter sets against the registry and mints plans.
type Compiler struct {
	registry *schema.Registry
}

// NewCompiler returns a compiler over the given registry.
func NewCompiler(registry *schema.Registry) *Compiler {
	return &Compiler{registry: registry}
}

// Compile checks completeness, field validity and cross-field constraints,
// then builds the plan. The variables map is copied; later edits to the
// parameter set do not leak into a compiled plan.
func (c *Compiler) Compile(action intent.Action, p *schema.ParameterSet) (*Plan, error) {
	s, ok := c.registry.Get(p.ResourceType)
	if !ok {
		return nil, &SchemaViolationError{
			ResourceType: p.ResourceType,
			Detail:       "unknown resource type",
		}
	}

	if missing := p.Missing(s); len(missing) > 0 {
		return nil, &SchemaViolationError{
			ResourceType: p.ResourceType,
			Detail:       fmt.Sprintf("required field %s is not filled", missing[0].Name),
		}
	}
	for name := range p.Values {
		if _, ok := s.Field(name); !ok {
			return nil, &SchemaViolationError{
				ResourceType: p.ResourceType,
				Detail:       fmt.Sprintf("unknown field %s", name),
			}
		}
	}

	vars := make(map[string]any, len(p.Values))
	for k, v := range p.Values {
		vars[k] = v
	}

	gates, err := checkConstraints(s, vars)
	if err != nil {
		return nil, err
	}

	return &Plan{
		ID:           computeID(p.ResourceType, vars),
		Action:       action,
		ResourceType: p.ResourceType,
		Variables:    vars,
		SafetyGates:  gates,
	}, nil
}

// checkConstraints enforces relations between fields that single-field
// validation cannot see. It returns the safety gates the plan must carry.
func checkConstraints(s *schema.Schema, vars map[string]any) ([]string, error) {
	var gates []string

	if s.ResourceType == "relational-db" {
		if pub, ok := vars["publiclyAccessible"].(bool); ok && pub {
			gates = append(gates, "publiclyAccessible")
		}
	}

	if s.ResourceType == "compute-instance" {
		volType, _ := vars["rootVolumeType"].(string)
		if volType == "io1" || volType == "io2" {
			if _, ok := vars["rootVolumeSize"]; !ok {
				return nil, &SchemaViolationError{
					ResourceType: s.ResourceType,
					Detail:       fmt.Sprintf("rootVolumeType %s requires an explicit rootVolumeSize", volType),
				}
			}
		}
	}

	return gates, nil
}

// computeID hashes the resource type and the canonical variable rendering.
// Map iteration order never influences the result.
func computeID(resourceType string, vars map[string]any) string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	fmt.Fprintf(h, "%s\n", resourceType)
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%s\n", k, canonicalValue(vars[k]))
	}
	return "plan-" + hex.EncodeToString(h.Sum(nil))[:16]
}

func canonicalValue(v any) string {
	switch t := v.(type) {
	case json.RawMessage:
		return string(t)
	case string:
		return t
	default:
		return fmt.Sprintf("%v", t)
	}
}
