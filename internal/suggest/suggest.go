// Package suggest proposes values for a prompted field. Suggestions are
// advisory only: nothing here is ever written into a parameter set.
package suggest

import (
	"fmt"

	"github.com/terrachat-io/terrachat/internal/schema"
)

// maxSuggestions caps what a prompt shows.
const maxSuggestions = 3

// Engine ranks candidate values for a field.
type Engine struct{}

// NewEngine returns a ready engine.
func NewEngine() *Engine {
	return &Engine{}
}

// ForField returns ranked suggestions. history holds the variable maps of
// resources this session already provisioned, most recent first; a value the
// user chose before outranks the catalog default, which outranks the
// catalog's generic examples. Sensitive fields never get suggestions.
func (e *Engine) ForField(f *schema.FieldSpec, history []map[string]any) []string {
	if f.Sensitive {
		return nil
	}

	var out []string
	seen := make(map[string]bool)
	add := func(v string) {
		if v == "" || seen[v] || len(out) >= maxSuggestions {
			return
		}
		seen[v] = true
		out = append(out, v)
	}

	for _, vars := range history {
		if v, ok := vars[f.Name]; ok {
			add(fmt.Sprintf("%v", v))
			break
		}
	}
	add(f.Default)
	for _, s := range f.Suggestions {
		add(s)
	}
	return out
}
