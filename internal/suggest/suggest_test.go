package suggest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrachat-io/terrachat/internal/schema"
)

func TestForField(t *testing.T) {
	r, err := schema.NewRegistry()
	require.NoError(t, err)
	s, _ := r.Get("compute-instance")
	instanceType, _ := s.Field("instanceType")

	e := NewEngine()

	// 1. No history: catalog examples lead.
	got := e.ForField(instanceType, nil)
	require.NotEmpty(t, got)
	assert.Equal(t, "t2.micro", got[0])

	// 2. A previously chosen value outranks the catalog.
	history := []map[string]any{
		{"instanceType": "m5.large", "name": "web-01"},
		{"instanceType": "t3.small", "name": "web-00"},
	}
	got = e.ForField(instanceType, history)
	require.NotEmpty(t, got)
	assert.Equal(t, "m5.large", got[0])
	assert.LessOrEqual(t, len(got), 3)

	// 3. The catalog default ranks above generic examples.
	rootSize, _ := s.Field("rootVolumeSize")
	got = e.ForField(rootSize, nil)
	require.NotEmpty(t, got)
	assert.Equal(t, "8", got[0])
}

func TestForFieldSensitiveNeverSuggested(t *testing.T) {
	r, err := schema.NewRegistry()
	require.NoError(t, err)
	s, _ := r.Get("relational-db")
	pw, _ := s.Field("password")

	e := NewEngine()
	history := []map[string]any{{"password": "hunter22fast"}}
	assert.Nil(t, e.ForField(pw, history))
}
