// Package conversation holds the per-session state machine that turns user
// utterances into provisioning actions. All component errors stop here:
// every turn ends in a state transition plus a user-visible message.
package conversation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/terrachat-io/terrachat/internal/intent"
	"github.com/terrachat-io/terrachat/internal/recovery"
	"github.com/terrachat-io/terrachat/internal/schema"
)

// State is the conversation phase of a session.
type State string

const (
	StateIdle       State = "idle"
	StateCollecting State = "collecting"
	StateConfirming State = "confirming"
	StateExecuting  State = "executing"
	StateRecovering State = "recovering"
)

// Speaker identifies who produced a turn.
type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
)

// Turn is one utterance or response in the session transcript.
type Turn struct {
	Speaker Speaker   `json:"speaker"`
	Text    string    `json:"text"`
	Time    time.Time `json:"time"`
}

// ParamState is the serialized form of the active parameter set. Values are
// kept as raw JSON so that an int stays an int across a restart; the
// registry's field types drive the re-typing on load.
type ParamState struct {
	ResourceType string                     `json:"resourceType"`
	Values       map[string]json.RawMessage `json:"values"`
}

// ProvisionedResource is one entry of the session's resource history.
type ProvisionedResource struct {
	ResourceType  string                     `json:"resourceType"`
	Name          string                     `json:"name"`
	PlanID        string                     `json:"planId"`
	Variables     map[string]json.RawMessage `json:"variables"`
	Attributes    map[string]string          `json:"attributes,omitempty"`
	ProvisionedAt time.Time                  `json:"provisionedAt"`
}

// Session is the unit of persistence. It is exclusively owned by the turn
// currently processing it; the persisted form is the only state trusted
// across a restart.
type Session struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	State        State          `json:"state"`
	Turns        []Turn         `json:"turns"`
	ActiveIntent *intent.Intent `json:"activeIntent,omitempty"`
	Params       *ParamState    `json:"params,omitempty"`

	// PendingField is the field the user was last prompted for.
	PendingField string `json:"pendingField,omitempty"`
	// AwaitingGate is set in confirming when the plan carries a safety gate
	// and the first confirmation has been given but not the second.
	AwaitingGate bool `json:"awaitingGate,omitempty"`
	// DestroyChoices holds candidate history names while a destroy target
	// is being selected.
	DestroyChoices []string `json:"destroyChoices,omitempty"`

	ActivePlanID      string           `json:"activePlanId,omitempty"`
	TransientAttempts int              `json:"transientAttempts,omitempty"`
	LastAdvice        *recovery.Advice `json:"lastAdvice,omitempty"`
	// LastError retains the raw payload of the most recent failed run. It
	// survives intent teardown and is only replaced by a later failure or
	// cleared by a successful run.
	LastError string `json:"lastError,omitempty"`

	ResourceHistory []ProvisionedResource `json:"resourceHistory,omitempty"`
}

// NewSession creates an idle session with a fresh identifier.
func NewSession() *Session {
	now := time.Now().UTC()
	return &Session{
		ID:        uuid.NewString(),
		CreatedAt: now,
		UpdatedAt: now,
		State:     StateIdle,
	}
}

// DecodeSession deserializes a persisted session.
func DecodeSession(data []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return &s, nil
}

// Encode serializes the session for the store.
func (s *Session) Encode() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session: %w", err)
	}
	return data, nil
}

// AddTurn appends a transcript entry and bumps UpdatedAt.
func (s *Session) AddTurn(speaker Speaker, text string) {
	now := time.Now().UTC()
	s.Turns = append(s.Turns, Turn{Speaker: speaker, Text: text, Time: now})
	s.UpdatedAt = now
}

// RecentTurns returns the last n transcript lines, oldest first, formatted
// for the understanding capability.
func (s *Session) RecentTurns(n int) []string {
	start := len(s.Turns) - n
	if start < 0 {
		start = 0
	}
	out := make([]string, 0, len(s.Turns)-start)
	for _, t := range s.Turns[start:] {
		out = append(out, fmt.Sprintf("%s: %s", t.Speaker, t.Text))
	}
	return out
}

// RecentResourceTypes returns the resource types of this session's history,
// most recently provisioned first, for classifier tie-breaking.
func (s *Session) RecentResourceTypes() []string {
	var out []string
	seen := make(map[string]bool)
	for i := len(s.ResourceHistory) - 1; i >= 0; i-- {
		rt := s.ResourceHistory[i].ResourceType
		if !seen[rt] {
			seen[rt] = true
			out = append(out, rt)
		}
	}
	return out
}

// HistoryOfType returns history entries of one resource type, most recent
// first.
func (s *Session) HistoryOfType(resourceType string) []ProvisionedResource {
	var out []ProvisionedResource
	for i := len(s.ResourceHistory) - 1; i >= 0; i-- {
		if s.ResourceHistory[i].ResourceType == resourceType {
			out = append(out, s.ResourceHistory[i])
		}
	}
	return out
}

// RemoveFromHistory drops the history entry with the given plan ID.
func (s *Session) RemoveFromHistory(planID string) {
	for i, r := range s.ResourceHistory {
		if r.PlanID == planID {
			s.ResourceHistory = append(s.ResourceHistory[:i], s.ResourceHistory[i+1:]...)
			return
		}
	}
}

// ClearIntent drops the active intent and everything hanging off it.
func (s *Session) ClearIntent() {
	s.ActiveIntent = nil
	s.Params = nil
	s.PendingField = ""
	s.AwaitingGate = false
	s.DestroyChoices = nil
	s.ActivePlanID = ""
	s.TransientAttempts = 0
	s.LastAdvice = nil
}

// SetParams serializes a parameter set into the session.
func (s *Session) SetParams(ps *schema.ParameterSet) error {
	values := make(map[string]json.RawMessage, len(ps.Values))
	for k, v := range ps.Values {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to encode parameter %s: %w", k, err)
		}
		values[k] = raw
	}
	s.Params = &ParamState{ResourceType: ps.ResourceType, Values: values}
	return nil
}

// ParamSet rebuilds the typed parameter set from the serialized form. Field
// types come from the registry so an int round-trips as an int.
func (s *Session) ParamSet(reg *schema.Registry) (*schema.ParameterSet, error) {
	if s.Params == nil {
		return nil, fmt.Errorf("session %s has no active parameter set", s.ID)
	}
	vars, err := materializeVariables(reg, s.Params.ResourceType, s.Params.Values)
	if err != nil {
		return nil, err
	}
	ps := schema.NewParameterSet(s.Params.ResourceType)
	for k, v := range vars {
		ps.Set(k, v)
	}
	return ps, nil
}

// HistoryVariables returns the variable maps of past resources, most recent
// first, loosely typed for suggestion ranking.
func (s *Session) HistoryVariables() []map[string]any {
	var out []map[string]any
	for i := len(s.ResourceHistory) - 1; i >= 0; i-- {
		vars := make(map[string]any, len(s.ResourceHistory[i].Variables))
		for k, raw := range s.ResourceHistory[i].Variables {
			var v any
			if err := json.Unmarshal(raw, &v); err == nil {
				vars[k] = v
			}
		}
		out = append(out, vars)
	}
	return out
}

// materializeVariables re-types raw JSON values using the schema's field
// specs.
func materializeVariables(reg *schema.Registry, resourceType string, raw map[string]json.RawMessage) (map[string]any, error) {
	sch, ok := reg.Get(resourceType)
	if !ok {
		return nil, fmt.Errorf("unknown resource type %q", resourceType)
	}
	vars := make(map[string]any, len(raw))
	for name, data := range raw {
		f, ok := sch.Field(name)
		if !ok {
			return nil, fmt.Errorf("unknown field %q for %s", name, resourceType)
		}
		switch f.Type {
		case schema.TypeString:
			var v string
			if err := json.Unmarshal(data, &v); err != nil {
				return nil, fmt.Errorf("failed to decode %s.%s: %w", resourceType, name, err)
			}
			vars[name] = v
		case schema.TypeInt:
			var v int
			if err := json.Unmarshal(data, &v); err != nil {
				return nil, fmt.Errorf("failed to decode %s.%s: %w", resourceType, name, err)
			}
			vars[name] = v
		case schema.TypeBool:
			var v bool
			if err := json.Unmarshal(data, &v); err != nil {
				return nil, fmt.Errorf("failed to decode %s.%s: %w", resourceType, name, err)
			}
			vars[name] = v
		case schema.TypeJSON:
			vars[name] = json.RawMessage(data)
		default:
			return nil, fmt.Errorf("unknown field type %q", f.Type)
		}
	}
	return vars, nil
}
