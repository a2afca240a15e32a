// Package extract pulls parameter values out of utterances. Two strategies
// run in order: deterministic patterns first, then the understanding
// capability for whatever is still missing. Every candidate value passes
// schema validation before it is accepted; nothing is ever defaulted in.
package extract

import (
	"context"
	"errors"

	"github.com/terrachat-io/terrachat/internal/logging"
	"github.com/terrachat-io/terrachat/internal/nlu"
	"github.com/terrachat-io/terrachat/internal/schema"
)

// ModelExtractor is the understanding-capability side of extraction.
// *nlu.Client implements it.
type ModelExtractor interface {
	ExtractFields(ctx context.Context, utterance string, recentTurns []string, wanted []nlu.WantedField) (map[string]string, error)
}

// Update is one accepted field value.
type Update struct {
	Field string
	Value any
}

// Rejection is a candidate value that failed validation. Reason is safe to
// show to the user.
type Rejection struct {
	Field  string
	Raw    string
	Reason string
}

// Result is the outcome of one extraction pass.
type Result struct {
	Updates  []Update
	Rejected []Rejection
	// Absent lists unfilled fields whose dedicated value shape appears
	// nowhere in the utterance, so the extractor is confident they were
	// not mentioned. Advisory only.
	Absent []string
	// Degraded is true when the model strategy timed out and only pattern
	// results are included.
	Degraded bool
}

// Request carries one utterance and the collection context.
type Request struct {
	ResourceType string
	Utterance    string
	RecentTurns  []string
	// PendingField is the field the user was just prompted for, if any. A
	// short direct answer binds to it.
	PendingField string
	// Have lists fields already filled; they are not re-extracted.
	Have map[string]any
}

// Extractor runs the strategy chain.
type Extractor struct {
	registry *schema.Registry
	model    ModelExtractor
}

// New builds an extractor. model may be nil, in which case only the pattern
// strategy runs.
func New(registry *schema.Registry, model ModelExtractor) *Extractor {
	return &Extractor{registry: registry, model: model}
}

// Extract runs both strategies and validates every candidate. Earlier
// strategies win on conflict.
func (e *Extractor) Extract(ctx context.Context, req Request) (Result, error) {
	s, ok := e.registry.Get(req.ResourceType)
	if !ok {
		return Result{}, errors.New("unknown resource type " + req.ResourceType)
	}

	var res Result
	claimed := make(map[string]bool, len(req.Have))
	for f := range req.Have {
		claimed[f] = true
	}

	accept := func(field, raw string) {
		if claimed[field] {
			return
		}
		val, err := e.registry.ValidateValue(req.ResourceType, field, raw)
		if err != nil {
			var verr *schema.ValidationError
			if errors.As(err, &verr) {
				res.Rejected = append(res.Rejected, Rejection{
					Field:  field,
					Raw:    raw,
					Reason: verr.Reason,
				})
			}
			return
		}
		claimed[field] = true
		res.Updates = append(res.Updates, Update{Field: field, Value: val})
	}

	// finish marks every unclaimed field with an unmatched dedicated
	// pattern as confidently absent.
	finish := func() Result {
		for _, name := range absentFields(s, req.Utterance) {
			if !claimed[name] {
				res.Absent = append(res.Absent, name)
			}
		}
		return res
	}

	for _, cand := range patternCandidates(s, req) {
		accept(cand.field, cand.raw)
	}

	if e.model == nil {
		return finish(), nil
	}
	wanted := wantedFields(s, claimed)
	if len(wanted) == 0 {
		return finish(), nil
	}

	modelValues, err := e.model.ExtractFields(ctx, req.Utterance, req.RecentTurns, wanted)
	if err != nil {
		if errors.Is(err, nlu.ErrTimeout) {
			logging.Warn("understanding capability timed out, pattern results only")
			res.Degraded = true
			return finish(), nil
		}
		return Result{}, err
	}
	// Deterministic apply order regardless of map iteration.
	for _, w := range wanted {
		if raw, ok := modelValues[w.Name]; ok {
			accept(w.Name, raw)
		}
	}
	return finish(), nil
}

// wantedFields lists unfilled fields for the model, required ones first.
func wantedFields(s *schema.Schema, claimed map[string]bool) []nlu.WantedField {
	var required, optional []nlu.WantedField
	for _, f := range s.Fields {
		if claimed[f.Name] {
			continue
		}
		w := nlu.WantedField{Name: f.Name, Description: f.Prompt}
		if f.Required {
			required = append(required, w)
		} else {
			optional = append(optional, w)
		}
	}
	return append(required, optional...)
}
