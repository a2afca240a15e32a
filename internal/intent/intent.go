// Package intent maps a raw utterance onto an action and a resource type.
// Classification is deterministic: keyword patterns only, no model calls,
// so the same utterance in the same session state always resolves the same
// way.
package intent

// Action is what the user wants done to a resource type.
type Action string

const (
	ActionCreate       Action = "create"
	ActionDestroy      Action = "destroy"
	ActionList         Action = "list"
	ActionModify       Action = "modify"
	ActionQuery        Action = "query"
	ActionEstimateCost Action = "estimate-cost"
)

// Intent is a resolved action/resource pair.
type Intent struct {
	Action       Action `json:"action"`
	ResourceType string `json:"resourceType"`
}

// Result is the outcome of classifying one utterance.
type Result struct {
	// Intent is set when a new intent was resolved.
	Intent *Intent
	// Continuation is true when the utterance supplies material for the
	// session's active intent rather than starting a new one.
	Continuation bool
	// NeedsClarification is true when no confident resolution was possible.
	// Question then holds what to ask the user.
	NeedsClarification bool
	Question           string
}
