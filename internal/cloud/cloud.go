// Package cloud provides a read-only query surface over the provider
// account, used by the list action and by destroy/modify target resolution.
package cloud

import "context"

// Resource is a single provisioned resource as reported by the provider.
type Resource struct {
	// Name is the user-visible identifier (instance name tag, bucket name,
	// table name, ...).
	Name string
	// ID is the provider-assigned identifier when it differs from Name.
	ID string
	// Status is the provider's lifecycle state, empty when the provider
	// does not report one.
	Status string
	// Details holds extra per-type attributes for display.
	Details map[string]string
}

// Querier lists existing resources of a given resource type. Reads only;
// implementations must never mutate provider state.
type Querier interface {
	List(ctx context.Context, resourceType string) ([]Resource, error)
}
