package cloud

import "context"

// FakeQuerier serves canned resources per type, for tests and offline use.
type FakeQuerier struct {
	Resources map[string][]Resource
	Err       error
	Calls     []string
}

func (f *FakeQuerier) List(ctx context.Context, resourceType string) ([]Resource, error) {
	f.Calls = append(f.Calls, resourceType)
	if f.Err != nil {
		return nil, f.Err
	}
	return f.Resources[resourceType], nil
}
