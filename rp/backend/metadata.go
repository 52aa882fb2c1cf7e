package backend

import "context"

// metadata is a static name/value view of a discovery document.
type metadata map[string]string

// Value implements rp.MetadataSource.
func (m metadata) Value(_ context.Context, name string) (string, bool, error) {
	v, ok := m[name]
	return v, ok, nil
}
