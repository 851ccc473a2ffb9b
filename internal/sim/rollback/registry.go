package rollback

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// TypeEntry describes how one component or resource type is saved and
// loaded. Deserialize decodes data on top of a value produced by Default.
type TypeEntry struct {
	Name        string
	Serialize   func(v any) ([]byte, error)
	Deserialize func(data []byte, base any) (any, error)
	Default     func() any
}

var ErrDuplicateType = errors.New("rollback: type already registered")

// TypeRegistry is the host-populated table of rollback-tracked types.
// Registration order is the canonical order used by snapshots.
type TypeRegistry struct {
	components []TypeEntry
	resources  []TypeEntry
	names      map[string]struct{}
}

func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{names: map[string]struct{}{}}
}

func (r *TypeRegistry) RegisterComponent(e TypeEntry) error {
	if err := r.admit(e); err != nil {
		return err
	}
	r.components = append(r.components, e)
	return nil
}

func (r *TypeRegistry) RegisterResource(e TypeEntry) error {
	if err := r.admit(e); err != nil {
		return err
	}
	r.resources = append(r.resources, e)
	return nil
}

func (r *TypeRegistry) admit(e TypeEntry) error {
	name := strings.TrimSpace(e.Name)
	if name == "" {
		return fmt.Errorf("rollback: type entry without name")
	}
	if name == PlayerInputsResource {
		return fmt.Errorf("rollback: %q is reserved", name)
	}
	if e.Serialize == nil || e.Deserialize == nil || e.Default == nil {
		return fmt.Errorf("rollback: type %q: serialize, deserialize and default are required", name)
	}
	if _, ok := r.names[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateType, name)
	}
	r.names[name] = struct{}{}
	return nil
}

func (r *TypeRegistry) Components() []TypeEntry { return r.components }
func (r *TypeRegistry) Resources() []TypeEntry  { return r.resources }

// JSONType builds a TypeEntry for values of type T stored by value.
// encoding/json writes struct fields in declaration order and map keys
// sorted, so equal values always serialize to equal bytes.
func JSONType[T any](name string) TypeEntry {
	return TypeEntry{
		Name: name,
		Serialize: func(v any) ([]byte, error) {
			tv, ok := v.(T)
			if !ok {
				return nil, fmt.Errorf("%s: got %T, want %T", name, v, tv)
			}
			return json.Marshal(tv)
		},
		Deserialize: func(data []byte, base any) (any, error) {
			tv, _ := base.(T)
			if err := json.Unmarshal(data, &tv); err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
			return tv, nil
		},
		Default: func() any {
			var zero T
			return zero
		},
	}
}
