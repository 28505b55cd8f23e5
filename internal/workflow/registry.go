package workflow

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownRecordType is returned by Registry.Lookup.
var ErrUnknownRecordType = errors.New("unknown record type")

// RecordType binds a schema and lifecycle to a record type key.
type RecordType struct {
	Key       string
	Label     string
	Schema    Schema
	Lifecycle Lifecycle
}

// Registry is the typed set of record types, built once at startup.
type Registry struct {
	types map[string]RecordType
	order []string
}

// NewRegistry rejects empty or duplicate type keys and types without a schema.
func NewRegistry(types ...RecordType) (Registry, error) {
	r := Registry{types: make(map[string]RecordType, len(types))}
	for _, rt := range types {
		key := strings.TrimSpace(rt.Key)
		if key == "" {
			return Registry{}, errors.New("record type with empty key")
		}
		if _, dup := r.types[key]; dup {
			return Registry{}, fmt.Errorf("duplicate record type %s", key)
		}
		if rt.Schema.Len() == 0 {
			return Registry{}, fmt.Errorf("record type %s has no steps", key)
		}
		rt.Key = key
		r.types[key] = rt
		r.order = append(r.order, key)
	}
	return r, nil
}

// Lookup returns the record type named key.
func (r Registry) Lookup(key string) (RecordType, error) {
	rt, ok := r.types[key]
	if !ok {
		return RecordType{}, fmt.Errorf("%w: %s", ErrUnknownRecordType, key)
	}
	return rt, nil
}

// Types returns all record types in registration order.
func (r Registry) Types() []RecordType {
	out := make([]RecordType, 0, len(r.order))
	for _, k := range r.order {
		out = append(out, r.types[k])
	}
	return out
}
