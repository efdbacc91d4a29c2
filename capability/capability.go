// Package capability provides a per-request registry of values keyed by their
// Go type. Middleware stages insert values (parsed cookies, an authenticated
// principal, a handle to a shared event bus) and later stages or the terminal
// handler ask for them by type:
//
//	capability.Insert(caps, jar)
//	...
//	jar, err := capability.Get[middleware.CookieJar](caps)
//	if err != nil {
//	    return nil, err // *MissingCapabilityError
//	}
//
// The lookup is resolved at call time, so stages compose in any order as long
// as producers run before consumers. A Registry is owned by a single request
// and is not safe for concurrent mutation.
package capability

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
)

// ErrMissingCapability is matched by every *MissingCapabilityError.
var ErrMissingCapability = errors.New("missing capability")

// MissingCapabilityError reports a lookup for a type that was never inserted
// (or whose stored value does not have the requested type).
type MissingCapabilityError struct {
	Type reflect.Type
}

func (e *MissingCapabilityError) Error() string {
	return fmt.Sprintf("failed to find value of type %s in the context", typeName(e.Type))
}

func (e *MissingCapabilityError) Unwrap() error { return ErrMissingCapability }

// Registry maps a type identity to at most one value of that type.
// The zero value is not usable; call New. A nil *Registry reads as empty.
type Registry struct {
	values map[reflect.Type]any
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{values: make(map[reflect.Type]any)}
}

// Insert stores v under the static type T, replacing any previous value of
// that type. Use Insert with an interface type parameter to store an
// implementation under its interface (e.g. Insert[auth.UserInfo](r, ui)).
func Insert[T any](r *Registry, v T) {
	r.put(reflect.TypeFor[T](), v)
}

// Set stores v under its dynamic type. It is the untyped counterpart of
// Insert, convenient when provisioning a heterogeneous batch of values.
// A nil v is ignored.
func (r *Registry) Set(v any) {
	if v == nil {
		return
	}
	r.put(reflect.TypeOf(v), v)
}

func (r *Registry) put(t reflect.Type, v any) {
	if r.values == nil {
		r.values = make(map[reflect.Type]any)
	}
	r.values[t] = v
}

// Get returns the value stored under T. If no value was stored, or the stored
// value is not a T, it returns a *MissingCapabilityError.
func Get[T any](r *Registry) (T, error) {
	var zero T
	t := reflect.TypeFor[T]()
	if r == nil {
		return zero, &MissingCapabilityError{Type: t}
	}
	raw, ok := r.values[t]
	if !ok {
		return zero, &MissingCapabilityError{Type: t}
	}
	v, ok := raw.(T)
	if !ok {
		return zero, &MissingCapabilityError{Type: t}
	}
	return v, nil
}

// MustGet is like Get but panics when the value is missing. It is intended
// for tests and for wiring code where absence is a programming error.
func MustGet[T any](r *Registry) T {
	v, err := Get[T](r)
	if err != nil {
		panic(err)
	}
	return v
}

// Has reports whether a value of type T is present.
func Has[T any](r *Registry) bool {
	_, err := Get[T](r)
	return err == nil
}

// Delete removes the value stored under T, if any.
func Delete[T any](r *Registry) {
	if r == nil {
		return
	}
	delete(r.values, reflect.TypeFor[T]())
}

// Len returns the number of stored values.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.values)
}

// Clone returns a shallow copy. Stored values are shared, the index is not, so
// a stage can extend the copy without affecting the registry it was given.
func (r *Registry) Clone() *Registry {
	c := New()
	if r == nil {
		return c
	}
	for k, v := range r.values {
		c.values[k] = v
	}
	return c
}

// Types returns the names of the stored types in sorted order. Used for
// diagnostics only.
func (r *Registry) Types() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.values))
	for t := range r.values {
		out = append(out, typeName(t))
	}
	sort.Strings(out)
	return out
}

func typeName(t reflect.Type) string {
	if t == nil {
		return "<nil>"
	}
	return t.String()
}
