// Package params provides the typed value set a rule invocation executes
// against. A Params set holds at most one value per concrete Go type, which
// is what makes dependency resolution deterministic: a rule declaring an
// input of type T unambiguously receives the one T in scope.
package params

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// Params is an immutable, order-independent set of typed values. At most one
// value of any given dynamic type may appear in the set.
//
// Params values are treated as immutable once inserted; they are shared by
// reference across every node that receives them in scope. Fingerprints are
// computed from value equality, so structurally identical sets produce
// identical fingerprints regardless of construction order.
type Params struct {
	values map[reflect.Type]any
}

// New builds a Params set from the given values. It returns an error if two
// values share a dynamic type or if any value is nil.
func New(values ...any) (Params, error) {
	p := Params{values: make(map[reflect.Type]any, len(values))}
	for _, v := range values {
		if v == nil {
			return Params{}, fmt.Errorf("params: nil value not allowed")
		}
		t := reflect.TypeOf(v)
		if _, exists := p.values[t]; exists {
			return Params{}, fmt.Errorf("params: duplicate value for type %s", typeName(t))
		}
		p.values[t] = v
	}
	return p, nil
}

// MustNew is like New but panics on error. Intended for tests and static
// initialization where the inputs are known to be well formed.
func MustNew(values ...any) Params {
	p, err := New(values...)
	if err != nil {
		panic(err)
	}
	return p
}

// Get returns the value of the given type, if present.
func (p Params) Get(t reflect.Type) (any, bool) {
	v, ok := p.values[t]
	return v, ok
}

// Has reports whether a value of the given type is present.
func (p Params) Has(t reflect.Type) bool {
	_, ok := p.values[t]
	return ok
}

// Len returns the number of values in the set.
func (p Params) Len() int {
	return len(p.values)
}

// Types returns the member types sorted by name, for deterministic
// iteration and error reporting.
func (p Params) Types() []reflect.Type {
	types := make([]reflect.Type, 0, len(p.values))
	for t := range p.values {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool {
		return typeName(types[i]) < typeName(types[j])
	})
	return types
}

// With returns a new Params set containing the receiver's values plus the
// given ones. It returns an error if any added value collides with an
// existing type; values are never silently overwritten.
func (p Params) With(values ...any) (Params, error) {
	next := p.clone(len(values))
	for _, v := range values {
		if v == nil {
			return Params{}, fmt.Errorf("params: nil value not allowed")
		}
		t := reflect.TypeOf(v)
		if _, exists := next.values[t]; exists {
			return Params{}, fmt.Errorf("params: duplicate value for type %s", typeName(t))
		}
		next.values[t] = v
	}
	return next, nil
}

// Scoped returns a new Params set where the given values shadow any existing
// values of the same type. This is the scoping rule for Get requests: the
// value provided at the request site becomes the one in scope for the
// sub-computation, replacing whatever the caller held.
func (p Params) Scoped(values ...any) (Params, error) {
	next := p.clone(len(values))
	for _, v := range values {
		if v == nil {
			return Params{}, fmt.Errorf("params: nil value not allowed")
		}
		next.values[reflect.TypeOf(v)] = v
	}
	return next, nil
}

// Select returns the subset of the receiver restricted to the given types.
// Types not present in the receiver are ignored.
func (p Params) Select(types ...reflect.Type) Params {
	next := Params{values: make(map[reflect.Type]any, len(types))}
	for _, t := range types {
		if v, ok := p.values[t]; ok {
			next.values[t] = v
		}
	}
	return next
}

// Fingerprint returns a deterministic, value-equality-based key for the set.
// Members are rendered in sorted type order, so two sets holding equal
// values produce equal fingerprints no matter how they were built.
//
// Member values must render deterministically under %#v; plain value types
// and maps qualify (fmt sorts map keys), values containing pointers to
// distinct-but-equal state do not and must implement fmt.GoStringer.
func (p Params) Fingerprint() string {
	if len(p.values) == 0 {
		return ""
	}
	parts := make([]string, 0, len(p.values))
	for _, t := range p.Types() {
		parts = append(parts, fmt.Sprintf("%s=%#v", typeName(t), p.values[t]))
	}
	return strings.Join(parts, ";")
}

// String renders the member types for error messages and logs.
func (p Params) String() string {
	names := make([]string, 0, len(p.values))
	for _, t := range p.Types() {
		names = append(names, typeName(t))
	}
	return "Params(" + strings.Join(names, ", ") + ")"
}

func (p Params) clone(extra int) Params {
	next := Params{values: make(map[reflect.Type]any, len(p.values)+extra)}
	for t, v := range p.values {
		next.values[t] = v
	}
	return next
}

func typeName(t reflect.Type) string {
	if t.PkgPath() != "" {
		return t.PkgPath() + "." + t.Name()
	}
	return t.String()
}
