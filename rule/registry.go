package rule

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
)

// NotFoundError reports that no registered rule path can satisfy a request.
// It carries the requested type and the types that were available, which is
// what the caller needs to see to fix the request or the registrations.
type NotFoundError struct {
	Output    reflect.Type
	Available []reflect.Type
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no rule produces %s from available types [%s]",
		e.Output, joinTypes(e.Available))
}

// AmbiguousError reports that two or more rules match a request equally
// well. This is a registration defect meant to surface in the backend
// author's tests, not a runtime condition to recover from.
type AmbiguousError struct {
	Output     reflect.Type
	Candidates []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("ambiguous rules for %s: %s",
		e.Output, strings.Join(e.Candidates, ", "))
}

// Registry is the static table of registered rules. It is mutable until
// Freeze is called, after which it is read-only and safe for concurrent
// lookups without locking.
type Registry struct {
	byName   map[string]*Rule
	byOutput map[reflect.Type][]*Rule

	frozen bool

	// consumable is the union of every registered rule's declared input
	// types, computed at freeze time. Scope values whose types appear here
	// may influence some sub-computation, so they participate in cache keys;
	// values of types no rule consumes are excluded.
	consumable map[reflect.Type]bool

	// lookups memoizes resolution results; populated only after freeze.
	lookups sync.Map // string -> lookupResult
}

type lookupResult struct {
	rule *Rule
	err  error
}

// NewRegistry returns an empty, unfrozen registry.
func NewRegistry() *Registry {
	return &Registry{
		byName:   make(map[string]*Rule),
		byOutput: make(map[reflect.Type][]*Rule),
	}
}

// Register adds a rule. It returns an error if the rule is malformed, if a
// rule with the same name exists, or if the registry is already frozen.
func (reg *Registry) Register(r Rule) error {
	if reg.frozen {
		return fmt.Errorf("rule: registry is frozen")
	}
	if err := r.validate(); err != nil {
		return err
	}
	if _, exists := reg.byName[r.Name]; exists {
		return fmt.Errorf("rule: duplicate rule name %q", r.Name)
	}
	stored := r
	reg.byName[r.Name] = &stored
	reg.byOutput[r.Output] = append(reg.byOutput[r.Output], &stored)
	return nil
}

// MustRegister is Register that panics on error, for static setup.
func (reg *Registry) MustRegister(r Rule) {
	if err := reg.Register(r); err != nil {
		panic(err)
	}
}

// Freeze makes the registry immutable and precomputes the consumable type
// set. Freezing twice is a no-op. All lookups require a frozen registry.
func (reg *Registry) Freeze() {
	if reg.frozen {
		return
	}
	reg.consumable = make(map[reflect.Type]bool)
	for _, r := range reg.byName {
		for _, in := range r.Inputs {
			reg.consumable[in] = true
		}
	}
	reg.frozen = true
}

// Frozen reports whether Freeze has been called.
func (reg *Registry) Frozen() bool {
	return reg.frozen
}

// Len returns the number of registered rules.
func (reg *Registry) Len() int {
	return len(reg.byName)
}

// Get returns the rule with the given name, if registered.
func (reg *Registry) Get(name string) (*Rule, bool) {
	r, ok := reg.byName[name]
	return r, ok
}

// Consumable reports whether any registered rule declares an input of the
// given type.
func (reg *Registry) Consumable(t reflect.Type) bool {
	return reg.consumable[t]
}

// Lookup resolves the single rule that should produce out given the
// available scope types. provided lists the types explicitly supplied at
// the request site (empty for root requests); a request-site value is the
// subject of the request, so rules that consume one of the provided types
// are preferred over rules that merely happen to be satisfiable.
//
// Resolution is tiered, most specific first:
//
//  1. rules consuming at least one provided type, all declared inputs
//     available in scope;
//  2. rules with all declared inputs available in scope;
//  3. rules whose missing inputs are themselves producible by other
//     registered rules from the available types.
//
// The first non-empty tier decides. One candidate wins; several yield an
// AmbiguousError; none yields a NotFoundError. Lookup is a pure function of
// its arguments and its results are memoized.
func (reg *Registry) Lookup(out reflect.Type, available, provided []reflect.Type) (*Rule, error) {
	if !reg.frozen {
		return nil, fmt.Errorf("rule: lookup before freeze")
	}

	cacheKey := lookupKey(out, available, provided)
	if cached, ok := reg.lookups.Load(cacheKey); ok {
		res := cached.(lookupResult)
		return res.rule, res.err
	}

	r, err := reg.resolve(out, available, provided)
	reg.lookups.Store(cacheKey, lookupResult{rule: r, err: err})
	return r, err
}

func (reg *Registry) resolve(out reflect.Type, available, provided []reflect.Type) (*Rule, error) {
	candidates := reg.byOutput[out]
	if len(candidates) == 0 {
		return nil, &NotFoundError{Output: out, Available: available}
	}

	availSet := make(map[reflect.Type]bool, len(available))
	for _, t := range available {
		availSet[t] = true
	}
	providedSet := make(map[reflect.Type]bool, len(provided))
	for _, t := range provided {
		providedSet[t] = true
	}

	var tier1, tier2, tier3 []*Rule
	for _, r := range candidates {
		direct := true
		for _, in := range r.Inputs {
			if !availSet[in] {
				direct = false
				break
			}
		}
		if direct {
			tier2 = append(tier2, r)
			if len(providedSet) > 0 && consumesAny(r, providedSet) {
				tier1 = append(tier1, r)
			}
			continue
		}
		if reg.producibleInputs(r, availSet) {
			tier3 = append(tier3, r)
		}
	}

	matches := tier1
	if len(matches) == 0 {
		matches = tier2
	}
	if len(matches) == 0 {
		matches = tier3
	}

	switch len(matches) {
	case 0:
		return nil, &NotFoundError{Output: out, Available: available}
	case 1:
		return matches[0], nil
	default:
		names := make([]string, len(matches))
		for i, r := range matches {
			names[i] = r.Name
		}
		sort.Strings(names)
		return nil, &AmbiguousError{Output: out, Candidates: names}
	}
}

// producibleInputs reports whether every declared input of r is either
// available in scope or producible from it by some chain of registered
// rules.
func (reg *Registry) producibleInputs(r *Rule, availSet map[reflect.Type]bool) bool {
	visiting := make(map[reflect.Type]bool)
	for _, in := range r.Inputs {
		if !availSet[in] && !reg.producible(in, availSet, visiting) {
			return false
		}
	}
	return true
}

func (reg *Registry) producible(t reflect.Type, availSet, visiting map[reflect.Type]bool) bool {
	if visiting[t] {
		return false
	}
	visiting[t] = true
	defer delete(visiting, t)

	for _, r := range reg.byOutput[t] {
		ok := true
		for _, in := range r.Inputs {
			if !availSet[in] && !reg.producible(in, availSet, visiting) {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

func consumesAny(r *Rule, types map[reflect.Type]bool) bool {
	for _, in := range r.Inputs {
		if types[in] {
			return true
		}
	}
	return false
}

func lookupKey(out reflect.Type, available, provided []reflect.Type) string {
	var b strings.Builder
	b.WriteString(out.String())
	b.WriteString("|")
	b.WriteString(joinTypes(available))
	b.WriteString("|")
	b.WriteString(joinTypes(provided))
	return b.String()
}

func joinTypes(types []reflect.Type) string {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = t.String()
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}
