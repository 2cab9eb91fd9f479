// Package rule provides rule declaration and the registry the engine
// resolves requests against. A rule is a named function with declared input
// types and one declared output type; the registry is built once at startup,
// frozen, and consulted for every request.
package rule

import (
	"context"
	"fmt"
	"reflect"
)

// Call is the engine-provided handle a rule body uses to reach its resolved
// inputs and to issue sub-requests. Get and MultiGet are the body's only
// suspension points: the worker slot is released while a request is
// outstanding and reacquired when it completes. A body must not block on any
// other synchronization primitive.
type Call interface {
	// Input returns the resolved value for one of the rule's declared input
	// types. It panics if the type was not declared, which is a programming
	// error in the rule, not a runtime condition.
	Input(t reflect.Type) any

	// Get requests a value of type out, making the given values available to
	// the sub-computation's scope (shadowing values of the same type held by
	// the caller). It suspends until the sub-computation reaches a terminal
	// state.
	//
	// A failed sub-computation is reported through the returned error. A body
	// that returns the error propagates the failure upward; a body that
	// inspects and handles it recovers, which is how fallible requests such
	// as "try binary X, fall back to Y" are expressed.
	Get(ctx context.Context, out reflect.Type, values ...any) (any, error)

	// MultiGet issues the given requests concurrently and suspends until all
	// of them reach a terminal state. The returned slice is positional. The
	// returned error joins the individual failures, if any; per-item errors
	// remain available in the results for callers that want to recover
	// selectively.
	MultiGet(ctx context.Context, reqs ...Request) ([]Result, error)

	// ObserveInput records that the body read the identified external input
	// (a file, an environment variable, an option scope). Recorded inputs
	// feed the invalidation index when the node's result is memoized.
	ObserveInput(id string)
}

// Request names one sub-product wanted by MultiGet.
type Request struct {
	// Out is the requested output type.
	Out reflect.Type

	// Values are made available to the sub-computation's scope, exactly as
	// the variadic values of Get.
	Values []any
}

// Result is the outcome of one MultiGet item.
type Result struct {
	Value any
	Err   error
}

// Runner is the signature of a rule body. The returned value's dynamic type
// must match the rule's declared output type.
type Runner func(ctx context.Context, call Call) (any, error)

// Decoder rebuilds a rule's output value from its JSON encoding. Rules that
// set one opt in to the shared remote result cache; rules without one are
// cached in process memory only.
type Decoder func(data []byte) (any, error)

// Rule is a registered computation: a unique name, the ordered input types
// the body consumes, the single output type it produces, and the body
// itself. A Rule is immutable after registration; two rules are the same
// identity only if name, inputs, output, and body all match.
//
// Bodies must be deterministic functions of their declared inputs and the
// values obtained through Call — that contract is what makes memoization
// sound. Reading ambient mutable state from a body is a correctness bug in
// the rule, not in the engine.
type Rule struct {
	// Name uniquely identifies the rule within a registry and is half of
	// every cache key derived from it.
	Name string

	// Output is the declared product type.
	Output reflect.Type

	// Inputs are the declared parameter types, resolved from the scope (or,
	// when absent, produced by another registered rule) before the body runs.
	Inputs []reflect.Type

	// Run is the body.
	Run Runner

	// Decode, when set, marks the rule's output as JSON-serializable and
	// enables remote caching of its results.
	Decode Decoder
}

func (r *Rule) validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule: name is required")
	}
	if r.Output == nil {
		return fmt.Errorf("rule %s: output type is required", r.Name)
	}
	if r.Run == nil {
		return fmt.Errorf("rule %s: body is required", r.Name)
	}
	seen := make(map[reflect.Type]bool, len(r.Inputs))
	for _, in := range r.Inputs {
		if in == nil {
			return fmt.Errorf("rule %s: nil input type", r.Name)
		}
		if seen[in] {
			return fmt.Errorf("rule %s: duplicate input type %s", r.Name, in)
		}
		seen[in] = true
	}
	return nil
}

// TypeOf returns the reflect.Type for T. It works for interface types as
// well as concrete ones, unlike reflect.TypeOf on a zero value.
func TypeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// GetAs is a typed convenience wrapper around Call.Get.
func GetAs[T any](ctx context.Context, call Call, values ...any) (T, error) {
	var zero T
	v, err := call.Get(ctx, TypeOf[T](), values...)
	if err != nil {
		return zero, err
	}
	out, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("rule: requested %s, engine produced %T", TypeOf[T](), v)
	}
	return out, nil
}

// InputAs is a typed convenience wrapper around Call.Input.
func InputAs[T any](call Call) T {
	return call.Input(TypeOf[T]()).(T)
}
