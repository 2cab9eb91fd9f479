// Package engine provides an incremental, memoized rule-execution engine.
//
// A backend registers rules: named functions from typed inputs to one typed
// output. A request names an output type and supplies parameter values; the
// engine selects the rule, resolves its inputs (from the parameters or by
// running other rules), executes it, and memoizes the result. Identical
// sub-computations run at most once, concurrent requests share in-flight
// work, and results stay cached until an external input they depended on
// changes.
//
// # Core Concepts
//
//   - Rules: pure functions with declared input types and one output type,
//     registered once and frozen before execution
//   - Params: a typed value set with at most one value per type, the scope
//     a rule executes against
//   - Nodes: in-flight executions, keyed by rule plus the fingerprint of
//     the relevant parameter values
//   - Memoization: completed results keyed like nodes, served without
//     re-execution until invalidated
//   - Invalidation: external-input change events evict the transitive set
//     of results that depended on the input
//
// # Getting Started
//
// Register rules, build an engine, and request a value:
//
//	reg := rule.NewRegistry()
//	reg.MustRegister(rule.Rule{
//		Name:   "compile",
//		Output: rule.TypeOf[CompiledUnit](),
//		Inputs: []reflect.Type{rule.TypeOf[SourceRoot]()},
//		Run: func(ctx context.Context, call rule.Call) (any, error) {
//			root := rule.InputAs[SourceRoot](call)
//			// ...
//			return CompiledUnit{}, nil
//		},
//	})
//
//	e, err := engine.New(reg, engine.WithParallelism(8))
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer e.Shutdown(context.Background())
//
//	unit, err := engine.Produce[CompiledUnit](ctx, e, params.MustNew(SourceRoot("src")))
//
// Rule bodies reach sub-products through their Call handle:
//
//	Run: func(ctx context.Context, call rule.Call) (any, error) {
//		parsed, err := rule.GetAs[ParsedFile](ctx, call, Path("lib/a.go"))
//		if err != nil {
//			return nil, err
//		}
//		// ...
//	}
//
// Get suspends the body until the sub-product is ready; suspended bodies do
// not occupy worker slots, so dependency depth never deadlocks the pool.
//
// # Incrementality
//
// Bodies report the external inputs they read via call.ObserveInput. Feeding
// a change event to Engine.Invalidate, or attaching a watch source with
// Engine.Watch, evicts every memoized result that transitively depended on
// the changed input. The next request recomputes exactly the evicted work.
package engine
