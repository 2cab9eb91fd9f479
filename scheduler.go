package engine

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rulegraph/engine/graph"
	"github.com/rulegraph/engine/memo"
	"github.com/rulegraph/engine/params"
	"github.com/rulegraph/engine/rule"
)

// resolveRequest carries everything one request needs: what to produce, the
// scope to produce it from, and where in the graph the request came from.
type resolveRequest struct {
	out   reflect.Type
	scope params.Params

	// provided lists the types supplied at the request site; rules that
	// consume one are preferred during lookup. Empty for root requests and
	// implicit input resolution.
	provided []reflect.Type

	// ancestry is the requester's chain of node keys, used for cycle
	// detection. Empty for root requests.
	ancestry []graph.Key

	runID string

	// parent is the requesting node, nil for root requests.
	parent    *graph.Node
	parentKey *graph.Key
}

// resolve produces one value: it selects the rule, derives the node key,
// and serves the result from the memoization table, the remote cache, or a
// fresh execution, in that order. Concurrent resolves of the same key share
// a single execution.
func (e *Engine) resolve(ctx context.Context, req resolveRequest) (any, error) {
	r, err := e.rules.Lookup(req.out, req.scope.Types(), req.provided)
	if err != nil {
		return nil, wrapLookup(err)
	}

	key := e.keyFor(r, req.scope)

	if idx := slices.Index(req.ancestry, key); idx >= 0 {
		chain := append(slices.Clone(req.ancestry[idx:]), key)
		return nil, NewCycleError("Engine.Resolve",
			errors.Join(ErrCycle, &graph.CycleError{Chain: chain}))
	}

	if req.parent != nil {
		req.parent.RecordDep(key)
		e.index.RecordEdge(key, *req.parentKey)
	}

	// A node can fail with a cancellation this requester never caused: its
	// previous requester withdrew in the instant before our interest
	// registered. Those failures are retried while this requester is live;
	// the cap stops a body that fails with a cancellation of its own making
	// from looping.
	for attempt := 0; ; attempt++ {
		if entry, ok := e.table.Get(key, req.runID); ok {
			if entry.Failed() {
				return nil, entry.Err
			}
			return entry.Value, nil
		}

		if value, ok := e.remoteGet(ctx, r, key); ok {
			return value, nil
		}

		node, created := e.nodes.GetOrCreate(key)
		if created {
			// A finisher may have published to the table and retired its node
			// between our table lookup and the node creation; re-check so the
			// fresh node does not recompute an already-memoized result.
			if entry, ok := e.table.Get(key, req.runID); ok {
				if entry.Failed() {
					node.Fail(entry.Err)
				} else {
					node.Complete(entry.Value)
				}
				e.nodes.Remove(key, node)
				if entry.Failed() {
					return nil, entry.Err
				}
				return entry.Value, nil
			}
		}

		node.AddInterest()
		if created {
			go e.run(node, r, req.scope, key, req.ancestry, req.runID)
		}
		value, err := node.Wait(ctx)
		node.ReleaseInterest()

		if err == nil {
			return value, nil
		}
		var ee *EngineError
		if !errors.As(err, &ee) {
			// The requester's own context expired; the node may still be
			// running for other requesters.
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, NewTimeoutError("Engine.Resolve", err)
			}
			return nil, NewCancelledError("Engine.Resolve", err)
		}
		if errors.Is(err, &EngineError{Kind: KindCancelled}) &&
			ctx.Err() == nil && e.baseCtx.Err() == nil && attempt < resolveRetries {
			// The cancelled node may still be awaiting retirement; clear it so
			// the next attempt creates a fresh one.
			e.nodes.Remove(key, node)
			continue
		}
		return nil, err
	}
}

// resolveRetries bounds how many times a resolve re-attempts a node that
// failed with a cancellation while the requester itself was still live.
const resolveRetries = 3

// run drives one node from Pending to a terminal state: resolve the rule's
// declared inputs, take a worker slot, execute the body, and publish. It
// runs in its own goroutine under the engine's lifetime context, so the
// node outlives any single requester; interest counting cancels it when no
// requester remains.
func (e *Engine) run(node *graph.Node, r *rule.Rule, scope params.Params, key graph.Key, ancestry []graph.Key, runID string) {
	runCtx, cancel := context.WithCancel(e.baseCtx)
	node.SetCancel(cancel)
	defer cancel()

	runCtx, span := e.tracer.Start(runCtx, "rule.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("rule.name", r.Name),
		attribute.String("node.key", key.String()),
	)

	node.Start()
	epoch := e.epoch.Load()
	e.executions.Add(runCtx, 1)

	t := &task{
		engine:   e,
		node:     node,
		key:      key,
		scope:    scope,
		ancestry: append(slices.Clone(ancestry), key),
		runID:    runID,
		runCtx:   runCtx,
		inputs:   make(map[reflect.Type]any, len(r.Inputs)),
	}

	for _, in := range r.Inputs {
		if v, ok := scope.Get(in); ok {
			t.inputs[in] = v
			continue
		}
		v, err := e.resolve(runCtx, resolveRequest{
			out:       in,
			scope:     scope,
			ancestry:  t.ancestry,
			runID:     runID,
			parent:    node,
			parentKey: &key,
		})
		if err != nil {
			e.finish(node, r, key, t, epoch, span, nil, err)
			return
		}
		t.inputs[in] = v
	}

	if err := e.acquireSlot(runCtx); err != nil {
		e.finish(node, r, key, t, epoch, span, nil,
			NewCancelledError("Rule.Run", err).WithContext(map[string]any{"rule": r.Name}))
		return
	}
	t.holdsSlot = true
	value, err := e.invoke(runCtx, r, t)
	if t.holdsSlot {
		e.releaseSlot()
		t.holdsSlot = false
	}

	if err == nil {
		err = checkOutput(r, value)
	}
	e.finish(node, r, key, t, epoch, span, value, err)
}

// finish publishes a node's terminal result. The memoization write happens
// before the node leaves the graph: a concurrent requester therefore always
// finds either the in-flight node or the memoized entry, never neither. The
// epoch check and the table write share Invalidate's mutex, so an eviction
// either precedes the write (and moves the epoch, suppressing it) or follows
// it (and finds both the entry and its index records).
func (e *Engine) finish(node *graph.Node, r *rule.Rule, key graph.Key, t *task, epoch uint64, span trace.Span, value any, err error) {
	if err != nil {
		// A failure computed across an invalidation may reflect just-evicted
		// state; serve it to current waiters but do not memoize it.
		e.invalMu.Lock()
		if e.epoch.Load() == epoch && !interrupted(err) {
			reads := t.readList()
			e.index.RecordReads(key, reads)
			e.table.PutFailure(key, err, t.runID, reads)
		}
		e.invalMu.Unlock()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		node.Fail(err)
		e.nodes.Remove(key, node)
		return
	}

	var memoized bool
	var reads []string
	e.invalMu.Lock()
	if e.epoch.Load() == epoch {
		reads = t.readList()
		e.index.RecordReads(key, reads)
		e.table.Put(key, value, reads)
		memoized = true
	}
	e.invalMu.Unlock()

	if memoized {
		e.remotePut(r, key, value, reads)
		// The remote write happens outside the mutex; if an eviction raced it,
		// clear the shared entry rather than leave a value the local table no
		// longer vouches for.
		if e.epoch.Load() != epoch {
			e.remoteDelete(key)
		}
	}
	span.SetStatus(codes.Ok, "")
	node.Complete(value)
	e.nodes.Remove(key, node)
}

// invoke runs the body, converting panics and bare errors into structured
// failures. Errors already structured, such as propagated dependency
// failures, pass through unchanged.
func (e *Engine) invoke(ctx context.Context, r *rule.Rule, t *task) (value any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			value = nil
			err = NewInternalError("Rule.Run",
				fmt.Errorf("rule %s panicked: %v", r.Name, rec))
		}
	}()

	value, err = r.Run(ctx, t)
	if err != nil {
		var ee *EngineError
		if !errors.As(err, &ee) {
			err = NewExecutionError("Rule.Run",
				errors.Join(ErrRuleFailed, err)).WithContext(map[string]any{"rule": r.Name})
		}
	}
	return value, err
}

// keyFor derives the node key: the rule name plus the fingerprint of the
// scope restricted to types some registered rule consumes. Restricting to
// consumable types means a scope value no rule could ever read does not
// split the cache; keeping every consumable type errs toward distinct keys,
// which costs recomputation but never staleness.
func (e *Engine) keyFor(r *rule.Rule, scope params.Params) graph.Key {
	var relevant []reflect.Type
	for _, t := range scope.Types() {
		if e.rules.Consumable(t) {
			relevant = append(relevant, t)
		}
	}
	return graph.Key{Rule: r.Name, Params: scope.Select(relevant...).Fingerprint()}
}

func (e *Engine) acquireSlot(ctx context.Context) error {
	select {
	case e.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) releaseSlot() {
	<-e.sem
}

// remoteGet serves a request from the shared cache, registering the cached
// entry's external reads locally so later invalidations reach it. Cache
// trouble is logged and treated as a miss.
func (e *Engine) remoteGet(ctx context.Context, r *rule.Rule, key graph.Key) (any, bool) {
	if e.remote == nil || r.Decode == nil {
		return nil, false
	}

	epoch := e.epoch.Load()
	data, ok, err := e.remote.Get(ctx, key.String())
	if err != nil {
		e.logger.Warn("remote cache read failed", "key", key.String(), "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}

	env, err := memo.DecodeEnvelope(data)
	if err != nil {
		e.logger.Warn("remote cache entry malformed", "key", key.String(), "error", err)
		return nil, false
	}
	value, err := r.Decode(env.Value)
	if err != nil {
		e.logger.Warn("remote cache value undecodable", "key", key.String(), "error", err)
		return nil, false
	}

	// An invalidation during the fetch may concern one of the entry's own
	// reads; the entry is then untrustworthy, so treat it as a miss.
	e.invalMu.Lock()
	if e.epoch.Load() != epoch {
		e.invalMu.Unlock()
		return nil, false
	}
	e.index.RecordReads(key, env.Reads)
	e.table.Put(key, value, env.Reads)
	e.invalMu.Unlock()
	return value, true
}

// remotePut writes a completed result through to the shared cache.
func (e *Engine) remotePut(r *rule.Rule, key graph.Key, value any, reads []string) {
	if e.remote == nil || r.Decode == nil {
		return
	}

	data, err := memo.EncodeEnvelope(value, reads)
	if err != nil {
		e.logger.Warn("failed to encode result for remote cache",
			"key", key.String(), "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.remote.Put(ctx, key.String(), data, e.remoteTTL); err != nil {
		e.logger.Warn("remote cache write failed", "key", key.String(), "error", err)
	}
}

// remoteDelete best-effort evicts one key from the shared cache.
func (e *Engine) remoteDelete(key graph.Key) {
	if e.remote == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.remote.Delete(ctx, key.String()); err != nil {
		e.logger.Warn("remote cache eviction failed", "key", key.String(), "error", err)
	}
}

func checkOutput(r *rule.Rule, value any) error {
	if value == nil {
		return NewInternalError("Rule.Run",
			fmt.Errorf("rule %s declared %s, returned nil", r.Name, r.Output))
	}
	t := reflect.TypeOf(value)
	if t == r.Output {
		return nil
	}
	if r.Output.Kind() == reflect.Interface && t.Implements(r.Output) {
		return nil
	}
	return NewInternalError("Rule.Run",
		fmt.Errorf("rule %s declared %s, returned %s", r.Name, r.Output, t))
}

func wrapLookup(err error) error {
	var nf *rule.NotFoundError
	if errors.As(err, &nf) {
		return NewNotFoundError("Engine.Resolve", errors.Join(ErrRuleNotFound, err))
	}
	var amb *rule.AmbiguousError
	if errors.As(err, &amb) {
		return NewAmbiguousError("Engine.Resolve", errors.Join(ErrAmbiguousRule, err))
	}
	return NewInternalError("Engine.Resolve", err)
}

// interrupted reports whether a failure came from cancellation or a spent
// budget rather than from the computation itself. Interrupted results are
// never memoized.
func interrupted(err error) bool {
	return errors.Is(err, &EngineError{Kind: KindCancelled}) ||
		errors.Is(err, &EngineError{Kind: KindTimeout}) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// task is the Call handle handed to a rule body. Get and MultiGet release
// the body's worker slot for the duration of the request and reacquire it
// before returning, so a suspended body never starves runnable ones.
type task struct {
	engine   *Engine
	node     *graph.Node
	key      graph.Key
	scope    params.Params
	ancestry []graph.Key
	runID    string
	runCtx   context.Context

	// holdsSlot tracks whether the body currently owns a worker token. A
	// request whose reacquire fails returns without one, so the token ledger
	// must be consulted, never assumed, when the body finishes.
	holdsSlot bool

	inputs map[reflect.Type]any

	mu    sync.Mutex
	reads []string
	seen  map[string]bool
}

var _ rule.Call = (*task)(nil)

func (t *task) Input(typ reflect.Type) any {
	v, ok := t.inputs[typ]
	if !ok {
		panic(fmt.Sprintf("rule %s: input %s was not declared", t.key.Rule, typ))
	}
	return v
}

func (t *task) Get(ctx context.Context, out reflect.Type, values ...any) (any, error) {
	scoped, err := t.scope.Scoped(values...)
	if err != nil {
		return nil, NewValidationError("Call.Get", err)
	}
	provided := make([]reflect.Type, len(values))
	for i, v := range values {
		provided[i] = reflect.TypeOf(v)
	}

	t.engine.releaseSlot()
	t.holdsSlot = false
	value, err := t.engine.resolve(ctx, resolveRequest{
		out:       out,
		scope:     scoped,
		provided:  provided,
		ancestry:  t.ancestry,
		runID:     t.runID,
		parent:    t.node,
		parentKey: &t.key,
	})
	if aerr := t.engine.acquireSlot(t.runCtx); aerr != nil {
		return nil, NewCancelledError("Call.Get", aerr)
	}
	t.holdsSlot = true
	return value, err
}

func (t *task) MultiGet(ctx context.Context, reqs ...rule.Request) ([]rule.Result, error) {
	if len(reqs) == 0 {
		return nil, nil
	}

	subs := make([]resolveRequest, len(reqs))
	for i, req := range reqs {
		scoped, err := t.scope.Scoped(req.Values...)
		if err != nil {
			return nil, NewValidationError("Call.MultiGet", err)
		}
		provided := make([]reflect.Type, len(req.Values))
		for j, v := range req.Values {
			provided[j] = reflect.TypeOf(v)
		}
		subs[i] = resolveRequest{
			out:       req.Out,
			scope:     scoped,
			provided:  provided,
			ancestry:  t.ancestry,
			runID:     t.runID,
			parent:    t.node,
			parentKey: &t.key,
		}
	}

	results := make([]rule.Result, len(reqs))

	t.engine.releaseSlot()
	t.holdsSlot = false
	var wg sync.WaitGroup
	for i := range subs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := t.engine.resolve(ctx, subs[i])
			results[i] = rule.Result{Value: v, Err: err}
		}(i)
	}
	wg.Wait()
	if aerr := t.engine.acquireSlot(t.runCtx); aerr != nil {
		return nil, NewCancelledError("Call.MultiGet", aerr)
	}
	t.holdsSlot = true

	errs := make([]error, len(results))
	for i, res := range results {
		errs[i] = res.Err
	}
	return results, errors.Join(errs...)
}

func (t *task) ObserveInput(id string) {
	if id == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.seen == nil {
		t.seen = make(map[string]bool)
	}
	if !t.seen[id] {
		t.seen[id] = true
		t.reads = append(t.reads, id)
	}
}

func (t *task) readList() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.reads))
	copy(out, t.reads)
	return out
}
