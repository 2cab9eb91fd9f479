package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/rulegraph/engine/config"
	"github.com/rulegraph/engine/graph"
	"github.com/rulegraph/engine/invalidation"
	"github.com/rulegraph/engine/memo"
	"github.com/rulegraph/engine/params"
	"github.com/rulegraph/engine/rule"
)

// Engine executes requests against a frozen rule registry, memoizing every
// intermediate result and invalidating memoized entries when their external
// inputs change. A single Engine is safe for concurrent use; concurrent
// requests share one memoization table and one in-flight graph, so identical
// sub-computations run at most once no matter how many requests want them.
type Engine struct {
	logger *slog.Logger
	tracer trace.Tracer

	rules *rule.Registry
	nodes *graph.Graph
	table *memo.Table
	index *invalidation.Index

	remote    memo.RemoteCache
	remoteTTL time.Duration

	scopes config.ScopeSet

	// sem holds one token per running rule body. Bodies suspended at a
	// request do not hold a token.
	sem chan struct{}

	requestTimeout time.Duration

	// epoch increments on every invalidation. A node that started before an
	// invalidation and finished after it skips memoization, because its
	// result may embed values that were just evicted. invalMu serializes the
	// epoch check-and-memoize in finish against the bump-and-evict in
	// Invalidate; without it an eviction could slip between the check and the
	// table write and the stale entry would survive.
	epoch   atomic.Uint64
	invalMu sync.Mutex

	executions    metric.Int64Counter
	invalidations metric.Int64Counter

	// baseCtx is the engine's lifetime context; node run contexts derive
	// from it so Shutdown reaches every in-flight body.
	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu      sync.Mutex
	sources []invalidation.Source

	watchers sync.WaitGroup
	closed   atomic.Bool
}

// New creates an Engine over the given registry, freezing it. The registry
// must contain at least one rule.
func New(reg *rule.Registry, opts ...Option) (*Engine, error) {
	if reg == nil || reg.Len() == 0 {
		return nil, NewValidationError("Engine.New",
			fmt.Errorf("registry must contain at least one rule"))
	}
	reg.Freeze()

	cfg := &engineConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	logger := cfg.logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	tracer := cfg.tracer
	if tracer == nil {
		tracer = tracenoop.NewTracerProvider().Tracer("rulegraph.engine")
	}
	meter := cfg.meter
	if meter == nil {
		meter = metricnoop.NewMeterProvider().Meter("rulegraph.engine")
	}

	table, err := memo.NewTable(meter)
	if err != nil {
		return nil, NewInternalError("Engine.New", err)
	}

	executions, err := meter.Int64Counter(
		"engine.executions",
		metric.WithDescription("Rule bodies executed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, NewInternalError("Engine.New", fmt.Errorf("create execution counter: %w", err))
	}
	invalidations, err := meter.Int64Counter(
		"engine.invalidations",
		metric.WithDescription("Memoized entries evicted by input changes"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, NewInternalError("Engine.New", fmt.Errorf("create invalidation counter: %w", err))
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())

	e := &Engine{
		logger:         logger,
		tracer:         tracer,
		rules:          reg,
		nodes:          graph.New(),
		table:          table,
		index:          invalidation.NewIndex(),
		remote:         cfg.remote,
		remoteTTL:      cfg.remoteTTL,
		sem:            make(chan struct{}, cfg.effectiveParallelism()),
		requestTimeout: cfg.requestTimeout,
		executions:     executions,
		invalidations:  invalidations,
		baseCtx:        baseCtx,
		baseCancel:     baseCancel,
	}
	if len(cfg.scopes) > 0 {
		e.scopes = config.NewScopeSet(cfg.scopes...)
	}

	e.logger.Debug("engine created",
		"rules", reg.Len(),
		"parallelism", cap(e.sem))
	return e, nil
}

// Execute resolves and produces a value of type out from the given
// parameters. It blocks until the computation reaches a terminal state, the
// request times out, or ctx is cancelled. Failures memoized during this
// request are dropped when it returns; only completed results survive into
// later requests.
func (e *Engine) Execute(ctx context.Context, out reflect.Type, p params.Params, opts ...ExecuteOption) (any, error) {
	if e.closed.Load() {
		return nil, NewValidationError("Engine.Execute", ErrEngineClosed)
	}
	if out == nil {
		return nil, NewValidationError("Engine.Execute", fmt.Errorf("output type is required"))
	}

	cfg := &executeConfig{timeout: e.requestTimeout}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.timeout)
		defer cancel()
	}

	runID := uuid.NewString()
	// Failed entries leave the table when the run ends, but their invalidation
	// records stay: a dependent that recovered from the failure is memoized,
	// and the records are its only path back to the inputs the failure read.
	defer e.table.DropFailures(runID)

	scope := p
	if e.scopes != nil && !scope.Has(reflect.TypeOf(e.scopes)) {
		var err error
		scope, err = scope.With(e.scopes)
		if err != nil {
			return nil, NewValidationError("Engine.Execute", err)
		}
	}

	ctx, span := e.tracer.Start(ctx, "engine.execute")
	defer span.End()

	start := time.Now()
	e.logger.Debug("request started",
		"run_id", runID,
		"output", out.String(),
		"params", scope.String())

	value, err := e.resolve(ctx, resolveRequest{
		out:   out,
		scope: scope,
		runID: runID,
	})

	if err != nil {
		e.logger.Debug("request failed",
			"run_id", runID,
			"output", out.String(),
			"duration", time.Since(start),
			"error", err)
		return nil, err
	}

	e.logger.Debug("request completed",
		"run_id", runID,
		"output", out.String(),
		"duration", time.Since(start))
	return value, nil
}

// Produce is a typed convenience wrapper around Execute.
func Produce[T any](ctx context.Context, e *Engine, p params.Params, opts ...ExecuteOption) (T, error) {
	var zero T
	v, err := e.Execute(ctx, rule.TypeOf[T](), p, opts...)
	if err != nil {
		return zero, err
	}
	out, ok := v.(T)
	if !ok {
		return zero, NewInternalError("Engine.Produce",
			fmt.Errorf("requested %s, engine produced %T", rule.TypeOf[T](), v))
	}
	return out, nil
}

// Invalidate evicts every memoized result that transitively depends on the
// given external input and returns how many entries were removed. Nodes
// already running keep running; their results are simply not memoized.
func (e *Engine) Invalidate(input string) int {
	// The epoch moves on every change, not just when memoized entries match:
	// an in-flight node may already have read the changed input, and its
	// result must not be memoized. Bump, scan, and evict under invalMu so no
	// finisher can memoize between the bump and the eviction.
	e.invalMu.Lock()
	e.epoch.Add(1)
	keys := e.index.Invalidate(input)
	removed := 0
	if len(keys) > 0 {
		removed = e.table.Delete(keys...)
	}
	e.invalMu.Unlock()

	if len(keys) == 0 {
		return 0
	}
	e.invalidations.Add(e.baseCtx, int64(len(keys)))

	if e.remote != nil {
		names := make([]string, len(keys))
		for i, k := range keys {
			names[i] = k.String()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := e.remote.Delete(ctx, names...); err != nil {
			e.logger.Warn("failed to evict remote cache entries",
				"input", input,
				"keys", len(names),
				"error", err)
		}
		cancel()
	}

	e.logger.Info("invalidated",
		"input", input,
		"affected", len(keys),
		"evicted", removed)
	return len(keys)
}

// Watch consumes a source's change events until the source closes, feeding
// each event into Invalidate. The source is closed during Shutdown.
func (e *Engine) Watch(src invalidation.Source) {
	e.mu.Lock()
	e.sources = append(e.sources, src)
	e.mu.Unlock()

	e.watchers.Add(1)
	go func() {
		defer e.watchers.Done()
		for ev := range src.Events() {
			n := e.Invalidate(ev.Input)
			e.logger.Debug("input change",
				"input", ev.Input,
				"kind", ev.Kind.String(),
				"affected", n)
		}
	}()
}

// WatchFiles builds a file-watch source from configuration and attaches it.
// Changes under the configured root then invalidate memoized results
// automatically.
func (e *Engine) WatchFiles(wc *config.WatchConfig) error {
	if wc == nil {
		return NewValidationError("Engine.WatchFiles",
			fmt.Errorf("watch configuration is required"))
	}
	src, err := invalidation.NewFileSource(invalidation.FileConfig{
		Root:     wc.Root,
		Patterns: wc.Patterns,
		Ignore:   wc.Ignore,
		Debounce: wc.Debounce.Std(),
		Logger:   e.logger,
	})
	if err != nil {
		return NewValidationError("Engine.WatchFiles", err)
	}
	e.Watch(src)
	return nil
}

// Stats is a point-in-time snapshot of engine state.
type Stats struct {
	// InFlight is the number of nodes currently executing or suspended.
	InFlight int

	// Memoized is the number of entries in the memoization table.
	Memoized int

	// Inputs is the number of external inputs with at least one reader.
	Inputs int
}

// Stats returns a snapshot of engine state, for diagnostics.
func (e *Engine) Stats() Stats {
	return Stats{
		InFlight: e.nodes.Len(),
		Memoized: e.table.Len(),
		Inputs:   e.index.InputCount(),
	}
}

// Shutdown stops the engine: new requests are rejected, in-flight bodies are
// cancelled, watch sources are closed, and the remote cache connection is
// released. It waits for watchers to drain until ctx expires.
func (e *Engine) Shutdown(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	e.baseCancel()

	e.mu.Lock()
	sources := e.sources
	e.sources = nil
	e.mu.Unlock()
	for _, src := range sources {
		CloseWithLog(src, e.logger, "invalidation source")
	}

	drained := make(chan struct{})
	go func() {
		e.watchers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		return NewTimeoutError("Engine.Shutdown", ctx.Err())
	}

	if e.remote != nil {
		CloseWithLog(e.remote, e.logger, "remote cache")
	}

	e.logger.Debug("engine stopped")
	return nil
}
