package engine

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/rulegraph/engine/config"
	"github.com/rulegraph/engine/invalidation"
	"github.com/rulegraph/engine/memo"
	"github.com/rulegraph/engine/params"
	"github.com/rulegraph/engine/rule"
)

type artifact struct {
	N int `json:"n"`
}

func artifactRule(count *atomic.Int64) rule.Rule {
	return rule.Rule{
		Name:   "artifact",
		Output: rule.TypeOf[artifact](),
		Run: func(ctx context.Context, call rule.Call) (any, error) {
			count.Add(1)
			call.ObserveInput("file://artifact.src")
			return artifact{N: 42}, nil
		},
		Decode: func(data []byte) (any, error) {
			var a artifact
			if err := json.Unmarshal(data, &a); err != nil {
				return nil, err
			}
			return a, nil
		},
	}
}

func newRedisEngine(t *testing.T, addr string, count *atomic.Int64) *Engine {
	t.Helper()
	cache, err := memo.NewRedisCache(memo.RedisOptions{URL: "redis://" + addr})
	require.NoError(t, err)

	reg := rule.NewRegistry()
	reg.MustRegister(artifactRule(count))
	return newTestEngine(t, reg, WithRemoteCache(cache, 0))
}

func TestRemoteCacheSharesResults(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	var count1, count2 atomic.Int64
	first := newRedisEngine(t, mr.Addr(), &count1)

	v, err := Produce[artifact](ctx, first, params.MustNew())
	require.NoError(t, err)
	assert.Equal(t, 42, v.N)
	assert.Equal(t, int64(1), count1.Load())

	// A second engine over the same cache serves the result without ever
	// running the body.
	second := newRedisEngine(t, mr.Addr(), &count2)

	v, err = Produce[artifact](ctx, second, params.MustNew())
	require.NoError(t, err)
	assert.Equal(t, 42, v.N)
	assert.Equal(t, int64(0), count2.Load(), "remote hit must not execute")

	// The envelope carried the reads, so the second engine can invalidate a
	// result it never computed.
	affected := second.Invalidate("file://artifact.src")
	assert.Equal(t, 1, affected)

	v, err = Produce[artifact](ctx, second, params.MustNew())
	require.NoError(t, err)
	assert.Equal(t, 42, v.N)
	assert.Equal(t, int64(1), count2.Load(), "invalidation evicts the remote entry too")
}

func TestRemoteCacheUnavailableFallsThrough(t *testing.T) {
	mr := miniredis.RunT(t)

	var count atomic.Int64
	e := newRedisEngine(t, mr.Addr(), &count)

	mr.Close()

	v, err := Produce[artifact](context.Background(), e, params.MustNew())
	require.NoError(t, err, "cache trouble must degrade to computing")
	assert.Equal(t, 42, v.N)
	assert.Equal(t, int64(1), count.Load())
}

// hookCache is an in-test remote cache serving one fixed payload, with a
// hook that fires while a fetch is in progress.
type hookCache struct {
	data  []byte
	onGet func()
}

func (c *hookCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if c.data == nil {
		return nil, false, nil
	}
	if c.onGet != nil {
		c.onGet()
	}
	return c.data, true, nil
}

func (c *hookCache) Put(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	return nil
}

func (c *hookCache) Delete(ctx context.Context, keys ...string) error { return nil }

func (c *hookCache) Close() error { return nil }

func TestRemoteHitInvalidatedMidFetchRecomputes(t *testing.T) {
	stale, err := memo.EncodeEnvelope(artifact{N: 41}, []string{"file://artifact.src"})
	require.NoError(t, err)

	var e *Engine
	cache := &hookCache{
		data: stale,
		onGet: func() {
			// The input changes while the remote entry is in flight; the entry
			// may embed the old state and must be treated as a miss.
			e.Invalidate("file://artifact.src")
		},
	}

	var count atomic.Int64
	reg := rule.NewRegistry()
	reg.MustRegister(artifactRule(&count))
	e = newTestEngine(t, reg, WithRemoteCache(cache, 0))

	v, err := Produce[artifact](context.Background(), e, params.MustNew())
	require.NoError(t, err)
	assert.Equal(t, 42, v.N, "the stale remote value must not be served")
	assert.Equal(t, int64(1), count.Load(), "a remote hit overtaken by a change recomputes")
}

func counterValue(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %s is not an int64 sum", name)
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func TestMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	reg := rule.NewRegistry()
	reg.MustRegister(rule.Rule{
		Name:   "length",
		Output: rule.TypeOf[int](),
		Inputs: []reflect.Type{rule.TypeOf[string]()},
		Run: func(ctx context.Context, call rule.Call) (any, error) {
			return len(rule.InputAs[string](call)), nil
		},
	})
	e := newTestEngine(t, reg, WithMeter(provider.Meter("test")))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := Produce[int](ctx, e, params.MustNew("hello"))
		require.NoError(t, err)
	}

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	assert.Equal(t, int64(1), counterValue(t, rm, "engine.executions"))
	assert.GreaterOrEqual(t, counterValue(t, rm, "memo.hits"), int64(2))
	assert.GreaterOrEqual(t, counterValue(t, rm, "memo.misses"), int64(1))
}

func TestTracing(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	reg := rule.NewRegistry()
	reg.MustRegister(rule.Rule{
		Name:   "one",
		Output: rule.TypeOf[int](),
		Run: func(ctx context.Context, call rule.Call) (any, error) {
			return 1, nil
		},
	})
	e := newTestEngine(t, reg, WithTracer(provider.Tracer("test")))

	_, err := Produce[int](context.Background(), e, params.MustNew())
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, span := range recorder.Ended() {
		names[span.Name()] = true
	}
	assert.True(t, names["engine.execute"])
	assert.True(t, names["rule.run"])
}

// chanSource is an in-test invalidation source fed by hand.
type chanSource struct {
	ch     chan invalidation.Event
	closed atomic.Bool
}

func newChanSource() *chanSource {
	return &chanSource{ch: make(chan invalidation.Event)}
}

func (s *chanSource) Events() <-chan invalidation.Event { return s.ch }

func (s *chanSource) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
	return nil
}

func TestWatchAppliesSourceEvents(t *testing.T) {
	var count atomic.Int64
	reg := rule.NewRegistry()
	reg.MustRegister(rule.Rule{
		Name:   "tracked",
		Output: rule.TypeOf[int](),
		Run: func(ctx context.Context, call rule.Call) (any, error) {
			count.Add(1)
			call.ObserveInput("file://tracked.txt")
			return 7, nil
		},
	})
	e := newTestEngine(t, reg)

	src := newChanSource()
	e.Watch(src)

	ctx := context.Background()
	_, err := Produce[int](ctx, e, params.MustNew())
	require.NoError(t, err)
	assert.Equal(t, 1, e.Stats().Memoized)

	src.ch <- invalidation.Event{Input: "file://tracked.txt", Kind: invalidation.Modified}

	require.Eventually(t, func() bool {
		return e.Stats().Memoized == 0
	}, 2*time.Second, 10*time.Millisecond)

	_, err = Produce[int](ctx, e, params.MustNew())
	require.NoError(t, err)
	assert.Equal(t, int64(2), count.Load())

	require.NoError(t, e.Shutdown(ctx))
	assert.True(t, src.closed.Load(), "shutdown closes attached sources")
}

func TestWatchFiles(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "input.txt")
	require.NoError(t, os.WriteFile(target, []byte("v1"), 0o644))

	var count atomic.Int64
	reg := rule.NewRegistry()
	reg.MustRegister(rule.Rule{
		Name:   "read",
		Output: rule.TypeOf[string](),
		Run: func(ctx context.Context, call rule.Call) (any, error) {
			count.Add(1)
			call.ObserveInput(invalidation.FileInputID("input.txt"))
			data, err := os.ReadFile(target)
			if err != nil {
				return nil, err
			}
			return string(data), nil
		},
	})
	e := newTestEngine(t, reg)
	require.NoError(t, e.WatchFiles(&config.WatchConfig{
		Root:     root,
		Debounce: config.Duration(20 * time.Millisecond),
	}))

	ctx := context.Background()
	v, err := Produce[string](ctx, e, params.MustNew())
	require.NoError(t, err)
	assert.Equal(t, "v1", v)

	require.NoError(t, os.WriteFile(target, []byte("v2"), 0o644))

	require.Eventually(t, func() bool {
		v, err := Produce[string](ctx, e, params.MustNew())
		return err == nil && v == "v2"
	}, 5*time.Second, 50*time.Millisecond)
	assert.GreaterOrEqual(t, count.Load(), int64(2))
}

type optOut int

func TestScopedOptionsEnterRequests(t *testing.T) {
	reg := rule.NewRegistry()
	reg.MustRegister(rule.Rule{
		Name:   "level",
		Output: rule.TypeOf[optOut](),
		Inputs: []reflect.Type{rule.TypeOf[config.ScopeSet]()},
		Run: func(ctx context.Context, call rule.Call) (any, error) {
			set := rule.InputAs[config.ScopeSet](call)
			scope := set.Scope("compiler")
			call.ObserveInput(scope.InputID())
			level, _ := scope.Get("level")
			return optOut(level.(int)), nil
		},
	})
	e := newTestEngine(t, reg,
		WithScopes(config.NewScoped("compiler", map[string]any{"level": 2})))

	v, err := Produce[optOut](context.Background(), e, params.MustNew())
	require.NoError(t, err)
	assert.Equal(t, optOut(2), v)

	// A changed option invalidates through the same path as a changed file.
	assert.Equal(t, 1, e.Invalidate("option://compiler"))
}

func TestEngineFromConfigFile(t *testing.T) {
	cfg := &config.Config{
		Parallelism:    4,
		RequestTimeout: config.Duration(10 * time.Second),
		Options: map[string]map[string]any{
			"compiler": {"level": 3},
		},
	}
	require.NoError(t, cfg.Validate())

	reg := rule.NewRegistry()
	reg.MustRegister(rule.Rule{
		Name:   "level",
		Output: rule.TypeOf[optOut](),
		Inputs: []reflect.Type{rule.TypeOf[config.ScopeSet]()},
		Run: func(ctx context.Context, call rule.Call) (any, error) {
			set := rule.InputAs[config.ScopeSet](call)
			level, _ := set.Scope("compiler").Get("level")
			return optOut(level.(int)), nil
		},
	})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e, err := New(reg, WithLogger(logger), WithConfig(cfg))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })

	assert.Equal(t, 4, cap(e.sem))
	assert.Equal(t, 10*time.Second, e.requestTimeout)

	v, err := Produce[optOut](context.Background(), e, params.MustNew())
	require.NoError(t, err)
	assert.Equal(t, optOut(3), v)
}
