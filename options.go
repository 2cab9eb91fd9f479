package engine

import (
	"log/slog"
	"runtime"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/rulegraph/engine/config"
	"github.com/rulegraph/engine/memo"
)

// Option configures the Engine.
type Option func(*engineConfig)

// engineConfig holds configuration for the Engine instance.
type engineConfig struct {
	logger         *slog.Logger
	tracer         trace.Tracer
	meter          metric.Meter
	parallelism    int
	requestTimeout time.Duration
	remote         memo.RemoteCache
	remoteTTL      time.Duration
	scopes         []config.Scoped
}

// WithLogger sets a custom logger for the engine.
// If not provided, a default logger will be created.
func WithLogger(logger *slog.Logger) Option {
	return func(c *engineConfig) {
		c.logger = logger
	}
}

// WithTracer sets an OpenTelemetry tracer for distributed tracing.
// Each request and each rule execution becomes a span.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *engineConfig) {
		c.tracer = tracer
	}
}

// WithMeter sets an OpenTelemetry meter for engine metrics
// (memoization hits and misses, executions, invalidations).
func WithMeter(meter metric.Meter) Option {
	return func(c *engineConfig) {
		c.meter = meter
	}
}

// WithParallelism bounds the number of rule bodies running at once.
// Suspended rules waiting on dependencies do not count against the bound.
// Values below 1 fall back to runtime.NumCPU().
func WithParallelism(n int) Option {
	return func(c *engineConfig) {
		c.parallelism = n
	}
}

// WithRequestTimeout sets a default wall-clock budget for every root
// request. Individual requests can override it with Timeout. Zero means
// no default budget.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *engineConfig) {
		c.requestTimeout = d
	}
}

// WithRemoteCache attaches a shared result cache. Results of rules that
// declare a Decode function are written through to it and looked up before
// executing. A zero ttl keeps entries until invalidated.
func WithRemoteCache(cache memo.RemoteCache, ttl time.Duration) Option {
	return func(c *engineConfig) {
		c.remote = cache
		c.remoteTTL = ttl
	}
}

// WithScopes seeds every root request's parameters with the given scoped
// option values. Request-supplied values of the same type shadow them.
func WithScopes(scopes ...config.Scoped) Option {
	return func(c *engineConfig) {
		c.scopes = append(c.scopes, scopes...)
	}
}

// WithConfig applies settings loaded from an engine.yaml file: parallelism,
// request timeout, and option scopes. Cache and watch sections are connected
// separately because they own external resources.
func WithConfig(cfg *config.Config) Option {
	return func(c *engineConfig) {
		if cfg == nil {
			return
		}
		if cfg.Parallelism > 0 {
			c.parallelism = cfg.Parallelism
		}
		if cfg.RequestTimeout > 0 {
			c.requestTimeout = cfg.RequestTimeout.Std()
		}
		c.scopes = append(c.scopes, cfg.Scopes()...)
	}
}

func (c *engineConfig) effectiveParallelism() int {
	if c.parallelism > 0 {
		return c.parallelism
	}
	return runtime.NumCPU()
}

// ExecuteOption configures a single root request.
type ExecuteOption func(*executeConfig)

// executeConfig holds configuration for one Execute call.
type executeConfig struct {
	timeout time.Duration
}

// Timeout bounds this request's wall-clock duration, overriding the
// engine's default request timeout.
func Timeout(d time.Duration) ExecuteOption {
	return func(c *executeConfig) {
		c.timeout = d
	}
}
