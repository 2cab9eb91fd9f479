// Package config provides loading and parsing of engine.yaml configuration
// files, and the scoped option values that enter a request's Params. Option
// scopes carry an input identity so a changed option invalidates memoized
// results through the same path as a changed file.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with YAML support for values like "500ms".
type Duration time.Duration

// UnmarshalYAML parses either a duration string or a bare number of
// nanoseconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var ns int64
	if err := value.Decode(&ns); err == nil {
		*d = Duration(ns)
		return nil
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("invalid duration value: %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config represents an engine.yaml configuration file.
type Config struct {
	// Parallelism bounds the number of rule bodies executing at once.
	// Zero picks a default based on the machine.
	Parallelism int `yaml:"parallelism,omitempty"`

	// RequestTimeout is the default wall-clock budget per root request.
	// Zero means no budget.
	RequestTimeout Duration `yaml:"request_timeout,omitempty"`

	// Cache configures the optional shared result cache.
	Cache *CacheConfig `yaml:"cache,omitempty"`

	// Watch configures the optional file-watch invalidation source.
	Watch *WatchConfig `yaml:"watch,omitempty"`

	// Options holds scoped option values, keyed by scope name.
	Options map[string]map[string]any `yaml:"options,omitempty"`
}

// CacheConfig configures the Redis-backed shared result cache.
type CacheConfig struct {
	// RedisURL is the connection string, e.g. "redis://localhost:6379".
	RedisURL string `yaml:"redis_url"`

	// Prefix namespaces the keys written by this engine.
	Prefix string `yaml:"prefix,omitempty"`

	// TTL is the expiry for cached results. Zero keeps them indefinitely.
	TTL Duration `yaml:"ttl,omitempty"`
}

// WatchConfig configures the file-watch invalidation source.
type WatchConfig struct {
	// Root is the directory to watch recursively.
	Root string `yaml:"root"`

	// Patterns select which files produce invalidation events.
	Patterns []string `yaml:"patterns,omitempty"`

	// Ignore lists paths that never produce events.
	Ignore []string `yaml:"ignore,omitempty"`

	// Debounce is the quiet period before coalesced events are emitted.
	Debounce Duration `yaml:"debounce,omitempty"`
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	if c.Parallelism < 0 {
		return fmt.Errorf("parallelism must not be negative, got %d", c.Parallelism)
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("request_timeout must not be negative")
	}
	if c.Cache != nil && c.Cache.RedisURL == "" {
		return fmt.Errorf("cache.redis_url is required when cache is configured")
	}
	if c.Watch != nil && c.Watch.Root == "" {
		return fmt.Errorf("watch.root is required when watch is configured")
	}
	return nil
}

// Scopes converts the configured option maps into Params-insertable Scoped
// values, sorted by scope name.
func (c *Config) Scopes() []Scoped {
	scopes := make([]Scoped, 0, len(c.Options))
	for name, values := range c.Options {
		scopes = append(scopes, NewScoped(name, values))
	}
	sort.Slice(scopes, func(i, j int) bool { return scopes[i].Scope < scopes[j].Scope })
	return scopes
}

// ScopeSet bundles every configured scope into one Params-insertable value.
// A parameter set holds at most one value per type, so multiple scopes enter
// a request as a single ScopeSet rather than as separate Scoped values.
type ScopeSet map[string]Scoped

// NewScopeSet builds a ScopeSet from individual scopes. A later scope with a
// repeated name replaces the earlier one.
func NewScopeSet(scopes ...Scoped) ScopeSet {
	set := make(ScopeSet, len(scopes))
	for _, s := range scopes {
		set[s.Scope] = s
	}
	return set
}

// Scope returns the named scope, or an empty one when absent.
func (ss ScopeSet) Scope(name string) Scoped {
	if s, ok := ss[name]; ok {
		return s
	}
	return Scoped{Scope: name}
}

// InputIDs returns the external-input identity of every member scope.
func (ss ScopeSet) InputIDs() []string {
	ids := make([]string, 0, len(ss))
	for _, s := range ss {
		ids = append(ids, s.InputID())
	}
	sort.Strings(ids)
	return ids
}

// GoString renders members in sorted scope order for stable fingerprints.
func (ss ScopeSet) GoString() string {
	names := make([]string, 0, len(ss))
	for name := range ss {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("scopes{")
	for i, name := range names {
		if i > 0 {
			b.WriteString(" ")
		}
		b.WriteString(ss[name].GoString())
	}
	b.WriteString("}")
	return b.String()
}

// Scoped is one scope's worth of option values, insertable into Params.
// Its fingerprint depends only on the values, so changing an option value
// produces a different cache key; its input identity lets a reloaded config
// invalidate through the standard event path.
type Scoped struct {
	// Scope is the option scope name, e.g. "compiler" or "test".
	Scope string

	// Values holds the scope's option values.
	Values map[string]any
}

// NewScoped builds a scoped option value.
func NewScoped(scope string, values map[string]any) Scoped {
	return Scoped{Scope: scope, Values: values}
}

// Get returns an option value by name.
func (s Scoped) Get(name string) (any, bool) {
	v, ok := s.Values[name]
	return v, ok
}

// GetString returns a string option, with a default when absent or not a
// string.
func (s Scoped) GetString(name, fallback string) string {
	if v, ok := s.Values[name]; ok {
		if str, ok := v.(string); ok {
			return str
		}
	}
	return fallback
}

// InputID returns the external-input identity for the scope.
func (s Scoped) InputID() string {
	return "option://" + s.Scope
}

// GoString renders a deterministic, value-equality representation. Params
// fingerprints use %#v, so this is what makes two Scoped values with equal
// content key identically.
func (s Scoped) GoString() string {
	names := make([]string, 0, len(s.Values))
	for name := range s.Values {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("option{")
	b.WriteString(s.Scope)
	for _, name := range names {
		fmt.Fprintf(&b, " %s=%v", name, s.Values[name])
	}
	b.WriteString("}")
	return b.String()
}
