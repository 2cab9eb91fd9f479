// Package memo provides the memoization table: the cache from NodeKey to
// completed or failed results that makes identical sub-computations run at
// most once. Completed entries live until invalidated; failed entries are
// scoped to the root request that produced them and never survive into the
// next run.
package memo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/rulegraph/engine/graph"
)

// nopCtx is used for metric recording, which never blocks or errors.
var nopCtx = context.Background()

// Entry is one memoized result together with the external inputs that were
// read to produce it. Entries are immutable once stored; invalidation
// removes the whole entry, never patches it.
type Entry struct {
	// Key identifies the computation.
	Key graph.Key

	// Value is the completed result. Nil when Err is set.
	Value any

	// Err is the failure, for entries memoizing a failed node.
	Err error

	// RunID is the root request that produced a failed entry. Completed
	// entries leave it empty; failed entries are only served to requests
	// with a matching RunID.
	RunID string

	// Reads lists the external input identities the node read directly.
	Reads []string

	// StoredAt is when the entry was written.
	StoredAt time.Time
}

// Failed reports whether the entry memoizes a failure.
func (e *Entry) Failed() bool {
	return e.Err != nil
}

// Table is the in-process memoization table. All methods are safe for
// concurrent use; a concurrent lookup and invalidation always observe
// either the whole entry or no entry at all.
type Table struct {
	mu      sync.RWMutex
	entries map[graph.Key]*Entry

	hits   metric.Int64Counter
	misses metric.Int64Counter
}

// NewTable creates an empty table. The meter provides the hit/miss
// counters; a nil meter disables metrics via a noop instrument.
func NewTable(meter metric.Meter) (*Table, error) {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("rulegraph.memo")
	}

	t := &Table{entries: make(map[graph.Key]*Entry)}

	var err error
	t.hits, err = meter.Int64Counter(
		"memo.hits",
		metric.WithDescription("Memoization table lookups served from cache"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create hit counter: %w", err)
	}

	t.misses, err = meter.Int64Counter(
		"memo.misses",
		metric.WithDescription("Memoization table lookups that required computation"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create miss counter: %w", err)
	}

	return t, nil
}

// Get returns the entry for key, if one is visible to the given run. A
// completed entry is visible to every run; a failed entry only to the run
// that stored it.
func (t *Table) Get(key graph.Key, runID string) (*Entry, bool) {
	t.mu.RLock()
	e, ok := t.entries[key]
	t.mu.RUnlock()

	if ok && e.Failed() && e.RunID != runID {
		ok = false
	}

	if ok {
		t.hits.Add(nopCtx, 1)
		return e, true
	}
	t.misses.Add(nopCtx, 1)
	return nil, false
}

// Put stores a completed entry for key.
func (t *Table) Put(key graph.Key, value any, reads []string) *Entry {
	e := &Entry{Key: key, Value: value, Reads: reads, StoredAt: time.Now()}
	t.mu.Lock()
	t.entries[key] = e
	t.mu.Unlock()
	return e
}

// PutFailure stores a failed entry scoped to runID, so a failing
// sub-computation requested twice in the same run fails fast the second
// time without recomputing.
func (t *Table) PutFailure(key graph.Key, err error, runID string, reads []string) *Entry {
	e := &Entry{Key: key, Err: err, RunID: runID, Reads: reads, StoredAt: time.Now()}
	t.mu.Lock()
	t.entries[key] = e
	t.mu.Unlock()
	return e
}

// Delete removes the entries for the given keys and returns how many were
// present.
func (t *Table) Delete(keys ...graph.Key) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for _, k := range keys {
		if _, ok := t.entries[k]; ok {
			delete(t.entries, k)
			removed++
		}
	}
	return removed
}

// DropFailures removes every failed entry stored by the given run and
// returns their keys, so the caller can also retire the keys' invalidation
// records. The engine calls this when a root request finishes; failure
// memoization never outlives its run.
func (t *Table) DropFailures(runID string) []graph.Key {
	t.mu.Lock()
	defer t.mu.Unlock()
	var dropped []graph.Key
	for k, e := range t.entries {
		if e.Failed() && e.RunID == runID {
			delete(t.entries, k)
			dropped = append(dropped, k)
		}
	}
	return dropped
}

// Len returns the number of stored entries.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
