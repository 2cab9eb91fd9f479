// Package invalidation tracks which memoized nodes depend on which external
// inputs, and turns input-change events into the exact set of cache entries
// that must be recomputed. The index is deliberately conservative: it may
// name a node that did not really depend on a changed input (costing a
// recomputation), but it must never miss one (serving a stale result).
package invalidation

import (
	"sync"

	"github.com/rulegraph/engine/graph"
)

// Index is the inverse mapping from external-input identity to the node
// keys that read it, plus the reverse dependency edges needed to close the
// transitive set. All methods are safe for concurrent use.
type Index struct {
	mu sync.Mutex

	// readers maps an input identity to the keys that read it directly.
	readers map[string]map[graph.Key]struct{}

	// readsOf is the forward view of readers, kept so a key's records can be
	// removed without scanning every input.
	readsOf map[graph.Key][]string

	// dependents maps a key to the keys that consumed its result.
	dependents map[graph.Key]map[graph.Key]struct{}
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{
		readers:    make(map[string]map[graph.Key]struct{}),
		readsOf:    make(map[graph.Key][]string),
		dependents: make(map[graph.Key]map[graph.Key]struct{}),
	}
}

// RecordReads registers that key read the given external inputs. When it is
// ambiguous whether a node read an input, record it anyway; the safe
// direction is over-invalidation.
func (ix *Index) RecordReads(key graph.Key, inputs []string) {
	if len(inputs) == 0 {
		return
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, input := range inputs {
		set, ok := ix.readers[input]
		if !ok {
			set = make(map[graph.Key]struct{})
			ix.readers[input] = set
		}
		if _, seen := set[key]; !seen {
			set[key] = struct{}{}
			ix.readsOf[key] = append(ix.readsOf[key], input)
		}
	}
}

// RecordEdge registers that parent consumed child's result. Edges accumulate
// as the graph discovers them; invalidating child then reaches parent.
func (ix *Index) RecordEdge(child, parent graph.Key) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	set, ok := ix.dependents[child]
	if !ok {
		set = make(map[graph.Key]struct{})
		ix.dependents[child] = set
	}
	set[parent] = struct{}{}
}

// Invalidate computes the transitive closure of keys affected by a change
// to input, removes their records from the index, and returns them. The
// caller is responsible for evicting the returned keys from the memoization
// table and any remote cache.
func (ix *Index) Invalidate(input string) []graph.Key {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	direct, ok := ix.readers[input]
	if !ok {
		return nil
	}

	affected := make(map[graph.Key]struct{})
	queue := make([]graph.Key, 0, len(direct))
	for k := range direct {
		affected[k] = struct{}{}
		queue = append(queue, k)
	}

	for len(queue) > 0 {
		k := queue[0]
		queue = queue[1:]
		for dep := range ix.dependents[k] {
			if _, seen := affected[dep]; !seen {
				affected[dep] = struct{}{}
				queue = append(queue, dep)
			}
		}
	}

	keys := make([]graph.Key, 0, len(affected))
	for k := range affected {
		keys = append(keys, k)
		ix.dropLocked(k)
	}
	return keys
}

func (ix *Index) dropLocked(key graph.Key) {
	for _, input := range ix.readsOf[key] {
		if set, ok := ix.readers[input]; ok {
			delete(set, key)
			if len(set) == 0 {
				delete(ix.readers, input)
			}
		}
	}
	delete(ix.readsOf, key)
	delete(ix.dependents, key)
	// The key may linger inside other keys' dependent sets; those references
	// can only cause extra recomputation, never a stale result, and they are
	// rebuilt correctly when the key runs again.
}

// InputCount returns the number of tracked input identities.
func (ix *Index) InputCount() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.readers)
}
