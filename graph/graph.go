// Package graph owns the runtime records of in-flight rule invocations. A
// Node is created the first time a NodeKey is requested and removed once its
// result has been published to the memoization table, so the graph always
// holds exactly the work currently in progress. Equal keys map to the same
// Node, which is the barrier that guarantees at most one concurrent
// execution per key.
package graph

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

// Key identifies one concrete invocation: a rule plus the fingerprint of the
// parameter values relevant to it. Keys are values; equal keys denote the
// same computation regardless of where in the graph they were requested.
type Key struct {
	// Rule is the registered rule name.
	Rule string

	// Params is the value-equality fingerprint of the relevant scope subset.
	Params string
}

func (k Key) String() string {
	if k.Params == "" {
		return k.Rule
	}
	return k.Rule + "(" + k.Params + ")"
}

// State is a Node's lifecycle position. Transitions move strictly forward;
// terminal states are immutable once reached.
type State int32

const (
	// Pending means the node is registered but its body has not started.
	Pending State = iota

	// Running means dependencies are being resolved or the body is executing.
	Running

	// Completed means the body finished and produced a value.
	Completed

	// Failed means the body returned an error, a dependency failed, or the
	// node was cancelled before completing.
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// CycleError reports that a node transitively requested itself. Chain holds
// the NodeKeys from the first occurrence of the repeated key to the request
// that closed the loop.
type CycleError struct {
	Chain []Key
}

func (e *CycleError) Error() string {
	parts := make([]string, len(e.Chain))
	for i, k := range e.Chain {
		parts[i] = k.String()
	}
	return "rule dependency cycle: " + strings.Join(parts, " -> ")
}

// Node is the runtime record of one execution of a Key. Its terminal value
// is published exactly once; any number of requesters may await it.
type Node struct {
	key   Key
	state atomic.Int32

	done  chan struct{}
	once  sync.Once
	value any
	err   error

	// interest counts live requesters. When it drops to zero before the node
	// reaches a terminal state, the node's run context is cancelled so the
	// body can stop at its next suspension point.
	interest atomic.Int64
	cancel   context.CancelFunc

	mu   sync.Mutex
	deps []Key
}

func newNode(key Key) *Node {
	return &Node{key: key, done: make(chan struct{})}
}

// Key returns the node's identity.
func (n *Node) Key() Key {
	return n.key
}

// State returns the node's current lifecycle state.
func (n *Node) State() State {
	return State(n.state.Load())
}

// Start marks the node Running. It is called once, by the goroutine that
// created the node.
func (n *Node) Start() {
	n.state.CompareAndSwap(int32(Pending), int32(Running))
}

// Complete publishes a successful value and wakes all waiters. Later calls
// to Complete or Fail are no-ops: terminal states are immutable.
func (n *Node) Complete(value any) {
	n.once.Do(func() {
		n.value = value
		n.state.Store(int32(Completed))
		close(n.done)
	})
}

// Fail publishes a failure and wakes all waiters.
func (n *Node) Fail(err error) {
	n.once.Do(func() {
		n.err = err
		n.state.Store(int32(Failed))
		close(n.done)
	})
}

// Done returns a channel closed when the node reaches a terminal state.
func (n *Node) Done() <-chan struct{} {
	return n.done
}

// Result returns the terminal value and error. It must only be called after
// Done is closed.
func (n *Node) Result() (any, error) {
	return n.value, n.err
}

// Wait blocks until the node reaches a terminal state or ctx is done,
// whichever comes first.
func (n *Node) Wait(ctx context.Context) (any, error) {
	select {
	case <-n.done:
		return n.value, n.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// AddInterest registers a live requester.
func (n *Node) AddInterest() {
	n.interest.Add(1)
}

// ReleaseInterest drops a requester. When the last requester leaves before
// the node completes, the node's run context is cancelled; completed nodes
// are never rolled back.
func (n *Node) ReleaseInterest() {
	if n.interest.Add(-1) == 0 && n.State() == Running {
		if cancel := n.cancel; cancel != nil {
			cancel()
		}
	}
}

// SetCancel attaches the cancel function for the node's run context.
func (n *Node) SetCancel(cancel context.CancelFunc) {
	n.cancel = cancel
}

// RecordDep appends a discovered dependency edge. Dependencies are not known
// upfront; they accumulate as the body issues requests.
func (n *Node) RecordDep(dep Key) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deps = append(n.deps, dep)
}

// Deps returns a copy of the dependency edges discovered so far.
func (n *Node) Deps() []Key {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Key, len(n.deps))
	copy(out, n.deps)
	return out
}

// Graph is the concurrency-safe set of in-flight nodes.
type Graph struct {
	mu    sync.Mutex
	nodes map[Key]*Node
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{nodes: make(map[Key]*Node)}
}

// GetOrCreate returns the node for key, creating it if absent. The boolean
// reports whether this call created the node; exactly one caller per key
// observes true, and that caller is responsible for running the node.
func (g *Graph) GetOrCreate(key Key) (*Node, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n, ok := g.nodes[key]; ok {
		return n, false
	}
	n := newNode(key)
	g.nodes[key] = n
	return n, true
}

// Get returns the in-flight node for key, if any.
func (g *Graph) Get(key Key) (*Node, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[key]
	return n, ok
}

// Remove drops the node for key if it is the given node. The guard prevents
// a slow goroutine from removing a successor node created under the same
// key after the original was already retired.
func (g *Graph) Remove(key Key, node *Node) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.nodes[key] == node {
		delete(g.nodes, key)
	}
}

// Len returns the number of in-flight nodes.
func (g *Graph) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.nodes)
}
