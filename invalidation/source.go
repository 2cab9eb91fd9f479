package invalidation

// ChangeKind classifies what happened to an external input.
type ChangeKind int

const (
	// Modified means the input's content changed.
	Modified ChangeKind = iota

	// Created means the input newly appeared.
	Created

	// Removed means the input disappeared.
	Removed
)

func (k ChangeKind) String() string {
	switch k {
	case Modified:
		return "modified"
	case Created:
		return "created"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// Event is one input change observed by a source. Every kind of change
// invalidates the same way; Kind is carried for logging and diagnostics.
type Event struct {
	// Input is the external-input identity, e.g. "file://src/main.go" or
	// "option://compiler".
	Input string

	// Kind classifies the change.
	Kind ChangeKind
}

// Source emits input-change events for the engine to consume. The events
// channel is closed when the source shuts down; Close is idempotent.
type Source interface {
	Events() <-chan Event
	Close() error
}
