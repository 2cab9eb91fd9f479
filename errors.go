package engine

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// Sentinel errors for common engine error conditions.
// These errors can be used with errors.Is() for error checking.
var (
	// ErrRuleNotFound indicates no registered rule can produce the
	// requested output type from the available parameters.
	ErrRuleNotFound = errors.New("no rule produces requested type")

	// ErrAmbiguousRule indicates more than one registered rule could
	// satisfy a request and the engine cannot pick between them.
	ErrAmbiguousRule = errors.New("ambiguous rule selection")

	// ErrCycle indicates a request reached a node that is already among
	// its own ancestors.
	ErrCycle = errors.New("rule dependency cycle")

	// ErrRuleFailed indicates a rule body returned an error. The
	// underlying error is wrapped for inspection.
	ErrRuleFailed = errors.New("rule execution failed")

	// ErrEngineClosed indicates the engine has been shut down and no
	// longer accepts requests.
	ErrEngineClosed = errors.New("engine is closed")
)

// Error kinds categorize errors by their type.
const (
	// KindNotFound represents errors where no rule matched a request.
	KindNotFound = "not_found"

	// KindAmbiguous represents errors where rule selection was ambiguous.
	KindAmbiguous = "ambiguous"

	// KindCycle represents dependency-cycle errors.
	KindCycle = "cycle"

	// KindValidation represents errors related to input validation.
	KindValidation = "validation"

	// KindExecution represents errors raised by rule bodies.
	KindExecution = "execution"

	// KindTimeout represents errors from an exhausted execution budget.
	KindTimeout = "timeout"

	// KindCancelled represents errors from withdrawn interest.
	KindCancelled = "cancelled"

	// KindInternal represents internal engine errors, including rules
	// that violated their declared output contract.
	KindInternal = "internal"
)

// EngineError is a structured error type that wraps underlying errors with
// additional context about the operation that failed and the category of
// error.
//
// EngineError implements the error interface and supports error unwrapping,
// making it compatible with errors.Is() and errors.As().
type EngineError struct {
	// Op is the operation that failed (e.g., "Engine.Execute", "Call.Get").
	Op string

	// Kind categorizes the error (e.g., KindNotFound, KindCycle).
	Kind string

	// Err is the underlying error that caused this error.
	Err error

	// Context provides additional context about the error (optional).
	// This can include rule names, requested types, or parameter
	// fingerprints.
	Context map[string]any
}

// Error implements the error interface, returning a formatted error message
// that includes the operation, kind, and underlying error.
func (e *EngineError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("engine: %s: %s", e.Op, e.Kind)
	}

	if len(e.Context) > 0 {
		return fmt.Sprintf("engine: %s (%s): %v [context: %+v]", e.Op, e.Kind, e.Err, e.Context)
	}

	return fmt.Sprintf("engine: %s (%s): %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error, allowing errors.Is() and errors.As()
// to work correctly with wrapped errors.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error matching for EngineError, allowing comparison based on
// the underlying error or the EngineError itself.
func (e *EngineError) Is(target error) bool {
	if target == nil {
		return false
	}

	if t, ok := target.(*EngineError); ok {
		if t.Kind != "" && e.Kind == t.Kind {
			if t.Op == "" || e.Op == t.Op {
				return true
			}
		}
	}

	return errors.Is(e.Err, target)
}

// WithContext returns a new EngineError with the provided context added.
func (e *EngineError) WithContext(ctx map[string]any) *EngineError {
	newErr := *e
	if newErr.Context == nil {
		newErr.Context = make(map[string]any)
	}
	for k, v := range ctx {
		newErr.Context[k] = v
	}
	return &newErr
}

// NewNotFoundError creates a new EngineError with KindNotFound.
func NewNotFoundError(op string, err error) *EngineError {
	return &EngineError{Op: op, Kind: KindNotFound, Err: err}
}

// NewAmbiguousError creates a new EngineError with KindAmbiguous.
func NewAmbiguousError(op string, err error) *EngineError {
	return &EngineError{Op: op, Kind: KindAmbiguous, Err: err}
}

// NewCycleError creates a new EngineError with KindCycle.
func NewCycleError(op string, err error) *EngineError {
	return &EngineError{Op: op, Kind: KindCycle, Err: err}
}

// NewValidationError creates a new EngineError with KindValidation.
func NewValidationError(op string, err error) *EngineError {
	return &EngineError{Op: op, Kind: KindValidation, Err: err}
}

// NewExecutionError creates a new EngineError with KindExecution.
func NewExecutionError(op string, err error) *EngineError {
	return &EngineError{Op: op, Kind: KindExecution, Err: err}
}

// NewTimeoutError creates a new EngineError with KindTimeout.
func NewTimeoutError(op string, err error) *EngineError {
	return &EngineError{Op: op, Kind: KindTimeout, Err: err}
}

// NewCancelledError creates a new EngineError with KindCancelled.
func NewCancelledError(op string, err error) *EngineError {
	return &EngineError{Op: op, Kind: KindCancelled, Err: err}
}

// NewInternalError creates a new EngineError with KindInternal.
func NewInternalError(op string, err error) *EngineError {
	return &EngineError{Op: op, Kind: KindInternal, Err: err}
}

// CloseWithLog attempts to close the provided resource and logs any error
// at warning level. This is intended for use in defer statements so cleanup
// errors are not silently ignored. If logger is nil, slog.Default() is used.
func CloseWithLog(closer io.Closer, logger *slog.Logger, name string) {
	if closer == nil {
		return
	}

	if logger == nil {
		logger = slog.Default()
	}

	if err := closer.Close(); err != nil {
		logger.Warn("failed to close resource",
			"resource", name,
			"error", err)
	}
}
