package engine

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
)

// TestSentinelErrors verifies that all sentinel errors are defined correctly.
func TestSentinelErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "ErrRuleNotFound",
			err:  ErrRuleNotFound,
			want: "no rule produces requested type",
		},
		{
			name: "ErrAmbiguousRule",
			err:  ErrAmbiguousRule,
			want: "ambiguous rule selection",
		},
		{
			name: "ErrCycle",
			err:  ErrCycle,
			want: "rule dependency cycle",
		},
		{
			name: "ErrRuleFailed",
			err:  ErrRuleFailed,
			want: "rule execution failed",
		},
		{
			name: "ErrEngineClosed",
			err:  ErrEngineClosed,
			want: "engine is closed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err == nil {
				t.Fatalf("sentinel error %s is nil", tt.name)
			}
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("error message = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestEngineErrorError verifies the Error() method formatting.
func TestEngineErrorError(t *testing.T) {
	tests := []struct {
		name string
		err  *EngineError
		want string
	}{
		{
			name: "basic error",
			err: &EngineError{
				Op:   "Engine.Resolve",
				Kind: KindNotFound,
				Err:  ErrRuleNotFound,
			},
			want: "engine: Engine.Resolve (not_found): no rule produces requested type",
		},
		{
			name: "error with context",
			err: &EngineError{
				Op:   "Rule.Run",
				Kind: KindExecution,
				Err:  ErrRuleFailed,
				Context: map[string]any{
					"rule": "compile",
				},
			},
			want: "engine: Rule.Run (execution): rule execution failed [context:",
		},
		{
			name: "error without underlying error",
			err: &EngineError{
				Op:   "Engine.Execute",
				Kind: KindValidation,
			},
			want: "engine: Engine.Execute: validation",
		},
		{
			name: "error with wrapped error",
			err: &EngineError{
				Op:   "Engine.Resolve",
				Kind: KindCycle,
				Err:  fmt.Errorf("while resolving request: %w", ErrCycle),
			},
			want: "engine: Engine.Resolve (cycle): while resolving request: rule dependency cycle",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.err.Error()
			if !strings.Contains(got, tt.want) {
				t.Errorf("Error() = %q, want to contain %q", got, tt.want)
			}
		})
	}
}

// TestEngineErrorUnwrap verifies the Unwrap() method.
func TestEngineErrorUnwrap(t *testing.T) {
	underlying := errors.New("underlying error")
	err := &EngineError{
		Op:   "Test.Operation",
		Kind: KindExecution,
		Err:  underlying,
	}

	if unwrapped := err.Unwrap(); unwrapped != underlying {
		t.Errorf("Unwrap() = %v, want %v", unwrapped, underlying)
	}

	if !errors.Is(err, underlying) {
		t.Error("errors.Is should find the underlying error through Unwrap")
	}
}

// TestEngineErrorIs verifies kind-based error matching.
func TestEngineErrorIs(t *testing.T) {
	err := &EngineError{
		Op:   "Engine.Resolve",
		Kind: KindNotFound,
		Err:  ErrRuleNotFound,
	}

	tests := []struct {
		name   string
		target error
		want   bool
	}{
		{
			name:   "matching kind",
			target: &EngineError{Kind: KindNotFound},
			want:   true,
		},
		{
			name:   "matching kind and op",
			target: &EngineError{Op: "Engine.Resolve", Kind: KindNotFound},
			want:   true,
		},
		{
			name:   "different kind",
			target: &EngineError{Kind: KindCycle},
			want:   false,
		},
		{
			name:   "different op",
			target: &EngineError{Op: "Rule.Run", Kind: KindNotFound},
			want:   false,
		},
		{
			name:   "underlying sentinel",
			target: ErrRuleNotFound,
			want:   true,
		},
		{
			name:   "unrelated sentinel",
			target: ErrEngineClosed,
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errors.Is(err, tt.target); got != tt.want {
				t.Errorf("errors.Is() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestEngineErrorWithContext verifies the context merge does not mutate the
// original error.
func TestEngineErrorWithContext(t *testing.T) {
	base := &EngineError{
		Op:   "Rule.Run",
		Kind: KindExecution,
		Err:  ErrRuleFailed,
	}

	enriched := base.WithContext(map[string]any{"rule": "compile"})

	if base.Context != nil {
		t.Error("WithContext must not mutate the receiver")
	}
	if enriched.Context["rule"] != "compile" {
		t.Errorf("enriched context = %v, want rule=compile", enriched.Context)
	}

	twice := enriched.WithContext(map[string]any{"params": "src"})
	if twice.Context["rule"] != "compile" || twice.Context["params"] != "src" {
		t.Errorf("context merge lost keys: %v", twice.Context)
	}
}

// TestErrorConstructors verifies each constructor assigns its kind.
func TestErrorConstructors(t *testing.T) {
	underlying := errors.New("cause")
	tests := []struct {
		name string
		err  *EngineError
		kind string
	}{
		{"NewNotFoundError", NewNotFoundError("op", underlying), KindNotFound},
		{"NewAmbiguousError", NewAmbiguousError("op", underlying), KindAmbiguous},
		{"NewCycleError", NewCycleError("op", underlying), KindCycle},
		{"NewValidationError", NewValidationError("op", underlying), KindValidation},
		{"NewExecutionError", NewExecutionError("op", underlying), KindExecution},
		{"NewTimeoutError", NewTimeoutError("op", underlying), KindTimeout},
		{"NewCancelledError", NewCancelledError("op", underlying), KindCancelled},
		{"NewInternalError", NewInternalError("op", underlying), KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Kind != tt.kind {
				t.Errorf("Kind = %q, want %q", tt.err.Kind, tt.kind)
			}
			if tt.err.Op != "op" {
				t.Errorf("Op = %q, want %q", tt.err.Op, "op")
			}
			if !errors.Is(tt.err, underlying) {
				t.Error("constructor must wrap the underlying error")
			}
		})
	}
}

type failingCloser struct{}

func (failingCloser) Close() error { return errors.New("close refused") }

type okCloser struct{ closed bool }

func (c *okCloser) Close() error {
	c.closed = true
	return nil
}

// TestCloseWithLog verifies cleanup logging behavior.
func TestCloseWithLog(t *testing.T) {
	t.Run("nil closer is a no-op", func(t *testing.T) {
		CloseWithLog(nil, nil, "nothing")
	})

	t.Run("successful close logs nothing", func(t *testing.T) {
		var buf bytes.Buffer
		logger := slog.New(slog.NewTextHandler(&buf, nil))
		c := &okCloser{}
		CloseWithLog(c, logger, "resource")
		if !c.closed {
			t.Error("closer was not closed")
		}
		if buf.Len() != 0 {
			t.Errorf("unexpected log output: %s", buf.String())
		}
	})

	t.Run("failed close logs a warning", func(t *testing.T) {
		var buf bytes.Buffer
		logger := slog.New(slog.NewTextHandler(&buf, nil))
		CloseWithLog(failingCloser{}, logger, "stubborn resource")
		out := buf.String()
		if !strings.Contains(out, "failed to close resource") {
			t.Errorf("missing warning in log output: %s", out)
		}
		if !strings.Contains(out, "stubborn resource") {
			t.Errorf("missing resource name in log output: %s", out)
		}
	})
}
