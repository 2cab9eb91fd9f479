// Package process runs external tools on behalf of rule bodies. It wraps
// os/exec with a context-aware API whose inputs are plain values, so a
// Request can sit in a rule's Params and key memoized results.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// Request describes one tool invocation.
type Request struct {
	// Argv is the program followed by its arguments (required, len >= 1).
	Argv []string

	// Dir is the working directory. Empty means the engine's.
	Dir string

	// Env lists environment variables in "KEY=value" form. Nil inherits
	// the parent environment; rules that want reproducible results should
	// pass an explicit, minimal environment.
	Env []string

	// Stdin is written to the tool's standard input.
	Stdin []byte

	// Timeout bounds the run. Zero defers to the caller's context.
	Timeout time.Duration
}

// Outcome is what a finished tool run produced. A non-zero exit code is an
// Outcome, not an error: rule bodies decide what a failing tool means.
type Outcome struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Elapsed  time.Duration
}

// Run executes the request, respecting context cancellation and the
// request's timeout. The process is killed when either fires. Errors are
// reserved for runs that never completed: missing binaries, permission
// failures, cancellation, timeout.
func Run(ctx context.Context, req Request) (*Outcome, error) {
	if len(req.Argv) == 0 {
		return nil, errors.New("argv is required")
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, req.Argv[0], req.Argv[1:]...)
	cmd.Dir = req.Dir
	if req.Env != nil {
		cmd.Env = req.Env
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if len(req.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(req.Stdin)
	}

	start := time.Now()
	err := cmd.Run()

	out := &Outcome{
		Stdout:  stdout.Bytes(),
		Stderr:  stderr.Bytes(),
		Elapsed: time.Since(start),
	}

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("process timed out after %v: %s", req.Timeout, req.Argv[0])
		}
		if ctx.Err() == context.Canceled {
			return nil, fmt.Errorf("process cancelled: %s", req.Argv[0])
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			out.ExitCode = exitErr.ExitCode()
			return out, nil
		}

		return nil, fmt.Errorf("process failed to start: %w", err)
	}

	return out, nil
}

// Available reports whether a tool can be found in PATH.
func Available(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

// Resolve returns the full path of a tool in PATH.
func Resolve(name string) (string, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("tool %q not found in PATH: %w", name, err)
	}
	return path, nil
}
