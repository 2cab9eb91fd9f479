package process

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCapturesOutput(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}

	out, err := Run(context.Background(), Request{
		Argv: []string{"sh", "-c", "echo out; echo err 1>&2"},
	})
	require.NoError(t, err)
	assert.Equal(t, "out\n", string(out.Stdout))
	assert.Equal(t, "err\n", string(out.Stderr))
	assert.Equal(t, 0, out.ExitCode)
}

func TestRunNonZeroExitIsNotError(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}

	out, err := Run(context.Background(), Request{
		Argv: []string{"sh", "-c", "exit 3"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, out.ExitCode)
}

func TestRunStdin(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}

	out, err := Run(context.Background(), Request{
		Argv:  []string{"cat"},
		Stdin: []byte("hello"),
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", string(out.Stdout))
}

func TestRunTimeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}

	start := time.Now()
	_, err := Run(context.Background(), Request{
		Argv:    []string{"sleep", "10"},
		Timeout: 50 * time.Millisecond,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunCancelled(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := Run(ctx, Request{Argv: []string{"sleep", "10"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cancelled")
}

func TestRunEmptyArgv(t *testing.T) {
	_, err := Run(context.Background(), Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "argv is required")
}

func TestRunMissingBinary(t *testing.T) {
	_, err := Run(context.Background(), Request{
		Argv: []string{"definitely-not-a-real-binary-4af1"},
	})
	require.Error(t, err)
}

func TestResolve(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}

	require.True(t, Available("sh"))
	path, err := Resolve("sh")
	require.NoError(t, err)
	assert.NotEmpty(t, path)

	assert.False(t, Available("definitely-not-a-real-binary-4af1"))
	_, err = Resolve("definitely-not-a-real-binary-4af1")
	require.Error(t, err)
}
