// Package runtime provides the process capability used to host the
// rendering engine and the runtime probes: start, stream output, signal,
// wait.
package runtime

import (
	"context"
	"io"
	"os"
	"time"
)

// Runtime defines the interface for launching supervised processes.
// ExecRuntime runs real OS processes; tests substitute fakes.
type Runtime interface {
	// Start begins execution of a process and returns a handle.
	Start(ctx context.Context, opts StartOptions) (Handle, error)
}

// StartOptions contains the parameters for starting a process.
type StartOptions struct {
	// ID names the process for logging and, when Dir is empty, its work
	// directory under the runtime's WorkDir.
	ID      string
	Command []string
	Env     map[string]string
	Dir     string
}

// ExitResult describes how a process terminated.
type ExitResult struct {
	ExitCode int
	// Signal is set when the process was terminated by a signal.
	Signal string
	Error  error
}

// Signaled reports whether the process was terminated by a signal.
func (r ExitResult) Signaled() bool {
	return r.Signal != ""
}

// Handle represents a running process.
type Handle interface {
	// PID returns the OS process ID.
	PID() int

	// Wait blocks until the process exits and has been reaped.
	// It returns ctx.Err() with ExitCode -1 if ctx ends first; the process
	// keeps running in that case.
	Wait(ctx context.Context) (ExitResult, error)

	// Signal delivers sig to the process and its children.
	Signal(sig os.Signal) error

	// Stop requests a graceful exit, waits up to grace, then kills the
	// process group and waits for it to be reaped.
	Stop(ctx context.Context, grace time.Duration) error

	// Stdout returns the process standard output stream.
	Stdout() io.ReadCloser

	// Stderr returns the process standard error stream.
	Stderr() io.ReadCloser
}
