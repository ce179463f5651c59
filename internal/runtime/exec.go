package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"time"
)

// ExecRuntime implements the Runtime interface using raw OS processes.
type ExecRuntime struct {
	// WorkDir is the base directory for processes started without a Dir.
	WorkDir string
}

// NewExecRuntime creates a new process-based runtime.
// If workDir is empty, defaults to os.TempDir()/quickanim/runner.
func NewExecRuntime(workDir string) *ExecRuntime {
	if workDir == "" {
		workDir = filepath.Join(os.TempDir(), "quickanim", "runner")
	}
	return &ExecRuntime{WorkDir: workDir}
}

// ExecHandle represents a running OS process.
type ExecHandle struct {
	cmd    *exec.Cmd
	stdout *os.File
	stderr *os.File

	done   chan struct{}
	result ExitResult
}

// Start implements Runtime.Start using os/exec.
// The process runs in its own process group so Stop can reach children
// the engine spawns (e.g. ffmpeg).
func (e *ExecRuntime) Start(ctx context.Context, opts StartOptions) (Handle, error) {
	if len(opts.Command) == 0 {
		return nil, errors.New("command is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir := opts.Dir
	if dir == "" {
		id := opts.ID
		if id == "" {
			id = fmt.Sprintf("proc-%d", time.Now().UnixNano())
		}
		dir = filepath.Join(e.WorkDir, id)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}

	cmd := exec.Command(opts.Command[0], opts.Command[1:]...)
	cmd.Dir = dir
	cmd.Env = mergeEnv(os.Environ(), opts.Env)
	setProcessGroup(cmd)

	// os.Pipe rather than cmd.StdoutPipe: Wait must not depend on the
	// reader having drained the stream.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return nil, fmt.Errorf("failed to start %s: %w", opts.Command[0], err)
	}

	// The child holds its own copies of the write ends.
	stdoutW.Close()
	stderrW.Close()

	h := &ExecHandle{
		cmd:    cmd,
		stdout: stdoutR,
		stderr: stderrR,
		done:   make(chan struct{}),
	}
	go h.reap()

	return h, nil
}

func (h *ExecHandle) reap() {
	defer close(h.done)

	err := h.cmd.Wait()
	if err == nil {
		h.result = ExitResult{ExitCode: 0}
		return
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		h.result = ExitResult{
			ExitCode: exitErr.ExitCode(),
			Signal:   signalName(exitErr.ProcessState),
			Error:    err,
		}
		return
	}
	h.result = ExitResult{ExitCode: -1, Error: err}
}

// PID implements Handle.
func (h *ExecHandle) PID() int {
	return h.cmd.Process.Pid
}

// Wait implements Handle.
func (h *ExecHandle) Wait(ctx context.Context) (ExitResult, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return ExitResult{ExitCode: -1, Error: ctx.Err()}, ctx.Err()
	}
}

// Exited reports whether the process has been reaped.
func (h *ExecHandle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Signal implements Handle.
func (h *ExecHandle) Signal(sig os.Signal) error {
	if h.Exited() {
		return nil
	}
	return signalGroup(h.cmd, sig)
}

// Stop implements Handle: graceful termination, then a forced kill after
// grace, then wait for the reap.
func (h *ExecHandle) Stop(ctx context.Context, grace time.Duration) error {
	if h.Exited() {
		return nil
	}

	if err := terminateGroup(h.cmd); err != nil && !h.Exited() {
		// Graceful stop unsupported or failed; go straight to kill.
		_ = killGroup(h.cmd)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-h.done:
		// The leader is gone; sweep group members that outlived it.
		_ = killGroup(h.cmd)
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	if err := killGroup(h.cmd); err != nil && !h.Exited() {
		return fmt.Errorf("failed to kill process %d: %w", h.PID(), err)
	}

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("process %d not reaped: %w", h.PID(), ctx.Err())
	}
}

// Stdout implements Handle.
func (h *ExecHandle) Stdout() io.ReadCloser {
	return h.stdout
}

// Stderr implements Handle.
func (h *ExecHandle) Stderr() io.ReadCloser {
	return h.stderr
}

// mergeEnv overlays extra on base, producing a deterministic slice.
func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		name := kv
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				name = kv[:i]
				break
			}
		}
		if _, overridden := extra[name]; overridden {
			continue
		}
		env = append(env, kv)
	}
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}
