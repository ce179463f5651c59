package runtime

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Stream identifies a process output stream.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// Capture is the collected output of a completed Run.
type Capture struct {
	Result ExitResult
	Stdout string
	// Stderr holds at most the last tailLines lines.
	Stderr string
}

const (
	tailLines       = 200
	stopGracePeriod = 2 * time.Second
)

// Run starts a process, collects its output and waits for it. onLine, if
// non-nil, receives every line in the order each stream produced it.
// If ctx ends first the process is stopped and reaped before Run returns
// ctx.Err().
func Run(ctx context.Context, rt Runtime, opts StartOptions, onLine func(Stream, string)) (Capture, error) {
	handle, err := rt.Start(ctx, opts)
	if err != nil {
		return Capture{}, err
	}

	var (
		mu     sync.Mutex
		stdout strings.Builder
		stderr = NewTail(tailLines)
		wg     sync.WaitGroup
	)
	emit := func(s Stream, line string) {
		mu.Lock()
		defer mu.Unlock()
		if s == StreamStdout {
			stdout.WriteString(line)
			stdout.WriteByte('\n')
		} else {
			stderr.Add(line)
		}
		if onLine != nil {
			onLine(s, line)
		}
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		defer handle.Stdout().Close()
		ScanLines(handle.Stdout(), func(line string) { emit(StreamStdout, line) })
	}()
	go func() {
		defer wg.Done()
		defer handle.Stderr().Close()
		ScanLines(handle.Stderr(), func(line string) { emit(StreamStderr, line) })
	}()

	result, waitErr := handle.Wait(ctx)
	if waitErr != nil {
		_ = handle.Stop(context.Background(), stopGracePeriod)
	}
	wg.Wait()

	capture := Capture{Result: result, Stdout: stdout.String(), Stderr: stderr.String()}
	if waitErr != nil {
		return capture, waitErr
	}
	return capture, nil
}
