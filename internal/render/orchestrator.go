// Package render supervises engine processes that turn a render job into
// a video file.
package render

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"quickanim/internal/apperr"
	"quickanim/internal/environment"
	"quickanim/internal/job"
	"quickanim/internal/logger"
	"quickanim/internal/runtime"
)

const op = "render.execute"

// State is the terminal state of a job.
type State string

const (
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed_out"
	StateCancelled State = "cancelled"
)

// Outcome is the result of executing one job.
type Outcome struct {
	JobID string
	State State
	// OutputPath is set on success.
	OutputPath string
	// Diagnostic is the tail of the engine's output on failure.
	Diagnostic string
	ExitCode   int
	Duration   time.Duration
	Err        error
}

// Succeeded reports whether the job produced its artifact.
func (o Outcome) Succeeded() bool {
	return o.State == StateSucceeded
}

// Options configures the Orchestrator.
type Options struct {
	// Timeout bounds a single render; zero disables it.
	Timeout time.Duration
	// GracePeriod is the wait between SIGTERM and SIGKILL.
	GracePeriod time.Duration
	// WorkDir holds per-job work directories.
	WorkDir   string
	SceneName string
	Renderer  string
	// EngineModule is run with "python -m".
	EngineModule string
}

const (
	diagnosticLines = 40
	eventBuffer     = 256
	// drainTimeout bounds the wait for output pipes once the process is
	// gone.
	drainTimeout = 5 * time.Second
)

var errTimedOut = errors.New("render timed out")

// Orchestrator runs render jobs as supervised engine processes. Jobs are
// independent; Execute may be called concurrently.
type Orchestrator struct {
	rt     runtime.Runtime
	opts   Options
	logger *slog.Logger

	tracer   trace.Tracer
	jobs     metric.Int64Counter
	duration metric.Float64Histogram
	now      func() time.Time
}

// New creates an Orchestrator.
func New(rt runtime.Runtime, opts Options, log *slog.Logger) *Orchestrator {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 10 * time.Second
	}
	if opts.WorkDir == "" {
		opts.WorkDir = filepath.Join(os.TempDir(), "quickanim", "jobs")
	}
	if opts.SceneName == "" {
		opts.SceneName = "LogoAnimation"
	}
	if opts.Renderer == "" {
		opts.Renderer = "cairo"
	}
	if opts.EngineModule == "" {
		opts.EngineModule = "manim"
	}
	if log == nil {
		log = logger.Discard()
	}

	meter := otel.Meter("quickanim-render")
	jobs, _ := meter.Int64Counter("quickanim.render.jobs",
		metric.WithDescription("Render jobs by terminal state"),
	)
	duration, _ := meter.Float64Histogram("quickanim.render.duration",
		metric.WithDescription("Render job wall time"),
		metric.WithUnit("s"),
	)
	return &Orchestrator{
		rt:       rt,
		opts:     opts,
		logger:   log,
		tracer:   otel.Tracer("quickanim-render"),
		jobs:     jobs,
		duration: duration,
		now:      time.Now,
	}
}

// Execute runs j against env and returns its Outcome. onProgress, if
// non-nil, receives every output line in order from a single goroutine;
// it has returned for the last time when Execute returns. The engine
// process and its process group are reaped before Execute returns.
func (o *Orchestrator) Execute(ctx context.Context, j job.Job, env *environment.Environment, onProgress func(Event)) Outcome {
	start := o.now()
	ctx = logger.WithJobID(ctx, j.ID)
	log := logger.FromContext(ctx, o.logger)

	ctx, span := o.tracer.Start(ctx, "render.execute",
		trace.WithAttributes(
			attribute.String("job.id", j.ID),
			attribute.String("job.resolution", string(j.Resolution)),
			attribute.Int("job.fps", int(j.FrameRate)),
		),
	)
	defer span.End()

	out := o.execute(ctx, log, j, env, onProgress)
	out.JobID = j.ID
	out.Duration = o.now().Sub(start)

	span.SetAttributes(attribute.String("job.state", string(out.State)), attribute.Int("exit_code", out.ExitCode))
	if out.Err != nil {
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, string(out.State))
	}
	attrs := metric.WithAttributes(attribute.String("state", string(out.State)))
	o.jobs.Add(ctx, 1, attrs)
	o.duration.Record(ctx, out.Duration.Seconds(), attrs)

	log.Info("render finished",
		"state", out.State,
		"exit_code", out.ExitCode,
		"duration", out.Duration.Round(time.Millisecond).String(),
		"output", out.OutputPath,
	)
	return out
}

func (o *Orchestrator) execute(ctx context.Context, log *slog.Logger, j job.Job, env *environment.Environment, onProgress func(Event)) Outcome {
	if !env.Ready() {
		return failed(apperr.Configuration(op, "environment_not_validated",
			"render requires a validated environment", nil))
	}
	if !j.Resolution.Valid() || !j.FrameRate.Valid() || j.OutputPath == "" || j.SVGPath == "" {
		return failed(apperr.Configuration(op, "invalid_job", "job was not produced by the job builder", nil))
	}
	if err := ctx.Err(); err != nil {
		return interrupted(ctx, err, -1, "")
	}

	if err := os.MkdirAll(o.opts.WorkDir, 0o755); err != nil {
		return failed(apperr.Execution(op, "create work dir", "", err))
	}
	workDir, err := os.MkdirTemp(o.opts.WorkDir, "job-"+j.ID+"-")
	if err != nil {
		return failed(apperr.Execution(op, "create work dir", "", err))
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			log.Warn("failed to remove work dir", "path", workDir, "error", err)
		}
	}()

	script := filepath.Join(workDir, "scene.py")
	if err := writeScene(script, sceneData{SceneName: o.opts.SceneName, SVGPath: j.SVGPath, Title: j.Title()}); err != nil {
		return failed(apperr.Execution(op, "write scene script", "", err))
	}

	if err := os.MkdirAll(filepath.Dir(j.OutputPath), 0o755); err != nil {
		return failed(apperr.Execution(op, "create output dir", "", err))
	}
	// A stale artifact must not be mistaken for this job's output.
	if err := os.Remove(j.OutputPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return failed(apperr.Execution(op, "replace existing output", "", err))
	}

	var runCtx context.Context
	var cancel context.CancelFunc
	if o.opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeoutCause(ctx, o.opts.Timeout, errTimedOut)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	media := filepath.Join(workDir, "media")
	w, h := j.Resolution.Dimensions()
	command := []string{
		env.Executable, "-m", o.opts.EngineModule, "render",
		script, o.opts.SceneName,
		"-r", fmt.Sprintf("%d,%d", w, h),
		"--fps", strconv.Itoa(int(j.FrameRate)),
		"--renderer=" + o.opts.Renderer,
		"--format=mp4",
		"--media_dir", media,
		"-o", j.OutputPath,
	}

	log.Info("starting render",
		"svg", j.SVGPath,
		"resolution", string(j.Resolution),
		"fps", int(j.FrameRate),
		"executable", env.Executable,
	)
	handle, err := o.rt.Start(runCtx, runtime.StartOptions{
		ID:      j.ID,
		Command: command,
		Env: map[string]string{
			"PYTHONIOENCODING": "utf-8",
			"PYTHONUNBUFFERED": "1",
			"PYTHONNOUSERSITE": "1",
		},
		Dir: workDir,
	})
	if err != nil {
		if runCtx.Err() != nil {
			return interrupted(ctx, context.Cause(runCtx), -1, "")
		}
		return failed(apperr.Execution(op, "start engine", "", err))
	}

	stream := newLineStream(j.ID, onProgress, o.now)
	stream.consume(runtime.StreamStdout, handle.Stdout())
	stream.consume(runtime.StreamStderr, handle.Stderr())

	result, waitErr := handle.Wait(runCtx)
	if waitErr != nil {
		log.Warn("stopping engine", "reason", context.Cause(runCtx), "grace_period", o.opts.GracePeriod.String())
		if err := handle.Stop(context.Background(), o.opts.GracePeriod); err != nil {
			log.Error("failed to stop engine", "error", err)
		}
		result, _ = handle.Wait(context.Background())
	}
	if !stream.wait(drainTimeout) {
		log.Warn("engine output still open after exit, closing pipes")
		handle.Stdout().Close()
		handle.Stderr().Close()
		stream.wait(drainTimeout)
	}
	diagnostic := stream.diagnostic()

	if waitErr != nil {
		return interrupted(ctx, context.Cause(runCtx), result.ExitCode, diagnostic)
	}

	if result.ExitCode != 0 {
		msg := fmt.Sprintf("engine exited with code %d", result.ExitCode)
		if result.Signaled() {
			msg = "engine killed by " + result.Signal
		}
		out := failed(apperr.Execution(op, msg, diagnostic, result.Error))
		out.ExitCode = result.ExitCode
		out.Diagnostic = diagnostic
		return out
	}

	if err := collectArtifact(media, j.OutputPath); err != nil {
		out := failed(apperr.Execution(op, "engine produced no video", diagnostic, err))
		out.Diagnostic = diagnostic
		return out
	}
	return Outcome{State: StateSucceeded, OutputPath: j.OutputPath}
}

// collectArtifact ensures a non-empty video exists at output, moving it
// out of the media directory if the engine wrote it there.
func collectArtifact(media, output string) error {
	if info, err := os.Stat(output); err == nil {
		if info.Size() == 0 {
			return fmt.Errorf("%s is empty", output)
		}
		return nil
	}

	var found string
	var newest time.Time
	_ = filepath.WalkDir(media, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || filepath.Ext(path) != ".mp4" {
			return nil
		}
		if filepath.Base(filepath.Dir(path)) == "partial_movie_files" {
			return nil
		}
		if info, err := d.Info(); err == nil && info.Size() > 0 && info.ModTime().After(newest) {
			found, newest = path, info.ModTime()
		}
		return nil
	})
	if found == "" {
		return fmt.Errorf("no video at %s", output)
	}
	return moveFile(found, output)
}

func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}

func failed(err *apperr.Error) Outcome {
	return Outcome{State: StateFailed, ExitCode: -1, Err: err}
}

// interrupted classifies a stopped render. A timeout, including a
// deadline on the caller's context, is timed_out; anything else is
// cancelled.
func interrupted(ctx context.Context, cause error, exitCode int, diagnostic string) Outcome {
	if errors.Is(cause, errTimedOut) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Outcome{
			State:      StateTimedOut,
			ExitCode:   exitCode,
			Diagnostic: diagnostic,
			Err:        &apperr.Error{Kind: apperr.KindTimeout, Op: op, Message: "render timed out", Err: cause, Diagnostic: diagnostic},
		}
	}
	return Outcome{
		State:      StateCancelled,
		ExitCode:   exitCode,
		Diagnostic: diagnostic,
		Err:        &apperr.Error{Kind: apperr.KindCancelled, Op: op, Message: "render cancelled", Err: cause, Diagnostic: diagnostic},
	}
}

// lineStream merges both output streams into one ordered event sequence
// and keeps a diagnostic tail.
type lineStream struct {
	jobID   string
	lines   chan rawLine
	readers sync.WaitGroup
	closed  sync.Once
	done    chan struct{}
	stderr  *runtime.Tail
	stdout  *runtime.Tail
	now     func() time.Time
}

type rawLine struct {
	stream runtime.Stream
	text   string
}

func newLineStream(jobID string, onProgress func(Event), now func() time.Time) *lineStream {
	s := &lineStream{
		jobID:  jobID,
		lines:  make(chan rawLine, eventBuffer),
		done:   make(chan struct{}),
		stderr: runtime.NewTail(diagnosticLines),
		stdout: runtime.NewTail(diagnosticLines),
		now:    now,
	}
	go s.dispatch(onProgress)
	return s
}

func (s *lineStream) consume(stream runtime.Stream, r io.ReadCloser) {
	s.readers.Add(1)
	go func() {
		defer s.readers.Done()
		defer r.Close()
		runtime.ScanLines(r, func(line string) {
			s.lines <- rawLine{stream: stream, text: line}
		})
	}()
}

// dispatch is the only goroutine that calls onProgress.
func (s *lineStream) dispatch(onProgress func(Event)) {
	defer close(s.done)
	seq := 0
	for l := range s.lines {
		if l.stream == runtime.StreamStderr {
			s.stderr.Add(l.text)
		} else {
			s.stdout.Add(l.text)
		}
		if onProgress == nil {
			continue
		}
		seq++
		anim, pct := parseProgress(l.text)
		onProgress(Event{
			JobID:     s.jobID,
			Seq:       seq,
			Stream:    l.stream,
			Line:      l.text,
			Animation: anim,
			Percent:   pct,
			At:        s.now(),
		})
	}
}

// wait blocks until both readers finished and every event was delivered,
// or timeout elapses. It reports whether the stream completed.
func (s *lineStream) wait(timeout time.Duration) bool {
	readersDone := make(chan struct{})
	go func() {
		s.readers.Wait()
		close(readersDone)
	}()
	select {
	case <-readersDone:
	case <-time.After(timeout):
		return false
	}
	s.closed.Do(func() { close(s.lines) })
	<-s.done
	return true
}

func (s *lineStream) diagnostic() string {
	if s.stderr.Len() > 0 {
		return s.stderr.String()
	}
	return s.stdout.String()
}
