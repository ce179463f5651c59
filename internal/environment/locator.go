package environment

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/mod/semver"

	"quickanim/internal/logger"
	"quickanim/internal/runtime"
)

// Reason explains why a candidate runtime was rejected.
type Reason string

const (
	ReasonPathNotFound   Reason = "path_not_found"
	ReasonNotExecutable  Reason = "not_executable"
	ReasonLibraryMissing Reason = "library_missing"
	ReasonVersionTooOld  Reason = "version_too_old"
	ReasonProbeTimeout   Reason = "probe_timeout"
	ReasonProbeFailed    Reason = "probe_failed"
)

// InvalidError is returned by the Locator when a candidate runtime cannot
// host the engine.
type InvalidError struct {
	Path   string
	Reason Reason
	Detail string
	Err    error
}

func (e *InvalidError) Error() string {
	msg := fmt.Sprintf("runtime %q is invalid (%s)", e.Path, e.Reason)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *InvalidError) Unwrap() error { return e.Err }

// ErrNoOverride is returned by Locate for an empty path; callers fall back
// to the provisioned runtime.
var ErrNoOverride = errors.New("no runtime override supplied")

// ReasonOf returns the rejection reason carried by err, or "".
func ReasonOf(err error) Reason {
	var inv *InvalidError
	if errors.As(err, &inv) {
		return inv.Reason
	}
	return ""
}

const (
	probeEngineMarker  = "QUICKANIM_ENGINE"
	probePythonMarker  = "QUICKANIM_PYTHON"
	probeMissingMarker = "QUICKANIM_MISSING"
	probeMissingExit   = 3
)

// probeScript imports the engine module and reports both versions. A
// missing module exits with probeMissingExit.
const probeScript = `import sys
try:
    import importlib.metadata as md
    import %[1]s
except ImportError as exc:
    print("` + probeMissingMarker + ` " + str(exc))
    sys.exit(3)
try:
    v = md.version("%[1]s")
except Exception:
    v = getattr(%[1]s, "__version__", "0.0.0")
print("` + probeEngineMarker + ` " + v)
print("` + probePythonMarker + ` %%d.%%d.%%d" %% sys.version_info[:3])
`

// LocatorOptions configures runtime validation.
type LocatorOptions struct {
	// MinEngineVersion is the oldest acceptable engine version ("0.17.0").
	MinEngineVersion string
	// ProbeTimeout bounds a single probe invocation.
	ProbeTimeout time.Duration
	// EngineModule is the importable engine module name.
	EngineModule string
}

// Locator validates that an interpreter can host the engine. It never
// modifies the filesystem.
type Locator struct {
	rt     runtime.Runtime
	opts   LocatorOptions
	logger *slog.Logger
	now    func() time.Time
}

// NewLocator creates a Locator that runs probes through rt.
func NewLocator(rt runtime.Runtime, opts LocatorOptions, log *slog.Logger) *Locator {
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 20 * time.Second
	}
	if opts.EngineModule == "" {
		opts.EngineModule = "manim"
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Locator{rt: rt, opts: opts, logger: log, now: time.Now}
}

// Locate validates the interpreter at path and returns a validated
// Environment, or an *InvalidError naming the reason. An empty path yields
// ErrNoOverride.
func (l *Locator) Locate(ctx context.Context, path string) (*Environment, error) {
	if path == "" {
		return nil, ErrNoOverride
	}
	exe, err := filepath.Abs(path)
	if err != nil {
		return nil, &InvalidError{Path: path, Reason: ReasonPathNotFound, Err: err}
	}

	info, err := os.Stat(exe)
	if err != nil {
		return nil, &InvalidError{Path: exe, Reason: ReasonPathNotFound, Err: err}
	}
	if info.IsDir() {
		return nil, &InvalidError{Path: exe, Reason: ReasonNotExecutable, Detail: "is a directory"}
	}
	if err := checkExecutable(exe, info); err != nil {
		return nil, &InvalidError{Path: exe, Reason: ReasonNotExecutable, Err: err}
	}

	engineVersion, runtimeVersion, err := l.probe(ctx, exe)
	if err != nil {
		return nil, err
	}

	if floor := canonical(l.opts.MinEngineVersion); floor != "" {
		if got := canonical(engineVersion); got == "" || semver.Compare(got, floor) < 0 {
			return nil, &InvalidError{
				Path:   exe,
				Reason: ReasonVersionTooOld,
				Detail: fmt.Sprintf("%s %s is older than %s", l.opts.EngineModule, engineVersion, l.opts.MinEngineVersion),
			}
		}
	}

	env := &Environment{
		Root:           rootForExecutable(exe),
		Executable:     exe,
		EngineVersion:  engineVersion,
		RuntimeVersion: runtimeVersion,
		Validated:      true,
		ValidatedAt:    l.now().UTC(),
	}
	l.logger.Debug("runtime validated",
		"executable", exe,
		"engine_version", engineVersion,
		"runtime_version", runtimeVersion,
	)
	return env, nil
}

func (l *Locator) probe(ctx context.Context, exe string) (engine, python string, err error) {
	probeCtx, cancel := context.WithTimeout(ctx, l.opts.ProbeTimeout)
	defer cancel()

	capture, err := runtime.Run(probeCtx, l.rt, runtime.StartOptions{
		ID:      "probe",
		Command: []string{exe, "-c", fmt.Sprintf(probeScript, l.opts.EngineModule)},
		Env:     map[string]string{"PYTHONIOENCODING": "utf-8", "PYTHONNOUSERSITE": "1"},
		Dir:     os.TempDir(),
	}, nil)
	if err != nil {
		if ctx.Err() != nil {
			return "", "", ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return "", "", &InvalidError{Path: exe, Reason: ReasonProbeTimeout, Detail: l.opts.ProbeTimeout.String()}
		}
		return "", "", &InvalidError{Path: exe, Reason: ReasonNotExecutable, Err: err}
	}

	scanner := bufio.NewScanner(strings.NewReader(capture.Stdout))
	var missing string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, probeEngineMarker+" "):
			engine = strings.TrimSpace(strings.TrimPrefix(line, probeEngineMarker))
		case strings.HasPrefix(line, probePythonMarker+" "):
			python = strings.TrimSpace(strings.TrimPrefix(line, probePythonMarker))
		case strings.HasPrefix(line, probeMissingMarker):
			missing = strings.TrimSpace(strings.TrimPrefix(line, probeMissingMarker))
		}
	}

	if capture.Result.ExitCode == probeMissingExit || missing != "" {
		return "", "", &InvalidError{Path: exe, Reason: ReasonLibraryMissing, Detail: missing}
	}
	if capture.Result.ExitCode != 0 || engine == "" {
		return "", "", &InvalidError{
			Path:   exe,
			Reason: ReasonProbeFailed,
			Detail: fmt.Sprintf("exit code %d: %s", capture.Result.ExitCode, lastLine(capture.Stderr)),
		}
	}
	return engine, python, nil
}

// canonical turns "0.18.1" or "v0.18.1.post1" into a semver string
// usable by x/mod/semver, or "" when unparseable.
func canonical(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	parts := strings.SplitN(v[1:], ".", 4)
	if len(parts) > 3 {
		parts = parts[:3]
	}
	for i, p := range parts {
		end := 0
		for end < len(p) && p[end] >= '0' && p[end] <= '9' {
			end++
		}
		if end == 0 {
			return ""
		}
		parts[i] = p[:end]
	}
	out := "v" + strings.Join(parts, ".")
	if !semver.IsValid(out) {
		return ""
	}
	return semver.Canonical(out)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
