package environment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"quickanim/internal/apperr"
	"quickanim/internal/logger"
	"quickanim/internal/runtime"
)

// Stage is a provisioning step.
type Stage string

const (
	StagePrepare  Stage = "prepare"
	StageDownload Stage = "download"
	StageVerify   Stage = "verify"
	StageExtract  Stage = "extract"
	StageInstall  Stage = "install"
	StageActivate Stage = "activate"
	StageValidate Stage = "validate"
)

// FailureReason distinguishes provisioning failures.
type FailureReason string

const (
	FailNetworkUnreachable  FailureReason = "network_unreachable"
	FailInsufficientDisk    FailureReason = "insufficient_disk"
	FailChecksumMismatch    FailureReason = "checksum_mismatch"
	FailSizeMismatch        FailureReason = "size_mismatch"
	FailExtract             FailureReason = "extract_failed"
	FailDependencyInstall   FailureReason = "dependency_install_failed"
	FailValidation          FailureReason = "validation_failed"
	FailUnsupportedPlatform FailureReason = "unsupported_platform"
	FailInvalidSource       FailureReason = "invalid_source"
	FailIO                  FailureReason = "io_failed"
	FailTimeout             FailureReason = "install_timeout"
)

func provisionErr(stage Stage, reason FailureReason, err error) *apperr.Error {
	return apperr.Provisioning(string(stage), string(reason), err)
}

// Progress is a provisioning progress update. Percent is -1 when unknown.
type Progress struct {
	Stage      Stage
	Percent    int
	BytesDone  int64
	BytesTotal int64
	Message    string
}

// ProgressFunc receives progress updates. It is called from the
// provisioning goroutine and must not block for long.
type ProgressFunc func(Progress)

// ProvisionerOptions configures the Provisioner.
type ProvisionerOptions struct {
	InstallDir string
	Source     SourceSpec
	// EnginePackage and EngineVersion name the pip requirement.
	EnginePackage string
	EngineVersion string
	ExtraPackages []string
	// ExtrasUnlessOnPath names a tool whose presence on PATH makes
	// ExtraPackages unnecessary. Empty always installs them.
	ExtrasUnlessOnPath string
	// MinFreeBytes is the free space required on the install root.
	MinFreeBytes   uint64
	InstallTimeout time.Duration
}

// RuntimeLocator validates interpreters.
type RuntimeLocator interface {
	Locate(ctx context.Context, path string) (*Environment, error)
}

// Provisioner installs a fresh runtime and the engine under the install
// root.
type Provisioner struct {
	opts       ProvisionerOptions
	rt         runtime.Runtime
	locator    RuntimeLocator
	downloader *Downloader
	logger     *slog.Logger

	freeSpace func(path string) (uint64, error)
	lookPath  func(file string) (string, error)
	newID     func() string
}

// NewProvisioner creates a Provisioner. Installs run through rt and are
// validated with locator before being reported as ready.
func NewProvisioner(opts ProvisionerOptions, rt runtime.Runtime, locator RuntimeLocator, dl *Downloader, log *slog.Logger) (*Provisioner, error) {
	if strings.TrimSpace(opts.InstallDir) == "" {
		return nil, errors.New("install dir is required")
	}
	if opts.EnginePackage == "" {
		return nil, errors.New("engine package is required")
	}
	if dl == nil {
		dl = NewDownloader(nil)
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Provisioner{
		opts:       opts,
		rt:         rt,
		locator:    locator,
		downloader: dl,
		logger:     log,
		freeSpace:  freeBytes,
		lookPath:   exec.LookPath,
		newID:      func() string { return uuid.NewString()[:8] },
	}, nil
}

func (p *Provisioner) stagingDir() string { return filepath.Join(p.opts.InstallDir, "staging") }
func (p *Provisioner) envsDir() string    { return filepath.Join(p.opts.InstallDir, "envs") }

// Provision downloads, installs and validates a new runtime. The returned
// Environment is validated; the caller persists it.
func (p *Provisioner) Provision(ctx context.Context, report ProgressFunc) (*Environment, error) {
	if report == nil {
		report = func(Progress) {}
	}
	ctx, span := otel.Tracer("quickanim-environment").Start(ctx, "environment.provision",
		trace.WithAttributes(
			attribute.String("python.version", p.opts.Source.PythonVersion),
			attribute.String("engine.version", p.opts.EngineVersion),
		),
	)
	defer span.End()

	parent := ctx
	if p.opts.InstallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.InstallTimeout)
		defer cancel()
	}

	env, stage, err := p.provision(ctx, report)
	if err != nil {
		err = p.classify(parent, ctx, stage, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(stage))
		return nil, err
	}
	span.SetAttributes(attribute.String("environment.root", env.Root))
	return env, nil
}

func (p *Provisioner) provision(ctx context.Context, report ProgressFunc) (*Environment, Stage, error) {
	report(Progress{Stage: StagePrepare, Percent: -1, Message: "resolving runtime archive"})
	src, err := ResolveSource(p.opts.Source)
	if err != nil {
		return nil, StagePrepare, err
	}

	if err := os.MkdirAll(p.opts.InstallDir, 0o755); err != nil {
		return nil, StagePrepare, provisionErr(StagePrepare, classifyWriteErr(err), err)
	}
	if p.opts.MinFreeBytes > 0 {
		free, err := p.freeSpace(p.opts.InstallDir)
		if err != nil {
			return nil, StagePrepare, provisionErr(StagePrepare, FailIO, fmt.Errorf("query free space: %w", err))
		}
		if free < p.opts.MinFreeBytes {
			return nil, StagePrepare, provisionErr(StagePrepare, FailInsufficientDisk,
				fmt.Errorf("%d bytes free on %s, need %d", free, p.opts.InstallDir, p.opts.MinFreeBytes))
		}
	}

	// Leftovers from an interrupted run are never reused.
	if err := os.RemoveAll(p.stagingDir()); err != nil {
		return nil, StagePrepare, provisionErr(StagePrepare, FailIO, fmt.Errorf("clear staging: %w", err))
	}
	if err := os.MkdirAll(p.stagingDir(), 0o755); err != nil {
		return nil, StagePrepare, provisionErr(StagePrepare, classifyWriteErr(err), err)
	}
	defer os.RemoveAll(p.stagingDir())

	envID := fmt.Sprintf("cpython-%s-%s", p.opts.Source.PythonVersion, p.newID())
	log := p.logger.With("env_id", envID)
	log.Info("provisioning runtime", "url", src.URL, "triple", src.Triple)

	downloadDir := filepath.Join(p.stagingDir(), envID+".download")
	if err := os.MkdirAll(downloadDir, 0o755); err != nil {
		return nil, StageDownload, provisionErr(StageDownload, classifyWriteErr(err), err)
	}
	archive, err := p.downloader.Fetch(ctx, src, downloadDir, report)
	if err != nil {
		return nil, stageOf(err, StageDownload), err
	}
	report(Progress{Stage: StageVerify, Percent: 100, Message: "archive verified"})

	report(Progress{Stage: StageExtract, Percent: -1, Message: "extracting " + filepath.Base(archive)})
	staged := filepath.Join(p.stagingDir(), envID)
	if err := Extract(ctx, archive, staged); err != nil {
		return nil, StageExtract, err
	}
	_ = os.RemoveAll(downloadDir)

	python := interpreterPath(staged)
	if _, err := os.Stat(python); err != nil {
		return nil, StageExtract, provisionErr(StageExtract, FailExtract, fmt.Errorf("interpreter missing from archive: %w", err))
	}

	if err := p.installEngine(ctx, python, report); err != nil {
		return nil, StageInstall, err
	}

	report(Progress{Stage: StageActivate, Percent: -1, Message: "activating " + envID})
	final := filepath.Join(p.envsDir(), envID)
	if err := os.MkdirAll(p.envsDir(), 0o755); err != nil {
		return nil, StageActivate, provisionErr(StageActivate, classifyWriteErr(err), err)
	}
	if err := os.RemoveAll(final); err != nil {
		return nil, StageActivate, provisionErr(StageActivate, FailIO, err)
	}
	if err := os.Rename(staged, final); err != nil {
		return nil, StageActivate, provisionErr(StageActivate, FailIO, err)
	}

	report(Progress{Stage: StageValidate, Percent: -1, Message: "validating runtime"})
	env, err := p.locator.Locate(ctx, interpreterPath(final))
	if err != nil {
		_ = os.RemoveAll(final)
		if ctx.Err() != nil {
			return nil, StageValidate, ctx.Err()
		}
		return nil, StageValidate, provisionErr(StageValidate, FailValidation, err)
	}
	env.Root = final
	env.Source = SourceProvisioned

	p.prune(envID, log)
	report(Progress{Stage: StageValidate, Percent: 100, Message: "runtime ready"})
	log.Info("runtime provisioned", "executable", env.Executable, "engine_version", env.EngineVersion)
	return env, StageValidate, nil
}

// extraPackages returns the packages to install next to the engine.
func (p *Provisioner) extraPackages(report ProgressFunc) []string {
	tool := p.opts.ExtrasUnlessOnPath
	if tool == "" || len(p.opts.ExtraPackages) == 0 {
		return p.opts.ExtraPackages
	}
	path, err := p.lookPath(tool)
	if err != nil {
		return p.opts.ExtraPackages
	}
	p.logger.Debug("skipping extra packages", "tool", tool, "path", path, "packages", p.opts.ExtraPackages)
	report(Progress{Stage: StageInstall, Percent: -1, Message: "using " + tool + " at " + path})
	return nil
}

func (p *Provisioner) installEngine(ctx context.Context, python string, report ProgressFunc) error {
	requirement := p.opts.EnginePackage
	if p.opts.EngineVersion != "" {
		requirement += "==" + p.opts.EngineVersion
	}
	args := []string{python, "-m", "pip", "install", "--no-input", "--disable-pip-version-check", requirement}
	args = append(args, p.extraPackages(report)...)

	report(Progress{Stage: StageInstall, Percent: -1, Message: "installing " + requirement})
	capture, err := runtime.Run(ctx, p.rt, runtime.StartOptions{
		ID:      "pip-install",
		Command: args,
		Env: map[string]string{
			"PIP_NO_INPUT":         "1",
			"PIP_PROGRESS_BAR":     "off",
			"PIP_ROOT_USER_ACTION": "ignore",
			"PYTHONIOENCODING":     "utf-8",
			"PYTHONNOUSERSITE":     "1",
		},
		Dir: p.stagingDir(),
	}, func(_ runtime.Stream, line string) {
		report(Progress{Stage: StageInstall, Percent: -1, Message: line})
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return provisionErr(StageInstall, FailDependencyInstall, err)
	}
	if capture.Result.ExitCode != 0 {
		e := provisionErr(StageInstall, FailDependencyInstall,
			fmt.Errorf("pip exited with code %d", capture.Result.ExitCode))
		e.Diagnostic = capture.Stderr
		return e
	}
	return nil
}

// prune removes environments other than keep. Only called with the
// install lock held.
func (p *Provisioner) prune(keep string, log *slog.Logger) {
	entries, err := os.ReadDir(p.envsDir())
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() || e.Name() == keep {
			continue
		}
		if err := os.RemoveAll(filepath.Join(p.envsDir(), e.Name())); err != nil {
			log.Warn("failed to prune stale runtime", "env", e.Name(), "error", err)
		}
	}
}

// classify maps context expiry onto the error taxonomy.
func (p *Provisioner) classify(parent, ctx context.Context, stage Stage, err error) error {
	switch {
	case parent.Err() != nil:
		return &apperr.Error{Kind: apperr.KindCancelled, Op: "environment.provision", Stage: string(stage), Err: parent.Err()}
	case ctx.Err() != nil:
		return provisionErr(stage, FailTimeout, fmt.Errorf("exceeded %s: %w", p.opts.InstallTimeout, ctx.Err()))
	case apperr.KindOf(err) == apperr.KindUnknown:
		return provisionErr(stage, FailIO, err)
	default:
		return err
	}
}

func stageOf(err error, fallback Stage) Stage {
	if s := apperr.StageOf(err); s != "" {
		return Stage(s)
	}
	return fallback
}
