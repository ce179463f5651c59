package environment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"quickanim/internal/apperr"
	"quickanim/internal/logger"
)

// FailLockUnavailable is reported when the install-root lock cannot be
// acquired within BootstrapOptions.LockTimeout.
const FailLockUnavailable FailureReason = "lock_unavailable"

// RuntimeProvisioner creates a fresh validated runtime.
type RuntimeProvisioner interface {
	Provision(ctx context.Context, report ProgressFunc) (*Environment, error)
}

// BootstrapOptions configures the Bootstrapper.
type BootstrapOptions struct {
	InstallDir string
	// LockTimeout bounds the wait for another process's provisioning.
	LockTimeout time.Duration
	// OnState observes every state transition.
	OnState func(State)
}

// Bootstrapper guarantees a validated Environment exists before any render
// job runs.
type Bootstrapper struct {
	locator     RuntimeLocator
	provisioner RuntimeProvisioner
	store       *Store
	opts        BootstrapOptions
	logger      *slog.Logger

	// mu serializes provisioning within the process; the install lock
	// covers other processes.
	mu sync.Mutex

	tracer        trace.Tracer
	provisionRuns metric.Int64Counter
}

// NewBootstrapper creates a Bootstrapper.
func NewBootstrapper(loc RuntimeLocator, prov RuntimeProvisioner, store *Store, opts BootstrapOptions, log *slog.Logger) *Bootstrapper {
	if log == nil {
		log = logger.Discard()
	}
	meter := otel.Meter("quickanim-environment")
	runs, _ := meter.Int64Counter("quickanim.provision.runs",
		metric.WithDescription("Runtime provisioning attempts by result"),
	)
	return &Bootstrapper{
		locator:       loc,
		provisioner:   prov,
		store:         store,
		opts:          opts,
		logger:        log,
		tracer:        otel.Tracer("quickanim-environment"),
		provisionRuns: runs,
	}
}

// EnsureReady returns a validated Environment. A non-empty override is
// validated and pinned without provisioning; a rejected override is a
// configuration error. Otherwise the persisted record is revalidated and,
// if absent or stale, a new runtime is provisioned under the install lock.
func (b *Bootstrapper) EnsureReady(ctx context.Context, override string, report ProgressFunc) (*Environment, error) {
	ctx, span := b.tracer.Start(ctx, "environment.ensure_ready",
		trace.WithAttributes(attribute.Bool("override", override != "")),
	)
	defer span.End()

	m := newMachine(b.opts.OnState)
	_ = m.to(StateLocating)

	env, err := b.ensureReady(ctx, m, override, report)
	if err != nil {
		m.fail()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("environment.source", string(env.Source)),
		attribute.String("environment.engine_version", env.EngineVersion),
	)
	return env, nil
}

func (b *Bootstrapper) ensureReady(ctx context.Context, m *machine, override string, report ProgressFunc) (*Environment, error) {
	if override != "" {
		return b.useOverride(ctx, m, override)
	}

	if env, ok := b.fromRecord(ctx); ok {
		return env, b.finish(m, StateValid)
	}
	if err := ctx.Err(); err != nil {
		return nil, cancelled("environment.locate", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	lock, err := b.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer lock.release()

	// Another process may have finished provisioning while we waited.
	if env, ok := b.fromRecord(ctx); ok {
		return env, b.finish(m, StateValid)
	}

	if err := m.to(StateProvisioning); err != nil {
		return nil, err
	}
	b.logger.Info("no valid runtime found, provisioning", "install_dir", b.opts.InstallDir)
	env, err := b.provisioner.Provision(ctx, report)
	if err != nil {
		b.provisionRuns.Add(ctx, 1, metric.WithAttributes(
			attribute.String("result", "failed"),
			attribute.String("reason", apperr.ReasonOf(err)),
		))
		return nil, err
	}
	b.provisionRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "succeeded")))

	if err := b.store.Save(RecordOf(env)); err != nil {
		return nil, provisionErr(StageActivate, FailIO, err)
	}
	return env, b.finish(m, StateReady)
}

func (b *Bootstrapper) useOverride(ctx context.Context, m *machine, override string) (*Environment, error) {
	env, err := b.locator.Locate(ctx, override)
	if err != nil {
		if ctx.Err() != nil {
			return nil, cancelled("environment.locate", ctx.Err())
		}
		return nil, apperr.Configuration("environment.locate", string(ReasonOf(err)),
			"python override cannot host the engine", err)
	}
	env.Source = SourceOverride

	lock, err := b.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer lock.release()
	if err := b.store.Save(RecordOf(env)); err != nil {
		return nil, apperr.Configuration("environment.locate", "", "persist override", err)
	}
	b.logger.Info("using python override", "executable", env.Executable, "engine_version", env.EngineVersion)
	return env, b.finish(m, StateValid)
}

// fromRecord revalidates the persisted record. It never modifies state.
func (b *Bootstrapper) fromRecord(ctx context.Context) (*Environment, bool) {
	rec, err := b.store.Load()
	if err != nil {
		if !errors.Is(err, ErrNoRecord) {
			b.logger.Warn("ignoring unreadable environment record", "path", b.store.Path(), "error", err)
		}
		return nil, false
	}
	env, err := b.revalidate(ctx, rec)
	if err != nil {
		b.logger.Warn("persisted runtime is no longer valid",
			"executable", rec.Executable,
			"reason", string(ReasonOf(err)),
			"error", err,
		)
		return nil, false
	}
	return env, true
}

// revalidate probes the recorded interpreter. The result keeps the
// record's provenance and carries freshly probed versions.
func (b *Bootstrapper) revalidate(ctx context.Context, rec Record) (*Environment, error) {
	located, err := b.locator.Locate(ctx, rec.Executable)
	if err != nil {
		return nil, err
	}
	env := rec.Environment()
	env.Executable = located.Executable
	env.EngineVersion = located.EngineVersion
	env.RuntimeVersion = located.RuntimeVersion
	env.Validated = located.Validated
	env.ValidatedAt = located.ValidatedAt
	if env.Root == "" {
		env.Root = located.Root
	}
	return env, nil
}

func (b *Bootstrapper) lock(ctx context.Context) (*installLock, error) {
	lock, err := acquireInstallLock(ctx, b.opts.InstallDir, b.opts.LockTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return nil, cancelled("environment.lock", ctx.Err())
		}
		return nil, provisionErr(StagePrepare, FailLockUnavailable,
			fmt.Errorf("another process holds the install lock: %w", err))
	}
	return lock, nil
}

// finish walks the remaining transitions to Ready.
func (b *Bootstrapper) finish(m *machine, via State) error {
	if m.state() != via {
		if err := m.to(via); err != nil {
			return err
		}
	}
	if via == StateReady {
		return nil
	}
	return m.to(StateReady)
}

// Inspect reports the persisted record and whether it still validates.
// It never provisions.
func (b *Bootstrapper) Inspect(ctx context.Context) (Record, *Environment, error) {
	rec, err := b.store.Load()
	if err != nil {
		return Record{}, nil, err
	}
	env, err := b.revalidate(ctx, rec)
	if err != nil {
		return rec, nil, err
	}
	return rec, env, nil
}

// Reset removes the persisted record under the install lock so the next
// EnsureReady provisions again.
func (b *Bootstrapper) Reset(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	lock, err := b.lock(ctx)
	if err != nil {
		return err
	}
	defer lock.release()
	return b.store.Remove()
}

func cancelled(op string, err error) error {
	return &apperr.Error{Kind: apperr.KindCancelled, Op: op, Err: err}
}
