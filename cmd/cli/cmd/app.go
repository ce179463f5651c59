package cmd

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"quickanim/internal/apperr"
	"quickanim/internal/config"
	"quickanim/internal/environment"
	"quickanim/internal/job"
	"quickanim/internal/logger"
	"quickanim/internal/observability"
	"quickanim/internal/render"
	"quickanim/internal/runtime"
)

const serviceName = "quickanim"

// app holds the components built from configuration for one command run.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	boot    *environment.Bootstrapper
	builder *job.Builder
	orch    *render.Orchestrator

	mu     sync.Mutex
	states []environment.State

	closers []func(context.Context) error
}

// newApp loads configuration for cmd and wires the bootstrapper, job
// builder and orchestrator. The caller must call close.
func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return nil, apperr.Configuration("config.load", "invalid_config", "", err)
	}

	log := logger.New(logger.Options{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Output:  cmd.ErrOrStderr(),
		Service: serviceName,
	})

	a := &app{cfg: cfg, logger: log}
	if err := a.initObservability(cmd.Context()); err != nil {
		a.close()
		return nil, err
	}

	rt := runtime.NewExecRuntime("")

	store, err := environment.NewStore(cfg.InstallDir)
	if err != nil {
		a.close()
		return nil, apperr.Configuration("config.load", "invalid_config", "install_dir", err)
	}

	locator := environment.NewLocator(rt, environment.LocatorOptions{
		MinEngineVersion: cfg.Locator.MinEngineVersion,
		ProbeTimeout:     cfg.Locator.ProbeTimeout,
	}, log)

	provisioner, err := environment.NewProvisioner(environment.ProvisionerOptions{
		InstallDir: cfg.InstallDir,
		Source: environment.SourceSpec{
			URLTemplate:   cfg.Provision.URLTemplate,
			PythonVersion: cfg.Provision.PythonVersion,
			Release:       cfg.Provision.Release,
			SHA256:        cfg.Provision.SHA256,
			Size:          cfg.Provision.Size,
		},
		EnginePackage:  cfg.Provision.EnginePackage,
		EngineVersion:  cfg.Provision.EngineVersion,
		ExtraPackages:  cfg.Provision.ExtraPackages,
		MinFreeBytes:   uint64(cfg.Provision.MinFreeBytes),
		InstallTimeout: cfg.Provision.InstallTimeout,

		ExtrasUnlessOnPath: cfg.Provision.ExtrasUnlessOnPath,
	}, rt, locator, environment.NewDownloader(nil), log)
	if err != nil {
		a.close()
		return nil, apperr.Configuration("config.load", "invalid_config", "", err)
	}

	a.boot = environment.NewBootstrapper(locator, provisioner, store, environment.BootstrapOptions{
		InstallDir:  cfg.InstallDir,
		LockTimeout: cfg.Provision.LockTimeout,
		OnState:     a.observeState,
	}, log)

	a.builder = job.NewBuilder(cfg.OutputDir)

	a.orch = render.New(rt, render.Options{
		Timeout:     cfg.Render.Timeout,
		GracePeriod: cfg.Render.GracePeriod,
		SceneName:   cfg.Render.SceneName,
		Renderer:    cfg.Render.Renderer,
	}, log)

	return a, nil
}

func (a *app) initObservability(ctx context.Context) error {
	shutdown, err := observability.InitTracer(ctx, observability.TracerOptions{
		ServiceName:   serviceName,
		CollectorAddr: a.cfg.OTELEndpoint,
		Logger:        a.logger,
	})
	if err != nil {
		return apperr.Configuration("observability.init", "invalid_config", "otel.endpoint", err)
	}
	a.closers = append(a.closers, shutdown)

	if a.cfg.MetricsAddr != "" {
		handler, shutdown, err := observability.InitMetrics()
		if err != nil {
			return apperr.Configuration("observability.init", "invalid_config", "metrics_addr", err)
		}
		a.closers = append(a.closers, shutdown)

		srv, err := observability.ServeMetrics(a.cfg.MetricsAddr, handler)
		if err != nil {
			return apperr.Configuration("observability.init", "invalid_config", "metrics_addr", err)
		}
		a.logger.Info("serving metrics", "addr", srv.Addr())
		a.closers = append(a.closers, srv.Shutdown)
	}
	return nil
}

func (a *app) observeState(s environment.State) {
	a.mu.Lock()
	a.states = append(a.states, s)
	a.mu.Unlock()
	a.logger.Debug("environment state", "state", string(s))
}

// provisioned reports whether the last EnsureReady went through provisioning.
func (a *app) provisioned() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range a.states {
		if s == environment.StateProvisioning {
			return true
		}
	}
	return false
}

// close flushes telemetry in reverse order of initialization.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("telemetry shutdown", "error", err)
	}
}
