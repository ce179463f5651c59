package environment

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"quickanim/internal/apperr"
)

type bootstrapFixture struct {
	dir    string
	loc    *fakeLocator
	prov   *fakeProvisioner
	store  *Store
	boot   *Bootstrapper
	mu     sync.Mutex
	states []State
}

func newBootstrapFixture(t *testing.T) *bootstrapFixture {
	t.Helper()
	dir := t.TempDir()
	f := &bootstrapFixture{dir: dir, loc: newFakeLocator()}
	f.prov = &fakeProvisioner{locator: f.loc, exe: filepath.Join(dir, "envs", "cpython-3.11.9-x", "bin", "python3")}
	store, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	f.store = store
	f.boot = NewBootstrapper(f.loc, f.prov, store, BootstrapOptions{
		InstallDir:  dir,
		LockTimeout: 5 * time.Second,
		OnState:     f.observe,
	}, nil)
	return f
}

func (f *bootstrapFixture) observe(s State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, s)
}

func (f *bootstrapFixture) takeStates() []State {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.states
	f.states = nil
	return out
}

func TestEnsureReady_ProvisionsOnFirstRun(t *testing.T) {
	f := newBootstrapFixture(t)

	var progress []Progress
	env, err := f.boot.EnsureReady(context.Background(), "", func(p Progress) { progress = append(progress, p) })
	if err != nil {
		t.Fatalf("EnsureReady failed: %v", err)
	}

	if env.Executable != f.prov.exe || env.Source != SourceProvisioned {
		t.Errorf("unexpected environment %+v", env)
	}
	if len(progress) == 0 {
		t.Error("expected provisioning progress to reach the caller")
	}
	want := []State{StateLocating, StateProvisioning, StateReady}
	if diff := cmp.Diff(want, f.takeStates()); diff != "" {
		t.Errorf("states mismatch (-want +got):\n%s", diff)
	}

	rec, err := f.store.Load()
	if err != nil {
		t.Fatalf("expected a persisted record: %v", err)
	}
	if rec.Executable != f.prov.exe || rec.Source != SourceProvisioned {
		t.Errorf("unexpected record %+v", rec)
	}
}

func TestEnsureReady_Idempotent(t *testing.T) {
	f := newBootstrapFixture(t)

	first, err := f.boot.EnsureReady(context.Background(), "", nil)
	if err != nil {
		t.Fatalf("first EnsureReady failed: %v", err)
	}
	f.takeStates()

	second, err := f.boot.EnsureReady(context.Background(), "", nil)
	if err != nil {
		t.Fatalf("second EnsureReady failed: %v", err)
	}

	if f.prov.count() != 1 {
		t.Errorf("provisioned %d times, want 1", f.prov.count())
	}
	if first.Executable != second.Executable {
		t.Errorf("executable changed: %q -> %q", first.Executable, second.Executable)
	}
	want := []State{StateLocating, StateValid, StateReady}
	if diff := cmp.Diff(want, f.takeStates()); diff != "" {
		t.Errorf("states mismatch (-want +got):\n%s", diff)
	}
}

func TestEnsureReady_ConcurrentCallersProvisionOnce(t *testing.T) {
	f := newBootstrapFixture(t)
	f.prov.block = make(chan struct{})

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.boot.EnsureReady(context.Background(), "", nil)
			errs <- err
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(f.prov.block)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("EnsureReady failed: %v", err)
		}
	}
	if f.prov.count() != 1 {
		t.Errorf("provisioned %d times, want 1", f.prov.count())
	}
}

func TestEnsureReady_StaleRecordReprovisions(t *testing.T) {
	f := newBootstrapFixture(t)
	if err := f.store.Save(Record{Executable: "/gone/bin/python3", Source: SourceProvisioned}); err != nil {
		t.Fatal(err)
	}

	env, err := f.boot.EnsureReady(context.Background(), "", nil)
	if err != nil {
		t.Fatalf("EnsureReady failed: %v", err)
	}
	if env.Executable != f.prov.exe {
		t.Errorf("expected fresh environment, got %q", env.Executable)
	}
	if f.prov.count() != 1 {
		t.Errorf("provisioned %d times, want 1", f.prov.count())
	}
}

func TestEnsureReady_InvalidOverrideIsConfigurationError(t *testing.T) {
	f := newBootstrapFixture(t)

	_, err := f.boot.EnsureReady(context.Background(), "/opt/python/bin/python3", nil)

	if !errors.Is(err, apperr.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if apperr.ReasonOf(err) != string(ReasonNotExecutable) {
		t.Errorf("reason = %q", apperr.ReasonOf(err))
	}
	if f.prov.count() != 0 {
		t.Error("an invalid override must never trigger provisioning")
	}
	want := []State{StateLocating, StateFailed}
	if diff := cmp.Diff(want, f.takeStates()); diff != "" {
		t.Errorf("states mismatch (-want +got):\n%s", diff)
	}
	if _, err := f.store.Load(); !errors.Is(err, ErrNoRecord) {
		t.Errorf("a rejected override must not be persisted, got %v", err)
	}
}

func TestEnsureReady_ValidOverrideIsPinned(t *testing.T) {
	f := newBootstrapFixture(t)
	override := "/opt/python/bin/python3"
	f.loc.add(override, "0.18.0")

	env, err := f.boot.EnsureReady(context.Background(), override, nil)
	if err != nil {
		t.Fatalf("EnsureReady failed: %v", err)
	}
	if env.Source != SourceOverride || env.Executable != override {
		t.Errorf("unexpected environment %+v", env)
	}
	if f.prov.count() != 0 {
		t.Error("override must not provision")
	}

	// Later runs without the flag keep using the pinned override.
	env, err = f.boot.EnsureReady(context.Background(), "", nil)
	if err != nil {
		t.Fatalf("EnsureReady failed: %v", err)
	}
	if env.Source != SourceOverride || env.Executable != override {
		t.Errorf("expected pinned override, got %+v", env)
	}
	if f.prov.count() != 0 {
		t.Error("pinned override must not be replaced")
	}
}

func TestEnsureReady_ProvisioningFailure(t *testing.T) {
	f := newBootstrapFixture(t)
	f.prov.err = provisionErr(StageDownload, FailNetworkUnreachable, errors.New("dial tcp: no route to host"))

	_, err := f.boot.EnsureReady(context.Background(), "", nil)

	if apperr.ReasonOf(err) != string(FailNetworkUnreachable) {
		t.Fatalf("expected network_unreachable, got %v", err)
	}
	want := []State{StateLocating, StateProvisioning, StateFailed}
	if diff := cmp.Diff(want, f.takeStates()); diff != "" {
		t.Errorf("states mismatch (-want +got):\n%s", diff)
	}

	// Failed is retryable.
	f.prov.err = nil
	if _, err := f.boot.EnsureReady(context.Background(), "", nil); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
}

func TestEnsureReady_CancelledWhileWaitingForLock(t *testing.T) {
	f := newBootstrapFixture(t)
	held, err := acquireInstallLock(context.Background(), f.dir, time.Second)
	if err != nil {
		t.Fatalf("acquire lock: %v", err)
	}
	defer held.release()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err = f.boot.EnsureReady(ctx, "", nil)

	if !errors.Is(err, apperr.ErrCancelled) {
		t.Fatalf("expected cancelled error, got %v", err)
	}
	if f.prov.count() != 0 {
		t.Error("must not provision without the install lock")
	}
}

func TestEnsureReady_LockTimeout(t *testing.T) {
	f := newBootstrapFixture(t)
	f.boot.opts.LockTimeout = 200 * time.Millisecond
	held, err := acquireInstallLock(context.Background(), f.dir, time.Second)
	if err != nil {
		t.Fatalf("acquire lock: %v", err)
	}
	defer held.release()

	_, err = f.boot.EnsureReady(context.Background(), "", nil)

	if apperr.ReasonOf(err) != string(FailLockUnavailable) {
		t.Fatalf("expected lock_unavailable, got %v", err)
	}
}

func TestInspectAndReset(t *testing.T) {
	f := newBootstrapFixture(t)
	if _, err := f.boot.EnsureReady(context.Background(), "", nil); err != nil {
		t.Fatal(err)
	}

	rec, env, err := f.boot.Inspect(context.Background())
	if err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}
	if rec.Executable != env.Executable || !env.Ready() {
		t.Errorf("unexpected inspect result %+v %+v", rec, env)
	}

	if err := f.boot.Reset(context.Background()); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if _, _, err := f.boot.Inspect(context.Background()); !errors.Is(err, ErrNoRecord) {
		t.Errorf("expected ErrNoRecord after Reset, got %v", err)
	}
}

func TestInspect_KeepsRecordedProvenance(t *testing.T) {
	f := newBootstrapFixture(t)
	exe := filepath.Join(f.dir, "custom", "bin", "python3")
	f.loc.add(exe, "0.18.1")
	if err := f.store.Save(Record{
		Root:           filepath.Join(f.dir, "custom-root"),
		Executable:     exe,
		EngineVersion:  "0.17.0",
		RuntimeVersion: "3.10.0",
		Source:         SourceOverride,
	}); err != nil {
		t.Fatal(err)
	}

	_, env, err := f.boot.Inspect(context.Background())
	if err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}

	want := &Environment{
		Root:           filepath.Join(f.dir, "custom-root"),
		Executable:     exe,
		EngineVersion:  "0.18.1",
		RuntimeVersion: "3.11.9",
		Source:         SourceOverride,
		Validated:      true,
	}
	if diff := cmp.Diff(want, env); diff != "" {
		t.Errorf("Inspect environment mismatch (-want +got):\n%s", diff)
	}
}

func TestMachine_RejectsInvalidTransitions(t *testing.T) {
	m := newMachine(nil)
	if err := m.to(StateReady); err == nil {
		t.Error("expected Uninitialized -> Ready to be rejected")
	}
	if err := m.to(StateLocating); err != nil {
		t.Fatal(err)
	}
	if err := m.to(StateValid); err != nil {
		t.Fatal(err)
	}
	if err := m.to(StateProvisioning); err == nil {
		t.Error("expected Valid -> Provisioning to be rejected")
	}
	if err := m.to(StateReady); err != nil {
		t.Fatal(err)
	}
	if err := m.to(StateFailed); err == nil {
		t.Error("terminal states must not transition")
	}
}
