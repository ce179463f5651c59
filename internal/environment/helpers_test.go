package environment

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/klauspost/compress/gzip"
)

// Stub interpreters answer the locator probe and pip installs without a
// real Python.
const (
	stubPythonOK = `#!/bin/sh
case "$1" in
  -c) echo "QUICKANIM_ENGINE 0.18.1"; echo "QUICKANIM_PYTHON 3.11.9"; exit 0 ;;
  -m) echo "Collecting manim"; echo "Successfully installed manim-0.18.1"; exit 0 ;;
esac
exit 1
`
	stubPythonMissing = `#!/bin/sh
echo "QUICKANIM_MISSING No module named 'manim'"
exit 3
`
	stubPythonOld = `#!/bin/sh
echo "QUICKANIM_ENGINE 0.16.0"
echo "QUICKANIM_PYTHON 3.9.1"
`
	stubPythonSlow = `#!/bin/sh
sleep 10
`
	stubPipFails = `#!/bin/sh
case "$1" in
  -c) echo "QUICKANIM_ENGINE 0.18.1"; echo "QUICKANIM_PYTHON 3.11.9"; exit 0 ;;
  -m) echo "ERROR: No matching distribution found for manim==0.18.1" >&2; exit 1 ;;
esac
exit 1
`
	stubProbeFails = `#!/bin/sh
case "$1" in
  -m) exit 0 ;;
esac
echo "QUICKANIM_MISSING No module named 'manim'"
exit 3
`
)

// writeStub creates an executable script at <dir>/bin/python3.
func writeStub(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "bin", "python3")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}
	return path
}

type tarEntry struct {
	name     string
	body     string
	mode     int64
	typeflag byte
	linkname string
}

// buildTarGz returns a gzip-compressed tar archive of entries.
func buildTarGz(t *testing.T, entries []tarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		hdr := &tar.Header{
			Name:     e.name,
			Mode:     e.mode,
			Size:     int64(len(e.body)),
			Typeflag: e.typeflag,
			Linkname: e.linkname,
		}
		if hdr.Typeflag == 0 {
			hdr.Typeflag = tar.TypeReg
		}
		if hdr.Typeflag != tar.TypeReg {
			hdr.Size = 0
		}
		if hdr.Mode == 0 {
			hdr.Mode = 0o644
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write header: %v", err)
		}
		if hdr.Typeflag == tar.TypeReg {
			if _, err := tw.Write([]byte(e.body)); err != nil {
				t.Fatalf("write body: %v", err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
	return buf.Bytes()
}

// runtimeArchive is a python-build-standalone shaped archive holding a
// stub interpreter.
func runtimeArchive(t *testing.T, stub string) []byte {
	return buildTarGz(t, []tarEntry{
		{name: "python/", typeflag: tar.TypeDir, mode: 0o755},
		{name: "python/bin/", typeflag: tar.TypeDir, mode: 0o755},
		{name: "python/bin/python3", body: stub, mode: 0o755},
		{name: "python/lib/README", body: "stub runtime\n"},
	})
}

// fakeLocator validates paths registered as valid.
type fakeLocator struct {
	mu    sync.Mutex
	valid map[string]string
	calls int
}

func newFakeLocator() *fakeLocator {
	return &fakeLocator{valid: map[string]string{}}
}

func (f *fakeLocator) add(path, engineVersion string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.valid[path] = engineVersion
}

func (f *fakeLocator) Locate(ctx context.Context, path string) (*Environment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if path == "" {
		return nil, ErrNoOverride
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, ok := f.valid[path]
	if !ok {
		return nil, &InvalidError{Path: path, Reason: ReasonNotExecutable}
	}
	return &Environment{
		Root:           rootForExecutable(path),
		Executable:     path,
		EngineVersion:  v,
		RuntimeVersion: "3.11.9",
		Validated:      true,
	}, nil
}

// fakeProvisioner registers a new interpreter with its locator.
type fakeProvisioner struct {
	mu      sync.Mutex
	locator *fakeLocator
	exe     string
	err     error
	calls   int
	block   chan struct{}
}

func (f *fakeProvisioner) Provision(ctx context.Context, report ProgressFunc) (*Environment, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	if report != nil {
		report(Progress{Stage: StageInstall, Percent: -1, Message: "installing"})
	}
	f.locator.add(f.exe, "0.18.1")
	env, err := f.locator.Locate(ctx, f.exe)
	if err != nil {
		return nil, err
	}
	env.Source = SourceProvisioned
	return env, nil
}

func (f *fakeProvisioner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
