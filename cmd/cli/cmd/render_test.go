//go:build !windows

package cmd

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"quickanim/internal/apperr"
	"quickanim/internal/environment"
	"quickanim/pkg/api"
)

// stubEngine answers the runtime probe and fakes "python -m manim render"
// by writing a few progress lines and the file named by -o.
const stubEngine = `#!/bin/sh
if [ "$1" = "-c" ]; then
  echo "QUICKANIM_ENGINE 0.18.1"
  echo "QUICKANIM_PYTHON 3.11.9"
  exit 0
fi
out=""
while [ $# -gt 0 ]; do
  if [ "$1" = "-o" ]; then out="$2"; fi
  shift
done
printf 'Animation 0: Write(SVGMobject):   0%%|\r' >&2
printf 'Animation 0: Write(SVGMobject):  50%%|\r' >&2
printf 'Animation 0: Write(SVGMobject): 100%%|\n' >&2
printf 'fake-mp4' > "$out"
echo "File ready at $out"
`

const stubEngineFails = `#!/bin/sh
if [ "$1" = "-c" ]; then
  echo "QUICKANIM_ENGINE 0.18.1"
  echo "QUICKANIM_PYTHON 3.11.9"
  exit 0
fi
echo "Traceback (most recent call last):" >&2
echo "ValueError: could not parse SVG" >&2
exit 1
`

const stubEngineMissing = `#!/bin/sh
echo "QUICKANIM_MISSING No module named 'manim'"
exit 3
`

func writeEngine(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "venv", "bin", "python3")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func writeSVG(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(`<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 10 10"><circle cx="5" cy="5" r="4"/></svg>`), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRender_WithOverride(t *testing.T) {
	install := isolate(t)
	python := writeEngine(t, stubEngine)
	svg := writeSVG(t, "logo.svg")
	out := filepath.Join(t.TempDir(), "intro")

	stdout, stderr, err := executeCLI(t, svg, "--python", python, "-r", "4K", "-f", "60", "-o", out)
	if err != nil {
		t.Fatalf("unexpected error: %v\nstderr: %s", err, stderr)
	}

	want := out + ".mp4"
	if strings.TrimSpace(stdout) != want {
		t.Errorf("stdout = %q, want %q", stdout, want)
	}
	if data, err := os.ReadFile(want); err != nil || string(data) != "fake-mp4" {
		t.Errorf("artifact = %q, %v", data, err)
	}
	if !strings.Contains(stderr, "animation 0: 100%") {
		t.Errorf("expected progress on stderr, got: %s", stderr)
	}

	store, _ := environment.NewStore(install)
	rec, err := store.Load()
	if err != nil {
		t.Fatalf("override should be persisted: %v", err)
	}
	if rec.Source != environment.SourceOverride || rec.Executable != python {
		t.Errorf("record = %+v, want pinned override %s", rec, python)
	}
}

func TestRender_DefaultOutputInOutputDir(t *testing.T) {
	isolate(t)
	python := writeEngine(t, stubEngine)
	svg := writeSVG(t, "brand.svg")
	outDir := t.TempDir()

	stdout, _, err := executeCLI(t, "render", svg, "--python", python, "--output-dir", outDir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := filepath.Join(outDir, "brand_animation.mp4")
	if strings.TrimSpace(stdout) != want {
		t.Errorf("stdout = %q, want %q", stdout, want)
	}
}

func TestRender_JSON(t *testing.T) {
	isolate(t)
	python := writeEngine(t, stubEngine)
	svg := writeSVG(t, "logo.svg")
	out := filepath.Join(t.TempDir(), "logo.mp4")

	stdout, stderr, err := executeCLI(t, svg, "--python", python, "-o", out, "--json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var res api.RenderResult
	if err := json.Unmarshal([]byte(stdout), &res); err != nil {
		t.Fatalf("stdout is not a result document: %v\n%s", err, stdout)
	}
	if res.State != "succeeded" || res.OutputPath != out || res.Resolution != "1080p" || res.FrameRate != 30 {
		t.Errorf("unexpected result: %+v", res)
	}
	if res.JobID == "" || res.Error != nil {
		t.Errorf("unexpected result: %+v", res)
	}

	var percents []int
	sc := bufio.NewScanner(strings.NewReader(stderr))
	for sc.Scan() {
		var ev api.ProgressEvent
		if json.Unmarshal(sc.Bytes(), &ev) != nil || ev.JobID == "" {
			continue
		}
		if ev.JobID != res.JobID {
			t.Errorf("event job id %q, want %q", ev.JobID, res.JobID)
		}
		if ev.Percent != nil {
			percents = append(percents, *ev.Percent)
		}
	}
	if len(percents) != 3 || percents[0] != 0 || percents[2] != 100 {
		t.Errorf("progress percents = %v, want [0 50 100]", percents)
	}
}

func TestRender_EngineFailure(t *testing.T) {
	isolate(t)
	python := writeEngine(t, stubEngineFails)
	svg := writeSVG(t, "logo.svg")

	stdout, _, err := executeCLI(t, svg, "--python", python, "-o", filepath.Join(t.TempDir(), "x.mp4"))
	if got := apperr.ExitCode(err); got != 1 {
		t.Fatalf("exit code = %d, want 1 (err=%v)", got, err)
	}
	if stdout != "" {
		t.Errorf("stdout should be empty on failure, got %q", stdout)
	}

	var ae *apperr.Error
	if !errors.As(err, &ae) || !strings.Contains(ae.Diagnostic, "could not parse SVG") {
		t.Errorf("diagnostic should carry the engine's stderr, got %v", err)
	}
}

func TestRender_InvalidOverride(t *testing.T) {
	install := isolate(t)
	python := writeEngine(t, stubEngineMissing)
	svg := writeSVG(t, "logo.svg")

	_, _, err := executeCLI(t, svg, "--python", python)
	if got := apperr.ExitCode(err); got != 2 {
		t.Fatalf("exit code = %d, want 2 (err=%v)", got, err)
	}
	if apperr.ReasonOf(err) != string(environment.ReasonLibraryMissing) {
		t.Errorf("reason = %q, want %s", apperr.ReasonOf(err), environment.ReasonLibraryMissing)
	}
	if _, err := os.Stat(filepath.Join(install, "envs")); !os.IsNotExist(err) {
		t.Error("a rejected override must not trigger provisioning")
	}
}

func TestSetup_WithOverrideThenStatus(t *testing.T) {
	isolate(t)
	python := writeEngine(t, stubEngine)

	stdout, _, err := executeCLI(t, "setup", "--python", python, "--json")
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	var setup api.SetupResult
	if err := json.Unmarshal([]byte(stdout), &setup); err != nil {
		t.Fatalf("bad setup output: %v\n%s", err, stdout)
	}
	if !setup.Valid || setup.Provisioned || setup.Source != "override" || setup.EngineVersion != "0.18.1" {
		t.Errorf("unexpected setup result: %+v", setup)
	}

	// The pinned interpreter is used without --python from now on.
	resetCLI()
	stdout, _, err = executeCLI(t, "status", "--json")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	var status api.EnvironmentStatus
	if err := json.Unmarshal([]byte(stdout), &status); err != nil {
		t.Fatalf("bad status output: %v\n%s", err, stdout)
	}
	if !status.Present || !status.Valid || status.Executable != python || status.ValidatedAt == nil {
		t.Errorf("unexpected status: %+v", status)
	}
}

func TestStatus_StaleRecord(t *testing.T) {
	isolate(t)
	python := writeEngine(t, stubEngine)

	if _, _, err := executeCLI(t, "setup", "--python", python); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	if err := os.Remove(python); err != nil {
		t.Fatal(err)
	}

	resetCLI()
	stdout, _, err := executeCLI(t, "status")
	if got := apperr.ExitCode(err); got != 2 {
		t.Fatalf("exit code = %d, want 2 (err=%v)", got, err)
	}
	if !strings.Contains(stdout, "Status:      invalid") || !strings.Contains(stdout, python) {
		t.Errorf("unexpected status output:\n%s", stdout)
	}
}

func TestSetup_ForceRevalidates(t *testing.T) {
	install := isolate(t)
	python := writeEngine(t, stubEngine)

	if _, _, err := executeCLI(t, "setup", "--python", python); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	store, _ := environment.NewStore(install)
	if err := os.WriteFile(store.Path(), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	resetCLI()
	stdout, _, err := executeCLI(t, "setup", "--python", python, "--force")
	if err != nil {
		t.Fatalf("forced setup failed: %v", err)
	}
	rec, err := store.Load()
	if err != nil || rec.Executable != python {
		t.Errorf("record after --force = %+v, %v", rec, err)
	}
	if !strings.Contains(stdout, "Status:      ready") {
		t.Errorf("unexpected setup output:\n%s", stdout)
	}
}
