// Package environment detects, provisions and validates the isolated
// Python runtime that hosts the rendering engine.
//
// The Locator validates an interpreter without side effects, the
// Provisioner builds a fresh interpreter under the install root, and the
// Bootstrapper decides between them, persists the result and serializes
// provisioning across processes with a lock file in the install root.
package environment

import (
	"path/filepath"
	goruntime "runtime"
	"time"
)

// Source records how an Environment came to be.
type Source string

const (
	SourceProvisioned Source = "provisioned"
	SourceOverride    Source = "override"
)

// Environment is a validated runtime capable of hosting the engine.
// It is read-only once returned by the Locator.
type Environment struct {
	// Root is the environment's installation directory.
	Root string
	// Executable is the interpreter used to launch the engine.
	Executable     string
	EngineVersion  string
	RuntimeVersion string
	Source         Source
	Validated      bool
	ValidatedAt    time.Time
}

// Ready reports whether jobs may run against the environment.
func (e *Environment) Ready() bool {
	return e != nil && e.Validated && e.Executable != ""
}

// rootForExecutable guesses the installation root from an interpreter path
// (<root>/bin/python3 or <root>/python.exe, <venv>/Scripts/python.exe).
func rootForExecutable(exe string) string {
	dir := filepath.Dir(exe)
	switch filepath.Base(dir) {
	case "bin", "Scripts":
		return filepath.Dir(dir)
	default:
		return dir
	}
}

// interpreterPath returns the interpreter location inside a provisioned
// python-build-standalone tree.
func interpreterPath(root string) string {
	if goruntime.GOOS == "windows" {
		return filepath.Join(root, "python.exe")
	}
	return filepath.Join(root, "bin", "python3")
}
