// Package main is the entry point for the quickanim CLI.
// The CLI renders SVG logos into MP4 animations and manages the runtime
// that hosts the rendering engine.
package main

import (
	"os"

	"quickanim/cmd/cli/cmd"
	"quickanim/internal/apperr"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(apperr.ExitCode(err))
	}
}
