//go:build windows

package environment

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func checkExecutable(path string, _ os.FileInfo) error {
	ext := strings.ToUpper(filepath.Ext(path))
	pathext := os.Getenv("PATHEXT")
	if pathext == "" {
		pathext = ".COM;.EXE;.BAT;.CMD"
	}
	for _, e := range strings.Split(pathext, ";") {
		if strings.EqualFold(strings.TrimSpace(e), ext) {
			return nil
		}
	}
	return fmt.Errorf("extension %q is not in PATHEXT", ext)
}
