//go:build !windows

package environment

import (
	"os"

	"golang.org/x/sys/unix"
)

func checkExecutable(path string, _ os.FileInfo) error {
	return unix.Access(path, unix.X_OK)
}
