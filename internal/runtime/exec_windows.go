//go:build windows

package runtime

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/windows"
)

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: windows.CREATE_NEW_PROCESS_GROUP | windows.CREATE_NO_WINDOW,
	}
}

func signalGroup(cmd *exec.Cmd, sig os.Signal) error {
	if sig == os.Kill {
		return cmd.Process.Kill()
	}
	return windows.GenerateConsoleCtrlEvent(windows.CTRL_BREAK_EVENT, uint32(cmd.Process.Pid))
}

func terminateGroup(cmd *exec.Cmd) error {
	return signalGroup(cmd, os.Interrupt)
}

// killGroup terminates the process; Windows has no process-group kill
// without job objects, so children of the engine may outlive it.
func killGroup(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}

func signalName(*os.ProcessState) string {
	return ""
}
