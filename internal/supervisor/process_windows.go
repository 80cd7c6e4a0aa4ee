//go:build windows

package supervisor

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// configureProcAttr gives the process its own console process group.
func configureProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

// signalGroup terminates the process. Windows has no SIGTERM, so graceful
// and forced termination are the same.
func signalGroup(proc *os.Process, graceful bool) error {
	if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func exitCode(ps *os.ProcessState) int {
	return ps.ExitCode()
}
