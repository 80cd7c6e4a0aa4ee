//go:build !windows

package supervisor

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// configureProcAttr starts the process as leader of its own process group so
// that helpers it spawns are signalled together with it.
func configureProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup sends SIGTERM (graceful) or SIGKILL to the process group led
// by proc, falling back to the process alone. A group that is already gone
// is not an error.
func signalGroup(proc *os.Process, graceful bool) error {
	sig := syscall.SIGKILL
	if graceful {
		sig = syscall.SIGTERM
	}
	err := syscall.Kill(-proc.Pid, sig)
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	if err2 := proc.Signal(sig); err2 != nil && !errors.Is(err2, os.ErrProcessDone) {
		return errors.Join(err, err2)
	}
	return nil
}

// exitCode maps a finished process to a shell-style exit code: death by
// signal N is reported as 128+N.
func exitCode(ps *os.ProcessState) int {
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return ps.ExitCode()
}
