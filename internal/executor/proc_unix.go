//go:build unix

package executor

import (
	"errors"
	"os/exec"
	"syscall"
)

// setProcessGroup puts the child in its own group so signals reach its descendants
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func signalTerm(cmd *exec.Cmd) error {
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
}

func signalKill(cmd *exec.Cmd) error {
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}

func isProcessGone(err error) bool {
	return errors.Is(err, syscall.ESRCH)
}
