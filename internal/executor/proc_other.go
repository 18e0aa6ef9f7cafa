//go:build !unix

package executor

import (
	"errors"
	"os"
	"os/exec"
)

func setProcessGroup(cmd *exec.Cmd) {}

func signalTerm(cmd *exec.Cmd) error {
	return cmd.Process.Signal(os.Interrupt)
}

func signalKill(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}

func isProcessGone(err error) bool {
	return errors.Is(err, os.ErrProcessDone)
}
