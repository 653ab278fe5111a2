//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// terminate asks the sidecar's process group to exit.
func terminate(cmd *exec.Cmd) error {
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
}

// kill forcibly stops the sidecar's process group.
func kill(cmd *exec.Cmd) error {
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}
