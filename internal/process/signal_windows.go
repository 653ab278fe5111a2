//go:build windows

package process

import "os/exec"

// terminate has no graceful equivalent for console-less children on Windows;
// the process is killed outright.
func terminate(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}

func kill(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}
