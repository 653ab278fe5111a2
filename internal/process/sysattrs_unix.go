//go:build !windows

package process

import (
	"os"
	"os/exec"
	"syscall"
)

const (
	exeSuffix = ""
	shellPath = "/bin/sh"
	shellFlag = "-c"
)

// configureSysProcAttr places the sidecar in its own process group so that
// terminate reaches any children it forks.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func isExecutable(path string) bool {
	fi, err := os.Stat(path)
	if err != nil || fi.IsDir() {
		return false
	}
	return fi.Mode()&0o111 != 0
}
