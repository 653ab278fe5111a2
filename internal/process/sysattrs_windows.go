//go:build windows

package process

import (
	"os"
	"os/exec"
	"syscall"
)

const (
	exeSuffix = ".exe"
	shellPath = "cmd.exe"
	shellFlag = "/C"

	createNewProcessGroup = 0x00000200
	createNoWindow        = 0x08000000
)

// configureSysProcAttr keeps the sidecar from opening a console window and
// gives it its own process group.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: createNewProcessGroup | createNoWindow,
		HideWindow:    true,
	}
}

func isExecutable(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}
