//go:build !windows

package dmxshell

import "syscall"

// processAlive returns nil when pid exists.
func processAlive(pid int) error { return syscall.Kill(pid, 0) }
