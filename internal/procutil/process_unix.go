//go:build !windows

package procutil

import (
	"fmt"
	"os"
	"syscall"
)

// Terminate asks p to shut down with SIGTERM.
func Terminate(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}

// TerminateByPID sends SIGTERM to pid.
func TerminateByPID(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("procutil: invalid pid %d", pid)
	}
	return syscall.Kill(pid, syscall.SIGTERM)
}

// KillByPID sends SIGKILL to pid.
func KillByPID(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("procutil: invalid pid %d", pid)
	}
	return syscall.Kill(pid, syscall.SIGKILL)
}

// IsProcessAlive reports whether pid names a live process, including one
// owned by another user.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, syscall.Signal(0))
	return err == nil || err == syscall.EPERM
}
