//go:build !windows

// Package process provides a set of basic functions to manage individual
// processes.
package process

import (
	"golang.org/x/sys/unix"
)

// Alive returns true if process with a given pid is running. It only considers
// positive PIDs; 0 (all processes in the current process group), -1 (all processes
// with a PID larger than 1), and negative (-n, all processes in process group
// "n") values for pid are never considered to be alive.
func Alive(pid int) bool {
	if pid < 1 {
		return false
	}
	// no signal is sent, but error checking is still performed
	err := unix.Kill(pid, 0)
	switch err {
	case unix.ESRCH:
		return false
	case unix.EPERM:
		// the process exists but we lack permission to signal it
		return true
	}
	return err == nil
}

// Kill force-stops a process.
func Kill(pid int) error {
	if pid < 1 {
		return unix.EINVAL
	}
	err := unix.Kill(pid, unix.SIGKILL)
	if err != nil && err != unix.ESRCH {
		return err
	}
	return nil
}
