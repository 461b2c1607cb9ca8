package process

import (
	"os"
)

// Alive returns true if process with a given pid is running.
func Alive(pid int) bool {
	if pid < 1 {
		return false
	}
	_, err := os.FindProcess(pid)
	return err == nil
}

// Kill force-stops a process.
func Kill(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}
