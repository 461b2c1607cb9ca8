//go:build !windows

package supervisor

import "syscall"

// terminate sends SIGTERM so the worker can flush logs and release the GPU
// before exiting.
func (p *Process) terminate() error {
	return p.cmd.Process.Signal(syscall.SIGTERM)
}
