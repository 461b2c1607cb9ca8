//go:build windows

package supervisor

// terminate falls back to Kill; there is no SIGTERM equivalent for console
// processes we do not own a console handle for.
func (p *Process) terminate() error {
	return p.cmd.Process.Kill()
}
