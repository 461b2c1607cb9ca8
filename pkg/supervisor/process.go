package supervisor

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// Process wraps a single supervised child process. Stdout and stderr are
// redirected to the caller supplied sink before the child starts so worker
// output never mixes with orchestrator logs.
type Process struct {
	mu      sync.Mutex
	cmd     *exec.Cmd
	bin     string
	args    []string
	stopped bool
	waitErr error
	done    chan struct{}
}

// NewProcess prepares a process for the given executable and argv. It does
// not start the child; call Start.
func NewProcess(bin string, args []string, logSink io.Writer) *Process {
	cmd := exec.Command(bin, args...)
	cmd.Stdout = logSink
	cmd.Stderr = logSink

	return &Process{
		cmd:  cmd,
		bin:  bin,
		args: args,
		done: make(chan struct{}),
	}
}

// Start launches the child. The wait status is collected by a background
// reaper so Alive never reports a zombie as running.
func (p *Process) Start() error {
	if err := p.cmd.Start(); err != nil {
		return err
	}
	go func() {
		err := p.cmd.Wait()
		p.mu.Lock()
		p.waitErr = err
		p.stopped = true
		p.mu.Unlock()
		close(p.done)
	}()
	return nil
}

// Pid returns the OS process id, or 0 if the child never started.
func (p *Process) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Bin returns the executable the process was started with.
func (p *Process) Bin() string { return p.bin }

// Args returns the original argv (excluding the executable). Respawns after
// a crash must reuse these unchanged.
func (p *Process) Args() []string { return p.args }

// Alive reports whether the child is still running.
func (p *Process) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cmd.Process != nil && !p.stopped
}

// Wait blocks until the child exits. Exit with a non-zero status is not an
// error; the caller inspects ExitCode.
func (p *Process) Wait() error {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.waitErr.(*exec.ExitError); ok {
		return nil
	}
	return p.waitErr
}

// ExitCode returns the exit code of the child, or -1 while it is running.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.stopped {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}

// Terminate asks the child to exit politely and kills it after the grace
// window. When it escalates to a kill it does not return until the wait
// status has been collected, so the caller can respawn under the same name
// right away. It is idempotent; terminating an exited process is a no-op.
func (p *Process) Terminate(grace time.Duration) error {
	p.mu.Lock()
	if p.stopped || p.cmd.Process == nil {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if err := p.terminate(); err != nil {
		return p.kill()
	}

	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-p.done:
		return nil
	case <-t.C:
		return p.kill()
	}
}

// kill force-stops the child and waits for the reaper to collect its wait
// status. The mutex is released before the wait so the reaper can record the
// exit.
func (p *Process) kill() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	err := p.cmd.Process.Kill()
	p.mu.Unlock()
	if err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	<-p.done
	return nil
}
