// Package supervisor spawns and tracks the orchestrator's worker processes.
// It is oblivious to workload semantics; it owns no state beyond the native
// process handles.
package supervisor

import (
	"errors"
	"io"
	"sync"
	"time"
)

// ErrProcessAlreadyExists is returned when starting a process under a name
// that is already supervised.
var ErrProcessAlreadyExists = errors.New("process already exists for given name")

// ExitCallback is called with the exit code and any error encountered by the
// run. The process has already been removed from the supervisor when the
// callback fires.
type ExitCallback func(exitCode int, err error)

// Supervisor tracks named child processes.
type Supervisor struct {
	mu    sync.Mutex
	group sync.WaitGroup

	processes map[string]*Process
}

// New creates a new process supervisor.
func New() *Supervisor {
	return &Supervisor{
		processes: map[string]*Process{},
	}
}

// Start spawns a new process under supervision.
//
// name must be unique among running processes; a name whose previous process
// has exited may be reused immediately, even before the exit callback fires.
// Stdout and stderr of the child are attached to logSink before the child
// starts.
func (s *Supervisor) Start(name, bin string, args []string, logSink io.Writer, callback ExitCallback) (*Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, exists := s.processes[name]; exists {
		if old.Alive() {
			return nil, ErrProcessAlreadyExists
		}
		// exited but not yet pruned by its reaper goroutine; the reaper's
		// guarded delete skips the replaced entry
		delete(s.processes, name)
	}
	process := NewProcess(bin, args, logSink)

	if err := process.Start(); err != nil {
		return nil, err
	}

	s.processes[name] = process
	s.group.Add(1)
	go func() {
		err := process.Wait()
		exit := process.ExitCode()
		s.mu.Lock()
		if s.processes[name] == process {
			delete(s.processes, name)
		}
		s.mu.Unlock()
		if callback != nil {
			callback(exit, err)
		}
		s.group.Done()
	}()
	return process, nil
}

// Get returns the supervised process registered under name, or nil.
func (s *Supervisor) Get(name string) *Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processes[name]
}

// Alive reports whether a process with the given name is currently running.
func (s *Supervisor) Alive(name string) bool {
	p := s.Get(name)
	return p != nil && p.Alive()
}

// Terminate stops the named process, waiting up to grace before killing it.
// Unknown names are a no-op.
func (s *Supervisor) Terminate(name string, grace time.Duration) error {
	p := s.Get(name)
	if p == nil {
		return nil
	}
	return p.Terminate(grace)
}

// Wait blocks until every supervised process has exited.
func (s *Supervisor) Wait() {
	s.group.Wait()
}

// Reap terminates all supervised processes and waits for them to exit, up to
// the given timeout per shutdown round.
func (s *Supervisor) Reap(grace time.Duration) error {
	s.mu.Lock()
	procs := make([]*Process, 0, len(s.processes))
	for _, p := range s.processes {
		procs = append(procs, p)
	}
	s.mu.Unlock()

	var err error
	for _, p := range procs {
		if terr := p.Terminate(grace); err == nil {
			err = terr
		}
	}

	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-done:
	case <-t.C:
		for _, p := range procs {
			if kerr := p.kill(); err == nil {
				err = kerr
			}
		}
	}
	return err
}
