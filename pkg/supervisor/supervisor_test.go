//go:build !windows

package supervisor

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
	"gotest.tools/v3/poll"
)

func TestStartCollectsExit(t *testing.T) {
	s := New()

	var (
		mu   sync.Mutex
		code = -2
	)
	_, err := s.Start("true", "/bin/sh", []string{"-c", "exit 0"}, &bytes.Buffer{}, func(exit int, err error) {
		mu.Lock()
		code = exit
		mu.Unlock()
	})
	assert.NilError(t, err)

	s.Wait()
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, code, 0)
}

func TestStartDuplicateName(t *testing.T) {
	s := New()

	_, err := s.Start("w", "/bin/sh", []string{"-c", "sleep 10"}, &bytes.Buffer{}, nil)
	assert.NilError(t, err)
	defer s.Reap(time.Second)

	_, err = s.Start("w", "/bin/sh", []string{"-c", "true"}, &bytes.Buffer{}, nil)
	assert.ErrorIs(t, err, ErrProcessAlreadyExists)
}

func TestAliveAfterExit(t *testing.T) {
	s := New()

	p, err := s.Start("short", "/bin/sh", []string{"-c", "exit 3"}, &bytes.Buffer{}, nil)
	assert.NilError(t, err)

	assert.NilError(t, p.Wait())
	assert.Check(t, !p.Alive())
	assert.Equal(t, p.ExitCode(), 3)
	// the exited process must be gone from the table so the name is reusable
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if s.Get("short") == nil {
			return poll.Success()
		}
		return poll.Continue("process still registered")
	}, poll.WithTimeout(2*time.Second))
}

func TestTerminateGrace(t *testing.T) {
	s := New()

	// ignores TERM, so Terminate has to escalate to KILL
	p, err := s.Start("stubborn", "/bin/sh", []string{"-c", "trap '' TERM; sleep 30"}, &bytes.Buffer{}, nil)
	assert.NilError(t, err)

	start := time.Now()
	assert.NilError(t, p.Terminate(250*time.Millisecond))
	// the escalated kill waits for the reaper, so the exit is already
	// recorded when Terminate returns
	assert.Check(t, is.Equal(p.Alive(), false))
	assert.NilError(t, p.Wait())
	assert.Check(t, time.Since(start) < 10*time.Second, "terminate took too long")

	// second terminate is a no-op
	assert.NilError(t, p.Terminate(time.Millisecond))
}

func TestTerminateThenStartReusesName(t *testing.T) {
	s := New()

	// a worker stuck enough to need a restart typically ignores TERM too,
	// so every cycle exercises the kill escalation
	argv := []string{"-c", "trap '' TERM; sleep 100"}
	_, err := s.Start("w", "/bin/sh", argv, &bytes.Buffer{}, nil)
	assert.NilError(t, err)
	defer s.Reap(time.Second)

	for i := 0; i < 3; i++ {
		assert.NilError(t, s.Terminate("w", 100*time.Millisecond))
		p, err := s.Start("w", "/bin/sh", argv, &bytes.Buffer{}, nil)
		assert.NilError(t, err)
		assert.Check(t, p.Alive())
		assert.Check(t, is.Equal(s.Get("w"), p))
	}
}

func TestLogSinkReceivesOutput(t *testing.T) {
	s := New()

	var buf bytes.Buffer
	p, err := s.Start("echo", "/bin/sh", []string{"-c", "echo worker-output"}, &buf, nil)
	assert.NilError(t, err)
	assert.NilError(t, p.Wait())
	assert.Check(t, is.Contains(buf.String(), "worker-output"))
}

func TestArgsPreservedForRespawn(t *testing.T) {
	argv := []string{"-c", "exit 0"}
	p := NewProcess("/bin/sh", argv, &bytes.Buffer{})
	assert.DeepEqual(t, p.Args(), argv)
	assert.Equal(t, p.Bin(), "/bin/sh")
}
