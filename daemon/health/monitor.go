// Package health watches the worker processes, restarts them when they die
// or stop answering their health route, and replays the captured model-load
// state after a successful restart.
package health

import (
	"context"
	"io"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/containerd/log"
	"github.com/moby/locker"

	"github.com/mystilabs/mysti/api/types"
	"github.com/mystilabs/mysti/daemon/worker"
	"github.com/mystilabs/mysti/pkg/broadcaster"
	"github.com/mystilabs/mysti/pkg/supervisor"
)

// State of one watched worker.
type State string

const (
	StateUp           State = "up"
	StateUnresponsive State = "unresponsive"
	StateRestarting   State = "restarting"
	StateRecovering   State = "recovering"
	StateDegraded     State = "degraded"
)

const (
	tickInterval = 2 * time.Second
	// probeFailureLimit consecutive failed probes mark a live process
	// unresponsive.
	probeFailureLimit = 3

	defaultRecoverWait  = 30 * time.Second
	defaultPollInterval = 1 * time.Second
	defaultGrace        = 10 * time.Second
)

// Prober is the worker control surface the monitor needs.
type Prober interface {
	Health(ctx context.Context, w *worker.Worker) (*types.WorkerHealth, error)
	Load(ctx context.Context, w *worker.Worker, body []byte) error
}

// Spawner is the supervisor surface the monitor needs.
type Spawner interface {
	Alive(name string) bool
	Terminate(name string, grace time.Duration) error
	Start(name, bin string, args []string, logSink io.Writer, cb supervisor.ExitCallback) (*supervisor.Process, error)
}

// Config describes one worker to watch.
type Config struct {
	Worker    *worker.Worker
	LoadState *worker.LoadState
	// LogSink receives the respawned child's stdio; it must be the same
	// sink the child was originally started with.
	LogSink io.Writer
	// SafeModeThreshold is the number of consecutive crash cycles after
	// which the captured load state is cleared so recovery stops
	// auto-reloading a model that may be the crash cause.
	SafeModeThreshold int
	// Grace before SIGKILL during restart. Zero means 10s.
	Grace time.Duration
	// RecoverWait bounds the wait for the respawned process's health
	// route. Zero means 30s.
	RecoverWait time.Duration
	// PollInterval between recovery probes. Zero means 1s.
	PollInterval time.Duration
}

type entry struct {
	cfg Config

	mu       sync.Mutex
	state    State
	failures int // consecutive probe failures
	crashes  int // consecutive restart cycles without a successful reload
	safeMode bool
	last     *types.WorkerHealth
}

// Monitor runs the 2-second health tick over all watched workers.
type Monitor struct {
	sup    Spawner
	client Prober
	bc     *broadcaster.Broadcaster
	clk    clock.Clock
	locks  *locker.Locker

	mu      sync.Mutex
	entries map[string]*entry
}

// NewMonitor creates a Monitor. bc may be nil when no UI fan-out exists.
func NewMonitor(sup Spawner, client Prober, bc *broadcaster.Broadcaster, clk clock.Clock) *Monitor {
	return &Monitor{
		sup:     sup,
		client:  client,
		bc:      bc,
		clk:     clk,
		locks:   locker.New(),
		entries: map[string]*entry{},
	}
}

// Watch registers a worker. Must be called before Run.
func (m *Monitor) Watch(cfg Config) {
	if cfg.Grace == 0 {
		cfg.Grace = defaultGrace
	}
	if cfg.RecoverWait == 0 {
		cfg.RecoverWait = defaultRecoverWait
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = defaultPollInterval
	}
	m.mu.Lock()
	m.entries[cfg.Worker.Name] = &entry{cfg: cfg, state: StateUp}
	m.mu.Unlock()
}

// Run ticks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	t := m.clk.NewTicker(tickInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
			m.CheckAll(ctx)
		}
	}
}

// CheckAll runs one health pass over every watched worker.
func (m *Monitor) CheckAll(ctx context.Context) {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	for _, e := range entries {
		m.check(ctx, e)
	}
}

func (m *Monitor) check(ctx context.Context, e *entry) {
	w := e.cfg.Worker

	if !m.sup.Alive(w.Name) {
		log.G(ctx).WithField("worker", w.Name).Warn("worker process died")
		m.restart(ctx, e, "process exited")
		return
	}

	h, err := m.client.Health(ctx, w)
	e.mu.Lock()
	if err != nil || !h.OK {
		e.failures++
		unresponsive := e.failures >= probeFailureLimit
		if unresponsive {
			e.state = StateUnresponsive
		}
		e.mu.Unlock()
		if unresponsive {
			log.G(ctx).WithField("worker", w.Name).Warn("worker unresponsive")
			m.restart(ctx, e, "unresponsive")
		}
		return
	}
	e.failures = 0
	e.state = StateUp
	e.last = h
	e.mu.Unlock()
}

// restart terminates, respawns, waits for health and replays the captured
// load body. Serialized per worker so an explicit restart request cannot
// race the monitor.
func (m *Monitor) restart(ctx context.Context, e *entry, reason string) {
	w := e.cfg.Worker
	m.locks.Lock(w.Name)
	defer m.locks.Unlock(w.Name)

	e.mu.Lock()
	e.state = StateRestarting
	e.failures = 0
	e.crashes++
	tripSafeMode := e.cfg.SafeModeThreshold > 0 && e.crashes >= e.cfg.SafeModeThreshold
	if tripSafeMode {
		e.safeMode = true
	}
	e.mu.Unlock()

	m.alert(broadcaster.LevelWarning, w.Name+" worker "+reason+", restarting")
	if tripSafeMode {
		e.cfg.LoadState.Clear()
		m.alert(broadcaster.LevelWarning, w.Name+" worker entering safe mode: model auto-reload disabled")
	}

	// Terminate is idempotent; the process may already be gone.
	if err := m.sup.Terminate(w.Name, e.cfg.Grace); err != nil {
		log.G(ctx).WithError(err).WithField("worker", w.Name).Warn("terminating worker failed")
	}
	if _, err := m.sup.Start(w.Name, w.Bin, w.Args, e.cfg.LogSink, nil); err != nil {
		log.G(ctx).WithError(err).WithField("worker", w.Name).Error("respawning worker failed")
		m.setState(e, StateDegraded)
		m.alert(broadcaster.LevelError, w.Name+" worker failed to restart")
		return
	}

	if !m.awaitHealthy(ctx, e) {
		m.setState(e, StateDegraded)
		m.alert(broadcaster.LevelError, w.Name+" worker restarted but never became healthy")
		return
	}

	m.setState(e, StateRecovering)
	body, _, ok := e.cfg.LoadState.Peek()
	if !ok {
		// Nothing to reload (fresh start or safe mode): running, empty.
		m.setState(e, StateUp)
		m.alert(broadcaster.LevelSuccess, w.Name+" worker restarted")
		return
	}
	if err := m.client.Load(ctx, w, body); err != nil {
		log.G(ctx).WithError(err).WithField("worker", w.Name).Warn("model reload after restart failed")
		m.setState(e, StateDegraded)
		m.alert(broadcaster.LevelWarning, w.Name+" worker restarted but model reload failed")
		return
	}

	e.mu.Lock()
	e.crashes = 0
	e.state = StateUp
	e.mu.Unlock()
	m.alert(broadcaster.LevelSuccess, w.Name+" worker recovered")
}

func (m *Monitor) awaitHealthy(ctx context.Context, e *entry) bool {
	deadline := m.clk.Now().Add(e.cfg.RecoverWait)
	for {
		if h, err := m.client.Health(ctx, e.cfg.Worker); err == nil && h.OK {
			return true
		}
		if ctx.Err() != nil || !m.clk.Now().Before(deadline) {
			return false
		}
		m.clk.Sleep(e.cfg.PollInterval)
	}
}

func (m *Monitor) setState(e *entry, s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (m *Monitor) alert(level, message string) {
	if m.bc != nil {
		m.bc.SendAlert(level, message)
	}
}

// Status returns the state and last good health report for a worker.
func (m *Monitor) Status(name string) (State, *types.WorkerHealth) {
	m.mu.Lock()
	e := m.entries[name]
	m.mu.Unlock()
	if e == nil {
		return StateDegraded, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, e.last
}

// SafeMode reports whether a worker has latched safe mode.
func (m *Monitor) SafeMode(name string) bool {
	m.mu.Lock()
	e := m.entries[name]
	m.mu.Unlock()
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.safeMode
}

// NoteSuccessfulLoad clears the crash counter and the safe-mode latch for a
// worker. Called when a client-initiated model load succeeds.
func (m *Monitor) NoteSuccessfulLoad(name string) {
	m.mu.Lock()
	e := m.entries[name]
	m.mu.Unlock()
	if e == nil {
		return
	}
	e.mu.Lock()
	e.crashes = 0
	e.safeMode = false
	e.mu.Unlock()
}
