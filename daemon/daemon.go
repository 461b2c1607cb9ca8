// Package daemon wires the orchestrator together: it owns the image
// library, supervises the two worker processes, arbitrates GPU memory
// between them and backs every API router.
package daemon

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/containerd/log"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/net/websocket"

	"github.com/mystilabs/mysti/api/server"
	"github.com/mystilabs/mysti/api/server/middleware"
	historyrouter "github.com/mystilabs/mysti/api/server/router/history"
	presetsrouter "github.com/mystilabs/mysti/api/server/router/presets"
	stylesrouter "github.com/mystilabs/mysti/api/server/router/styles"
	systemrouter "github.com/mystilabs/mysti/api/server/router/system"
	workerrouter "github.com/mystilabs/mysti/api/server/router/worker"
	"github.com/mystilabs/mysti/api/types"
	"github.com/mystilabs/mysti/daemon/config"
	"github.com/mystilabs/mysti/daemon/health"
	"github.com/mystilabs/mysti/daemon/library"
	"github.com/mystilabs/mysti/daemon/resources"
	"github.com/mystilabs/mysti/daemon/tagger"
	"github.com/mystilabs/mysti/daemon/worker"
	"github.com/mystilabs/mysti/pkg/broadcaster"
	"github.com/mystilabs/mysti/pkg/gpumem"
	"github.com/mystilabs/mysti/pkg/proxy"
	"github.com/mystilabs/mysti/pkg/supervisor"
)

const shutdownGrace = 10 * time.Second

// Daemon is the orchestrator. One instance per process.
type Daemon struct {
	config *config.Config
	lib    *library.Library
	sup    *supervisor.Supervisor
	client *worker.Client
	prox   *proxy.Proxy
	res    *resources.Manager
	mon    *health.Monitor
	tagger *tagger.Tagger
	bc     *broadcaster.Broadcaster
	mem    gpumem.Info

	sdWorker  *worker.Worker
	llmWorker *worker.Worker
	sdLoad    *worker.LoadState
	llmLoad   *worker.LoadState

	// pendingLLMCommit is the VRAM committed by an admitted but not yet
	// observed LLM load; released when the load settles.
	pendingLLMCommit atomic.Value // float64

	shuttingDown atomic.Bool
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	done         chan struct{}

	httpSrv    *http.Server
	wsListener net.Listener
	sinks      map[string]*os.File
}

// evictor adapts the worker control client to the resource manager.
type evictor struct {
	client *worker.Client
	worker *worker.Worker
}

func (e evictor) Offload(ctx context.Context) error { return e.client.Offload(ctx, e.worker) }
func (e evictor) Unload(ctx context.Context) error  { return e.client.Unload(ctx, e.worker) }

// NewDaemon assembles a daemon from the given configuration. Nothing is
// started; call Start.
func NewDaemon(cfg *config.Config, mem gpumem.Info) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.InternalToken == "" {
		cfg.InternalToken = uuid.New().String()
	}
	if mem == nil {
		mem = &gpumem.NvidiaSMI{}
	}

	lib, err := library.Open(cfg.DBPath)
	if err != nil {
		return nil, errors.Wrap(err, "opening image library")
	}

	d := &Daemon{
		config:  cfg,
		lib:     lib,
		sup:     supervisor.New(),
		client:  worker.NewClient(cfg.InternalToken),
		prox:    proxy.New(cfg.InternalToken),
		bc:      broadcaster.New(),
		mem:     mem,
		sdLoad:  &worker.LoadState{},
		llmLoad: &worker.LoadState{},
		sinks:   map[string]*os.File{},
		done:    make(chan struct{}),
	}
	d.pendingLLMCommit.Store(0.0)

	d.sdWorker = &worker.Worker{
		Name:     types.WorkerSD,
		Bin:      cfg.SDWorkerBin,
		Host:     "127.0.0.1",
		Port:     cfg.SDPort(),
		LogPath:  filepath.Join(cfg.LogDir, "sd-worker.log"),
		LoadPath: worker.LoadRoute(types.WorkerSD),
	}
	d.llmWorker = &worker.Worker{
		Name:     types.WorkerLLM,
		Bin:      cfg.LLMWorkerBin,
		Host:     "127.0.0.1",
		Port:     cfg.LLMPort(),
		LogPath:  filepath.Join(cfg.LogDir, "llm-worker.log"),
		LoadPath: worker.LoadRoute(types.WorkerLLM),
	}

	d.res = resources.NewManager(mem,
		evictor{client: d.client, worker: d.sdWorker},
		evictor{client: d.client, worker: d.llmWorker})
	d.mon = health.NewMonitor(d.sup, d.client, d.bc, clock.NewClock())
	d.tagger = tagger.New(lib, d.client, d.llmWorker, d.llmLoad, clock.NewClock())

	return d, nil
}

// Start imports orphaned images, spawns the workers and brings up every
// background loop plus the public listeners. argv is the orchestrator's own
// command line, used to derive the worker command lines.
func (d *Daemon) Start(ctx context.Context, argv []string) error {
	ctx, d.cancel = context.WithCancel(ctx)

	if imported, err := d.importOrphans(ctx); err != nil {
		log.G(ctx).WithError(err).Warn("orphan image import failed")
	} else if imported > 0 {
		log.G(ctx).WithField("count", imported).Info("imported orphaned images")
	}

	if err := d.spawnWorkers(ctx, argv); err != nil {
		return err
	}

	d.mon.Watch(health.Config{
		Worker:            d.sdWorker,
		LoadState:         d.sdLoad,
		LogSink:           d.logSink(d.sdWorker),
		SafeModeThreshold: d.config.SafeModeThreshold,
	})
	d.mon.Watch(health.Config{
		Worker:            d.llmWorker,
		LoadState:         d.llmLoad,
		LogSink:           d.logSink(d.llmWorker),
		SafeModeThreshold: d.config.SafeModeThreshold,
	})

	d.goLoop(func() { d.mon.Run(ctx) })
	d.goLoop(func() { d.tagger.Run(ctx) })
	d.goLoop(func() { d.metricsLoop(ctx) })
	d.goLoop(func() { d.jobLoop(ctx) })

	if err := d.serveWebSocket(); err != nil {
		return err
	}
	return d.serveHTTP()
}

func (d *Daemon) goLoop(fn func()) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn()
	}()
}

func (d *Daemon) spawnWorkers(ctx context.Context, argv []string) error {
	for _, w := range []*worker.Worker{d.sdWorker, d.llmWorker} {
		if w.Bin == "" {
			return errors.Errorf("no binary configured for %s worker", w.Name)
		}
		w.Args = WorkerArgv(argv, w.Port, d.config.InternalToken)
		if _, err := d.sup.Start(w.Name, w.Bin, w.Args, d.logSink(w), nil); err != nil {
			return errors.Wrapf(err, "spawning %s worker", w.Name)
		}
		log.G(ctx).WithFields(log.Fields{
			"worker": w.Name,
			"port":   w.Port,
		}).Info("worker started")
	}
	return nil
}

// logSink opens the append-only log file for a worker, once; the monitor
// must hand the same sink to respawned processes. Failure to open falls
// back to discarding output rather than refusing to start.
func (d *Daemon) logSink(w *worker.Worker) io.Writer {
	if f, ok := d.sinks[w.Name]; ok {
		return f
	}
	if err := os.MkdirAll(d.config.LogDir, 0o755); err != nil {
		log.L.WithError(err).Warn("creating log directory failed")
		return io.Discard
	}
	f, err := os.OpenFile(w.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.L.WithError(err).WithField("worker", w.Name).Warn("opening worker log failed")
		return io.Discard
	}
	d.sinks[w.Name] = f
	return f
}

func (d *Daemon) serveWebSocket() error {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(d.config.WebSocketPort()))
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "binding websocket listener")
	}
	d.wsListener = l

	mux := http.NewServeMux()
	mux.Handle("/ws", websocket.Handler(d.bc.Handler()))
	srv := &http.Server{Handler: mux}
	d.goLoop(func() {
		if err := srv.Serve(l); err != nil && err != http.ErrServerClosed {
			log.L.WithError(err).Warn("websocket server stopped")
		}
	})
	return nil
}

func (d *Daemon) serveHTTP() error {
	srv := server.New()
	srv.UseMiddleware(middleware.CORSMiddleware)
	srv.UseMiddleware(middleware.LoggingMiddleware)

	m := srv.CreateMux(d.config.StaticDir,
		workerrouter.NewRouter(d, d.prox),
		historyrouter.NewRouter(d),
		stylesrouter.NewRouter(d),
		presetsrouter.NewRouter(d),
		systemrouter.NewRouter(d),
	)

	addr := net.JoinHostPort(d.config.ListenAddr, strconv.Itoa(d.config.ListenPort))
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "binding API listener on %s", addr)
	}
	d.httpSrv = &http.Server{Handler: m}
	d.goLoop(func() {
		if err := d.httpSrv.Serve(l); err != nil && err != http.ErrServerClosed {
			log.L.WithError(err).Warn("api server stopped")
		}
	})
	log.L.WithField("addr", addr).Info("api listening")
	return nil
}

// Shutdown stops everything in reverse start order and reaps the workers.
func (d *Daemon) Shutdown(ctx context.Context) {
	if !d.shuttingDown.CompareAndSwap(false, true) {
		return
	}
	log.G(ctx).Info("shutting down")

	if d.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, shutdownGrace)
		_ = d.httpSrv.Shutdown(shutdownCtx)
		cancel()
	}
	if d.wsListener != nil {
		_ = d.wsListener.Close()
	}

	d.tagger.Stop()
	if d.cancel != nil {
		d.cancel()
	}
	d.bc.Close()

	// ask nicely first, then reap
	bestEffort, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	_ = d.client.Shutdown(bestEffort, d.sdWorker)
	_ = d.client.Shutdown(bestEffort, d.llmWorker)
	cancel()
	if err := d.sup.Reap(shutdownGrace); err != nil {
		log.G(ctx).WithError(err).Warn("reaping workers failed")
	}

	d.wg.Wait()
	for _, f := range d.sinks {
		_ = f.Close()
	}
	if err := d.lib.Close(); err != nil {
		log.G(ctx).WithError(err).Warn("closing library failed")
	}
	close(d.done)
}

// Done is closed once Shutdown has fully completed.
func (d *Daemon) Done() <-chan struct{} {
	return d.done
}

// ShuttingDown reports whether Shutdown has begun.
func (d *Daemon) ShuttingDown() bool {
	return d.shuttingDown.Load()
}
