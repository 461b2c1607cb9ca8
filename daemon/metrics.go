package daemon

import (
	"context"
	"time"

	metrics "github.com/docker/go-metrics"
	"github.com/sirupsen/logrus"

	"github.com/mystilabs/mysti/api/types"
	"github.com/mystilabs/mysti/pkg/broadcaster"
)

const metricsInterval = 2 * time.Second

var (
	vramTotal           metrics.Gauge
	vramFree            metrics.Gauge
	vramCommitted       metrics.Gauge
	generationTime      metrics.Timer
	rejectedGenerations metrics.Counter
)

func init() {
	ns := metrics.NewNamespace("mysti", "daemon", nil)
	vramTotal = ns.NewGauge("vram_total", "Total GPU memory in GB", metrics.Unit("gb"))
	vramFree = ns.NewGauge("vram_free", "Free GPU memory in GB", metrics.Unit("gb"))
	vramCommitted = ns.NewGauge("vram_committed", "GPU memory promised to in-flight requests in GB", metrics.Unit("gb"))
	generationTime = ns.NewTimer("generation", "The number of seconds it takes to complete an image generation")
	rejectedGenerations = ns.NewCounter("generations_rejected", "The number of generation requests rejected for lack of GPU memory")
	metrics.Register(ns)
}

// metricsLoop samples GPU telemetry every 2 seconds, feeds the resource
// manager's footprint state and fans the sample out to WebSocket clients.
func (d *Daemon) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sampleMetrics(ctx)
		}
	}
}

func (d *Daemon) sampleMetrics(ctx context.Context) {
	total, err := d.mem.Total(ctx)
	if err != nil {
		logrus.WithError(err).Debug("metrics: GPU total query failed")
		return
	}
	free, err := d.mem.Free(ctx)
	if err != nil {
		logrus.WithError(err).Debug("metrics: GPU free query failed")
		return
	}

	sdGB := d.workerVRAM(ctx, types.WorkerSD)
	llmGB := d.workerVRAM(ctx, types.WorkerLLM)
	d.res.ObserveWorkers(sdGB, llmGB)

	// a worker holding memory with a known model means a fresh footprint
	// sample for the learning window
	if model := d.activeSDModel(); model != "" && sdGB > 0 {
		d.res.LearnFootprint(model, sdGB)
	}

	vramTotal.Set(total)
	vramFree.Set(free)
	vramCommitted.Set(d.res.Committed())

	_, llmHealth := d.mon.Status(types.WorkerLLM)
	llm := broadcaster.LLMMetrics{VRAMGB: llmGB}
	if llmHealth != nil {
		llm.Loaded = llmHealth.Loaded
		llm.Model = llmHealth.ModelPath
	}
	d.bc.SendMetrics(broadcaster.Metrics{
		VRAMTotalGB: total,
		VRAMFreeGB:  free,
		Workers: broadcaster.WorkerMetrics{
			SD:  broadcaster.SDMetrics{VRAMGB: sdGB},
			LLM: llm,
		},
	})
}

func (d *Daemon) workerVRAM(ctx context.Context, name string) float64 {
	p := d.sup.Get(name)
	if p == nil || !p.Alive() {
		return 0
	}
	gb, err := d.mem.UsedBy(ctx, p.Pid())
	if err != nil {
		logrus.WithError(err).WithField("worker", name).Debug("metrics: per-process GPU query failed")
		return 0
	}
	return gb
}
