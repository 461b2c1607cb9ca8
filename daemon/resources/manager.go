// Package resources arbitrates GPU memory between the diffusion and LLM
// workers. A single Manager decides, before each generation or model load,
// whether to evict the other worker, recommend memory-saving hints, or
// reject the request outright.
package resources

import (
	"context"
	"math"
	"sync"
	"sync/atomic"

	"github.com/containerd/log"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"

	"github.com/mystilabs/mysti/errdefs"
	"github.com/mystilabs/mysti/pkg/gpumem"
)

const (
	// defaultBaseGB is assumed for models with no learned footprint.
	defaultBaseGB = 2.5
	// minOverheadGB floors the working-memory estimate.
	minOverheadGB = 0.5
	// overheadMargin pads the working-memory estimate.
	overheadMargin = 1.15
	// loadedFraction of the base footprint at which the SD worker is
	// considered to already hold the model.
	loadedFraction = 0.7
	// residentThresholdGB of observed usage at which a worker counts as
	// holding weights on the device.
	residentThresholdGB = 0.1

	tilingScale   = 0.4
	noTilingScale = 0.85

	llmLoadMargin = 1.1
	llmLoadPadGB  = 0.3

	footprintHistoryMax = 16
)

// Evictor moves a worker's model weights off the GPU. Offload keeps them
// pageable in CPU RAM; Unload frees them entirely.
type Evictor interface {
	Offload(ctx context.Context) error
	Unload(ctx context.Context) error
}

// GenerationRequest carries the arbiter inputs for one image generation.
type GenerationRequest struct {
	// EstimatedTotalGB is the caller's estimate of base + working memory.
	EstimatedTotalGB float64
	// Megapixels of the requested output; drives the hint phases.
	Megapixels float64
	// ModelID selects the learned footprint.
	ModelID string
	// BaseOverrideGB, when >0, replaces the learned base footprint.
	BaseOverrideGB float64
	// ClipSizeGB is subtracted from the working estimate when CLIP offload
	// is recommended.
	ClipSizeGB float64
}

// Decision is the arbiter's answer for a generation request.
type Decision struct {
	Admit       bool    `json:"admit"`
	ClipOffload bool    `json:"request_clip_offload"`
	VAETiling   bool    `json:"request_vae_tiling"`
	CommittedGB float64 `json:"committed_gb"`
}

// Manager tracks observed per-worker footprints, learned per-model base
// footprints, and VRAM promised to in-flight requests. The committed
// accumulator is lock-free; the mutex covers only the footprint state.
type Manager struct {
	mem gpumem.Info
	llm Evictor
	sd  Evictor

	committed uint64 // float64 bits, atomic

	mu      sync.Mutex
	lastSD  float64
	lastLLM float64
	history map[string][]float64
	medians map[string]float64
}

// NewManager creates a Manager over the given telemetry and evictors.
func NewManager(mem gpumem.Info, sd, llm Evictor) *Manager {
	return &Manager{
		mem:     mem,
		sd:      sd,
		llm:     llm,
		history: map[string][]float64{},
		medians: map[string]float64{},
	}
}

// Committed returns the VRAM currently promised to in-flight requests.
func (m *Manager) Committed() float64 {
	return math.Float64frombits(atomic.LoadUint64(&m.committed))
}

// Commit adds gb to the committed accumulator.
func (m *Manager) Commit(gb float64) {
	m.addCommitted(gb)
}

// Uncommit releases gb from the committed accumulator, flooring at zero.
func (m *Manager) Uncommit(gb float64) {
	m.addCommitted(-gb)
}

func (m *Manager) addCommitted(delta float64) {
	for {
		old := atomic.LoadUint64(&m.committed)
		next := math.Float64frombits(old) + delta
		if next < 0 {
			next = 0
		}
		if atomic.CompareAndSwapUint64(&m.committed, old, math.Float64bits(next)) {
			return
		}
	}
}

// ObserveWorkers records the latest measured per-worker footprints. Called
// by the metrics loop.
func (m *Manager) ObserveWorkers(sdGB, llmGB float64) {
	m.mu.Lock()
	m.lastSD = sdGB
	m.lastLLM = llmGB
	m.mu.Unlock()
}

// Workers returns the last observed per-worker footprints.
func (m *Manager) Workers() (sdGB, llmGB float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSD, m.lastLLM
}

// LearnFootprint folds a measured base footprint into the per-model history
// and refreshes the median estimate.
func (m *Manager) LearnFootprint(modelID string, gb float64) {
	if modelID == "" || gb <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	h := append(m.history[modelID], gb)
	if len(h) > footprintHistoryMax {
		h = h[len(h)-footprintHistoryMax:]
	}
	m.history[modelID] = h
	if med, err := stats.Median(h); err == nil {
		m.medians[modelID] = med
	}
}

// Footprint returns the learned base footprint for a model.
func (m *Manager) Footprint(modelID string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	gb, ok := m.medians[modelID]
	return gb, ok
}

// AdmitGeneration runs the multi-phase arbitration for an image generation.
// Eviction failures are logged and the phase result is re-measured rather
// than propagated; only telemetry failure is an error.
func (m *Manager) AdmitGeneration(ctx context.Context, req GenerationRequest) (Decision, error) {
	free, err := m.mem.Free(ctx)
	if err != nil {
		return Decision{}, errors.Wrap(err, "reading free VRAM")
	}
	effectiveFree := math.Max(0, free-m.Committed())

	m.mu.Lock()
	lastSD, lastLLM := m.lastSD, m.lastLLM
	base := req.BaseOverrideGB
	if base <= 0 {
		if med, ok := m.medians[req.ModelID]; ok {
			base = med
		} else {
			base = defaultBaseGB
		}
	}
	m.mu.Unlock()

	overhead := math.Max(minOverheadGB, req.EstimatedTotalGB-base) * overheadMargin
	alreadyLoaded := lastSD > loadedFraction*base
	need := base + overhead
	if alreadyLoaded {
		need = overhead
	}

	tight := effectiveFree < need

	// Phase 1: swap the LLM to CPU RAM.
	if tight && lastLLM > residentThresholdGB {
		if err := m.llm.Offload(ctx); err != nil {
			log.G(ctx).WithError(err).Warn("llm offload during arbitration failed")
		}
		effectiveFree, tight = m.remeasure(ctx, effectiveFree, need)
	}

	// Phase 2: hard unload the LLM.
	if tight && lastLLM > residentThresholdGB {
		if err := m.llm.Unload(ctx); err != nil {
			log.G(ctx).WithError(err).Warn("llm unload during arbitration failed")
		}
		effectiveFree, tight = m.remeasure(ctx, effectiveFree, need)
	}

	var d Decision
	// Phase 3: CLIP offload hint.
	if tight || req.Megapixels > 2.0 {
		d.ClipOffload = true
	}
	// Phase 4: VAE tiling hint.
	if tight || req.Megapixels > 2.5 {
		d.VAETiling = true
	}

	adjusted := overhead
	if d.ClipOffload {
		adjusted = math.Max(0, adjusted-req.ClipSizeGB)
	}
	if d.VAETiling {
		adjusted *= tilingScale
	} else {
		adjusted *= noTilingScale
	}
	adjustedNeed := adjusted
	if !alreadyLoaded {
		adjustedNeed += base
	}

	if effectiveFree < adjustedNeed {
		log.G(ctx).WithFields(log.Fields{
			"model":     req.ModelID,
			"free_gb":   effectiveFree,
			"needed_gb": adjustedNeed,
		}).Warn("generation rejected: insufficient VRAM")
		return Decision{}, nil
	}

	m.Commit(overhead)
	d.Admit = true
	d.CommittedGB = overhead
	return d, nil
}

// AdmitLLMLoad arbitrates an LLM model load. The single-LLM policy unloads
// any resident LLM first, then escalates SD eviction until the padded
// requirement fits. Returns the committed amount; the caller releases it
// once the load settles into measured usage.
func (m *Manager) AdmitLLMLoad(ctx context.Context, requestedGB float64) (float64, error) {
	m.mu.Lock()
	lastSD, lastLLM := m.lastSD, m.lastLLM
	m.mu.Unlock()

	if lastLLM > residentThresholdGB {
		if err := m.llm.Unload(ctx); err != nil {
			log.G(ctx).WithError(err).Warn("unloading resident llm failed")
		}
	}

	need := requestedGB*llmLoadMargin + llmLoadPadGB
	free, err := m.mem.Free(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "reading free VRAM")
	}
	effectiveFree := math.Max(0, free-m.Committed())
	tight := effectiveFree < need

	if tight && lastSD > residentThresholdGB {
		if err := m.sd.Offload(ctx); err != nil {
			log.G(ctx).WithError(err).Warn("sd offload during llm load failed")
		}
		effectiveFree, tight = m.remeasure(ctx, effectiveFree, need)
	}
	if tight && lastSD > residentThresholdGB {
		if err := m.sd.Unload(ctx); err != nil {
			log.G(ctx).WithError(err).Warn("sd unload during llm load failed")
		}
		effectiveFree, tight = m.remeasure(ctx, effectiveFree, need)
	}
	if tight {
		return 0, errdefs.Unavailable(errors.Errorf(
			"insufficient VRAM for llm load: need %.2f GB, %.2f GB free", need, effectiveFree))
	}

	m.Commit(need)
	return need, nil
}

// remeasure refreshes effective free memory after an eviction attempt. On
// telemetry failure the previous reading is kept.
func (m *Manager) remeasure(ctx context.Context, prevFree, need float64) (effectiveFree float64, tight bool) {
	free, err := m.mem.Free(ctx)
	if err != nil {
		log.G(ctx).WithError(err).Warn("re-reading free VRAM failed")
		return prevFree, prevFree < need
	}
	effectiveFree = math.Max(0, free-m.Committed())
	return effectiveFree, effectiveFree < need
}
