package resources

import (
	"context"
	"math"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/mystilabs/mysti/errdefs"
	"github.com/mystilabs/mysti/pkg/gpumem"
)

func closeTo(t *testing.T, got, want float64) {
	t.Helper()
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("got %v, want %v", got, want)
	}
}

// fakeEvictor bumps the fake GPU's free memory when eviction is requested,
// simulating the worker actually releasing VRAM.
type fakeEvictor struct {
	mem              *gpumem.Static
	offloads         int
	unloads          int
	freeAfterOffload float64
	freeAfterUnload  float64
}

func (f *fakeEvictor) Offload(ctx context.Context) error {
	f.offloads++
	if f.freeAfterOffload > 0 {
		f.mem.SetFree(f.freeAfterOffload)
	}
	return nil
}

func (f *fakeEvictor) Unload(ctx context.Context) error {
	f.unloads++
	if f.freeAfterUnload > 0 {
		f.mem.SetFree(f.freeAfterUnload)
	}
	return nil
}

func newTestManager(totalGB, freeGB float64) (*Manager, *gpumem.Static, *fakeEvictor, *fakeEvictor) {
	mem := gpumem.NewStatic(totalGB, freeGB)
	sd := &fakeEvictor{mem: mem}
	llm := &fakeEvictor{mem: mem}
	return NewManager(mem, sd, llm), mem, sd, llm
}

func TestAdmitGenerationPlentyOfMemory(t *testing.T) {
	m, _, sd, llm := newTestManager(24, 12)
	ctx := context.Background()

	d, err := m.AdmitGeneration(ctx, GenerationRequest{
		EstimatedTotalGB: 6,
		Megapixels:       1.05,
		ModelID:          "sdxl",
	})
	assert.NilError(t, err)
	assert.Check(t, d.Admit)
	assert.Check(t, !d.ClipOffload)
	assert.Check(t, !d.VAETiling)
	// overhead = (6 - 2.5) * 1.15
	closeTo(t, d.CommittedGB, 3.5*1.15)
	closeTo(t, m.Committed(), 3.5*1.15)
	assert.Equal(t, sd.offloads+sd.unloads+llm.offloads+llm.unloads, 0)
}

func TestAdmitGenerationZeroFree(t *testing.T) {
	m, _, _, _ := newTestManager(24, 0)
	m.ObserveWorkers(3.0, 0) // model already resident, only overhead needed

	d, err := m.AdmitGeneration(context.Background(), GenerationRequest{
		EstimatedTotalGB: 2.5,
		Megapixels:       1.0,
		ModelID:          "sdxl",
	})
	assert.NilError(t, err)
	// effective_free = 0 and even the floored overhead 0.5*1.15*0.4 > 0
	assert.Check(t, !d.Admit)
	assert.Check(t, is.Equal(d.CommittedGB, 0.0))
	assert.Check(t, is.Equal(m.Committed(), 0.0))
}

func TestAdmitGenerationOffloadsLLMFirst(t *testing.T) {
	m, _, sd, llm := newTestManager(8, 1.0)
	llm.freeAfterOffload = 4.5
	m.ObserveWorkers(3.0, 3.0)

	d, err := m.AdmitGeneration(context.Background(), GenerationRequest{
		EstimatedTotalGB: 4.0,
		Megapixels:       1.05,
		ModelID:          "sdxl",
	})
	assert.NilError(t, err)
	assert.Check(t, d.Admit)
	assert.Equal(t, llm.offloads, 1)
	assert.Equal(t, llm.unloads, 0)
	assert.Equal(t, sd.offloads, 0)
	// offload freed enough: no hints recommended
	assert.Check(t, !d.ClipOffload)
	assert.Check(t, !d.VAETiling)
}

func TestAdmitGenerationEscalatesToUnload(t *testing.T) {
	m, _, _, llm := newTestManager(8, 0.5)
	llm.freeAfterOffload = 1.0 // not enough
	llm.freeAfterUnload = 6.0
	m.ObserveWorkers(3.0, 3.0)

	d, err := m.AdmitGeneration(context.Background(), GenerationRequest{
		EstimatedTotalGB: 4.0,
		Megapixels:       1.05,
		ModelID:          "sdxl",
	})
	assert.NilError(t, err)
	assert.Check(t, d.Admit)
	assert.Equal(t, llm.offloads, 1)
	assert.Equal(t, llm.unloads, 1)
}

func TestAdmitGenerationMegapixelHints(t *testing.T) {
	m, _, _, _ := newTestManager(24, 20)
	ctx := context.Background()

	d, err := m.AdmitGeneration(ctx, GenerationRequest{
		EstimatedTotalGB: 5,
		Megapixels:       2.2,
		ModelID:          "sdxl",
	})
	assert.NilError(t, err)
	assert.Check(t, d.Admit)
	assert.Check(t, d.ClipOffload)
	assert.Check(t, !d.VAETiling)
	m.Uncommit(d.CommittedGB)

	d, err = m.AdmitGeneration(ctx, GenerationRequest{
		EstimatedTotalGB: 5,
		Megapixels:       3.0,
		ModelID:          "sdxl",
	})
	assert.NilError(t, err)
	assert.Check(t, d.Admit)
	assert.Check(t, d.ClipOffload)
	assert.Check(t, d.VAETiling)
}

func TestAdmitGenerationTilingRescuesAdmission(t *testing.T) {
	// base 2.5 + overhead; plain admission needs 2.5 + 4.025*0.85 ≈ 5.92,
	// with clip offload (1.0) and tiling it needs 2.5 + 3.025*0.4 ≈ 3.71.
	m, _, _, _ := newTestManager(8, 4.0)

	d, err := m.AdmitGeneration(context.Background(), GenerationRequest{
		EstimatedTotalGB: 6,
		Megapixels:       1.0,
		ModelID:          "sdxl",
		ClipSizeGB:       1.0,
	})
	assert.NilError(t, err)
	assert.Check(t, d.Admit)
	assert.Check(t, d.ClipOffload)
	assert.Check(t, d.VAETiling)
}

func TestCommittedFloorsAtZero(t *testing.T) {
	m, _, _, _ := newTestManager(24, 12)
	m.Commit(2.0)
	assert.Check(t, is.Equal(m.Committed(), 2.0))
	m.Uncommit(5.0)
	assert.Check(t, is.Equal(m.Committed(), 0.0))
}

func TestCommittedReducesEffectiveFree(t *testing.T) {
	m, _, _, _ := newTestManager(24, 6)
	m.Commit(5.9)

	d, err := m.AdmitGeneration(context.Background(), GenerationRequest{
		EstimatedTotalGB: 5,
		Megapixels:       1.0,
		ModelID:          "sdxl",
	})
	assert.NilError(t, err)
	assert.Check(t, !d.Admit)
}

func TestLearnFootprintMedian(t *testing.T) {
	m, _, _, _ := newTestManager(24, 12)

	m.LearnFootprint("sdxl", 6.0)
	m.LearnFootprint("sdxl", 6.4)
	m.LearnFootprint("sdxl", 9.9) // outlier

	gb, ok := m.Footprint("sdxl")
	assert.Check(t, ok)
	assert.Check(t, is.Equal(gb, 6.4))

	_, ok = m.Footprint("unknown")
	assert.Check(t, !ok)

	// zero and unnamed samples are ignored
	m.LearnFootprint("", 3.0)
	m.LearnFootprint("sdxl", 0)
	gb, _ = m.Footprint("sdxl")
	assert.Check(t, is.Equal(gb, 6.4))
}

func TestAdmitGenerationUsesLearnedFootprint(t *testing.T) {
	m, _, _, _ := newTestManager(24, 20)
	m.LearnFootprint("big-model", 10.0)

	d, err := m.AdmitGeneration(context.Background(), GenerationRequest{
		EstimatedTotalGB: 11,
		Megapixels:       1.0,
		ModelID:          "big-model",
	})
	assert.NilError(t, err)
	assert.Check(t, d.Admit)
	// overhead measured against the learned 10 GB base, not the 2.5 default
	closeTo(t, d.CommittedGB, 1.15)
}

func TestAdmitLLMLoad(t *testing.T) {
	m, _, sd, llm := newTestManager(24, 12)
	m.ObserveWorkers(0, 3.0)

	committed, err := m.AdmitLLMLoad(context.Background(), 4.0)
	assert.NilError(t, err)
	// single-LLM policy evicts the resident model first
	assert.Equal(t, llm.unloads, 1)
	assert.Equal(t, sd.offloads, 0)
	closeTo(t, committed, 4.0*1.1+0.3)
	assert.Check(t, is.Equal(m.Committed(), committed))
}

func TestAdmitLLMLoadEvictsSD(t *testing.T) {
	m, _, sd, _ := newTestManager(12, 1.0)
	sd.freeAfterOffload = 2.0 // still short of 4.0*1.1+0.3
	sd.freeAfterUnload = 8.0
	m.ObserveWorkers(6.0, 0)

	_, err := m.AdmitLLMLoad(context.Background(), 4.0)
	assert.NilError(t, err)
	assert.Equal(t, sd.offloads, 1)
	assert.Equal(t, sd.unloads, 1)
}

func TestAdmitLLMLoadInsufficient(t *testing.T) {
	m, _, _, _ := newTestManager(8, 1.0)
	// nothing resident to evict
	m.ObserveWorkers(0, 0)

	_, err := m.AdmitLLMLoad(context.Background(), 6.0)
	assert.Check(t, errdefs.IsUnavailable(err))
	assert.Check(t, is.Equal(m.Committed(), 0.0))
}
