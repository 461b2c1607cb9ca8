package tagger

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"code.cloudfoundry.org/clock"
	"code.cloudfoundry.org/clock/fakeclock"
	"github.com/pkg/errors"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
	"gotest.tools/v3/poll"

	"github.com/mystilabs/mysti/api/types"
	"github.com/mystilabs/mysti/daemon/worker"
)

func TestExtractTags(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    []string
	}{
		{"strict array", `["sunset", "beach", "golden hour"]`, []string{"sunset", "beach", "golden hour"}},
		{"object with tags field", `{"tags": ["portrait", "noir"]}`, []string{"portrait", "noir"}},
		{"fenced code block", "```json\n{\"tags\": [\"forest\"]}\n```", []string{"forest"}},
		{"prose around array", `Sure! Here are the tags: ["cat", "window"] Hope that helps.`, []string{"cat", "window"}},
		{"object with other array field", `{"labels": ["city", "rain"]}`, []string{"city", "rain"}},
		{"short tags dropped", `["a", "ok", "x", "portrait"]`, []string{"ok", "portrait"}},
		{"mixed element types", `["valid", 42, null, "also valid"]`, []string{"valid", "also valid"}},
		{"not json", `I could not identify anything in this image.`, nil},
		{"empty", ``, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := extractTags(tc.content)
			if tc.want == nil {
				assert.Check(t, is.Len(got, 0))
				return
			}
			assert.DeepEqual(t, got, tc.want)
		})
	}
}

type fakeStore struct {
	mu       sync.Mutex
	untagged []*types.Generation
	added    map[string][]string
	sources  map[string]string
	marked   []string
}

func newFakeStore(gens ...*types.Generation) *fakeStore {
	return &fakeStore{
		untagged: gens,
		added:    map[string][]string{},
		sources:  map[string]string{},
	}
}

func (f *fakeStore) Untagged(limit int) ([]*types.Generation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.untagged) > limit {
		return f.untagged[:limit], nil
	}
	return f.untagged, nil
}

func (f *fakeStore) AddTags(uuid string, names []string, source string, confidence float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added[uuid] = append(f.added[uuid], names...)
	f.sources[uuid] = source
	return nil
}

func (f *fakeStore) MarkAutoTagged(uuid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, uuid)
	return nil
}

type fakeLLM struct {
	mu        sync.Mutex
	health    types.WorkerHealth
	healthErr error
	loadErr   error
	loads     int
	requests  [][]byte
	content   string
}

func (f *fakeLLM) Health(ctx context.Context, w *worker.Worker) (*types.WorkerHealth, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.healthErr != nil {
		return nil, f.healthErr
	}
	h := f.health
	return &h, nil
}

func (f *fakeLLM) Load(ctx context.Context, w *worker.Worker, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	if f.loadErr != nil {
		return f.loadErr
	}
	f.health.Loaded = true
	return nil
}

func (f *fakeLLM) ChatCompletion(ctx context.Context, w *worker.Worker, body []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, append([]byte(nil), body...))
	resp := map[string]interface{}{
		"choices": []interface{}{
			map[string]interface{}{
				"message": map[string]string{"content": f.content},
			},
		},
	}
	return json.Marshal(resp)
}

func llmWorker() *worker.Worker {
	return &worker.Worker{Name: types.WorkerLLM, Host: "127.0.0.1", Port: 9002}
}

func TestPassTagsUntaggedGenerations(t *testing.T) {
	store := newFakeStore(
		&types.Generation{UUID: "g1", Prompt: "a sunset over the sea", FilePath: "/nonexistent/g1.png"},
		&types.Generation{UUID: "g2", Prompt: "a cat", FilePath: "/nonexistent/g2.png"},
	)
	llm := &fakeLLM{health: types.WorkerHealth{OK: true, Loaded: true}, content: `{"tags":["sunset","beach"]}`}
	tg := New(store, llm, llmWorker(), &worker.LoadState{}, clock.NewClock())

	tg.pass(context.Background())

	assert.DeepEqual(t, store.added["g1"], []string{"sunset", "beach"})
	assert.DeepEqual(t, store.added["g2"], []string{"sunset", "beach"})
	// text-only model: tags attributed to the prompt, not the image
	assert.Equal(t, store.sources["g1"], types.TagSourceAuto)
	assert.Check(t, is.Len(store.marked, 2))
}

func TestPassUsesVisionWhenMultimodal(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "gen.png")
	assert.NilError(t, os.WriteFile(img, []byte("\x89PNG fake"), 0o644))

	store := newFakeStore(&types.Generation{UUID: "g1", Prompt: "a cat", FilePath: img})
	llm := &fakeLLM{
		health:  types.WorkerHealth{OK: true, Loaded: true, MMProjPath: "/models/mmproj.gguf"},
		content: `{"tags":["cat"]}`,
	}
	tg := New(store, llm, llmWorker(), &worker.LoadState{}, clock.NewClock())

	tg.pass(context.Background())

	assert.Equal(t, store.sources["g1"], types.TagSourceVision)
	assert.Check(t, is.Len(llm.requests, 1))
	assert.Check(t, is.Contains(string(llm.requests[0]), "data:image/png;base64,"))
}

func TestUnparsableResponseStillMarksTagged(t *testing.T) {
	store := newFakeStore(&types.Generation{UUID: "g1", Prompt: "noise", FilePath: "/nonexistent.png"})
	llm := &fakeLLM{health: types.WorkerHealth{OK: true, Loaded: true}, content: "no tags for you"}
	tg := New(store, llm, llmWorker(), &worker.LoadState{}, clock.NewClock())

	tg.pass(context.Background())

	assert.Check(t, is.Len(store.added["g1"], 0))
	assert.DeepEqual(t, store.marked, []string{"g1"})
}

func TestEnsureLoadedReplayAndCooldown(t *testing.T) {
	fc := fakeclock.NewFakeClock(time.Now())
	store := newFakeStore(&types.Generation{UUID: "g1", Prompt: "p", FilePath: "/nonexistent.png"})
	llm := &fakeLLM{health: types.WorkerHealth{OK: true, Loaded: false}, loadErr: errors.New("oom")}
	ls := &worker.LoadState{}
	ls.Capture([]byte(`{"model_path":"/models/llava.gguf"}`))
	tg := New(store, llm, llmWorker(), ls, fc)
	ctx := context.Background()

	tg.pass(ctx)
	assert.Equal(t, llm.loads, 1)
	assert.Check(t, is.Len(store.marked, 0))

	// failed load backs off: no retry within the cooldown window
	tg.pass(ctx)
	assert.Equal(t, llm.loads, 1)

	fc.Increment(61 * time.Second)
	llm.mu.Lock()
	llm.loadErr = nil
	llm.mu.Unlock()
	tg.pass(ctx)
	assert.Equal(t, llm.loads, 2)
	assert.Check(t, is.Len(store.marked, 1))
}

func TestNoReplayWithoutCapturedState(t *testing.T) {
	store := newFakeStore(&types.Generation{UUID: "g1", Prompt: "p", FilePath: "/nonexistent.png"})
	llm := &fakeLLM{health: types.WorkerHealth{OK: true, Loaded: false}}
	tg := New(store, llm, llmWorker(), &worker.LoadState{}, clock.NewClock())

	tg.pass(context.Background())

	assert.Equal(t, llm.loads, 0)
	assert.Check(t, is.Len(store.marked, 0))
}

func TestPauseHoldsBackTagging(t *testing.T) {
	store := newFakeStore(&types.Generation{UUID: "g1", Prompt: "p", FilePath: "/nonexistent.png"})
	llm := &fakeLLM{health: types.WorkerHealth{OK: true, Loaded: true}, content: `["ok"]`}
	tg := New(store, llm, llmWorker(), &worker.LoadState{}, clock.NewClock())

	tg.Pause()
	tg.pass(context.Background())
	assert.Check(t, is.Len(store.marked, 0))

	tg.Resume()
	tg.pass(context.Background())
	assert.Check(t, is.Len(store.marked, 1))
}

func TestStopEndsRun(t *testing.T) {
	store := newFakeStore()
	llm := &fakeLLM{health: types.WorkerHealth{OK: true, Loaded: true}}
	tg := New(store, llm, llmWorker(), &worker.LoadState{}, clock.NewClock())

	done := make(chan struct{})
	go func() {
		tg.Run(context.Background())
		close(done)
	}()

	// let the loop reach its wait before stopping
	time.Sleep(20 * time.Millisecond)
	tg.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after Stop")
	}
}

func TestRunWakesOnClockDeadline(t *testing.T) {
	fc := fakeclock.NewFakeClock(time.Now())
	store := newFakeStore(&types.Generation{UUID: "g1", Prompt: "p", FilePath: "/nonexistent.png"})
	llm := &fakeLLM{health: types.WorkerHealth{OK: true, Loaded: true}, content: `{"tags":["ok"]}`}
	tg := New(store, llm, llmWorker(), &worker.LoadState{}, fc)

	done := make(chan struct{})
	go func() {
		tg.Run(context.Background())
		close(done)
	}()
	defer func() {
		tg.Stop()
		<-done
	}()

	// no wall time passes; advancing the fake clock alone triggers a pass
	fc.WaitForWatcherAndIncrement(waitDeadline)
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		store.mu.Lock()
		defer store.mu.Unlock()
		if len(store.marked) > 0 {
			return poll.Success()
		}
		return poll.Continue("no tagging pass has run")
	}, poll.WithTimeout(2*time.Second))
}

func TestNotifyWakesRunEarly(t *testing.T) {
	fc := fakeclock.NewFakeClock(time.Now())
	store := newFakeStore(&types.Generation{UUID: "g1", Prompt: "p", FilePath: "/nonexistent.png"})
	llm := &fakeLLM{health: types.WorkerHealth{OK: true, Loaded: true}, content: `{"tags":["ok"]}`}
	tg := New(store, llm, llmWorker(), &worker.LoadState{}, fc)

	done := make(chan struct{})
	go func() {
		tg.Run(context.Background())
		close(done)
	}()
	defer func() {
		tg.Stop()
		<-done
	}()

	tg.Notify()
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		store.mu.Lock()
		defer store.mu.Unlock()
		if len(store.marked) > 0 {
			return poll.Success()
		}
		return poll.Continue("notify did not wake the loop")
	}, poll.WithTimeout(2*time.Second))
}

func TestShortTagFilterOnRealResponse(t *testing.T) {
	got := extractTags(`{"tags": ["", "a", "portrait", "hi"]}`)
	assert.DeepEqual(t, got, []string{"portrait", "hi"})
}
