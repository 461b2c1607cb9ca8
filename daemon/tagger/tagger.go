// Package tagger runs the background auto-tagging loop. It drains untagged
// generations from the library, asks the LLM worker for descriptive tags
// (vision-based when a multimodal projector is loaded) and writes them back.
package tagger

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/containerd/log"
	"github.com/sony/gobreaker"

	"github.com/mystilabs/mysti/api/types"
	"github.com/mystilabs/mysti/daemon/worker"
)

const (
	// waitDeadline bounds each loop iteration; Notify wakes it earlier.
	waitDeadline = 10 * time.Second
	// batchLimit caps how many generations one pass tags.
	batchLimit = 5
	// loadCooldown suppresses reload attempts after a failed LLM load.
	loadCooldown = 60 * time.Second

	tagConfidence = 0.8
)

const systemPrompt = `You are an image tagging assistant. Produce concise, ` +
	`lowercase tags describing subject, style, mood and composition. ` +
	`Respond with JSON: {"tags": ["tag1", "tag2", ...]}. No prose.`

// Store is the library surface the tagger uses.
type Store interface {
	Untagged(limit int) ([]*types.Generation, error)
	AddTags(uuid string, names []string, source string, confidence float64) error
	MarkAutoTagged(uuid string) error
}

// LLMClient is the worker control surface the tagger uses.
type LLMClient interface {
	Health(ctx context.Context, w *worker.Worker) (*types.WorkerHealth, error)
	Load(ctx context.Context, w *worker.Worker, body []byte) error
	ChatCompletion(ctx context.Context, w *worker.Worker, body []byte) ([]byte, error)
}

// Tagger is the background tagging loop. One instance, one goroutine.
type Tagger struct {
	store     Store
	client    LLMClient
	llm       *worker.Worker
	loadState *worker.LoadState
	clk       clock.Clock
	breaker   *gobreaker.CircuitBreaker

	notify chan struct{}
	quit   chan struct{}

	mu               sync.Mutex
	running          bool
	generationActive bool
	lastLoadFailure  time.Time
}

// New creates a Tagger. loadState is the LLM worker's captured load body,
// replayed when the tagger finds the model unloaded.
func New(store Store, client LLMClient, llm *worker.Worker, loadState *worker.LoadState, clk clock.Clock) *Tagger {
	return &Tagger{
		store:     store,
		client:    client,
		llm:       llm,
		loadState: loadState,
		clk:       clk,
		notify:    make(chan struct{}, 1),
		quit:      make(chan struct{}),
		running:   true,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "llm-tagging",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 3
			},
		}),
	}
}

// Notify wakes the loop early, typically after a new generation persists.
// Non-blocking; redundant wakes coalesce.
func (t *Tagger) Notify() {
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

// Pause suspends tagging while an image generation is in flight.
func (t *Tagger) Pause() {
	t.mu.Lock()
	t.generationActive = true
	t.mu.Unlock()
}

// Resume lifts the generation-active pause.
func (t *Tagger) Resume() {
	t.mu.Lock()
	t.generationActive = false
	t.mu.Unlock()
	t.Notify()
}

// Stop ends the loop at the next iteration boundary. Idempotent.
func (t *Tagger) Stop() {
	t.mu.Lock()
	if t.running {
		t.running = false
		close(t.quit)
	}
	t.mu.Unlock()
}

// Run executes the tagging loop until Stop is called or ctx is cancelled.
// Both the idle wake and the load cooldown run on the injected clock.
func (t *Tagger) Run(ctx context.Context) {
	for {
		wake := t.clk.NewTimer(waitDeadline)
		select {
		case <-ctx.Done():
			wake.Stop()
			return
		case <-t.quit:
			wake.Stop()
			return
		case <-t.notify:
		case <-wake.C():
		}
		wake.Stop()

		t.mu.Lock()
		active := t.generationActive
		t.mu.Unlock()
		if active {
			continue
		}
		t.pass(ctx)
	}
}

// pass tags up to batchLimit generations. Exported to the loop only; tests
// drive it directly.
func (t *Tagger) pass(ctx context.Context) {
	gens, err := t.store.Untagged(batchLimit)
	if err != nil {
		log.G(ctx).WithError(err).Warn("tagger: listing untagged generations failed")
		return
	}
	if len(gens) == 0 {
		return
	}

	h, ok := t.ensureLoaded(ctx)
	if !ok {
		return
	}

	for _, g := range gens {
		t.mu.Lock()
		active := t.generationActive
		t.mu.Unlock()
		if active {
			return
		}
		t.tagOne(ctx, h, g)
	}
}

// ensureLoaded verifies the LLM holds a model, replaying the captured load
// body if not. A failed reload backs off for loadCooldown.
func (t *Tagger) ensureLoaded(ctx context.Context) (*types.WorkerHealth, bool) {
	h, err := t.client.Health(ctx, t.llm)
	if err != nil {
		return nil, false
	}
	if h.Loaded {
		return h, true
	}

	t.mu.Lock()
	inCooldown := !t.lastLoadFailure.IsZero() && t.clk.Since(t.lastLoadFailure) < loadCooldown
	t.mu.Unlock()
	if inCooldown {
		return nil, false
	}

	body, _, ok := t.loadState.Peek()
	if !ok {
		return nil, false
	}
	if err := t.client.Load(ctx, t.llm, body); err != nil {
		log.G(ctx).WithError(err).Warn("tagger: llm reload failed, backing off")
		t.mu.Lock()
		t.lastLoadFailure = t.clk.Now()
		t.mu.Unlock()
		return nil, false
	}
	t.mu.Lock()
	t.lastLoadFailure = time.Time{}
	t.mu.Unlock()

	h, err = t.client.Health(ctx, t.llm)
	if err != nil || !h.Loaded {
		return nil, false
	}
	return h, true
}

// tagOne asks the LLM for tags for one generation. The generation is marked
// tagged even when the model output cannot be parsed, so one bad image does
// not wedge the queue.
func (t *Tagger) tagOne(ctx context.Context, h *types.WorkerHealth, g *types.Generation) {
	body, source := t.buildRequest(ctx, h, g)

	raw, err := t.breaker.Execute(func() (interface{}, error) {
		return t.client.ChatCompletion(ctx, t.llm, body)
	})
	if err != nil {
		log.G(ctx).WithError(err).WithField("uuid", g.UUID).Warn("tagger: chat completion failed")
		return
	}

	tags := extractTags(completionContent(raw.([]byte)))
	if len(tags) > 0 {
		if err := t.store.AddTags(g.UUID, tags, source, tagConfidence); err != nil {
			log.G(ctx).WithError(err).WithField("uuid", g.UUID).Warn("tagger: storing tags failed")
		}
	}
	if err := t.store.MarkAutoTagged(g.UUID); err != nil {
		log.G(ctx).WithError(err).WithField("uuid", g.UUID).Warn("tagger: marking generation failed")
	}
}

type chatMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

type chatRequest struct {
	Messages       []chatMessage     `json:"messages"`
	ResponseFormat map[string]string `json:"response_format"`
	MaxTokens      int               `json:"max_tokens"`
	Temperature    float64           `json:"temperature"`
	Stream         bool              `json:"stream"`
}

// buildRequest assembles the chat-completion body. Vision mode attaches the
// image as a data URI when the worker reports a multimodal projector and the
// image bytes can be read; otherwise the prompt text stands in.
func (t *Tagger) buildRequest(ctx context.Context, h *types.WorkerHealth, g *types.Generation) (body []byte, source string) {
	var user interface{}
	source = types.TagSourceAuto
	user = "Generate tags for an image created from this prompt: " + g.Prompt

	if h.Multimodal() {
		if data, mimeType, err := readImage(g.FilePath); err == nil {
			uri := "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
			user = []map[string]interface{}{
				{"type": "image_url", "image_url": map[string]string{"url": uri}},
				{"type": "text", "text": "Generate tags for this image."},
			}
			source = types.TagSourceVision
		} else {
			log.G(ctx).WithError(err).WithField("uuid", g.UUID).Debug("tagger: image unreadable, falling back to prompt text")
		}
	}

	req := chatRequest{
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: user},
		},
		ResponseFormat: map[string]string{"type": "json_object"},
		MaxTokens:      256,
		Temperature:    0.2,
	}
	body, _ = json.Marshal(req)
	return body, source
}

// readImage loads the image bytes, resolving "/outputs/..." paths relative
// to the working directory, and sniffs the MIME type from the extension.
func readImage(path string) ([]byte, string, error) {
	data, err := os.ReadFile(path)
	if err != nil && filepath.IsAbs(path) {
		if rel := strings.TrimPrefix(path, "/"); rel != path {
			if d, rerr := os.ReadFile(rel); rerr == nil {
				data, err = d, nil
			}
		}
	}
	if err != nil {
		return nil, "", err
	}
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = "image/png"
	}
	return data, mimeType, nil
}

// completionContent pulls choices[0].message.content out of a raw
// chat-completion response.
func completionContent(raw []byte) string {
	var resp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || len(resp.Choices) == 0 {
		return ""
	}
	return resp.Choices[0].Message.Content
}
