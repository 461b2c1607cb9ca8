package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strings"

	"github.com/containerd/log"
	metrics "github.com/docker/go-metrics"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/mystilabs/mysti/api/types"
	"github.com/mystilabs/mysti/daemon/health"
	"github.com/mystilabs/mysti/daemon/library"
	"github.com/mystilabs/mysti/daemon/resources"
	"github.com/mystilabs/mysti/daemon/worker"
	"github.com/mystilabs/mysti/errdefs"
)

const (
	// workingSetPerMegapixelGB estimates diffusion working memory beyond
	// the model weights; scaled by the requested output size.
	workingSetPerMegapixelGB = 1.2
	defaultLLMLoadGB         = 4.0
)

// SDTarget returns the diffusion worker's host:port.
func (d *Daemon) SDTarget() string { return d.sdWorker.Target() }

// LLMTarget returns the LLM worker's host:port.
func (d *Daemon) LLMTarget() string { return d.llmWorker.Target() }

// activeSDModel returns the model id from the captured last-load body, or "".
func (d *Daemon) activeSDModel() string {
	body, _, ok := d.sdLoad.Peek()
	if !ok {
		return ""
	}
	var req struct {
		ModelID string `json:"model_id"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return ""
	}
	return req.ModelID
}

// Generate runs the generation hot path: metadata enrichment, VRAM
// arbitration, hint threading, tagger pause, forwarding and persistence.
func (d *Daemon) Generate(ctx context.Context, body []byte) (int, []byte, error) {
	defer metrics.StartTimer(generationTime)()

	var req map[string]interface{}
	if err := json.Unmarshal(body, &req); err != nil {
		return 0, nil, errdefs.InvalidParameter(errors.Wrap(err, "parsing generation request"))
	}

	modelID := d.activeSDModel()
	meta := d.modelDefaults(modelID)
	fillUnset(req, meta)

	width := numField(req, "width", 512)
	height := numField(req, "height", 512)
	megapixels := width * height / 1e6

	base, ok := d.res.Footprint(modelID)
	if !ok {
		base = numField(meta, "vram_gb", 0)
	}
	estimate := base + workingSetPerMegapixelGB*megapixels
	if base == 0 {
		// no learned footprint and no metadata hint; the arbiter applies
		// its own default base
		estimate = numField(req, "estimated_vram_gb", workingSetPerMegapixelGB*megapixels+2.5)
	}

	dec, err := d.res.AdmitGeneration(ctx, resources.GenerationRequest{
		EstimatedTotalGB: estimate,
		Megapixels:       megapixels,
		ModelID:          modelID,
		BaseOverrideGB:   numField(req, "base_vram_gb", 0),
		ClipSizeGB:       numField(meta, "clip_size_gb", 0),
	})
	if err != nil {
		return 0, nil, err
	}
	if !dec.Admit {
		rejectedGenerations.Inc()
		return 0, nil, errdefs.Unavailable(errors.Errorf(
			"not enough free VRAM for a %.1f megapixel generation", megapixels))
	}
	defer d.res.Uncommit(dec.CommittedGB)

	if dec.ClipOffload {
		req["clip_offload"] = true
	}
	if dec.VAETiling {
		req["vae_tiling"] = true
	}

	forward, err := json.Marshal(req)
	if err != nil {
		return 0, nil, err
	}

	d.tagger.Pause()
	defer d.tagger.Resume()

	status, resp, err := d.client.PostRaw(ctx, d.sdWorker, "/v1/images/generations", forward)
	if err != nil {
		return 0, nil, err
	}
	if status == http.StatusOK {
		d.persistGeneration(ctx, req, forward, resp, modelID)
		d.tagger.Notify()
	}
	return status, resp, nil
}

// persistGeneration records the finished generation. Persistence failures
// are logged and dropped; the client already has its image.
func (d *Daemon) persistGeneration(ctx context.Context, req map[string]interface{}, params, resp []byte, modelID string) {
	var result types.GenerationResult
	if err := json.Unmarshal(resp, &result); err != nil {
		log.G(ctx).WithError(err).Warn("unparsable generation response, not persisting")
		return
	}

	gen := &types.Generation{
		UUID:              generationUUID(result),
		Prompt:            strField(req, "prompt"),
		NegativePrompt:    strField(req, "negative_prompt"),
		Seed:              int64(numField(req, "seed", 0)),
		Width:             int(numField(req, "width", 0)),
		Height:            int(numField(req, "height", 0)),
		Steps:             int(numField(req, "steps", 0)),
		CfgScale:          numField(req, "cfg_scale", 0),
		GenerationTimeSec: result.GenerationTime,
		ModelID:           modelID,
		ParamsJSON:        string(params),
		ParentUUID:        strField(req, "parent_uuid"),
	}
	if len(result.Data) > 0 {
		gen.FilePath = result.Data[0].URL
		if result.Data[0].Seed != 0 {
			gen.Seed = result.Data[0].Seed
		}
	}
	if err := d.lib.InsertGeneration(gen); err != nil {
		log.G(ctx).WithError(err).WithField("uuid", gen.UUID).Warn("persisting generation failed")
	}
}

// generationUUID prefers the worker-assigned id, falls back to the file
// URL's last path segment, and mints one as a last resort.
func generationUUID(result types.GenerationResult) string {
	if result.ID != "" {
		return result.ID
	}
	if len(result.Data) > 0 && result.Data[0].URL != "" {
		seg := result.Data[0].URL
		if i := strings.LastIndexByte(seg, '/'); i >= 0 {
			seg = seg[i+1:]
		}
		if i := strings.LastIndexByte(seg, '.'); i > 0 {
			seg = seg[:i]
		}
		if seg != "" {
			return seg
		}
	}
	return uuid.New().String()
}

// PrepareModelLoad enriches a load body before it is forwarded. For the
// diffusion worker the stored model metadata contributes companion
// component paths the client left out. For the LLM worker the load is
// admitted through the resource manager first.
func (d *Daemon) PrepareModelLoad(ctx context.Context, workerName string, body []byte) ([]byte, error) {
	var req map[string]interface{}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, errdefs.InvalidParameter(errors.Wrap(err, "parsing load request"))
	}
	modelID := strField(req, "model_id")
	if modelID == "" {
		return nil, errdefs.InvalidParameter(errors.New("model_id is required"))
	}

	switch workerName {
	case types.WorkerSD:
		meta := d.modelDefaults(modelID)
		for _, k := range []string{"vae", "clip_l", "clip_g", "t5xxl", "llm"} {
			if _, set := req[k]; set {
				continue
			}
			if v := strField(meta, k); v != "" {
				req[k] = v
			}
		}
	case types.WorkerLLM:
		gb := numField(req, "vram_gb", defaultLLMLoadGB)
		if gb <= 0 {
			gb = defaultLLMLoadGB
		}
		committed, err := d.res.AdmitLLMLoad(ctx, gb)
		if err != nil {
			return nil, err
		}
		d.pendingLLMCommit.Store(committed)
		if _, set := req["n_gpu_layers"]; !set {
			req["n_gpu_layers"] = -1
		}
	default:
		return nil, errdefs.InvalidParameter(errors.Errorf("unknown worker %q", workerName))
	}
	return json.Marshal(req)
}

// NoteModelLoaded captures the final body for crash recovery and clears
// the worker's safe-mode latch.
func (d *Daemon) NoteModelLoaded(ctx context.Context, workerName string, body []byte) {
	d.loadStateFor(workerName).Capture(body)
	d.mon.NoteSuccessfulLoad(workerName)
	if workerName == types.WorkerLLM {
		d.releaseLLMCommit()
	}
	log.G(ctx).WithField("worker", workerName).Info("model load recorded")
}

// NoteModelUnloaded drops the captured load state for the worker.
func (d *Daemon) NoteModelUnloaded(workerName string) {
	d.loadStateFor(workerName).Clear()
}

// MirrorProgress re-broadcasts one SSE progress frame to WebSocket clients.
func (d *Daemon) MirrorProgress(data json.RawMessage) {
	d.bc.SendProgress(data)
}

func (d *Daemon) loadStateFor(workerName string) *worker.LoadState {
	if workerName == types.WorkerLLM {
		return d.llmLoad
	}
	return d.sdLoad
}

// releaseLLMCommit returns the provisional LLM-load reservation once the
// load has settled either way.
func (d *Daemon) releaseLLMCommit() {
	if gb, _ := d.pendingLLMCommit.Swap(0.0).(float64); gb > 0 {
		d.res.Uncommit(gb)
	}
}

// modelDefaults returns the stored metadata for a model as a generic map,
// or an empty map.
func (d *Daemon) modelDefaults(modelID string) map[string]interface{} {
	if modelID == "" {
		return map[string]interface{}{}
	}
	raw, err := d.lib.GetModelMetadata(modelID)
	if err != nil || raw == nil {
		return map[string]interface{}{}
	}
	var meta map[string]interface{}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return map[string]interface{}{}
	}
	return meta
}

// fillUnset copies width/height/steps/cfg_scale from metadata into the
// request when the client left them unset or zero. User-supplied values
// are never overwritten.
func fillUnset(req, meta map[string]interface{}) {
	for _, k := range []string{"width", "height", "steps", "cfg_scale"} {
		if numField(req, k, 0) != 0 {
			continue
		}
		if v := numField(meta, k, 0); v != 0 {
			req[k] = v
		}
	}
}

func numField(m map[string]interface{}, key string, def float64) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return def
		}
		return f
	default:
		return def
	}
}

func strField(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

//
// history router backend
//

func (d *Daemon) ListGenerations(opts library.ListOptions) ([]*types.Generation, error) {
	return d.lib.ListGenerations(opts)
}

func (d *Daemon) SearchGenerations(query string, limit int) ([]*types.Generation, error) {
	return d.lib.SearchGenerations(query, limit)
}

func (d *Daemon) GetGeneration(uuid string) (*types.Generation, error) {
	return d.lib.GetGeneration(uuid)
}

// DeleteGeneration removes the row and, when asked, the image file.
func (d *Daemon) DeleteGeneration(uuid string, deleteFile bool) error {
	path, err := d.lib.DeleteGeneration(uuid)
	if err != nil {
		return err
	}
	if deleteFile && path != "" {
		if err := os.Remove(d.resolveOutputPath(path)); err != nil && !os.IsNotExist(err) {
			log.L.WithError(err).WithField("path", path).Warn("deleting image file failed")
		}
	}
	return nil
}

// resolveOutputPath maps a stored /outputs/… URL onto the output directory.
func (d *Daemon) resolveOutputPath(p string) string {
	trimmed := strings.TrimPrefix(p, "/")
	if rest, ok := strings.CutPrefix(trimmed, "outputs/"); ok {
		return d.config.OutputDir + "/" + rest
	}
	return trimmed
}

func (d *Daemon) AddTags(uuid string, names []string, source string, confidence float64) error {
	return d.lib.AddTags(uuid, names, source, confidence)
}

func (d *Daemon) RemoveTag(uuid, name string) error { return d.lib.RemoveTag(uuid, name) }
func (d *Daemon) ListTags() ([]types.TagCount, error) {
	return d.lib.ListTags()
}
func (d *Daemon) CleanupTags() (int, error) { return d.lib.CleanupTags() }

func (d *Daemon) SetFavorite(uuid string, favorite bool) error {
	return d.lib.SetFavorite(uuid, favorite)
}
func (d *Daemon) SetRating(uuid string, rating int) error { return d.lib.SetRating(uuid, rating) }

//
// styles router backend
//

func (d *Daemon) SaveStyle(s *types.Style) (int64, error) { return d.lib.SaveStyle(s) }
func (d *Daemon) GetStyle(name string) (*types.Style, error) {
	return d.lib.GetStyle(name)
}
func (d *Daemon) ListStyles() ([]types.Style, error) { return d.lib.ListStyles() }
func (d *Daemon) DeleteStyle(name string) error      { return d.lib.DeleteStyle(name) }

const extractStylePrompt = `You extract reusable image-generation styles. Given a prompt, respond with JSON: {"name": short style name, "prompt": style template containing the literal placeholder {prompt}, "negative_prompt": style negatives}. Respond with JSON only.`

// ExtractStyle asks the LLM to distill a reusable style from a prompt and
// upserts the result.
func (d *Daemon) ExtractStyle(ctx context.Context, prompt string) (*types.Style, error) {
	if prompt == "" {
		return nil, errdefs.InvalidParameter(errors.New("prompt is required"))
	}
	content, err := d.chat(ctx, extractStylePrompt, prompt)
	if err != nil {
		return nil, err
	}

	var style types.Style
	if err := json.Unmarshal(extractJSONObject(content), &style); err != nil {
		return nil, errdefs.InvalidParameter(errors.Wrap(err, "LLM returned an unparsable style"))
	}
	if style.Name == "" {
		return nil, errdefs.InvalidParameter(errors.New("LLM returned a style without a name"))
	}
	id, err := d.lib.SaveStyle(&style)
	if err != nil {
		return nil, err
	}
	style.ID = id
	return &style, nil
}

// extractJSONObject trims prose and code fences around an LLM JSON reply.
func extractJSONObject(s string) []byte {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start >= 0 && end > start {
		return []byte(s[start : end+1])
	}
	return []byte(s)
}

// EnqueueStylePreviews queues a preview-render job for every style that has
// no preview image yet.
func (d *Daemon) EnqueueStylePreviews() (int, error) {
	names, err := d.lib.StylesWithoutPreview()
	if err != nil {
		return 0, err
	}
	queued := 0
	for _, name := range names {
		payload, _ := json.Marshal(map[string]string{"style": name})
		if _, err := d.lib.EnqueueJob("style_preview", string(payload), 0); err != nil {
			log.L.WithError(err).WithField("style", name).Warn("enqueueing preview job failed")
			continue
		}
		queued++
	}
	return queued, nil
}

func (d *Daemon) SaveLibraryItem(item *types.LibraryItem) (int64, error) {
	return d.lib.SaveLibraryItem(item)
}

func (d *Daemon) ListLibraryItems(category string) ([]types.LibraryItem, error) {
	return d.lib.ListLibraryItems(category)
}

func (d *Daemon) TouchLibraryItem(id int64) error  { return d.lib.TouchLibraryItem(id) }
func (d *Daemon) DeleteLibraryItem(id int64) error { return d.lib.DeleteLibraryItem(id) }

//
// presets router backend
//

func (d *Daemon) SaveImagePreset(p *types.ImagePreset) (int64, error) {
	return d.lib.SaveImagePreset(p)
}

func (d *Daemon) GetImagePreset(name string) (*types.ImagePreset, error) {
	return d.lib.GetImagePreset(name)
}

func (d *Daemon) ListImagePresets() ([]types.ImagePreset, error) { return d.lib.ListImagePresets() }
func (d *Daemon) DeleteImagePreset(name string) error            { return d.lib.DeleteImagePreset(name) }

// LoadImagePreset materializes the preset's component paths into a load
// request and pushes it through the intercepting load path.
func (d *Daemon) LoadImagePreset(ctx context.Context, name string) (int, []byte, error) {
	p, err := d.lib.GetImagePreset(name)
	if err != nil {
		return 0, nil, err
	}
	if p == nil {
		return 0, nil, errdefs.NotFound(errors.Errorf("no image preset named %q", name))
	}

	req := map[string]interface{}{"model_id": p.UNetPath}
	for k, v := range map[string]string{
		"vae": p.VAEPath, "clip_l": p.ClipLPath, "clip_g": p.ClipGPath, "t5xxl": p.T5XXLPath,
	} {
		if v != "" {
			req[k] = v
		}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return 0, nil, err
	}

	prepared, err := d.PrepareModelLoad(ctx, types.WorkerSD, body)
	if err != nil {
		return 0, nil, err
	}
	status, resp, err := d.client.PostRaw(ctx, d.sdWorker, d.sdWorker.LoadPath, prepared)
	if err != nil {
		return 0, nil, err
	}
	if status == http.StatusOK {
		d.NoteModelLoaded(ctx, types.WorkerSD, prepared)
		if p.VRAMGB > 0 {
			d.res.LearnFootprint(p.UNetPath, p.VRAMGB)
		}
	}
	return status, resp, nil
}

func (d *Daemon) SaveLlmPreset(p *types.LlmPreset) (int64, error) { return d.lib.SaveLlmPreset(p) }
func (d *Daemon) GetLlmPreset(name string) (*types.LlmPreset, error) {
	return d.lib.GetLlmPreset(name)
}
func (d *Daemon) ListLlmPresets() ([]types.LlmPreset, error) { return d.lib.ListLlmPresets() }
func (d *Daemon) DeleteLlmPreset(name string) error          { return d.lib.DeleteLlmPreset(name) }

//
// system router backend
//

// SystemHealth aggregates worker states and GPU telemetry.
func (d *Daemon) SystemHealth(ctx context.Context) types.SystemHealth {
	sdState, _ := d.mon.Status(types.WorkerSD)
	llmState, _ := d.mon.Status(types.WorkerLLM)

	status := "ok"
	if sdState != health.StateUp || llmState != health.StateUp {
		status = "degraded"
	}

	total, err := d.mem.Total(ctx)
	if err != nil {
		log.G(ctx).WithError(err).Debug("GPU total query failed")
	}
	free, err := d.mem.Free(ctx)
	if err != nil {
		log.G(ctx).WithError(err).Debug("GPU free query failed")
	}

	return types.SystemHealth{
		Status:      status,
		SDWorker:    string(sdState),
		LLMWorker:   string(llmState),
		VRAMTotalGB: total,
		VRAMFreeGB:  free,
	}
}

func (d *Daemon) SetModelMetadata(modelID string, metadata json.RawMessage) error {
	return d.lib.SetModelMetadata(modelID, metadata)
}

func (d *Daemon) GetModelMetadata(modelID string) (json.RawMessage, error) {
	return d.lib.GetModelMetadata(modelID)
}

func (d *Daemon) AllModelMetadata() (map[string]json.RawMessage, error) {
	return d.lib.AllModelMetadata()
}

const enhancePrompt = `You improve prompts for an image-generation model. Rewrite the given prompt with richer composition, lighting and detail keywords while preserving the subject. Respond with the improved prompt only, no commentary.`

// ExecuteTool runs a named server-side tool backed by the LLM worker.
func (d *Daemon) ExecuteTool(ctx context.Context, name string, arguments json.RawMessage) (json.RawMessage, error) {
	var args map[string]interface{}
	if len(arguments) > 0 {
		if err := json.Unmarshal(arguments, &args); err != nil {
			return nil, errdefs.InvalidParameter(errors.Wrap(err, "parsing tool arguments"))
		}
	}

	switch name {
	case "enhance_prompt":
		prompt := strField(args, "prompt")
		if prompt == "" {
			return nil, errdefs.InvalidParameter(errors.New("enhance_prompt needs a prompt argument"))
		}
		content, err := d.chat(ctx, enhancePrompt, prompt)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{"prompt": strings.TrimSpace(content)})
	default:
		return nil, errdefs.InvalidParameter(errors.Errorf("unknown tool %q", name))
	}
}

func (d *Daemon) ListJobs(limit int) ([]types.Job, error) { return d.lib.ListJobs(limit) }

// chat issues a single non-streaming chat completion against the LLM worker
// and returns the assistant content.
func (d *Daemon) chat(ctx context.Context, system, user string) (string, error) {
	body, err := json.Marshal(map[string]interface{}{
		"messages": []map[string]string{
			{"role": "system", "content": system},
			{"role": "user", "content": user},
		},
		"temperature": 0.3,
		"stream":      false,
	})
	if err != nil {
		return "", err
	}
	raw, err := d.client.ChatCompletion(ctx, d.llmWorker, body)
	if err != nil {
		return "", errdefs.Unavailable(err)
	}

	var resp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", errors.Wrap(err, "decoding chat completion")
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
