// Package types holds the wire and storage types shared between the
// orchestrator daemon, the API routers, and the worker clients.
package types

import "time"

// Worker names as used in routing, health reporting and log fields.
const (
	WorkerSD  = "sd"
	WorkerLLM = "llm"
)

// WorkerHealth is the response body of a worker's GET /internal/health.
type WorkerHealth struct {
	OK         bool    `json:"ok"`
	Loaded     bool    `json:"loaded"`
	VRAMGB     float64 `json:"vram_gb"`
	ModelPath  string  `json:"model_path,omitempty"`
	MMProjPath string  `json:"mmproj_path,omitempty"`
}

// Multimodal reports whether the worker has a vision projector loaded.
func (h WorkerHealth) Multimodal() bool {
	return h.MMProjPath != ""
}

// GeneratedImage is one element of the SD worker's generation response.
type GeneratedImage struct {
	URL  string `json:"url"`
	Seed int64  `json:"seed,omitempty"`
}

// GenerationResult is the SD worker's response to POST /v1/images/generations.
type GenerationResult struct {
	ID             string           `json:"id"`
	Data           []GeneratedImage `json:"data"`
	GenerationTime float64          `json:"generation_time"`
}

// Generation is a persisted image generation.
type Generation struct {
	UUID              string    `json:"uuid"`
	FilePath          string    `json:"file_path"`
	Prompt            string    `json:"prompt"`
	NegativePrompt    string    `json:"negative_prompt,omitempty"`
	Seed              int64     `json:"seed"`
	Width             int       `json:"width"`
	Height            int       `json:"height"`
	Steps             int       `json:"steps"`
	CfgScale          float64   `json:"cfg_scale"`
	GenerationTimeSec float64   `json:"generation_time_sec"`
	ModelID           string    `json:"model_id,omitempty"`
	IsFavorite        bool      `json:"is_favorite"`
	Rating            int       `json:"rating"`
	AutoTagged        bool      `json:"auto_tagged"`
	ParamsJSON        string    `json:"params_json,omitempty"`
	ParentUUID        string    `json:"parent_uuid,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
	Tags              []string  `json:"tags"`
}

// Tag sources recorded on generation/tag edges.
const (
	TagSourceUser   = "user"
	TagSourceVision = "llm_vision"
	TagSourceAuto   = "llm_auto"
	TagSourceImport = "import"
)

// TagCount is a tag with the number of generations referencing it.
type TagCount struct {
	Name     string `json:"name"`
	Category string `json:"category,omitempty"`
	Count    int    `json:"count"`
}

// Style is a reusable prompt modifier. Prompt either contains a "{prompt}"
// placeholder or is joined to the user prompt as a suffix.
type Style struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
	PreviewPath    string `json:"preview_path,omitempty"`
}

// LibraryItem is a stored prompt snippet.
type LibraryItem struct {
	ID          int64  `json:"id"`
	Label       string `json:"label"`
	Content     string `json:"content"`
	Category    string `json:"category,omitempty"`
	UsageCount  int    `json:"usage_count"`
	PreviewPath string `json:"preview_path,omitempty"`
}

// Job statuses.
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
)

// Job is an asynchronous work item consumed in priority desc, created_at asc
// order.
type Job struct {
	ID          int64     `json:"id"`
	Type        string    `json:"type"`
	PayloadJSON string    `json:"payload_json"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	Priority    int       `json:"priority"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ImagePreset is a named bundle of diffusion model component paths plus
// parameter defaults and a measured VRAM footprint.
type ImagePreset struct {
	ID         int64   `json:"id"`
	Name       string  `json:"name"`
	UNetPath   string  `json:"unet_path"`
	VAEPath    string  `json:"vae_path"`
	ClipLPath  string  `json:"clip_l_path"`
	ClipGPath  string  `json:"clip_g_path"`
	T5XXLPath  string  `json:"t5xxl_path"`
	ParamsJSON string  `json:"params_json,omitempty"`
	VRAMGB     float64 `json:"vram_gb"`
}

// LlmPreset is the LLM-side counterpart of ImagePreset.
type LlmPreset struct {
	ID           int64    `json:"id"`
	Name         string   `json:"name"`
	ModelPath    string   `json:"model_path"`
	MMProjPath   string   `json:"mmproj_path,omitempty"`
	ContextSize  int      `json:"n_ctx,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Role         string   `json:"role,omitempty"`
}

// SystemHealth is the body of the public GET /health.
type SystemHealth struct {
	Status      string  `json:"status"`
	SDWorker    string  `json:"sd_worker"`
	LLMWorker   string  `json:"llm_worker"`
	VRAMTotalGB float64 `json:"vram_total_gb"`
	VRAMFreeGB  float64 `json:"vram_free_gb"`
}

// ErrorResponse is the JSON body returned for failed API calls.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
