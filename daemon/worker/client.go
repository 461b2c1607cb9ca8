package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/mystilabs/mysti/api/types"
	"github.com/mystilabs/mysti/errdefs"
)

// TokenHeader carries the shared secret on orchestrator→worker calls.
const TokenHeader = "X-Internal-Token"

const (
	probeTimeout   = 1 * time.Second
	controlTimeout = 30 * time.Second
	loadTimeout    = 600 * time.Second
)

// Client issues control-plane calls against worker processes. It is safe
// for concurrent use.
type Client struct {
	token   string
	probe   *http.Client
	control *http.Client
	load    *http.Client
}

// NewClient creates a control client using the given shared secret.
func NewClient(token string) *Client {
	return &Client{
		token:   token,
		probe:   &http.Client{Timeout: probeTimeout},
		control: &http.Client{Timeout: controlTimeout},
		load:    &http.Client{Timeout: loadTimeout},
	}
}

// Health probes GET /internal/health. Any transport or non-200 failure is
// returned as an error; three consecutive failures mark a worker
// unresponsive in the health monitor.
func (c *Client) Health(ctx context.Context, w *Worker) (*types.WorkerHealth, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.URL("/internal/health"), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(TokenHeader, c.token)

	resp, err := c.probe.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s worker health probe", w.Name)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("%s worker health returned %d", w.Name, resp.StatusCode)
	}
	var h types.WorkerHealth
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, errors.Wrapf(err, "decoding %s worker health", w.Name)
	}
	return &h, nil
}

// Load replays a model-load body against the worker's load route. Model
// loads can take minutes, so this uses the long client.
func (c *Client) Load(ctx context.Context, w *Worker, body []byte) error {
	return c.post(ctx, c.load, w, w.LoadPath, body)
}

// Unload frees the worker's model weights entirely.
func (c *Client) Unload(ctx context.Context, w *Worker) error {
	return c.post(ctx, c.control, w, unloadPath(w), nil)
}

// Offload asks the worker to move its weights to CPU RAM, keeping them
// pageable.
func (c *Client) Offload(ctx context.Context, w *Worker) error {
	return c.post(ctx, c.control, w, offloadPath(w), nil)
}

// Shutdown requests a best-effort graceful exit.
func (c *Client) Shutdown(ctx context.Context, w *Worker) error {
	return c.post(ctx, c.control, w, "/internal/shutdown", nil)
}

// ChatCompletion posts a chat-completion request to the LLM worker and
// returns the raw response body.
func (c *Client) ChatCompletion(ctx context.Context, w *Worker, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL("/v1/chat/completions"), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(TokenHeader, c.token)

	resp, err := c.load.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s worker chat completion", w.Name)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("%s worker returned %d: %.200s", w.Name, resp.StatusCode, raw)
	}
	return raw, nil
}

// PostRaw issues a buffered POST against the worker using the long-timeout
// client and returns the upstream status code and body verbatim. Used where
// the caller relays the worker response to its own client.
func (c *Client) PostRaw(ctx context.Context, w *Worker, path string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL(path), bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(TokenHeader, c.token)

	resp, err := c.load.Do(req)
	if err != nil {
		return 0, nil, errdefs.Unavailable(errors.Wrapf(err, "%s worker %s", w.Name, path))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, raw, nil
}

func (c *Client) post(ctx context.Context, client *http.Client, w *Worker, path string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL(path), bytes.NewReader(body))
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(TokenHeader, c.token)

	resp, err := client.Do(req)
	if err != nil {
		return errdefs.Unavailable(errors.Wrapf(err, "%s worker %s", w.Name, path))
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("%s worker %s returned %d", w.Name, path, resp.StatusCode)
	}
	return nil
}

func unloadPath(w *Worker) string {
	if w.Name == types.WorkerLLM {
		return "/v1/llm/unload"
	}
	return "/v1/models/unload"
}

func offloadPath(w *Worker) string {
	if w.Name == types.WorkerLLM {
		return "/v1/llm/offload"
	}
	return "/v1/models/offload"
}

// LoadRoute returns the model-load path for a worker name.
func LoadRoute(name string) string {
	if name == types.WorkerLLM {
		return "/v1/llm/load"
	}
	return "/v1/models/load"
}
