package system

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/mystilabs/mysti/api/server"
	"github.com/mystilabs/mysti/api/server/middleware"
	"github.com/mystilabs/mysti/api/types"
)

type fakeBackend struct {
	metadata map[string]json.RawMessage
}

func (f *fakeBackend) SystemHealth(ctx context.Context) types.SystemHealth {
	return types.SystemHealth{
		Status:      "ok",
		SDWorker:    "up",
		LLMWorker:   "up",
		VRAMTotalGB: 24,
		VRAMFreeGB:  10,
	}
}

func (f *fakeBackend) SetModelMetadata(modelID string, metadata json.RawMessage) error {
	f.metadata[modelID] = metadata
	return nil
}

func (f *fakeBackend) GetModelMetadata(modelID string) (json.RawMessage, error) {
	return f.metadata[modelID], nil
}

func (f *fakeBackend) AllModelMetadata() (map[string]json.RawMessage, error) {
	return f.metadata, nil
}

func (f *fakeBackend) ExecuteTool(ctx context.Context, name string, arguments json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{"tool":"` + name + `"}`), nil
}

func (f *fakeBackend) ListJobs(limit int) ([]types.Job, error) {
	return []types.Job{{ID: 1, Type: "style_preview", Status: types.JobPending}}, nil
}

func newTestServer() *httptest.Server {
	srv := server.New()
	srv.UseMiddleware(middleware.CORSMiddleware)
	m := srv.CreateMux("", NewRouter(&fakeBackend{metadata: map[string]json.RawMessage{}}))
	return httptest.NewServer(m)
}

func TestGetHealth(t *testing.T) {
	ts := newTestServer()
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	assert.NilError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusOK)

	var h types.SystemHealth
	assert.NilError(t, json.NewDecoder(resp.Body).Decode(&h))
	assert.Equal(t, h.Status, "ok")
	assert.Equal(t, h.VRAMTotalGB, 24.0)
}

func TestMetadataRoundTrip(t *testing.T) {
	ts := newTestServer()
	defer ts.Close()

	body := strings.NewReader(`{"model_id":"sdxl","metadata":{"steps":30}}`)
	resp, err := http.Post(ts.URL+"/v1/models/metadata", "application/json", body)
	assert.NilError(t, err)
	resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusNoContent)

	resp, err = http.Get(ts.URL + "/v1/models/metadata/sdxl")
	assert.NilError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusOK)

	resp2, err := http.Get(ts.URL + "/v1/models/metadata/unknown")
	assert.NilError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, resp2.StatusCode, http.StatusNotFound)
}

func TestToolsExecuteValidation(t *testing.T) {
	ts := newTestServer()
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/tools/execute", "application/json", strings.NewReader(`{}`))
	assert.NilError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusBadRequest)

	var e types.ErrorResponse
	assert.NilError(t, json.NewDecoder(resp.Body).Decode(&e))
	assert.Check(t, is.Contains(e.Message, "tool name"))
}

func TestCORSPreflightShortCircuit(t *testing.T) {
	ts := newTestServer()
	defer ts.Close()

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/health", nil)
	assert.NilError(t, err)
	resp, err := http.DefaultClient.Do(req)
	assert.NilError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, resp.StatusCode, http.StatusNoContent)
	assert.Equal(t, resp.Header.Get("Access-Control-Allow-Origin"), "*")
}

func TestUnknownRouteReturnsJSON404(t *testing.T) {
	ts := newTestServer()
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/nope")
	assert.NilError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusNotFound)
	assert.Equal(t, resp.Header.Get("Content-Type"), "application/json")
}
