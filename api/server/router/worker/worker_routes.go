package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"github.com/mystilabs/mysti/api/server/httputils"
	"github.com/mystilabs/mysti/api/types"
)

func (wr *workerRouter) proxySD(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	return wr.proxy.Forward(w, r, wr.backend.SDTarget())
}

func (wr *workerRouter) proxyLLM(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	return wr.proxy.Forward(w, r, wr.backend.LLMTarget())
}

func (wr *workerRouter) postModelUnload(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	rec := &statusRecorder{ResponseWriter: w}
	if err := wr.proxy.Forward(rec, r, wr.backend.SDTarget()); err != nil {
		return err
	}
	if rec.ok() {
		wr.backend.NoteModelUnloaded(types.WorkerSD)
	}
	return nil
}

func (wr *workerRouter) postLLMUnload(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	rec := &statusRecorder{ResponseWriter: w}
	if err := wr.proxy.Forward(rec, r, wr.backend.LLMTarget()); err != nil {
		return err
	}
	if rec.ok() {
		wr.backend.NoteModelUnloaded(types.WorkerLLM)
	}
	return nil
}

// postModelLoad merges companion paths from the model's stored metadata into
// the request, forwards it, and captures the final body as the SD recovery
// payload when the worker accepts it.
func (wr *workerRouter) postModelLoad(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	return wr.interceptLoad(ctx, w, r, types.WorkerSD, wr.backend.SDTarget())
}

func (wr *workerRouter) postLLMLoad(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	return wr.interceptLoad(ctx, w, r, types.WorkerLLM, wr.backend.LLMTarget())
}

func (wr *workerRouter) interceptLoad(ctx context.Context, w http.ResponseWriter, r *http.Request, workerName, target string) error {
	body, err := httputils.RawBody(r)
	if err != nil {
		return err
	}
	merged, err := wr.backend.PrepareModelLoad(ctx, workerName, body)
	if err != nil {
		return err
	}

	rec := &statusRecorder{ResponseWriter: w}
	if err := wr.proxy.ForwardBody(rec, r, target, merged); err != nil {
		return err
	}
	if rec.ok() {
		wr.backend.NoteModelLoaded(ctx, workerName, merged)
	}
	return nil
}

func (wr *workerRouter) getStreamProgress(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	tee := newProgressTee(w, wr.backend.MirrorProgress)
	return wr.proxy.Forward(tee, r, wr.backend.SDTarget())
}

func (wr *workerRouter) postGenerate(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	body, err := httputils.RawBody(r)
	if err != nil {
		return err
	}
	status, respBody, err := wr.backend.Generate(ctx, body)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err = w.Write(respBody)
	return err
}

// statusRecorder remembers the status code written to the client so the
// intercepting routes can act on upstream success after the response has
// been relayed.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.code = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.code == 0 {
		sr.code = http.StatusOK
	}
	return sr.ResponseWriter.Write(b)
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) ok() bool {
	return sr.code == 0 || sr.code == http.StatusOK
}

// progressTee relays the SSE byte stream to the client while mirroring each
// complete "data:" frame to the WebSocket broadcaster. Keepalive comments
// are passed through but not mirrored.
type progressTee struct {
	http.ResponseWriter
	mirror func(json.RawMessage)
	buf    bytes.Buffer
}

func newProgressTee(w http.ResponseWriter, mirror func(json.RawMessage)) *progressTee {
	return &progressTee{ResponseWriter: w, mirror: mirror}
}

func (t *progressTee) Write(b []byte) (int, error) {
	t.buf.Write(b)
	for {
		line, err := t.buf.ReadString('\n')
		if err != nil {
			// partial line: keep it buffered for the next write
			t.buf.Reset()
			t.buf.WriteString(line)
			break
		}
		t.mirrorLine(line)
	}
	return t.ResponseWriter.Write(b)
}

func (t *progressTee) mirrorLine(line string) {
	const prefix = "data: "
	if len(line) <= len(prefix) || line[:len(prefix)] != prefix {
		return
	}
	payload := bytes.TrimSpace([]byte(line[len(prefix):]))
	if len(payload) == 0 || !json.Valid(payload) {
		return
	}
	t.mirror(json.RawMessage(payload))
}

func (t *progressTee) Flush() {
	if f, ok := t.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
