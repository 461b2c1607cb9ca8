package proxy

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func targetOf(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	u, err := url.Parse(srv.URL)
	assert.NilError(t, err)
	return u.Host
}

func TestBufferedRoundTrip(t *testing.T) {
	var gotToken string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get(TokenHeader)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Model", "sdxl")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"models":["sdxl"]}`)
	}))
	defer upstream.Close()

	p := New("sekrit")
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	assert.NilError(t, p.Forward(rec, req, targetOf(t, upstream)))

	assert.Equal(t, rec.Code, http.StatusOK)
	assert.Equal(t, gotToken, "sekrit")
	assert.Check(t, is.Equal(rec.Header().Get("Content-Type"), "application/json"))
	assert.Check(t, is.Equal(rec.Header().Get("X-Model"), "sdxl"))
	assert.Check(t, is.Contains(rec.Body.String(), "sdxl"))
}

func TestHopHeadersStripped(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Check(t, is.Equal(r.Header.Get("X-Keep"), "yes"))
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	p := New("tok")
	req := httptest.NewRequest(http.MethodGet, "/v1/config", nil)
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("X-Keep", "yes")
	rec := httptest.NewRecorder()
	assert.NilError(t, p.Forward(rec, req, targetOf(t, upstream)))
	assert.Equal(t, rec.Code, http.StatusOK)
}

func TestConnectFailure502(t *testing.T) {
	p := New("tok")
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	// nothing listens on this port
	assert.NilError(t, p.Forward(rec, req, "127.0.0.1:1"))

	assert.Equal(t, rec.Code, http.StatusBadGateway)
	var body map[string]string
	assert.NilError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Check(t, body["error"] != "")
}

func TestStreamingSSE(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		f := w.(http.Flusher)
		for i := 0; i < 3; i++ {
			fmt.Fprintf(w, "data: {\"step\":%d,\"steps\":20}\n\n", i)
			f.Flush()
		}
	}))
	defer upstream.Close()

	p := New("tok")

	// real server so the recorder side streams through an http.Flusher
	front := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NilError(t, p.Forward(w, r, targetOf(t, upstream)))
	}))
	defer front.Close()

	resp, err := http.Get(front.URL + "/v1/stream/progress")
	assert.NilError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, resp.StatusCode, http.StatusOK)
	assert.Check(t, is.Equal(resp.Header.Get("Content-Type"), "text/event-stream"))

	sc := bufio.NewScanner(resp.Body)
	var frames int
	for sc.Scan() {
		if strings.HasPrefix(sc.Text(), "data: ") {
			frames++
		}
	}
	assert.Equal(t, frames, 3)
}

func TestStreamingBodyFlag(t *testing.T) {
	requested := make(chan string, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		requested <- string(b)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	p := New("tok")
	body := `{"prompt":"hi","stream":true}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/other", strings.NewReader(body))
	rec := httptest.NewRecorder()
	assert.NilError(t, p.Forward(rec, req, targetOf(t, upstream)))

	select {
	case got := <-requested:
		assert.Equal(t, got, body)
	case <-time.After(5 * time.Second):
		t.Fatal("upstream never saw the request")
	}
}

func TestHeaderWaitTimeout504(t *testing.T) {
	if testing.Short() {
		t.Skip("waits out the header timeout")
	}
	stall := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-stall
	}))
	defer func() { close(stall); upstream.Close() }()

	p := New("tok")
	// shrink the wait so the test does not take 10s
	p.stream.Transport.(*http.Transport).ResponseHeaderTimeout = 200 * time.Millisecond

	req := httptest.NewRequest(http.MethodGet, "/v1/stream/progress", nil)
	rec := httptest.NewRecorder()
	assert.NilError(t, p.Forward(rec, req, targetOf(t, upstream)))
	assert.Equal(t, rec.Code, http.StatusGatewayTimeout)
}

func TestLoadRouteBudget(t *testing.T) {
	p := New("tok")
	assert.Equal(t, p.loader.Timeout, loadTimeout)
	assert.Check(t, loadTimeout < streamTimeout)

	for path, want := range map[string]bool{
		"/v1/llm/load":         true,
		"/v1/models/load":      true,
		"/v1/models":           false,
		"/v1/chat/completions": false,
	} {
		assert.Check(t, is.Equal(loadPath(path), want), path)
	}
}

func TestLoadRouteStreamsProgress(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		f := w.(http.Flusher)
		for i := 0; i < 2; i++ {
			fmt.Fprintf(w, "data: {\"loaded_layers\":%d}\n\n", i)
			f.Flush()
		}
	}))
	defer upstream.Close()

	p := New("tok")
	front := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NilError(t, p.Forward(w, r, targetOf(t, upstream)))
	}))
	defer front.Close()

	resp, err := http.Get(front.URL + "/v1/llm/load")
	assert.NilError(t, err)
	defer resp.Body.Close()

	sc := bufio.NewScanner(resp.Body)
	var frames int
	for sc.Scan() {
		if strings.HasPrefix(sc.Text(), "data: ") {
			frames++
		}
	}
	assert.Equal(t, frames, 2)
}

func TestStreamingPathClassification(t *testing.T) {
	for path, want := range map[string]bool{
		"/v1/chat/completions":  true,
		"/v1/completions":       true,
		"/v1/progress":          true,
		"/v1/stream/progress":   true,
		"/v1/llm/load":          true,
		"/v1/models":            false,
		"/v1/images/generations": false,
	} {
		assert.Check(t, is.Equal(streamingPath(path), want), path)
	}
}
