// Package proxy forwards client HTTP requests to a worker process, with
// transparent handling of long-lived streaming responses (SSE, chunked) and
// buffered JSON replies.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/containerd/log"
	"github.com/pkg/errors"
)

// TokenHeader carries the shared secret on every orchestrator→worker call.
const TokenHeader = "X-Internal-Token"

const (
	connectTimeout   = 300 * time.Second
	roundTripTimeout = 300 * time.Second
	headerWait       = 10 * time.Second
	streamTimeout    = 3600 * time.Second
	// loadTimeout matches the model-load budget of the worker control
	// client; a wedged load must not hold the connection for the full
	// streaming window.
	loadTimeout     = 600 * time.Second
	chunkQueueDepth = 32
	chunkSize       = 32 * 1024
)

// hop-by-hop headers are owned by the transport and never copied through.
var hopHeaders = []string{"Connection", "Transfer-Encoding", "Content-Length", "Host", "Keep-Alive", "Upgrade"}

// Proxy forwards requests to a single upstream worker.
type Proxy struct {
	token    string
	buffered *http.Client
	stream   *http.Client
	loader   *http.Client
}

// New creates a proxy that authenticates to workers with the given shared
// secret.
func New(token string) *Proxy {
	dialer := &net.Dialer{Timeout: connectTimeout}
	return &Proxy{
		token: token,
		buffered: &http.Client{
			Timeout: roundTripTimeout,
			Transport: &http.Transport{
				DialContext: dialer.DialContext,
			},
		},
		stream: &http.Client{
			// covers the whole body; a generation can legitimately hold the
			// SSE stream open for a long time
			Timeout: streamTimeout,
			Transport: &http.Transport{
				DialContext:           dialer.DialContext,
				ResponseHeaderTimeout: headerWait,
			},
		},
		loader: &http.Client{
			Timeout: loadTimeout,
			Transport: &http.Transport{
				DialContext:           dialer.DialContext,
				ResponseHeaderTimeout: headerWait,
			},
		},
	}
}

// loadPath reports whether the route is a worker model-load route
// (/v1/models/load for sd, /v1/llm/load for llm).
func loadPath(path string) bool {
	return strings.HasSuffix(path, "/load")
}

// streamingPath reports whether the route is known to stream its response.
func streamingPath(path string) bool {
	return strings.Contains(path, "/completions") ||
		strings.Contains(path, "/progress") ||
		strings.Contains(path, "/llm/load")
}

// streamingBody reports whether a JSON request body asks for a streamed
// response via {"stream": true}.
func streamingBody(body []byte) bool {
	var probe struct {
		Stream bool `json:"stream"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return false
	}
	return probe.Stream
}

// Forward proxies the request to target (host:port), consuming the request
// body. Routers that rewrite the body use ForwardBody instead.
func (p *Proxy) Forward(w http.ResponseWriter, r *http.Request, target string) error {
	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(r.Body)
		r.Body.Close()
		if err != nil {
			return errors.Wrap(err, "reading request body")
		}
	}
	return p.ForwardBody(w, r, target, body)
}

// ForwardBody proxies the request with the given (possibly rewritten) body.
func (p *Proxy) ForwardBody(w http.ResponseWriter, r *http.Request, target string, body []byte) error {
	streaming := streamingPath(r.URL.Path) || (r.Method == http.MethodPost && streamingBody(body))

	out, err := p.newUpstreamRequest(r, target, body)
	if err != nil {
		return err
	}

	client := p.buffered
	switch {
	case loadPath(r.URL.Path):
		client = p.loader
	case streaming:
		client = p.stream
	}

	resp, err := client.Do(out)
	if err != nil {
		return p.writeUpstreamError(w, r, err)
	}
	defer resp.Body.Close()

	if streaming {
		return p.pump(r.Context(), w, resp)
	}
	return p.replay(w, resp)
}

func (p *Proxy) newUpstreamRequest(r *http.Request, target string, body []byte) (*http.Request, error) {
	url := fmt.Sprintf("http://%s%s", target, r.URL.Path)
	if r.URL.RawQuery != "" {
		url += "?" + r.URL.RawQuery
	}
	out, err := http.NewRequestWithContext(r.Context(), r.Method, url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "building upstream request")
	}
	copyHeaders(out.Header, r.Header)
	out.Header.Set(TokenHeader, p.token)
	return out, nil
}

// writeUpstreamError maps transport failures to 502 (connection refused) or
// 504 (no headers within the wait window).
func (p *Proxy) writeUpstreamError(w http.ResponseWriter, r *http.Request, err error) error {
	status := http.StatusBadGateway
	msg := "worker unreachable"
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		status = http.StatusGatewayTimeout
		msg = "worker did not respond in time"
	}
	log.G(r.Context()).WithError(err).WithField("path", r.URL.Path).Warn("proxy upstream failure")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// replay reproduces a buffered upstream response: status, content type and
// all non hop-by-hop headers.
func (p *Proxy) replay(w http.ResponseWriter, resp *http.Response) error {
	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, err := io.Copy(w, resp.Body)
	return err
}

// pump forwards body chunks through a bounded single-producer/single-consumer
// queue, flushing after every chunk so SSE frames reach the client promptly.
// The consumer exits when the producer closes the queue.
func (p *Proxy) pump(ctx context.Context, w http.ResponseWriter, resp *http.Response) error {
	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	chunks := make(chan []byte, chunkQueueDepth)
	go func() {
		defer close(chunks)
		for {
			buf := make([]byte, chunkSize)
			n, err := resp.Body.Read(buf)
			if n > 0 {
				select {
				case chunks <- buf[:n]:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case chunk, ok := <-chunks:
			if !ok {
				return nil
			}
			if _, err := w.Write(chunk); err != nil {
				return nil
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		if isHopHeader(k) {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func isHopHeader(name string) bool {
	for _, h := range hopHeaders {
		if http.CanonicalHeaderKey(name) == h {
			return true
		}
	}
	return false
}
