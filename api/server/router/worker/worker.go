// Package worker routes the public API surface that mirrors the two worker
// processes: thin proxy routes, the intercepting model-load routes and the
// image-generation hot path.
package worker

import (
	"github.com/mystilabs/mysti/api/server/router"
	"github.com/mystilabs/mysti/pkg/proxy"
)

type workerRouter struct {
	backend Backend
	proxy   *proxy.Proxy
	routes  []router.Route
}

// NewRouter initializes a new worker router.
func NewRouter(b Backend, p *proxy.Proxy) router.Router {
	r := &workerRouter{
		backend: b,
		proxy:   p,
	}
	r.initRoutes()
	return r
}

// Routes returns the available routes for the worker router.
func (wr *workerRouter) Routes() []router.Route {
	return wr.routes
}

func (wr *workerRouter) initRoutes() {
	wr.routes = []router.Route{
		// SD worker, forwarded verbatim
		router.NewGetRoute("/v1/models", wr.proxySD),
		router.NewGetRoute("/v1/config", wr.proxySD),
		router.NewPostRoute("/v1/config", wr.proxySD),
		router.NewGetRoute("/v1/progress", wr.proxySD),
		router.NewPostRoute("/v1/images/upscale", wr.proxySD),
		router.NewPostRoute("/v1/upscale/load", wr.proxySD),
		router.NewPostRoute("/v1/images/edits", wr.proxySD),
		router.NewPostRoute("/v1/models/offload", wr.proxySD),

		// LLM worker, forwarded verbatim
		router.NewPostRoute("/v1/chat/completions", wr.proxyLLM),
		router.NewPostRoute("/v1/completions", wr.proxyLLM),
		router.NewPostRoute("/v1/embeddings", wr.proxyLLM),
		router.NewPostRoute("/v1/tokenize", wr.proxyLLM),
		router.NewPostRoute("/v1/detokenize", wr.proxyLLM),
		router.NewPostRoute("/v1/llm/offload", wr.proxyLLM),

		// unloads drop the captured recovery state
		router.NewPostRoute("/v1/models/unload", wr.postModelUnload),
		router.NewPostRoute("/v1/llm/unload", wr.postLLMUnload),

		// intercepting loads capture the recovery state
		router.NewPostRoute("/v1/models/load", wr.postModelLoad),
		router.NewPostRoute("/v1/llm/load", wr.postLLMLoad),

		// SSE progress, mirrored to the WebSocket fan-out
		router.NewGetRoute("/v1/stream/progress", wr.getStreamProgress),

		// the generation hot path
		router.NewPostRoute("/v1/images/generations", wr.postGenerate),
	}
}
