// Package presets routes the model preset endpoints for both workers.
package presets

import "github.com/mystilabs/mysti/api/server/router"

type presetsRouter struct {
	backend Backend
	routes  []router.Route
}

// NewRouter initializes a new presets router.
func NewRouter(b Backend) router.Router {
	r := &presetsRouter{backend: b}
	r.initRoutes()
	return r
}

// Routes returns the available routes for the presets router.
func (pr *presetsRouter) Routes() []router.Route {
	return pr.routes
}

func (pr *presetsRouter) initRoutes() {
	pr.routes = []router.Route{
		router.NewGetRoute("/v1/presets/image", pr.getImagePresets),
		router.NewPostRoute("/v1/presets/image", pr.postImagePreset),
		router.NewDeleteRoute("/v1/presets/image/{name}", pr.deleteImagePreset),
		router.NewPostRoute("/v1/presets/image/load", pr.postImagePresetLoad),

		router.NewGetRoute("/v1/presets/llm", pr.getLlmPresets),
		router.NewPostRoute("/v1/presets/llm", pr.postLlmPreset),
		router.NewDeleteRoute("/v1/presets/llm/{name}", pr.deleteLlmPreset),
	}
}
