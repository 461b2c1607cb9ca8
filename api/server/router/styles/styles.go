// Package styles routes style management: CRUD, LLM-based style extraction,
// preview rendering jobs and the prompt snippet library.
package styles

import "github.com/mystilabs/mysti/api/server/router"

type stylesRouter struct {
	backend Backend
	routes  []router.Route
}

// NewRouter initializes a new styles router.
func NewRouter(b Backend) router.Router {
	r := &stylesRouter{backend: b}
	r.initRoutes()
	return r
}

// Routes returns the available routes for the styles router.
func (sr *stylesRouter) Routes() []router.Route {
	return sr.routes
}

func (sr *stylesRouter) initRoutes() {
	sr.routes = []router.Route{
		router.NewGetRoute("/v1/styles", sr.getStyles),
		router.NewPostRoute("/v1/styles", sr.postStyle),
		router.NewDeleteRoute("/v1/styles/{name}", sr.deleteStyle),
		router.NewPostRoute("/v1/styles/extract", sr.postExtract),
		router.NewPostRoute("/v1/styles/previews/fix", sr.postPreviewsFix),

		router.NewGetRoute("/v1/library", sr.getLibrary),
		router.NewPostRoute("/v1/library", sr.postLibrary),
		router.NewPostRoute("/v1/library/{id}/use", sr.postLibraryUse),
		router.NewDeleteRoute("/v1/library/{id}", sr.deleteLibrary),
	}
}
