// Package history routes the image-library endpoints: generation listing
// and deletion, tagging, favorites and ratings.
package history

import "github.com/mystilabs/mysti/api/server/router"

type historyRouter struct {
	backend Backend
	routes  []router.Route
}

// NewRouter initializes a new history router.
func NewRouter(b Backend) router.Router {
	r := &historyRouter{backend: b}
	r.initRoutes()
	return r
}

// Routes returns the available routes for the history router.
func (hr *historyRouter) Routes() []router.Route {
	return hr.routes
}

func (hr *historyRouter) initRoutes() {
	hr.routes = []router.Route{
		// GET
		router.NewGetRoute("/v1/history/images", hr.getImages),
		router.NewGetRoute("/v1/history/images/{uuid}", hr.getImage),
		router.NewGetRoute("/v1/history/search", hr.getSearch),
		router.NewGetRoute("/v1/history/tags", hr.getTags),
		// POST
		router.NewPostRoute("/v1/history/tags", hr.postTags),
		router.NewPostRoute("/v1/history/tags/cleanup", hr.postTagsCleanup),
		router.NewPostRoute("/v1/history/favorite", hr.postFavorite),
		router.NewPostRoute("/v1/history/rating", hr.postRating),
		// DELETE
		router.NewDeleteRoute("/v1/history/images/{uuid}", hr.deleteImage),
		router.NewDeleteRoute("/v1/history/tags", hr.deleteTag),
	}
}
