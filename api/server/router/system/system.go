// Package system routes the orchestrator's own endpoints: aggregate health,
// Prometheus metrics, model metadata, tool execution and the job list.
package system

import (
	"context"
	"net/http"

	metrics "github.com/docker/go-metrics"

	"github.com/mystilabs/mysti/api/server/router"
)

type systemRouter struct {
	backend Backend
	routes  []router.Route
}

// NewRouter initializes a new system router.
func NewRouter(b Backend) router.Router {
	r := &systemRouter{backend: b}
	r.initRoutes()
	return r
}

// Routes returns the available routes for the system router.
func (s *systemRouter) Routes() []router.Route {
	return s.routes
}

func (s *systemRouter) initRoutes() {
	metricsHandler := metrics.Handler()
	s.routes = []router.Route{
		router.NewGetRoute("/health", s.getHealth),
		router.NewGetRoute("/metrics", func(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
			metricsHandler.ServeHTTP(w, r)
			return nil
		}),
		router.NewGetRoute("/v1/models/metadata", s.getAllMetadata),
		router.NewGetRoute("/v1/models/metadata/{id}", s.getMetadata),
		router.NewPostRoute("/v1/models/metadata", s.postMetadata),
		router.NewPostRoute("/v1/tools/execute", s.postToolsExecute),
		router.NewGetRoute("/v1/jobs", s.getJobs),
	}
}
