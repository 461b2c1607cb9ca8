// Package server assembles the public HTTP API: it chains the global
// middlewares, mounts every router's routes on a mux and serves the
// single-page UI.
package server

import (
	"context"
	"net/http"

	"github.com/containerd/log"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/mystilabs/mysti/api/server/httputils"
	"github.com/mystilabs/mysti/api/server/middleware"
	"github.com/mystilabs/mysti/api/server/router"
	"github.com/mystilabs/mysti/errdefs"
)

// Server contains instance details for the server.
type Server struct {
	middlewares []middleware.Middleware
}

// New returns a new instance of the server based on the specified
// configuration.
func New() *Server {
	return &Server{}
}

// UseMiddleware appends a new middleware to the request chain. This needs to
// be called before the API routes are configured.
func (s *Server) UseMiddleware(m middleware.Middleware) {
	s.middlewares = append(s.middlewares, m)
}

func (s *Server) makeHTTPHandler(handler httputils.APIFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Define the context that we'll pass around to share info like the
		// request-scoped logger.
		ctx := r.Context()
		handlerFunc := s.handlerWithGlobalMiddlewares(handler)

		vars := mux.Vars(r)
		if vars == nil {
			vars = make(map[string]string)
		}

		if err := handlerFunc(ctx, w, r, vars); err != nil {
			log.G(ctx).WithError(err).WithFields(log.Fields{
				"method": r.Method,
				"uri":    r.RequestURI,
			}).Debug("handler returned error")
			httputils.WriteError(w, r, err)
		}
	}
}

// handlerWithGlobalMiddlewares wraps the handler function for a request with
// the server's global middlewares. The order of the middlewares is backwards,
// meaning that the first in the list will be evaluated last.
func (s *Server) handlerWithGlobalMiddlewares(handler httputils.APIFunc) httputils.APIFunc {
	next := handler
	for _, m := range s.middlewares {
		next = m(next)
	}
	return next
}

// CreateMux returns a new mux with all the routers registered. When
// staticDir is non-empty the single-page UI is served under /app/.
func (s *Server) CreateMux(staticDir string, routers ...router.Router) *mux.Router {
	m := mux.NewRouter()

	for _, apiRouter := range routers {
		for _, r := range apiRouter.Routes() {
			f := s.makeHTTPHandler(r.Handler())
			m.Path(r.Path()).Methods(r.Method(), http.MethodOptions).Handler(f)
		}
	}

	if staticDir != "" {
		m.PathPrefix("/app/").Handler(http.StripPrefix("/app/", spaHandler(staticDir)))
	}

	notFoundHandler := s.makeHTTPHandler(func(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
		return errdefs.NotFound(errors.Errorf("page not found: %s", r.URL.Path))
	})
	m.NotFoundHandler = notFoundHandler
	m.MethodNotAllowedHandler = notFoundHandler

	return m
}
