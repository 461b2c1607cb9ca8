// Package router defines the interface every API router implements and the
// plumbing to declare individual routes.
package router

import (
	"net/http"

	"github.com/mystilabs/mysti/api/server/httputils"
)

// Router defines an interface to specify a group of routes to add to the
// server.
type Router interface {
	// Routes returns the list of routes to add to the server.
	Routes() []Route
}

// Route defines an individual API route in the server.
type Route interface {
	// Handler returns the raw function to create the http handler.
	Handler() httputils.APIFunc
	// Method returns the http method that the route responds to.
	Method() string
	// Path returns the subpath where the route responds to.
	Path() string
}

type route struct {
	method  string
	path    string
	handler httputils.APIFunc
}

// Handler returns the APIFunc to let the server wrap it in middlewares.
func (r route) Handler() httputils.APIFunc {
	return r.handler
}

// Method returns the http method that the route responds to.
func (r route) Method() string {
	return r.method
}

// Path returns the subpath where the route responds to.
func (r route) Path() string {
	return r.path
}

// NewRoute initializes a new router for the server.
func NewRoute(method, path string, handler httputils.APIFunc) Route {
	return route{method: method, path: path, handler: handler}
}

// NewGetRoute initializes a new route with the http method GET.
func NewGetRoute(path string, handler httputils.APIFunc) Route {
	return NewRoute(http.MethodGet, path, handler)
}

// NewPostRoute initializes a new route with the http method POST.
func NewPostRoute(path string, handler httputils.APIFunc) Route {
	return NewRoute(http.MethodPost, path, handler)
}

// NewPutRoute initializes a new route with the http method PUT.
func NewPutRoute(path string, handler httputils.APIFunc) Route {
	return NewRoute(http.MethodPut, path, handler)
}

// NewDeleteRoute initializes a new route with the http method DELETE.
func NewDeleteRoute(path string, handler httputils.APIFunc) Route {
	return NewRoute(http.MethodDelete, path, handler)
}
