package middleware

import (
	"context"
	"net/http"

	"github.com/containerd/log"

	"github.com/mystilabs/mysti/api/server/httputils"
)

// LoggingMiddleware logs each request at debug level.
func LoggingMiddleware(handler httputils.APIFunc) httputils.APIFunc {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
		log.G(ctx).WithFields(log.Fields{
			"method": r.Method,
			"uri":    r.RequestURI,
		}).Debug("handling request")
		return handler(ctx, w, r, vars)
	}
}
