package middleware

import (
	"context"
	"net/http"

	"github.com/mystilabs/mysti/api/server/httputils"
)

// CORSMiddleware injects permissive CORS headers and short-circuits
// preflight requests. The API is a local-first service, so any origin is
// allowed.
func CORSMiddleware(handler httputils.APIFunc) httputils.APIFunc {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, X-Requested-With, Content-Type, Accept")
		w.Header().Set("Access-Control-Allow-Methods", "HEAD, GET, POST, DELETE, PUT, OPTIONS")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return nil
		}
		return handler(ctx, w, r, vars)
	}
}
