package httputils

import (
	"net/http"

	"github.com/containerd/log"

	"github.com/mystilabs/mysti/api/types"
	"github.com/mystilabs/mysti/errdefs"
)

// statusCodeFromError maps the error classification markers to HTTP status
// codes. Unclassified errors are internal server errors.
func statusCodeFromError(err error) int {
	switch {
	case errdefs.IsInvalidParameter(err):
		return http.StatusBadRequest
	case errdefs.IsNotFound(err):
		return http.StatusNotFound
	case errdefs.IsConflict(err):
		return http.StatusConflict
	case errdefs.IsUnavailable(err):
		return http.StatusServiceUnavailable
	case errdefs.IsForbidden(err):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// WriteError writes err as a JSON error response with the status derived
// from its classification.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil || w == nil {
		log.G(r.Context()).Error("unexpected WriteError call with no error")
		return
	}

	code := statusCodeFromError(err)
	if code >= http.StatusInternalServerError {
		log.G(r.Context()).WithError(err).WithFields(log.Fields{
			"method": r.Method,
			"uri":    r.RequestURI,
		}).Error("request failed")
	}
	_ = WriteJSON(w, code, types.ErrorResponse{
		Error:   http.StatusText(code),
		Message: err.Error(),
	})
}
