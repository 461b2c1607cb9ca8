package system

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"

	"github.com/mystilabs/mysti/api/server/httputils"
	"github.com/mystilabs/mysti/errdefs"
)

func (s *systemRouter) getHealth(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	return httputils.WriteJSON(w, http.StatusOK, s.backend.SystemHealth(ctx))
}

func (s *systemRouter) getAllMetadata(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	all, err := s.backend.AllModelMetadata()
	if err != nil {
		return err
	}
	return httputils.WriteJSON(w, http.StatusOK, all)
}

func (s *systemRouter) getMetadata(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	meta, err := s.backend.GetModelMetadata(vars["id"])
	if err != nil {
		return err
	}
	if meta == nil {
		return errdefs.NotFound(errors.Errorf("no metadata for model %q", vars["id"]))
	}
	w.Header().Set("Content-Type", "application/json")
	_, err = w.Write(meta)
	return err
}

func (s *systemRouter) postMetadata(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	var req struct {
		ModelID  string          `json:"model_id"`
		Metadata json.RawMessage `json:"metadata"`
	}
	if err := httputils.ReadJSON(r, &req); err != nil {
		return err
	}
	if req.ModelID == "" {
		return errdefs.InvalidParameter(errors.New("model_id is required"))
	}
	if err := s.backend.SetModelMetadata(req.ModelID, req.Metadata); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *systemRouter) postToolsExecute(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	var req struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := httputils.ReadJSON(r, &req); err != nil {
		return err
	}
	if req.Name == "" {
		return errdefs.InvalidParameter(errors.New("tool name is required"))
	}
	result, err := s.backend.ExecuteTool(ctx, req.Name, req.Arguments)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	_, err = w.Write(result)
	return err
}

func (s *systemRouter) getJobs(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	if err := httputils.ParseForm(r); err != nil {
		return err
	}
	limit := httputils.IntValueOrZero(r, "limit")
	if limit <= 0 {
		limit = 50
	}
	jobs, err := s.backend.ListJobs(limit)
	if err != nil {
		return err
	}
	return httputils.WriteJSON(w, http.StatusOK, jobs)
}
