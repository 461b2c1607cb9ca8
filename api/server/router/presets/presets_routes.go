package presets

import (
	"context"
	"net/http"

	"github.com/pkg/errors"

	"github.com/mystilabs/mysti/api/server/httputils"
	"github.com/mystilabs/mysti/api/types"
	"github.com/mystilabs/mysti/errdefs"
)

func (pr *presetsRouter) getImagePresets(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	presets, err := pr.backend.ListImagePresets()
	if err != nil {
		return err
	}
	return httputils.WriteJSON(w, http.StatusOK, presets)
}

func (pr *presetsRouter) postImagePreset(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	var p types.ImagePreset
	if err := httputils.ReadJSON(r, &p); err != nil {
		return err
	}
	id, err := pr.backend.SaveImagePreset(&p)
	if err != nil {
		return err
	}
	p.ID = id
	return httputils.WriteJSON(w, http.StatusCreated, p)
}

func (pr *presetsRouter) deleteImagePreset(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	if err := pr.backend.DeleteImagePreset(vars["name"]); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (pr *presetsRouter) postImagePresetLoad(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	var req struct {
		Name string `json:"name"`
	}
	if err := httputils.ReadJSON(r, &req); err != nil {
		return err
	}
	if req.Name == "" {
		return errdefs.InvalidParameter(errors.New("preset name is required"))
	}
	status, body, err := pr.backend.LoadImagePreset(ctx, req.Name)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err = w.Write(body)
	return err
}

func (pr *presetsRouter) getLlmPresets(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	presets, err := pr.backend.ListLlmPresets()
	if err != nil {
		return err
	}
	return httputils.WriteJSON(w, http.StatusOK, presets)
}

func (pr *presetsRouter) postLlmPreset(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	var p types.LlmPreset
	if err := httputils.ReadJSON(r, &p); err != nil {
		return err
	}
	id, err := pr.backend.SaveLlmPreset(&p)
	if err != nil {
		return err
	}
	p.ID = id
	return httputils.WriteJSON(w, http.StatusCreated, p)
}

func (pr *presetsRouter) deleteLlmPreset(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	if err := pr.backend.DeleteLlmPreset(vars["name"]); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}
