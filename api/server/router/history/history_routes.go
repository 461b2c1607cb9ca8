package history

import (
	"context"
	"net/http"

	"github.com/pkg/errors"

	"github.com/mystilabs/mysti/api/server/httputils"
	"github.com/mystilabs/mysti/api/types"
	"github.com/mystilabs/mysti/daemon/library"
	"github.com/mystilabs/mysti/errdefs"
)

const defaultListLimit = 100

func (hr *historyRouter) getImages(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	if err := httputils.ParseForm(r); err != nil {
		return err
	}
	opts := library.ListOptions{
		Limit:     httputils.IntValueOrZero(r, "limit"),
		Offset:    httputils.IntValueOrZero(r, "offset"),
		Tags:      r.Form["tag"],
		ModelID:   r.Form.Get("model"),
		MinRating: httputils.IntValueOrZero(r, "min_rating"),
	}
	if opts.Limit <= 0 {
		opts.Limit = defaultListLimit
	}
	gens, err := hr.backend.ListGenerations(opts)
	if err != nil {
		return err
	}
	return httputils.WriteJSON(w, http.StatusOK, gens)
}

func (hr *historyRouter) getImage(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	g, err := hr.backend.GetGeneration(vars["uuid"])
	if err != nil {
		return err
	}
	return httputils.WriteJSON(w, http.StatusOK, g)
}

func (hr *historyRouter) getSearch(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	if err := httputils.ParseForm(r); err != nil {
		return err
	}
	query := r.Form.Get("q")
	if query == "" {
		return errdefs.InvalidParameter(errors.New("query parameter q is required"))
	}
	limit := httputils.IntValueOrZero(r, "limit")
	if limit <= 0 {
		limit = defaultListLimit
	}
	gens, err := hr.backend.SearchGenerations(query, limit)
	if err != nil {
		return err
	}
	return httputils.WriteJSON(w, http.StatusOK, gens)
}

func (hr *historyRouter) deleteImage(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	if err := httputils.ParseForm(r); err != nil {
		return err
	}
	if err := hr.backend.DeleteGeneration(vars["uuid"], httputils.BoolValue(r, "delete_file")); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (hr *historyRouter) getTags(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	tags, err := hr.backend.ListTags()
	if err != nil {
		return err
	}
	return httputils.WriteJSON(w, http.StatusOK, tags)
}

type tagRequest struct {
	UUID string   `json:"uuid"`
	Tags []string `json:"tags"`
	Tag  string   `json:"tag"`
}

func (hr *historyRouter) postTags(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	var req tagRequest
	if err := httputils.ReadJSON(r, &req); err != nil {
		return err
	}
	if req.UUID == "" {
		return errdefs.InvalidParameter(errors.New("uuid is required"))
	}
	tags := req.Tags
	if len(tags) == 0 && req.Tag != "" {
		tags = []string{req.Tag}
	}
	if len(tags) == 0 {
		return errdefs.InvalidParameter(errors.New("no tags supplied"))
	}
	if err := hr.backend.AddTags(req.UUID, tags, types.TagSourceUser, 1.0); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (hr *historyRouter) deleteTag(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	var req tagRequest
	if err := httputils.ReadJSON(r, &req); err != nil {
		return err
	}
	if req.UUID == "" || req.Tag == "" {
		return errdefs.InvalidParameter(errors.New("uuid and tag are required"))
	}
	if err := hr.backend.RemoveTag(req.UUID, req.Tag); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (hr *historyRouter) postTagsCleanup(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	removed, err := hr.backend.CleanupTags()
	if err != nil {
		return err
	}
	return httputils.WriteJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (hr *historyRouter) postFavorite(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	var req struct {
		UUID     string `json:"uuid"`
		Favorite bool   `json:"favorite"`
	}
	if err := httputils.ReadJSON(r, &req); err != nil {
		return err
	}
	if req.UUID == "" {
		return errdefs.InvalidParameter(errors.New("uuid is required"))
	}
	if err := hr.backend.SetFavorite(req.UUID, req.Favorite); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (hr *historyRouter) postRating(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	var req struct {
		UUID   string `json:"uuid"`
		Rating int    `json:"rating"`
	}
	if err := httputils.ReadJSON(r, &req); err != nil {
		return err
	}
	if req.UUID == "" {
		return errdefs.InvalidParameter(errors.New("uuid is required"))
	}
	if err := hr.backend.SetRating(req.UUID, req.Rating); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}
