package styles

import (
	"context"
	"net/http"
	"strconv"

	"github.com/pkg/errors"

	"github.com/mystilabs/mysti/api/server/httputils"
	"github.com/mystilabs/mysti/api/types"
	"github.com/mystilabs/mysti/errdefs"
)

func (sr *stylesRouter) getStyles(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	styles, err := sr.backend.ListStyles()
	if err != nil {
		return err
	}
	return httputils.WriteJSON(w, http.StatusOK, styles)
}

func (sr *stylesRouter) postStyle(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	var s types.Style
	if err := httputils.ReadJSON(r, &s); err != nil {
		return err
	}
	id, err := sr.backend.SaveStyle(&s)
	if err != nil {
		return err
	}
	s.ID = id
	return httputils.WriteJSON(w, http.StatusCreated, s)
}

func (sr *stylesRouter) deleteStyle(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	if err := sr.backend.DeleteStyle(vars["name"]); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (sr *stylesRouter) postExtract(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	var req struct {
		Prompt string `json:"prompt"`
	}
	if err := httputils.ReadJSON(r, &req); err != nil {
		return err
	}
	if req.Prompt == "" {
		return errdefs.InvalidParameter(errors.New("prompt is required"))
	}
	s, err := sr.backend.ExtractStyle(ctx, req.Prompt)
	if err != nil {
		return err
	}
	return httputils.WriteJSON(w, http.StatusOK, s)
}

func (sr *stylesRouter) postPreviewsFix(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	queued, err := sr.backend.EnqueueStylePreviews()
	if err != nil {
		return err
	}
	return httputils.WriteJSON(w, http.StatusAccepted, map[string]int{"queued": queued})
}

func (sr *stylesRouter) getLibrary(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	if err := httputils.ParseForm(r); err != nil {
		return err
	}
	items, err := sr.backend.ListLibraryItems(r.Form.Get("category"))
	if err != nil {
		return err
	}
	return httputils.WriteJSON(w, http.StatusOK, items)
}

func (sr *stylesRouter) postLibrary(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	var item types.LibraryItem
	if err := httputils.ReadJSON(r, &item); err != nil {
		return err
	}
	id, err := sr.backend.SaveLibraryItem(&item)
	if err != nil {
		return err
	}
	item.ID = id
	return httputils.WriteJSON(w, http.StatusCreated, item)
}

func (sr *stylesRouter) postLibraryUse(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	id, err := libraryItemID(vars)
	if err != nil {
		return err
	}
	if err := sr.backend.TouchLibraryItem(id); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (sr *stylesRouter) deleteLibrary(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	id, err := libraryItemID(vars)
	if err != nil {
		return err
	}
	if err := sr.backend.DeleteLibraryItem(id); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func libraryItemID(vars map[string]string) (int64, error) {
	id, err := strconv.ParseInt(vars["id"], 10, 64)
	if err != nil {
		return 0, errdefs.InvalidParameter(errors.Wrapf(err, "invalid library item id %q", vars["id"]))
	}
	return id, nil
}
