package library

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mystilabs/mysti/api/types"
	"github.com/mystilabs/mysti/errdefs"
)

// generationColumns is the select list scanGeneration expects.
const generationColumns = `id, uuid, file_path, prompt, negative_prompt, seed, width, height,
	steps, cfg_scale, generation_time_sec, model_id, is_favorite, rating,
	auto_tagged, params_json, COALESCE(parent_uuid, ''), timestamp`

// ListOptions filter ListGenerations. Tags use AND semantics: a row matches
// only if it carries every requested tag.
type ListOptions struct {
	Limit     int
	Offset    int
	Tags      []string
	ModelID   string
	MinRating int
}

// InsertGeneration persists a new generation row. The UUID must be unique;
// inserting a duplicate is a conflict.
func (l *Library) InsertGeneration(g *types.Generation) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ts := g.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	var parent interface{}
	if g.ParentUUID != "" {
		parent = g.ParentUUID
	}
	_, err := l.db.Exec(`INSERT INTO generations
		(uuid, file_path, prompt, negative_prompt, seed, width, height, steps,
		 cfg_scale, generation_time_sec, model_id, is_favorite, rating,
		 auto_tagged, params_json, parent_uuid, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.UUID, g.FilePath, g.Prompt, g.NegativePrompt, g.Seed, g.Width, g.Height,
		g.Steps, g.CfgScale, g.GenerationTimeSec, g.ModelID, g.IsFavorite,
		clampRating(g.Rating), g.AutoTagged, g.ParamsJSON, parent, ts)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return errdefs.Conflict(errors.Wrapf(err, "generation %s already exists", g.UUID))
		}
		return errors.Wrap(err, "inserting generation")
	}
	return nil
}

// GetGeneration returns the generation with the given UUID, tags attached.
func (l *Library) GetGeneration(uuid string) (*types.Generation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	row := l.db.QueryRow(`SELECT `+generationColumns+` FROM generations WHERE uuid = ?`, uuid)
	g, id, err := scanGeneration(row)
	if err == sql.ErrNoRows {
		return nil, errdefs.NotFound(errors.Errorf("no generation %s", uuid))
	}
	if err != nil {
		return nil, err
	}
	g.Tags = l.tagsForGeneration(id)
	return g, nil
}

// ListGenerations returns generations newest first, filtered by opts.
func (l *Library) ListGenerations(opts ListOptions) ([]*types.Generation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var (
		where []string
		args  []interface{}
	)
	if opts.ModelID != "" {
		where = append(where, "model_id = ?")
		args = append(args, opts.ModelID)
	}
	if opts.MinRating > 0 {
		where = append(where, "rating >= ?")
		args = append(args, opts.MinRating)
	}
	if len(opts.Tags) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(opts.Tags)), ",")
		where = append(where, fmt.Sprintf(
			`id IN (SELECT it.generation_id FROM image_tags it
				JOIN tags t ON t.id = it.tag_id
				WHERE t.name IN (%s)
				GROUP BY it.generation_id
				HAVING COUNT(DISTINCT it.tag_id) = ?)`, placeholders))
		for _, tag := range opts.Tags {
			args = append(args, tag)
		}
		args = append(args, len(opts.Tags))
	}

	query := `SELECT ` + generationColumns + ` FROM generations`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
		if opts.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, opts.Offset)
		}
	}

	return l.queryGenerations(query, args...)
}

// SearchGenerations runs a free-text query over prompts. The FTS index is
// preferred; a LIKE scan on the raw columns is the fallback for queries the
// FTS grammar rejects.
func (l *Library) SearchGenerations(query string, limit int) ([]*types.Generation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	gens, err := l.queryGenerations(`SELECT `+generationColumns+` FROM generations
		WHERE id IN (SELECT rowid FROM generations_fts WHERE generations_fts MATCH ?)
		ORDER BY timestamp DESC LIMIT ?`, query, limit)
	if err == nil {
		return gens, nil
	}
	logrus.WithError(err).WithField("query", query).Debug("library: fts search failed, falling back to LIKE")

	like := "%" + query + "%"
	return l.queryGenerations(`SELECT `+generationColumns+` FROM generations
		WHERE prompt LIKE ? OR negative_prompt LIKE ?
		ORDER BY timestamp DESC LIMIT ?`, like, like, limit)
}

// Untagged returns up to limit generations the tagger has not yet processed,
// oldest first so the queue drains in insertion order.
func (l *Library) Untagged(limit int) ([]*types.Generation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.queryGenerations(`SELECT `+generationColumns+` FROM generations
		WHERE auto_tagged = 0 ORDER BY timestamp ASC LIMIT ?`, limit)
}

// DeleteGeneration removes the generation and its tag edges, garbage
// collecting any tags left without references. The stored file path is
// returned so the caller can optionally unlink the image.
func (l *Library) DeleteGeneration(uuid string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var filePath string
	err := l.withTx(func(tx *sql.Tx) error {
		err := tx.QueryRow(`SELECT file_path FROM generations WHERE uuid = ?`, uuid).Scan(&filePath)
		if err == sql.ErrNoRows {
			return errdefs.NotFound(errors.Errorf("no generation %s", uuid))
		}
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM generations WHERE uuid = ?`, uuid); err != nil {
			return err
		}
		return collectOrphanTags(tx)
	})
	return filePath, err
}

// SetFavorite flips the favorite flag.
func (l *Library) SetFavorite(uuid string, favorite bool) error {
	return l.updateGeneration(uuid, `UPDATE generations SET is_favorite = ? WHERE uuid = ?`, favorite, uuid)
}

// SetRating stores a rating, clamped to [0,5].
func (l *Library) SetRating(uuid string, rating int) error {
	return l.updateGeneration(uuid, `UPDATE generations SET rating = ? WHERE uuid = ?`, clampRating(rating), uuid)
}

// MarkAutoTagged records that the tagger has processed the generation,
// successfully or not.
func (l *Library) MarkAutoTagged(uuid string) error {
	return l.updateGeneration(uuid, `UPDATE generations SET auto_tagged = 1 WHERE uuid = ?`, uuid)
}

func (l *Library) updateGeneration(uuid, query string, args ...interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, err := l.db.Exec(query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errdefs.NotFound(errors.Errorf("no generation %s", uuid))
	}
	return nil
}

func (l *Library) queryGenerations(query string, args ...interface{}) ([]*types.Generation, error) {
	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	gens := []*types.Generation{}
	ids := []int64{}
	for rows.Next() {
		g, id, err := scanGeneration(rows)
		if err != nil {
			return nil, err
		}
		gens = append(gens, g)
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, g := range gens {
		g.Tags = l.tagsForGeneration(ids[i])
	}
	return gens, nil
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanGeneration(row scannable) (*types.Generation, int64, error) {
	var (
		g  types.Generation
		id int64
	)
	err := row.Scan(&id, &g.UUID, &g.FilePath, &g.Prompt, &g.NegativePrompt,
		&g.Seed, &g.Width, &g.Height, &g.Steps, &g.CfgScale,
		&g.GenerationTimeSec, &g.ModelID, &g.IsFavorite, &g.Rating,
		&g.AutoTagged, &g.ParamsJSON, &g.ParentUUID, &g.Timestamp)
	if err != nil {
		return nil, 0, err
	}
	return &g, id, nil
}

// tagsForGeneration returns the tag names attached to a generation row.
// Lookup failures degrade to an empty set; tags are advisory metadata.
func (l *Library) tagsForGeneration(id int64) []string {
	rows, err := l.db.Query(`SELECT t.name FROM tags t
		JOIN image_tags it ON it.tag_id = t.id
		WHERE it.generation_id = ? ORDER BY t.name`, id)
	if err != nil {
		logrus.WithError(err).Warn("library: tag lookup failed")
		return []string{}
	}
	defer rows.Close()

	tags := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return tags
		}
		tags = append(tags, name)
	}
	return tags
}

func clampRating(r int) int {
	if r < 0 {
		return 0
	}
	if r > 5 {
		return 5
	}
	return r
}
