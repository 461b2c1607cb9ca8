package library

import (
	"database/sql"

	"github.com/pkg/errors"

	"github.com/mystilabs/mysti/api/types"
	"github.com/mystilabs/mysti/errdefs"
)

// AddTags attaches the given tag names to a generation, creating tags as
// needed. Matching is alias-insensitive through the normalized name, so
// "Neon-Lights" and "neon lights" resolve to the same tag. Duplicate edges
// collapse silently.
func (l *Library) AddTags(uuid string, names []string, source string, confidence float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.withTx(func(tx *sql.Tx) error {
		genID, err := generationID(tx, uuid)
		if err != nil {
			return err
		}
		for _, name := range names {
			if name == "" {
				continue
			}
			tagID, err := ensureTag(tx, name)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(`INSERT OR IGNORE INTO image_tags
				(generation_id, tag_id, source, confidence) VALUES (?, ?, ?, ?)`,
				genID, tagID, source, confidence); err != nil {
				return err
			}
		}
		return nil
	})
}

// RemoveTag detaches a tag from a generation and garbage collects the tag if
// nothing references it anymore.
func (l *Library) RemoveTag(uuid, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.withTx(func(tx *sql.Tx) error {
		genID, err := generationID(tx, uuid)
		if err != nil {
			return err
		}
		res, err := tx.Exec(`DELETE FROM image_tags WHERE generation_id = ? AND tag_id IN
			(SELECT id FROM tags WHERE normalized_name = ?)`, genID, normalizeTag(name))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errdefs.NotFound(errors.Errorf("generation %s has no tag %q", uuid, name))
		}
		return collectOrphanTags(tx)
	})
}

// ListTags returns every tag with its reference count, most used first.
func (l *Library) ListTags() ([]types.TagCount, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rows, err := l.db.Query(`SELECT t.name, t.category, COUNT(it.generation_id)
		FROM tags t
		LEFT JOIN image_tags it ON it.tag_id = t.id
		GROUP BY t.id
		ORDER BY COUNT(it.generation_id) DESC, t.name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tags := []types.TagCount{}
	for rows.Next() {
		var tc types.TagCount
		if err := rows.Scan(&tc.Name, &tc.Category, &tc.Count); err != nil {
			return nil, err
		}
		tags = append(tags, tc)
	}
	return tags, rows.Err()
}

// CleanupTags removes tags no generation references and returns how many
// were collected.
func (l *Library) CleanupTags() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var removed int
	err := l.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(orphanTagDelete)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		removed = int(n)
		return nil
	})
	return removed, err
}

const orphanTagDelete = `DELETE FROM tags WHERE id NOT IN
	(SELECT DISTINCT tag_id FROM image_tags)`

// collectOrphanTags is run inside every transaction that can drop the last
// edge to a tag.
func collectOrphanTags(tx *sql.Tx) error {
	_, err := tx.Exec(orphanTagDelete)
	return err
}

// ensureTag returns the id of the tag with the given name, creating it if
// needed. An existing tag is matched by normalized name first so aliases do
// not spawn duplicates.
func ensureTag(tx *sql.Tx, name string) (int64, error) {
	normalized := normalizeTag(name)

	var id int64
	err := tx.QueryRow(`SELECT id FROM tags WHERE normalized_name = ?`, normalized).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, err
	}

	// an alias may point at a canonical tag under a different name
	err = tx.QueryRow(`SELECT tag_id FROM tag_aliases WHERE alias = ?`, normalized).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, err
	}

	res, err := tx.Exec(`INSERT INTO tags (name, normalized_name) VALUES (?, ?)`, name, normalized)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func generationID(tx *sql.Tx, uuid string) (int64, error) {
	var id int64
	err := tx.QueryRow(`SELECT id FROM generations WHERE uuid = ?`, uuid).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, errdefs.NotFound(errors.Errorf("no generation %s", uuid))
	}
	return id, err
}
