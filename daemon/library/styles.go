package library

import (
	"database/sql"
	"strings"

	"github.com/pkg/errors"

	"github.com/mystilabs/mysti/api/types"
	"github.com/mystilabs/mysti/errdefs"
)

// SaveStyle inserts or updates a style by name and returns its id.
func (l *Library) SaveStyle(s *types.Style) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if s.Name == "" {
		return 0, errdefs.InvalidParameter(errors.New("style name is required"))
	}

	_, err := l.db.Exec(`INSERT INTO styles (name, prompt, negative_prompt, preview_path)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			prompt = excluded.prompt,
			negative_prompt = excluded.negative_prompt,
			preview_path = CASE WHEN excluded.preview_path != '' THEN excluded.preview_path ELSE styles.preview_path END`,
		s.Name, s.Prompt, s.NegativePrompt, s.PreviewPath)
	if err != nil {
		return 0, err
	}
	var id int64
	err = l.db.QueryRow(`SELECT id FROM styles WHERE name = ?`, s.Name).Scan(&id)
	return id, err
}

// GetStyle returns a style by name.
func (l *Library) GetStyle(name string) (*types.Style, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var s types.Style
	err := l.db.QueryRow(`SELECT id, name, prompt, negative_prompt, preview_path
		FROM styles WHERE name = ?`, name).
		Scan(&s.ID, &s.Name, &s.Prompt, &s.NegativePrompt, &s.PreviewPath)
	if err == sql.ErrNoRows {
		return nil, errdefs.NotFound(errors.Errorf("no style %q", name))
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ListStyles returns all styles ordered by name.
func (l *Library) ListStyles() ([]types.Style, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rows, err := l.db.Query(`SELECT id, name, prompt, negative_prompt, preview_path
		FROM styles ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	styles := []types.Style{}
	for rows.Next() {
		var s types.Style
		if err := rows.Scan(&s.ID, &s.Name, &s.Prompt, &s.NegativePrompt, &s.PreviewPath); err != nil {
			return nil, err
		}
		styles = append(styles, s)
	}
	return styles, rows.Err()
}

// DeleteStyle removes a style by name.
func (l *Library) DeleteStyle(name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, err := l.db.Exec(`DELETE FROM styles WHERE name = ?`, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errdefs.NotFound(errors.Errorf("no style %q", name))
	}
	return nil
}

// SetStylePreview records the rendered preview image for a style.
func (l *Library) SetStylePreview(name, previewPath string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.Exec(`UPDATE styles SET preview_path = ? WHERE name = ?`, previewPath, name)
	return err
}

// StylesWithoutPreview lists style names whose preview image is missing.
func (l *Library) StylesWithoutPreview() ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rows, err := l.db.Query(`SELECT name FROM styles WHERE preview_path = '' ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// ApplyStyle merges a style into a prompt pair. A "{prompt}" placeholder in
// the style prompt substitutes the user prompt; otherwise the style text is
// appended as a suffix.
func ApplyStyle(s *types.Style, prompt, negative string) (string, string) {
	styled := prompt
	if strings.Contains(s.Prompt, "{prompt}") {
		styled = strings.ReplaceAll(s.Prompt, "{prompt}", prompt)
	} else if s.Prompt != "" {
		styled = strings.TrimSpace(prompt + ", " + s.Prompt)
	}
	negStyled := negative
	if s.NegativePrompt != "" {
		if negStyled != "" {
			negStyled += ", "
		}
		negStyled += s.NegativePrompt
	}
	return styled, negStyled
}

// SaveLibraryItem inserts or updates a prompt snippet and returns its id.
func (l *Library) SaveLibraryItem(item *types.LibraryItem) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if item.Label == "" {
		return 0, errdefs.InvalidParameter(errors.New("library item label is required"))
	}
	if item.ID != 0 {
		_, err := l.db.Exec(`UPDATE prompt_library
			SET label = ?, content = ?, category = ?, preview_path = ? WHERE id = ?`,
			item.Label, item.Content, item.Category, item.PreviewPath, item.ID)
		return item.ID, err
	}
	res, err := l.db.Exec(`INSERT INTO prompt_library (label, content, category, preview_path)
		VALUES (?, ?, ?, ?)`, item.Label, item.Content, item.Category, item.PreviewPath)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListLibraryItems returns prompt snippets, optionally filtered by category.
func (l *Library) ListLibraryItems(category string) ([]types.LibraryItem, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	query := `SELECT id, label, content, category, usage_count, preview_path FROM prompt_library`
	args := []interface{}{}
	if category != "" {
		query += ` WHERE category = ?`
		args = append(args, category)
	}
	query += ` ORDER BY usage_count DESC, label ASC`

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []types.LibraryItem{}
	for rows.Next() {
		var it types.LibraryItem
		if err := rows.Scan(&it.ID, &it.Label, &it.Content, &it.Category, &it.UsageCount, &it.PreviewPath); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// TouchLibraryItem bumps a snippet's usage counter.
func (l *Library) TouchLibraryItem(id int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.Exec(`UPDATE prompt_library SET usage_count = usage_count + 1 WHERE id = ?`, id)
	return err
}

// DeleteLibraryItem removes a prompt snippet.
func (l *Library) DeleteLibraryItem(id int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, err := l.db.Exec(`DELETE FROM prompt_library WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errdefs.NotFound(errors.Errorf("no library item %d", id))
	}
	return nil
}
