package library

import (
	"database/sql"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/mystilabs/mysti/api/types"
	"github.com/mystilabs/mysti/errdefs"
)

// SaveImagePreset inserts or updates an image preset by name.
func (l *Library) SaveImagePreset(p *types.ImagePreset) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if p.Name == "" {
		return 0, errdefs.InvalidParameter(errors.New("preset name is required"))
	}
	_, err := l.db.Exec(`INSERT INTO image_presets
		(name, unet_path, vae_path, clip_l_path, clip_g_path, t5xxl_path, params_json, vram_gb)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			unet_path = excluded.unet_path,
			vae_path = excluded.vae_path,
			clip_l_path = excluded.clip_l_path,
			clip_g_path = excluded.clip_g_path,
			t5xxl_path = excluded.t5xxl_path,
			params_json = excluded.params_json,
			vram_gb = excluded.vram_gb`,
		p.Name, p.UNetPath, p.VAEPath, p.ClipLPath, p.ClipGPath, p.T5XXLPath,
		orEmptyObject(p.ParamsJSON), p.VRAMGB)
	if err != nil {
		return 0, err
	}
	var id int64
	err = l.db.QueryRow(`SELECT id FROM image_presets WHERE name = ?`, p.Name).Scan(&id)
	return id, err
}

// GetImagePreset returns an image preset by name. Omitted paths round-trip
// as empty strings.
func (l *Library) GetImagePreset(name string) (*types.ImagePreset, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var p types.ImagePreset
	err := l.db.QueryRow(`SELECT id, name, unet_path, vae_path, clip_l_path, clip_g_path,
		t5xxl_path, params_json, vram_gb FROM image_presets WHERE name = ?`, name).
		Scan(&p.ID, &p.Name, &p.UNetPath, &p.VAEPath, &p.ClipLPath, &p.ClipGPath,
			&p.T5XXLPath, &p.ParamsJSON, &p.VRAMGB)
	if err == sql.ErrNoRows {
		return nil, errdefs.NotFound(errors.Errorf("no image preset %q", name))
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListImagePresets returns all image presets ordered by name.
func (l *Library) ListImagePresets() ([]types.ImagePreset, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rows, err := l.db.Query(`SELECT id, name, unet_path, vae_path, clip_l_path, clip_g_path,
		t5xxl_path, params_json, vram_gb FROM image_presets ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	presets := []types.ImagePreset{}
	for rows.Next() {
		var p types.ImagePreset
		if err := rows.Scan(&p.ID, &p.Name, &p.UNetPath, &p.VAEPath, &p.ClipLPath,
			&p.ClipGPath, &p.T5XXLPath, &p.ParamsJSON, &p.VRAMGB); err != nil {
			return nil, err
		}
		presets = append(presets, p)
	}
	return presets, rows.Err()
}

// DeleteImagePreset removes an image preset by name.
func (l *Library) DeleteImagePreset(name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, err := l.db.Exec(`DELETE FROM image_presets WHERE name = ?`, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errdefs.NotFound(errors.Errorf("no image preset %q", name))
	}
	return nil
}

// SaveLlmPreset inserts or updates an LLM preset by name.
func (l *Library) SaveLlmPreset(p *types.LlmPreset) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if p.Name == "" {
		return 0, errdefs.InvalidParameter(errors.New("preset name is required"))
	}
	caps, err := json.Marshal(p.Capabilities)
	if err != nil {
		return 0, err
	}
	if p.Capabilities == nil {
		caps = []byte("[]")
	}
	_, err = l.db.Exec(`INSERT INTO llm_presets
		(name, model_path, mmproj_path, n_ctx, capabilities_json, role)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			model_path = excluded.model_path,
			mmproj_path = excluded.mmproj_path,
			n_ctx = excluded.n_ctx,
			capabilities_json = excluded.capabilities_json,
			role = excluded.role`,
		p.Name, p.ModelPath, p.MMProjPath, p.ContextSize, string(caps), p.Role)
	if err != nil {
		return 0, err
	}
	var id int64
	err = l.db.QueryRow(`SELECT id FROM llm_presets WHERE name = ?`, p.Name).Scan(&id)
	return id, err
}

// GetLlmPreset returns an LLM preset by name.
func (l *Library) GetLlmPreset(name string) (*types.LlmPreset, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	row := l.db.QueryRow(`SELECT id, name, model_path, mmproj_path, n_ctx, capabilities_json, role
		FROM llm_presets WHERE name = ?`, name)
	p, err := scanLlmPreset(row)
	if err == sql.ErrNoRows {
		return nil, errdefs.NotFound(errors.Errorf("no llm preset %q", name))
	}
	return p, err
}

// ListLlmPresets returns all LLM presets ordered by name.
func (l *Library) ListLlmPresets() ([]types.LlmPreset, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rows, err := l.db.Query(`SELECT id, name, model_path, mmproj_path, n_ctx, capabilities_json, role
		FROM llm_presets ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	presets := []types.LlmPreset{}
	for rows.Next() {
		p, err := scanLlmPreset(rows)
		if err != nil {
			return nil, err
		}
		presets = append(presets, *p)
	}
	return presets, rows.Err()
}

// DeleteLlmPreset removes an LLM preset by name.
func (l *Library) DeleteLlmPreset(name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, err := l.db.Exec(`DELETE FROM llm_presets WHERE name = ?`, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errdefs.NotFound(errors.Errorf("no llm preset %q", name))
	}
	return nil
}

func scanLlmPreset(row scannable) (*types.LlmPreset, error) {
	var (
		p    types.LlmPreset
		caps string
	)
	if err := row.Scan(&p.ID, &p.Name, &p.ModelPath, &p.MMProjPath, &p.ContextSize, &caps, &p.Role); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(caps), &p.Capabilities); err != nil {
		p.Capabilities = nil
	}
	return &p, nil
}

func orEmptyObject(s string) string {
	if s == "" {
		return "{}"
	}
	return s
}
