package library

import (
	"database/sql"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/mystilabs/mysti/errdefs"
)

// SetModelMetadata stores free-form JSON metadata for a model identifier,
// replacing any previous value.
func (l *Library) SetModelMetadata(modelID string, metadata json.RawMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if modelID == "" {
		return errdefs.InvalidParameter(errors.New("model id is required"))
	}
	if !json.Valid(metadata) {
		return errdefs.InvalidParameter(errors.New("metadata is not valid JSON"))
	}
	_, err := l.db.Exec(`INSERT INTO model_metadata (model_id, metadata_json) VALUES (?, ?)
		ON CONFLICT(model_id) DO UPDATE SET metadata_json = excluded.metadata_json`,
		modelID, string(metadata))
	return err
}

// GetModelMetadata returns the stored metadata for a model, or nil if none
// is recorded.
func (l *Library) GetModelMetadata(modelID string) (json.RawMessage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var raw string
	err := l.db.QueryRow(`SELECT metadata_json FROM model_metadata WHERE model_id = ?`, modelID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(raw), nil
}

// AllModelMetadata returns every stored metadata blob keyed by model id.
func (l *Library) AllModelMetadata() (map[string]json.RawMessage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rows, err := l.db.Query(`SELECT model_id, metadata_json FROM model_metadata`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	all := map[string]json.RawMessage{}
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		all[id] = json.RawMessage(raw)
	}
	return all, rows.Err()
}
