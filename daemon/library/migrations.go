package library

import (
	"database/sql"
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// migrations are applied in order; the schema version after applying
// migration i is i+1. Each migration runs in one transaction that also bumps
// PRAGMA user_version, so a partially applied upgrade can never be observed.
var migrations = []func(*sql.Tx) error{
	migrateV1,
	migrateV2,
	migrateV3,
}

func (l *Library) migrate() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	version, err := l.schemaVersion()
	if err != nil {
		return err
	}
	for next := version; next < len(migrations); next++ {
		logrus.WithField("version", next+1).Info("library: applying schema migration")
		target := next + 1
		err := l.withTx(func(tx *sql.Tx) error {
			if err := migrations[next](tx); err != nil {
				return err
			}
			_, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", target))
			return err
		})
		if err != nil {
			return errors.Wrapf(err, "migration to v%d", target)
		}
	}
	return nil
}

func migrateV1(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE generations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid TEXT NOT NULL UNIQUE,
			file_path TEXT NOT NULL,
			prompt TEXT NOT NULL DEFAULT '',
			negative_prompt TEXT NOT NULL DEFAULT '',
			seed INTEGER NOT NULL DEFAULT 0,
			width INTEGER NOT NULL DEFAULT 0,
			height INTEGER NOT NULL DEFAULT 0,
			steps INTEGER NOT NULL DEFAULT 0,
			cfg_scale REAL NOT NULL DEFAULT 0,
			generation_time_sec REAL NOT NULL DEFAULT 0,
			model_id TEXT NOT NULL DEFAULT '',
			is_favorite INTEGER NOT NULL DEFAULT 0,
			rating INTEGER NOT NULL DEFAULT 0 CHECK (rating BETWEEN 0 AND 5),
			auto_tagged INTEGER NOT NULL DEFAULT 0,
			params_json TEXT NOT NULL DEFAULT '',
			parent_uuid TEXT,
			timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE tags (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			category TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE image_tags (
			generation_id INTEGER NOT NULL REFERENCES generations(id) ON DELETE CASCADE,
			tag_id INTEGER NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
			source TEXT NOT NULL DEFAULT 'user',
			confidence REAL NOT NULL DEFAULT 1.0,
			PRIMARY KEY (generation_id, tag_id)
		)`,
		`CREATE TABLE styles (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			prompt TEXT NOT NULL DEFAULT '',
			negative_prompt TEXT NOT NULL DEFAULT '',
			preview_path TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE models (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			file_path TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE prompt_templates (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			template TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE model_metadata (
			model_id TEXT PRIMARY KEY,
			metadata_json TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX idx_generations_timestamp ON generations(timestamp DESC)`,
		`CREATE INDEX idx_tags_name ON tags(name)`,
		`CREATE INDEX idx_generations_model ON generations(model_id)`,
		`CREATE INDEX idx_generations_rating ON generations(rating)`,
	}
	return execAll(tx, stmts)
}

func migrateV2(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE generation_files (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			generation_id INTEGER NOT NULL REFERENCES generations(id) ON DELETE CASCADE,
			kind TEXT NOT NULL DEFAULT 'thumbnail',
			file_path TEXT NOT NULL
		)`,
		`CREATE TABLE jobs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			type TEXT NOT NULL,
			payload_json TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL DEFAULT 'pending',
			error TEXT NOT NULL DEFAULT '',
			priority INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE prompt_library (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			label TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL DEFAULT '',
			usage_count INTEGER NOT NULL DEFAULT 0,
			preview_path TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE tag_aliases (
			alias TEXT PRIMARY KEY,
			tag_id INTEGER NOT NULL REFERENCES tags(id) ON DELETE CASCADE
		)`,
		`ALTER TABLE tags ADD COLUMN normalized_name TEXT`,
		`CREATE UNIQUE INDEX idx_tags_normalized ON tags(normalized_name)`,
		`CREATE INDEX idx_jobs_queue ON jobs(status, priority DESC, created_at ASC)`,
		`CREATE VIRTUAL TABLE generations_fts USING fts5(
			prompt, negative_prompt,
			content='generations', content_rowid='id'
		)`,
		`CREATE TRIGGER generations_fts_insert AFTER INSERT ON generations BEGIN
			INSERT INTO generations_fts(rowid, prompt, negative_prompt)
			VALUES (new.id, new.prompt, new.negative_prompt);
		END`,
		`CREATE TRIGGER generations_fts_delete AFTER DELETE ON generations BEGIN
			INSERT INTO generations_fts(generations_fts, rowid, prompt, negative_prompt)
			VALUES ('delete', old.id, old.prompt, old.negative_prompt);
		END`,
		`CREATE TRIGGER generations_fts_update AFTER UPDATE OF prompt, negative_prompt ON generations BEGIN
			INSERT INTO generations_fts(generations_fts, rowid, prompt, negative_prompt)
			VALUES ('delete', old.id, old.prompt, old.negative_prompt);
			INSERT INTO generations_fts(rowid, prompt, negative_prompt)
			VALUES (new.id, new.prompt, new.negative_prompt);
		END`,
	}
	if err := execAll(tx, stmts); err != nil {
		return err
	}
	// backfill normalized names for tags created under v1
	rows, err := tx.Query(`SELECT id, name FROM tags`)
	if err != nil {
		return err
	}
	defer rows.Close()
	type pair struct {
		id   int64
		name string
	}
	var pairs []pair
	for rows.Next() {
		var p pair
		if err := rows.Scan(&p.id, &p.name); err != nil {
			return err
		}
		pairs = append(pairs, p)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for _, p := range pairs {
		if _, err := tx.Exec(`UPDATE tags SET normalized_name = ? WHERE id = ?`, normalizeTag(p.name), p.id); err != nil {
			return err
		}
	}
	return nil
}

func migrateV3(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE image_presets (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			unet_path TEXT NOT NULL DEFAULT '',
			vae_path TEXT NOT NULL DEFAULT '',
			clip_l_path TEXT NOT NULL DEFAULT '',
			clip_g_path TEXT NOT NULL DEFAULT '',
			t5xxl_path TEXT NOT NULL DEFAULT '',
			params_json TEXT NOT NULL DEFAULT '{}',
			vram_gb REAL NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE llm_presets (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			model_path TEXT NOT NULL DEFAULT '',
			mmproj_path TEXT NOT NULL DEFAULT '',
			n_ctx INTEGER NOT NULL DEFAULT 0,
			capabilities_json TEXT NOT NULL DEFAULT '[]',
			role TEXT NOT NULL DEFAULT ''
		)`,
	}
	return execAll(tx, stmts)
}

func execAll(tx *sql.Tx, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return errors.Wrapf(err, "executing %.60q", stmt)
		}
	}
	return nil
}
