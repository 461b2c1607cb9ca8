// Package library is the orchestrator's persistent image library: an
// embedded SQLite store indexing generations, tags, styles, presets and
// background jobs.
//
// One Library wraps a single database handle. Every exported method takes
// the library mutex; multi-statement writes run inside explicit transactions
// through unexported helpers that never lock, so nested operations (tag
// insertion inside a generation insert, for example) cannot deadlock.
package library

import (
	"database/sql"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Library is the SQLite-backed image library.
type Library struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (or creates) the library database at path and applies any
// pending schema migrations. Schema failures are fatal and propagate.
func Open(path string) (*Library, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrap(err, "opening library database")
	}
	// a single connection keeps the writer serialization honest; readers
	// contend on the library mutex anyway
	db.SetMaxOpenConns(1)

	l := &Library{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migrating library schema")
	}
	return l, nil
}

// Close closes the underlying handle.
func (l *Library) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Close()
}

// SchemaVersion returns the current PRAGMA user_version.
func (l *Library) SchemaVersion() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.schemaVersion()
}

func (l *Library) schemaVersion() (int, error) {
	var v int
	err := l.db.QueryRow("PRAGMA user_version").Scan(&v)
	return v, err
}

// withTx runs fn inside a transaction. Callers must hold the library mutex.
func (l *Library) withTx(fn func(*sql.Tx) error) error {
	tx, err := l.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logrus.WithError(rbErr).Warn("library: rollback failed")
		}
		return err
	}
	return tx.Commit()
}

// normalizeTag produces the alias-insensitive form of a tag name: lower
// case, trimmed, separator characters folded to single spaces.
func normalizeTag(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = strings.NewReplacer("-", " ", "_", " ").Replace(s)
	return strings.Join(strings.Fields(s), " ")
}
