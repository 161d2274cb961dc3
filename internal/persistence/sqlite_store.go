package persistence

import (
	"database/sql"
	"errors"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteStore is a RuntimeStore backed by SQLite.
//
// It expects an *sql.DB that uses the "modernc.org/sqlite" driver. SQLite
// allows a single writer; for ":memory:" databases the pool must be limited
// to one connection (db.SetMaxOpenConns(1)) so that every query sees the
// same database.
type SQLiteStore struct {
	sqlStore
}

// Ensure SQLiteStore implements RuntimeStore.
var _ RuntimeStore = (*SQLiteStore)(nil)

// NewSQLiteStore initializes the required schema in the given database and
// returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{sqlStore{
		db: db,
		d: dialect{
			blob:     "BLOB",
			serial:   "INTEGER PRIMARY KEY AUTOINCREMENT",
			isUnique: isSQLiteUnique,
		},
	}}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func isSQLiteUnique(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
