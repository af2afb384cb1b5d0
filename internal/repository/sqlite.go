package repository

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// NewSQLiteStore opens a SQLite-backed store. The default for single-node
// deployments and the backend used by tests (":memory:").
func NewSQLiteStore(dbPath string) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SQLite: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	// Single writer; avoids SQLITE_BUSY under concurrent request handling.
	db.SetMaxOpenConns(1)
	return &Store{db: db}, nil
}
