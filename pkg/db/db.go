package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// Database is the engine's durable store: the safety-state singleton,
// protective orders, the trade journal and users all live in one SQLite file.
type Database struct {
	DB *sql.DB
}

// New opens (and creates if needed) the engine database at path. The pool is
// capped at one connection: the state store and order manager persist every
// transition synchronously, and SQLite wants a single writer.
func New(path string) (*Database, error) {
	if path == "" {
		return nil, errors.New("database path is empty")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	return &Database{DB: db}, nil
}

// Close releases the underlying handle. Safe on a nil receiver so shutdown
// paths can call it unconditionally.
func (d *Database) Close() error {
	if d == nil || d.DB == nil {
		return nil
	}
	return d.DB.Close()
}
