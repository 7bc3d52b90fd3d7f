// Package db provides the Local Store: a transactional, key-indexed set of
// record tables persisted in SQLite.
package db

import (
	"database/sql"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// FileName is the database file created inside the data directory.
const FileName = "posync.db"

// connPragmas are applied on the single pooled connection. WAL lets the
// agent process read while the till writes; FULL sync keeps a committed
// event across power loss.
var connPragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=FULL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA foreign_keys=ON",
}

// DB is an open Local Store file.
type DB struct {
	*sql.DB
	Path string
}

// Open opens (creating if needed) the store file inside dataDir.
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, storageError("create data directory", err)
	}
	return OpenFile(filepath.Join(dataDir, FileName))
}

// OpenFile opens the store file at path.
func OpenFile(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, storageError("open database", err)
	}

	// pragmas are per connection, so the pool holds exactly one
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	for _, pragma := range connPragmas {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, storageError(pragma, err)
		}
	}
	return &DB{DB: conn, Path: path}, nil
}

// Migrate applies the embedded schema migrations.
func (db *DB) Migrate() error {
	return NewMigrator(db.DB, Migrations()).Up()
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
