package db

import (
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kimhsiao/posync/internal/errors"
	"github.com/kimhsiao/posync/internal/logging"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// Migrations returns the schema migrations shipped with the binary.
func Migrations() fs.FS {
	sub, err := fs.Sub(embeddedMigrations, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// Migration is one applied schema version.
type Migration struct {
	Version     int
	AppliedAt   time.Time
	Description string
	Checksum    string
}

// script is a V<n>__<description>.{up,down}.sql pair found in the source FS.
type script struct {
	version     int
	description string
	up          []byte
	down        string // file name; empty when there is no rollback
}

// Migrator applies versioned SQL scripts and records them in schema_migrations.
type Migrator struct {
	db   *sql.DB
	fsys fs.FS
	now  func() time.Time
}

// NewMigrator creates a Migrator reading scripts from fsys.
func NewMigrator(db *sql.DB, fsys fs.FS) *Migrator {
	return &Migrator{db: db, fsys: fsys, now: time.Now}
}

const migrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY CHECK(version > 0),
	applied_at INTEGER NOT NULL CHECK(applied_at > 0),
	description TEXT NOT NULL CHECK(length(description) > 0),
	checksum TEXT NOT NULL CHECK(length(checksum) = 64)
)`

func migrationError(msg string, err error) error {
	return errors.Wrap(errors.ErrMigration, msg, err)
}

// Initialize creates the schema_migrations table if it doesn't exist.
func (m *Migrator) Initialize() error {
	if _, err := m.db.Exec(migrationsTable); err != nil {
		return migrationError("create schema_migrations", err)
	}
	return nil
}

// CurrentVersion returns the highest applied version, or 0.
func (m *Migrator) CurrentVersion() (int, error) {
	var version int
	if err := m.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		return 0, migrationError("read schema version", err)
	}
	return version, nil
}

// Applied returns the applied migrations in version order.
func (m *Migrator) Applied() ([]Migration, error) {
	rows, err := m.db.Query("SELECT version, applied_at, description, checksum FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, migrationError("list applied migrations", err)
	}
	defer rows.Close()

	var applied []Migration
	for rows.Next() {
		var (
			mig Migration
			at  int64
		)
		if err := rows.Scan(&mig.Version, &at, &mig.Description, &mig.Checksum); err != nil {
			return nil, migrationError("scan applied migration", err)
		}
		mig.AppliedAt = time.Unix(at, 0)
		applied = append(applied, mig)
	}
	if err := rows.Err(); err != nil {
		return nil, migrationError("iterate applied migrations", err)
	}
	return applied, nil
}

// parseName splits "V3__add_index.up.sql" into 3, "add_index", "up".
func parseName(name string) (version int, description, direction string, ok bool) {
	base, found := strings.CutSuffix(name, ".sql")
	if !found {
		return 0, "", "", false
	}
	dot := strings.LastIndexByte(base, '.')
	if dot < 0 {
		return 0, "", "", false
	}
	base, direction = base[:dot], base[dot+1:]
	if direction != "up" && direction != "down" {
		return 0, "", "", false
	}
	head, description, found := strings.Cut(base, "__")
	if !found || description == "" || !strings.HasPrefix(head, "V") {
		return 0, "", "", false
	}
	version, err := strconv.Atoi(head[1:])
	if err != nil || version <= 0 {
		return 0, "", "", false
	}
	return version, description, direction, true
}

// scripts reads every well-formed script from the source FS, sorted by version.
// Files that do not follow the naming scheme are ignored.
func (m *Migrator) scripts() ([]script, error) {
	entries, err := fs.ReadDir(m.fsys, ".")
	if err != nil {
		return nil, migrationError("read migrations", err)
	}

	byVersion := make(map[int]*script)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version, description, direction, ok := parseName(entry.Name())
		if !ok {
			continue
		}
		s := byVersion[version]
		if s == nil {
			s = &script{version: version, description: description}
			byVersion[version] = s
		}
		if direction == "down" {
			s.down = entry.Name()
			continue
		}
		if s.up, err = fs.ReadFile(m.fsys, entry.Name()); err != nil {
			return nil, migrationError("read "+entry.Name(), err)
		}
	}

	out := make([]script, 0, len(byVersion))
	for _, s := range byVersion {
		if s.up != nil {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

func checksumOf(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Up applies every script newer than the recorded ones. An applied script
// whose content changed since it ran is an error.
func (m *Migrator) Up() error {
	if err := m.Initialize(); err != nil {
		return err
	}
	applied, err := m.Applied()
	if err != nil {
		return err
	}
	checksums := make(map[int]string, len(applied))
	for _, mig := range applied {
		checksums[mig.Version] = mig.Checksum
	}

	scripts, err := m.scripts()
	if err != nil {
		return err
	}
	for _, s := range scripts {
		sum := checksumOf(s.up)
		if recorded, ok := checksums[s.version]; ok {
			if recorded != sum {
				return errors.New(errors.ErrMigration, fmt.Sprintf("migration V%d was modified after being applied", s.version))
			}
			continue
		}
		if err := m.apply(s, sum); err != nil {
			return err
		}
		logging.Info("Applied schema migration", map[string]interface{}{
			"version":     s.version,
			"description": s.description,
		})
	}
	return nil
}

func (m *Migrator) apply(s script, sum string) error {
	return m.inTx(fmt.Sprintf("apply V%d", s.version), func(tx *sql.Tx) error {
		if _, err := tx.Exec(string(s.up)); err != nil {
			return err
		}
		_, err := tx.Exec(`INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, ?, ?, ?)`,
			s.version, m.now().Unix(), s.description, sum)
		return err
	})
}

// Down rolls back the highest applied version using its .down.sql script.
func (m *Migrator) Down() error {
	current, err := m.CurrentVersion()
	if err != nil {
		return err
	}
	if current == 0 {
		return errors.New(errors.ErrMigration, "no migrations to roll back")
	}

	scripts, err := m.scripts()
	if err != nil {
		return err
	}
	var down string
	for _, s := range scripts {
		if s.version == current {
			down = s.down
		}
	}
	if down == "" {
		return errors.New(errors.ErrMigration, fmt.Sprintf("no rollback script for V%d", current))
	}
	content, err := fs.ReadFile(m.fsys, down)
	if err != nil {
		return migrationError("read "+down, err)
	}

	return m.inTx(fmt.Sprintf("roll back V%d", current), func(tx *sql.Tx) error {
		if _, err := tx.Exec(string(content)); err != nil {
			return err
		}
		_, err := tx.Exec("DELETE FROM schema_migrations WHERE version = ?", current)
		return err
	})
}

func (m *Migrator) inTx(op string, fn func(tx *sql.Tx) error) error {
	tx, err := m.db.Begin()
	if err != nil {
		return migrationError(op, err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return migrationError(op, err)
	}
	if err := tx.Commit(); err != nil {
		return migrationError(op, err)
	}
	return nil
}
