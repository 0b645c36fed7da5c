// Package store provides the shared embedded database. The primary backend
// is sqlite with schema migrations applied at open; when the database cannot
// be opened the store degrades to one JSON file per table so dependent
// components keep a persistence surface.
package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps the shared database handle. When Degraded() is true, SQL() is
// nil and Table() is the only persistence surface.
type DB struct {
	sql         *sql.DB
	fallbackDir string
	logger      *slog.Logger
}

// Open opens the sqlite database at path and applies migrations.
// fallbackDir is where per-table JSON files live in degraded mode.
// Open never fails outright: errors are logged and produce a degraded DB.
func Open(path, fallbackDir string, logger *slog.Logger) *DB {
	if logger == nil {
		logger = slog.Default()
	}
	d := &DB{fallbackDir: fallbackDir, logger: logger}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		logger.Warn("shared db open failed, using json fallback", "error", err)
		return d
	}
	if err := applyMigrations(db); err != nil {
		logger.Warn("shared db migrations failed, using json fallback", "error", err)
		db.Close()
		return d
	}
	d.sql = db
	return d
}

func applyMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// SQL returns the underlying handle, nil when degraded.
func (d *DB) SQL() *sql.DB { return d.sql }

// Degraded reports whether the relational backend is unavailable.
func (d *DB) Degraded() bool { return d.sql == nil }

// Table returns the JSON fallback table with the given name. Valid in both
// modes; consumers use it only when Degraded().
func (d *DB) Table(name string) *JSONTable {
	return &JSONTable{path: filepath.Join(d.fallbackDir, name+".json")}
}

// Close closes the relational handle when present.
func (d *DB) Close() error {
	if d.sql != nil {
		return d.sql.Close()
	}
	return nil
}
