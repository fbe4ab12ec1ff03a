// Package store is the durable state layer: chats, messages, registered
// groups, sessions, scheduled tasks and their run logs, router cursors, and
// key/value settings, all in a single SQLite file.
package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store wraps the SQLite database. Safe for concurrent use; SQLite
// serializes writes and busy_timeout covers contention between the router's
// polling loops.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path, applies embedded
// migrations, and runs the additive column upgrade pass.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// A single writer connection avoids SQLITE_BUSY between the loops.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	s.autoUpgrade()
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	m, err := migratorFor(s.db)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func migratorFor(db *sql.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}
	drv, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return m, nil
}

// NewMigrator returns a migrator over the database at path without applying
// anything. Closing the migrator closes the database handle.
func NewMigrator(path string) (*migrate.Migrate, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	m, err := migratorFor(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

// autoUpgrade adds columns introduced after the base schema. SQLite has no
// ADD COLUMN IF NOT EXISTS; a duplicate-column error means the column is
// already present and is treated as success.
func (s *Store) autoUpgrade() {
	upgrades := []string{
		`ALTER TABLE registered_groups ADD COLUMN container_config TEXT`,
		`ALTER TABLE scheduled_tasks ADD COLUMN context_mode TEXT NOT NULL DEFAULT 'group'`,
		`ALTER TABLE chats ADD COLUMN name TEXT NOT NULL DEFAULT ''`,
	}
	for _, stmt := range upgrades {
		if _, err := s.db.Exec(stmt); err != nil {
			if !isDuplicateColumn(err) {
				slog.Warn("schema upgrade statement failed", "stmt", stmt, "error", err)
			}
		}
	}
}

func isDuplicateColumn(err error) bool {
	return err != nil && strings.Contains(err.Error(), "duplicate column")
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func derefNull(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}
