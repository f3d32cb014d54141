// Package index persists run history to SQLite: run outcomes, stage
// events, gate verdicts, and baseline evaluations. It powers the dashboard
// and regression queries. The checkpoint store remains the resume source
// of truth, so losing the index never loses a run.
package index

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	msqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrations embed.FS

var (
	ErrRunNotFound  = errors.New("run not found")
	ErrDuplicateRun = errors.New("run already recorded")
	ErrNoBaseline   = errors.New("no baseline results recorded")
)

// Store records and queries run history.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a store over an open connection. Call Migrate before use.
func New(db *sql.DB, logger *slog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger.With("system", "index"),
	}
}

// Source returns the embedded migration source for external tooling.
func Source() (source.Driver, error) {
	return iofs.New(migrations, "migrations")
}

// Migrate applies pending schema migrations to the connection. The
// migrator is not closed: its close would close the shared connection.
func Migrate(conn *sql.DB) error {
	src, err := Source()
	if err != nil {
		return fmt.Errorf("open migration source: %w", err)
	}

	driver, err := msqlite.WithInstance(conn, &msqlite.Config{})
	if err != nil {
		return fmt.Errorf("prepare migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}
