// Package storage owns the single embedded sqlite connection every
// installation keeps for its private encrypted local database, in the same
// Connect/GetDB shape as the teacher's common/mpostgres package, retargeted
// from a primary/replica Postgres pair to one local file because a
// single-device client has no replica to resolve reads against.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/meshline/groupcore/internal/mlog"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Connection is a hub which deals with the local sqlite connection,
// mirroring the teacher's PostgresConnection but scaled down to a single
// writer.
type Connection struct {
	Path      string
	Logger    mlog.Logger
	DB        *sql.DB
	Connected bool
}

// Connect opens the sqlite file at c.Path and applies pending migrations.
// Safe to call more than once; subsequent calls are no-ops once Connected.
func (c *Connection) Connect() error {
	if c.Connected {
		return nil
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", c.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("storage: open sqlite: %w", err)
	}

	// The embedded store is single-writer by design (spec 4.8's per-group
	// lock serializes writers at the application layer); sqlite itself
	// also only tolerates one writer connection at a time under WAL.
	db.SetMaxOpenConns(1)

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("storage: load migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("storage: init migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("storage: init migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("storage: apply migrations: %w", err)
	}

	if err := db.Ping(); err != nil {
		return fmt.Errorf("storage: ping: %w", err)
	}

	c.DB = db
	c.Connected = true

	if c.Logger != nil {
		c.Logger.Info("connected to local sqlite store")
	}

	return nil
}

// GetDB returns the sqlite handle, connecting lazily if necessary.
func (c *Connection) GetDB(_ context.Context) (*sql.DB, error) {
	if !c.Connected {
		if err := c.Connect(); err != nil {
			return nil, err
		}
	}

	return c.DB, nil
}

// Close releases the underlying connection.
func (c *Connection) Close() error {
	if c.DB == nil {
		return nil
	}

	return c.DB.Close()
}
