// Package migrations embeds the pricewatch schema and applies it with
// golang-migrate.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// MigrationsTable records the applied schema version.
const MigrationsTable = "pricewatch_schema_migrations"

//go:embed sql/*.sql
var files embed.FS

// Source returns the embedded migration files as a golang-migrate source.
func Source() (source.Driver, error) {
	return iofs.New(files, "sql")
}

// Apply runs every pending up migration against db. It holds a dedicated
// connection for the duration so the pool stays usable afterwards.
func Apply(ctx context.Context, db *sql.DB) error {
	m, closeFn, err := newMigrator(ctx, db)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Version reports the current schema version and whether it is dirty.
func Version(ctx context.Context, db *sql.DB) (uint, bool, error) {
	m, closeFn, err := newMigrator(ctx, db)
	if err != nil {
		return 0, false, err
	}
	defer closeFn()

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func newMigrator(ctx context.Context, db *sql.DB) (*migrate.Migrate, func(), error) {
	src, err := Source()
	if err != nil {
		return nil, nil, fmt.Errorf("open migration source: %w", err)
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		_ = src.Close()
		return nil, nil, fmt.Errorf("acquire connection: %w", err)
	}
	driver, err := postgres.WithConnection(ctx, conn, &postgres.Config{MigrationsTable: MigrationsTable})
	if err != nil {
		_ = conn.Close()
		_ = src.Close()
		return nil, nil, fmt.Errorf("init migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		_ = driver.Close()
		_ = src.Close()
		return nil, nil, fmt.Errorf("init migrator: %w", err)
	}
	// closing the migrator releases conn; db stays open
	return m, func() { _, _ = m.Close() }, nil
}
