package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/forgefit/deferred/log"
	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

var ErrMigrationDirty = errors.New("migration left the database dirty")

// MigrationStatus is the schema version recorded by golang-migrate.
type MigrationStatus struct {
	Version uint
	Dirty   bool
}

func newMigrator(db *sql.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return nil, fmt.Errorf("create postgres migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("create migration instance: %w", err)
	}

	return m, nil
}

// Migrate applies every pending embedded migration to the primary.
func Migrate(ctx context.Context, client *Client, logger log.Logger) error {
	logger = log.OrNop(logger)

	if _, err := client.Resolver(ctx); err != nil {
		return err
	}

	db, err := client.Primary()
	if err != nil {
		return err
	}

	m, err := newMigrator(db)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Log(ctx, log.LevelInfo, "no new migrations found")
			return nil
		}

		var dirtyErr migrate.ErrDirty
		if errors.As(err, &dirtyErr) {
			logger.Log(ctx, log.LevelError, "migration failed with dirty version", log.Int("version", dirtyErr.Version))
			return fmt.Errorf("%w: version %d", ErrMigrationDirty, dirtyErr.Version)
		}

		logger.Log(ctx, log.LevelError, "migration failed", log.Err(err))

		return fmt.Errorf("migration failed: %w", err)
	}

	status, err := readStatus(m)
	if err != nil {
		return err
	}

	logger.Log(ctx, log.LevelInfo, "migrations applied", log.Int("version", int(status.Version)))

	return nil
}

// MigrateDown rolls back every applied migration.
func MigrateDown(ctx context.Context, client *Client, logger log.Logger) error {
	logger = log.OrNop(logger)

	if _, err := client.Resolver(ctx); err != nil {
		return err
	}

	db, err := client.Primary()
	if err != nil {
		return err
	}

	m, err := newMigrator(db)
	if err != nil {
		return err
	}

	if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		logger.Log(ctx, log.LevelError, "migration rollback failed", log.Err(err))
		return fmt.Errorf("migration rollback failed: %w", err)
	}

	logger.Log(ctx, log.LevelInfo, "migrations rolled back")

	return nil
}

// Status reports the applied schema version. A database without migrations
// reports version 0.
func Status(ctx context.Context, client *Client) (MigrationStatus, error) {
	if _, err := client.Resolver(ctx); err != nil {
		return MigrationStatus{}, err
	}

	db, err := client.Primary()
	if err != nil {
		return MigrationStatus{}, err
	}

	m, err := newMigrator(db)
	if err != nil {
		return MigrationStatus{}, err
	}

	return readStatus(m)
}

func readStatus(m *migrate.Migrate) (MigrationStatus, error) {
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return MigrationStatus{}, nil
	}

	if err != nil {
		return MigrationStatus{}, fmt.Errorf("read migration version: %w", err)
	}

	return MigrationStatus{Version: version, Dirty: dirty}, nil
}
