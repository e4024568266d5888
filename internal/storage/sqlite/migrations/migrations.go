package migrations

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/slok/printlink/internal/log"
)

//go:embed sql/*.sql
var migrationFiles embed.FS

// MigratorConfig is the configuration for the migrator.
type MigratorConfig struct {
	DB     *sql.DB
	Logger log.Logger
}

func (c *MigratorConfig) defaults() error {
	if c.DB == nil {
		return fmt.Errorf("db is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "storage.Migrator"})
	return nil
}

// Migrator applies the embedded schema migrations.
type Migrator struct {
	db     *sql.DB
	logger log.Logger
}

// NewMigrator creates a new migrator instance.
func NewMigrator(cfg MigratorConfig) (*Migrator, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Migrator{db: cfg.DB, logger: cfg.Logger}, nil
}

// Up applies every pending migration and returns the resulting schema version.
func (m *Migrator) Up(ctx context.Context) (uint, error) {
	inst, closeFn, err := m.instance()
	defer closeFn()
	if err != nil {
		return 0, err
	}

	if err := inst.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("could not run migrations: %w", err)
	}

	version, dirty, err := inst.Version()
	if err != nil {
		return 0, fmt.Errorf("could not get schema version: %w", err)
	}
	if dirty {
		return version, fmt.Errorf("schema version %d is dirty", version)
	}

	m.logger.Debugf("Schema at version %d", version)
	return version, nil
}

// Down reverts every migration.
func (m *Migrator) Down(ctx context.Context) error {
	inst, closeFn, err := m.instance()
	defer closeFn()
	if err != nil {
		return err
	}

	if err := inst.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("could not revert migrations: %w", err)
	}

	m.logger.Debugf("Migrations reverted")
	return nil
}

func (m *Migrator) instance() (*migrate.Migrate, func(), error) {
	closeFn := func() {}

	driver, err := sqlite3.WithInstance(m.db, &sqlite3.Config{})
	if err != nil {
		return nil, closeFn, fmt.Errorf("could not create driver: %w", err)
	}

	src, err := iofs.New(migrationFiles, "sql")
	if err != nil {
		return nil, closeFn, fmt.Errorf("could not create fs: %w", err)
	}
	closeFn = func() {
		if err := src.Close(); err != nil {
			m.logger.Errorf("could not close migrations fs: %s", err)
		}
	}

	inst, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return nil, closeFn, fmt.Errorf("could not create migration instance: %w", err)
	}

	return inst, closeFn, nil
}
