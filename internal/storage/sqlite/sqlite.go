package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/slok/printlink/internal/log"
	"github.com/slok/printlink/internal/storage/sqlite/migrations"
)

// RepositoryConfig is the configuration for the SQLite repository.
type RepositoryConfig struct {
	DBPath string
	Logger log.Logger
}

func (c *RepositoryConfig) defaults() error {
	if c.DBPath == "" {
		return fmt.Errorf("db path is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "storage.SQLite"})
	return nil
}

// Repository is a SQLite implementation of storage.Repository.
type Repository struct {
	db     *sql.DB
	logger log.Logger
}

// NewRepository opens the database and applies the migrations.
func NewRepository(ctx context.Context, cfg RepositoryConfig) (*Repository, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	dir := filepath.Dir(cfg.DBPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("could not create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}
	// SQLite has a single writer.
	db.SetMaxOpenConns(1)

	repo, err := NewRepositoryFromDB(ctx, db, cfg.Logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	cfg.Logger.Debugf("SQLite repository initialized at %s", cfg.DBPath)
	return repo, nil
}

// NewRepositoryFromDB migrates an already open database and wraps it.
func NewRepositoryFromDB(ctx context.Context, db *sql.DB, logger log.Logger) (*Repository, error) {
	if logger == nil {
		logger = log.Noop
	}

	migrator, err := migrations.NewMigrator(migrations.MigratorConfig{DB: db, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("could not create migrator: %w", err)
	}
	if _, err := migrator.Up(ctx); err != nil {
		return nil, fmt.Errorf("could not run migrations: %w", err)
	}

	return &Repository{db: db, logger: logger}, nil
}

// Close closes the database connection.
func (r *Repository) Close() error { return r.db.Close() }

type scanner interface {
	Scan(dest ...any) error
}

func isUniqueErr(err error, table string) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed: "+table+".")
}

func toUnixMilli(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	v := t.UnixMilli()
	return &v
}

func fromUnixMilli(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := timeFromUnixMilli(v.Int64)
	return &t
}

func timeFromUnixMilli(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func encodeMap(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeMap(s string) (map[string]string, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	m := map[string]string{}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}
