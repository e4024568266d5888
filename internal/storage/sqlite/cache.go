package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/slok/printlink/internal/model"
)

// GetCacheEntry retrieves a cache entry by key.
func (r *Repository) GetCacheEntry(ctx context.Context, key string) (*model.CacheEntry, error) {
	query := `SELECT key, task_id, output_ref, created_at, expires_at FROM cache_entries WHERE key = ?`

	var e model.CacheEntry
	var createdAt int64
	var expiresAt sql.NullInt64
	err := r.db.QueryRowContext(ctx, query, key).Scan(&e.Key, &e.TaskID, &e.OutputRef, &createdAt, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("cache entry %s: %w", key, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not query cache entry: %w", err)
	}

	e.CreatedAt = timeFromUnixMilli(createdAt)
	e.ExpiresAt = fromUnixMilli(expiresAt)

	return &e, nil
}

// PutCacheEntry creates or replaces a cache entry.
func (r *Repository) PutCacheEntry(ctx context.Context, e model.CacheEntry) error {
	query := `
		INSERT INTO cache_entries (key, task_id, output_ref, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			task_id = excluded.task_id,
			output_ref = excluded.output_ref,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at
	`
	_, err := r.db.ExecContext(ctx, query, e.Key, e.TaskID, e.OutputRef, e.CreatedAt.UnixMilli(), toUnixMilli(e.ExpiresAt))
	if err != nil {
		return fmt.Errorf("could not store cache entry: %w", err)
	}

	r.logger.Debugf("Stored cache entry %s -> %s", e.Key, e.OutputRef)
	return nil
}
