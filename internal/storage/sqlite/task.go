package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/slok/printlink/internal/model"
	"github.com/slok/printlink/internal/storage"
)

const taskColumns = `
	id, type, status,
	input_ref, input_params,
	output_ref, output_metadata, error_message,
	retry_count, max_retries, cache_key,
	created_at, started_at, completed_at, next_attempt_at
`

// CreateTask creates a new task.
func (r *Repository) CreateTask(ctx context.Context, t model.Task) error {
	params, err := encodeMap(t.InputParams)
	if err != nil {
		return fmt.Errorf("could not encode input params: %w", err)
	}
	meta, err := encodeMap(t.OutputMetadata)
	if err != nil {
		return fmt.Errorf("could not encode output metadata: %w", err)
	}

	query := `INSERT INTO tasks (` + taskColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = r.db.ExecContext(ctx, query,
		t.ID,
		t.Type,
		t.Status,
		t.InputRef,
		params,
		t.OutputRef,
		meta,
		t.ErrorMessage,
		t.RetryCount,
		t.MaxRetries,
		t.CacheKey,
		t.CreatedAt.UnixMilli(),
		toUnixMilli(t.StartedAt),
		toUnixMilli(t.CompletedAt),
		toUnixMilli(t.NextAttemptAt),
	)
	if err != nil {
		if isUniqueErr(err, "tasks") {
			return fmt.Errorf("task %s: %w", t.ID, model.ErrAlreadyExists)
		}
		return fmt.Errorf("could not insert task: %w", err)
	}

	r.logger.Debugf("Created task in repository: %s", t.ID)
	return nil
}

// GetTask retrieves a task by ID.
func (r *Repository) GetTask(ctx context.Context, id string) (*model.Task, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not query task: %w", err)
	}

	return &t, nil
}

// GetInflightTask returns the pending or running task with the cache key.
func (r *Repository) GetInflightTask(ctx context.Context, cacheKey string) (*model.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE cache_key = ? AND status IN (?, ?) LIMIT 1`
	row := r.db.QueryRowContext(ctx, query, cacheKey, model.TaskStatusPending, model.TaskStatusRunning)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("in flight task for key %s: %w", cacheKey, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not query task: %w", err)
	}

	return &t, nil
}

// ListTasks returns the tasks matching the options, oldest first.
func (r *Repository) ListTasks(ctx context.Context, opts storage.ListTasksOpts) ([]model.Task, error) {
	var where []string
	var args []any
	if opts.Status != nil {
		where = append(where, "status = ?")
		args = append(args, *opts.Status)
	}
	if opts.Type != nil {
		where = append(where, "type = ?")
		args = append(args, *opts.Type)
	}
	if opts.DueAt != nil {
		where = append(where, "(next_attempt_at IS NULL OR next_attempt_at <= ?)")
		args = append(args, opts.DueAt.UnixMilli())
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("could not query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("could not scan row: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return tasks, nil
}

// UpdateClaimedTask updates a running task claimed at claimedAt.
func (r *Repository) UpdateClaimedTask(ctx context.Context, t model.Task, claimedAt time.Time) (bool, error) {
	params, err := encodeMap(t.InputParams)
	if err != nil {
		return false, fmt.Errorf("could not encode input params: %w", err)
	}
	meta, err := encodeMap(t.OutputMetadata)
	if err != nil {
		return false, fmt.Errorf("could not encode output metadata: %w", err)
	}

	query := `
		UPDATE tasks
		SET
			status = ?,
			input_params = ?,
			output_ref = ?,
			output_metadata = ?,
			error_message = ?,
			retry_count = ?,
			max_retries = ?,
			started_at = ?,
			completed_at = ?,
			next_attempt_at = ?
		WHERE id = ? AND status = ? AND started_at = ?
	`
	result, err := r.db.ExecContext(ctx, query,
		t.Status,
		params,
		t.OutputRef,
		meta,
		t.ErrorMessage,
		t.RetryCount,
		t.MaxRetries,
		toUnixMilli(t.StartedAt),
		toUnixMilli(t.CompletedAt),
		toUnixMilli(t.NextAttemptAt),
		t.ID,
		model.TaskStatusRunning,
		claimedAt.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("could not update task: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("could not get rows affected: %w", err)
	}
	if rows == 0 {
		return false, nil
	}

	r.logger.Debugf("Updated task in repository: %s (%s)", t.ID, t.Status)
	return true, nil
}

// ClaimTask moves a due pending task to running.
func (r *Repository) ClaimTask(ctx context.Context, id string, at time.Time) (bool, error) {
	query := `
		UPDATE tasks
		SET status = ?, started_at = ?, next_attempt_at = NULL
		WHERE id = ? AND status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
	`
	result, err := r.db.ExecContext(ctx, query,
		model.TaskStatusRunning,
		at.UnixMilli(),
		id,
		model.TaskStatusPending,
		at.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("could not claim task: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("could not get rows affected: %w", err)
	}

	return rows == 1, nil
}

func scanTask(s scanner) (model.Task, error) {
	var t model.Task
	var params, meta string
	var createdAt int64
	var startedAt, completedAt, nextAttemptAt sql.NullInt64

	err := s.Scan(
		&t.ID,
		&t.Type,
		&t.Status,
		&t.InputRef,
		&params,
		&t.OutputRef,
		&meta,
		&t.ErrorMessage,
		&t.RetryCount,
		&t.MaxRetries,
		&t.CacheKey,
		&createdAt,
		&startedAt,
		&completedAt,
		&nextAttemptAt,
	)
	if err != nil {
		return model.Task{}, err
	}

	if t.InputParams, err = decodeMap(params); err != nil {
		return model.Task{}, fmt.Errorf("could not decode input params: %w", err)
	}
	if t.OutputMetadata, err = decodeMap(meta); err != nil {
		return model.Task{}, fmt.Errorf("could not decode output metadata: %w", err)
	}

	t.CreatedAt = timeFromUnixMilli(createdAt)
	t.StartedAt = fromUnixMilli(startedAt)
	t.CompletedAt = fromUnixMilli(completedAt)
	t.NextAttemptAt = fromUnixMilli(nextAttemptAt)

	return t, nil
}
