package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/slok/printlink/internal/model"
)

// GetApproval retrieves the decision over a task patch.
func (r *Repository) GetApproval(ctx context.Context, taskID string) (*model.Approval, error) {
	var a model.Approval
	var decidedAt int64
	err := r.db.QueryRowContext(ctx, `SELECT task_id, decision, decided_at FROM approvals WHERE task_id = ?`, taskID).
		Scan(&a.TaskID, &a.Decision, &decidedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("approval for task %s: %w", taskID, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not query approval: %w", err)
	}

	t := timeFromUnixMilli(decidedAt)
	a.DecidedAt = &t

	return &a, nil
}

// DecideApproval stores the decision, only the first one is kept.
func (r *Repository) DecideApproval(ctx context.Context, a model.Approval) error {
	decidedAt := time.Now().UTC()
	if a.DecidedAt != nil {
		decidedAt = *a.DecidedAt
	}

	_, err := r.db.ExecContext(ctx, `INSERT INTO approvals (task_id, decision, decided_at) VALUES (?, ?, ?)`,
		a.TaskID, a.Decision, decidedAt.UnixMilli())
	if err != nil {
		if isUniqueErr(err, "approvals") {
			return fmt.Errorf("task %s: %w", a.TaskID, model.ErrAlreadyDecided)
		}
		return fmt.Errorf("could not store approval: %w", err)
	}

	r.logger.Debugf("Task %s patch %s", a.TaskID, a.Decision)
	return nil
}
