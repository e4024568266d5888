package sqlite

import (
	"context"
	"fmt"

	"github.com/slok/printlink/internal/model"
)

// SaveTimelineStep creates or replaces a task timeline step.
func (r *Repository) SaveTimelineStep(ctx context.Context, taskID string, step model.TimelineStep) error {
	query := `
		INSERT INTO timeline_steps (task_id, step, label, status)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(task_id, step) DO UPDATE SET label = excluded.label, status = excluded.status
	`
	if _, err := r.db.ExecContext(ctx, query, taskID, step.Step, step.Label, step.Status); err != nil {
		return fmt.Errorf("could not store timeline step: %w", err)
	}
	return nil
}

// ListTimeline returns the timeline steps of a task ordered by step.
func (r *Repository) ListTimeline(ctx context.Context, taskID string) ([]model.TimelineStep, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT step, label, status FROM timeline_steps WHERE task_id = ? ORDER BY step ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("could not query timeline: %w", err)
	}
	defer rows.Close()

	var steps []model.TimelineStep
	for rows.Next() {
		var s model.TimelineStep
		if err := rows.Scan(&s.Step, &s.Label, &s.Status); err != nil {
			return nil, fmt.Errorf("could not scan row: %w", err)
		}
		steps = append(steps, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return steps, nil
}
