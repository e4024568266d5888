package storage

import (
	"context"
	"time"

	"github.com/slok/printlink/internal/model"
)

// ListTasksOpts filters a task listing. Zero values don't filter.
type ListTasksOpts struct {
	Status *model.TaskStatus
	Type   *model.TaskType
	// DueAt returns only tasks without a pending backoff at that time.
	DueAt *time.Time
	Limit int
}

// TaskRepository is the interface for task and cache persistence.
type TaskRepository interface {
	// CreateTask stores a new task. It fails with model.ErrAlreadyExists when
	// the ID exists or when another pending or running task has the same
	// cache key.
	CreateTask(ctx context.Context, t model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	ListTasks(ctx context.Context, opts ListTasksOpts) ([]model.Task, error)
	// UpdateClaimedTask stores the outcome of an attempt. It only updates a
	// running task claimed at claimedAt and returns false otherwise, so a
	// worker that lost its task never overwrites the newer state.
	UpdateClaimedTask(ctx context.Context, t model.Task, claimedAt time.Time) (bool, error)
	// ClaimTask moves a due pending task to running. It returns false when the
	// task is not pending or its backoff has not elapsed.
	ClaimTask(ctx context.Context, id string, at time.Time) (bool, error)
	// GetInflightTask returns the pending or running task with the cache key.
	GetInflightTask(ctx context.Context, cacheKey string) (*model.Task, error)

	GetCacheEntry(ctx context.Context, key string) (*model.CacheEntry, error)
	PutCacheEntry(ctx context.Context, e model.CacheEntry) error
}

// TimelineRepository is the interface for task timeline persistence.
type TimelineRepository interface {
	// SaveTimelineStep creates or replaces the step with the same number.
	SaveTimelineStep(ctx context.Context, taskID string, step model.TimelineStep) error
	ListTimeline(ctx context.Context, taskID string) ([]model.TimelineStep, error)
}

// ApprovalRepository is the interface for patch approval persistence.
type ApprovalRepository interface {
	// GetApproval returns model.ErrNotFound for undecided tasks.
	GetApproval(ctx context.Context, taskID string) (*model.Approval, error)
	// DecideApproval stores a decision, a second one for the same task fails
	// with model.ErrAlreadyDecided.
	DecideApproval(ctx context.Context, a model.Approval) error
}

// Repository groups every repository.
type Repository interface {
	TaskRepository
	TimelineRepository
	ApprovalRepository
}
