package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/slok/printlink/internal/log"
	"github.com/slok/printlink/internal/model"
	"github.com/slok/printlink/internal/storage"
)

// RepositoryConfig is the configuration for the memory repository.
type RepositoryConfig struct {
	Logger log.Logger
}

func (c *RepositoryConfig) defaults() error {
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "storage.Memory"})
	return nil
}

// Repository is an in-memory implementation of storage.Repository.
type Repository struct {
	tasks     map[string]model.Task
	cache     map[string]model.CacheEntry
	timelines map[string][]model.TimelineStep
	approvals map[string]model.Approval
	mu        sync.RWMutex
	logger    log.Logger
}

// NewRepository creates a new memory repository.
func NewRepository(cfg RepositoryConfig) (*Repository, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Repository{
		tasks:     make(map[string]model.Task),
		cache:     make(map[string]model.CacheEntry),
		timelines: make(map[string][]model.TimelineStep),
		approvals: make(map[string]model.Approval),
		logger:    cfg.Logger,
	}, nil
}

func inflight(t model.Task) bool {
	return t.Status == model.TaskStatusPending || t.Status == model.TaskStatusRunning
}

// copyTask detaches the maps and pointers of a stored task.
func copyTask(t model.Task) model.Task {
	t.InputParams = maps.Clone(t.InputParams)
	t.OutputMetadata = maps.Clone(t.OutputMetadata)
	t.StartedAt = copyTime(t.StartedAt)
	t.CompletedAt = copyTime(t.CompletedAt)
	t.NextAttemptAt = copyTime(t.NextAttemptAt)
	return t
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// CreateTask creates a new task.
func (r *Repository) CreateTask(ctx context.Context, t model.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[t.ID]; ok {
		return fmt.Errorf("task %s: %w", t.ID, model.ErrAlreadyExists)
	}

	if t.CacheKey != "" && inflight(t) {
		for _, existing := range r.tasks {
			if existing.CacheKey == t.CacheKey && inflight(existing) {
				return fmt.Errorf("in flight task %s for key %s: %w", existing.ID, t.CacheKey, model.ErrAlreadyExists)
			}
		}
	}

	r.tasks[t.ID] = copyTask(t)
	r.logger.Debugf("Created task in repository: %s", t.ID)

	return nil
}

// GetTask retrieves a task by ID.
func (r *Repository) GetTask(ctx context.Context, id string) (*model.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, model.ErrNotFound)
	}

	t = copyTask(t)
	return &t, nil
}

// GetInflightTask returns the pending or running task with the cache key.
func (r *Repository) GetInflightTask(ctx context.Context, cacheKey string) (*model.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, t := range r.tasks {
		if t.CacheKey == cacheKey && inflight(t) {
			t = copyTask(t)
			return &t, nil
		}
	}

	return nil, fmt.Errorf("in flight task for key %s: %w", cacheKey, model.ErrNotFound)
}

// ListTasks returns the tasks matching the options, oldest first.
func (r *Repository) ListTasks(ctx context.Context, opts storage.ListTasksOpts) ([]model.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tasks := make([]model.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		if opts.Status != nil && t.Status != *opts.Status {
			continue
		}
		if opts.Type != nil && t.Type != *opts.Type {
			continue
		}
		if opts.DueAt != nil && t.NextAttemptAt != nil && t.NextAttemptAt.After(*opts.DueAt) {
			continue
		}
		tasks = append(tasks, copyTask(t))
	}

	slices.SortFunc(tasks, func(a, b model.Task) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})

	if opts.Limit > 0 && len(tasks) > opts.Limit {
		tasks = tasks[:opts.Limit]
	}

	return tasks, nil
}

// UpdateClaimedTask updates a running task claimed at claimedAt.
func (r *Repository) UpdateClaimedTask(ctx context.Context, t model.Task, claimedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old, ok := r.tasks[t.ID]
	if !ok || old.Status != model.TaskStatusRunning || old.StartedAt == nil ||
		old.StartedAt.UnixMilli() != claimedAt.UnixMilli() {
		return false, nil
	}

	// Identity fields are immutable.
	t.Type = old.Type
	t.InputRef = old.InputRef
	t.CacheKey = old.CacheKey
	t.CreatedAt = old.CreatedAt

	r.tasks[t.ID] = copyTask(t)
	r.logger.Debugf("Updated task in repository: %s (%s)", t.ID, t.Status)

	return true, nil
}

// ClaimTask moves a due pending task to running.
func (r *Repository) ClaimTask(ctx context.Context, id string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok || t.Status != model.TaskStatusPending {
		return false, nil
	}
	if t.NextAttemptAt != nil && t.NextAttemptAt.After(at) {
		return false, nil
	}

	t.Status = model.TaskStatusRunning
	t.StartedAt = &at
	t.NextAttemptAt = nil
	r.tasks[id] = t

	return true, nil
}

// GetCacheEntry retrieves a cache entry by key.
func (r *Repository) GetCacheEntry(ctx context.Context, key string) (*model.CacheEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.cache[key]
	if !ok {
		return nil, fmt.Errorf("cache entry %s: %w", key, model.ErrNotFound)
	}

	e.ExpiresAt = copyTime(e.ExpiresAt)
	return &e, nil
}

// PutCacheEntry creates or replaces a cache entry.
func (r *Repository) PutCacheEntry(ctx context.Context, e model.CacheEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e.ExpiresAt = copyTime(e.ExpiresAt)
	r.cache[e.Key] = e

	return nil
}

// SaveTimelineStep creates or replaces a task timeline step.
func (r *Repository) SaveTimelineStep(ctx context.Context, taskID string, step model.TimelineStep) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	steps := r.timelines[taskID]
	i, found := slices.BinarySearchFunc(steps, step.Step, func(s model.TimelineStep, n int) int { return s.Step - n })
	if found {
		steps[i] = step
	} else {
		steps = slices.Insert(steps, i, step)
	}
	r.timelines[taskID] = steps

	return nil
}

// ListTimeline returns the timeline steps of a task ordered by step.
func (r *Repository) ListTimeline(ctx context.Context, taskID string) ([]model.TimelineStep, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return slices.Clone(r.timelines[taskID]), nil
}

// GetApproval retrieves the decision over a task patch.
func (r *Repository) GetApproval(ctx context.Context, taskID string) (*model.Approval, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.approvals[taskID]
	if !ok {
		return nil, fmt.Errorf("approval for task %s: %w", taskID, model.ErrNotFound)
	}

	a.DecidedAt = copyTime(a.DecidedAt)
	return &a, nil
}

// DecideApproval stores the decision, only the first one is kept.
func (r *Repository) DecideApproval(ctx context.Context, a model.Approval) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.approvals[a.TaskID]; ok {
		return fmt.Errorf("task %s: %w", a.TaskID, model.ErrAlreadyDecided)
	}
	if a.DecidedAt == nil {
		now := time.Now().UTC()
		a.DecidedAt = &now
	}

	a.DecidedAt = copyTime(a.DecidedAt)
	r.approvals[a.TaskID] = a
	r.logger.Debugf("Task %s patch %s", a.TaskID, a.Decision)

	return nil
}
