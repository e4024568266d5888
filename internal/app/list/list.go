package list

import (
	"context"
	"fmt"

	"github.com/slok/printlink/internal/log"
	"github.com/slok/printlink/internal/model"
	"github.com/slok/printlink/internal/storage"
)

// ServiceConfig is the configuration for the list service.
type ServiceConfig struct {
	Repository storage.TaskRepository
	Logger     log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}

	return nil
}

// Service lists tasks with optional filtering.
type Service struct {
	repo   storage.TaskRepository
	logger log.Logger
}

// NewService creates a new list service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		repo:   cfg.Repository,
		logger: cfg.Logger,
	}, nil
}

// Request represents the list request parameters.
type Request struct {
	// StatusFilter is an optional filter to only show tasks with this status.
	StatusFilter *model.TaskStatus
	// TypeFilter is an optional filter to only show tasks of this type.
	TypeFilter *model.TaskType
	// Limit caps the number of tasks, 0 is unlimited.
	Limit int
}

// Run lists the tasks oldest first.
func (s *Service) Run(ctx context.Context, req Request) ([]model.Task, error) {
	s.logger.Debugf("listing tasks with status filter %v and type filter %v", req.StatusFilter, req.TypeFilter)

	if req.Limit < 0 {
		return nil, fmt.Errorf("limit can't be negative: %w", model.ErrNotValid)
	}

	tasks, err := s.repo.ListTasks(ctx, storage.ListTasksOpts{
		Status: req.StatusFilter,
		Type:   req.TypeFilter,
		Limit:  req.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("could not list tasks: %w", err)
	}

	s.logger.Debugf("found %d tasks", len(tasks))
	return tasks, nil
}
