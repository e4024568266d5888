package status

import (
	"context"
	"errors"
	"fmt"

	"github.com/slok/printlink/internal/log"
	"github.com/slok/printlink/internal/model"
	"github.com/slok/printlink/internal/storage"
)

// ServiceConfig is the configuration for the status service.
type ServiceConfig struct {
	Repository storage.Repository
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

// Service retrieves detailed task status.
type Service struct {
	repo   storage.Repository
	logger log.Logger
}

// NewService creates a new status service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		repo:   cfg.Repository,
		logger: cfg.Logger,
	}, nil
}

// Request represents the status request parameters.
type Request struct {
	TaskID string
}

// Response is the task with the stages it reached.
type Response struct {
	Task     model.Task
	Timeline []model.TimelineStep
	// Approval is only set for succeeded analysis tasks.
	Approval *model.Approval
}

// Run retrieves the status of a task. It never changes the task.
func (s *Service) Run(ctx context.Context, req Request) (*Response, error) {
	s.logger.Debugf("getting status for task: %s", req.TaskID)

	if !looksLikeULID(req.TaskID) {
		return nil, fmt.Errorf("invalid task id %q: %w", req.TaskID, model.ErrNotValid)
	}

	task, err := s.repo.GetTask(ctx, req.TaskID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, fmt.Errorf("task not found: %s: %w", req.TaskID, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not get task: %w", err)
	}

	timeline, err := s.repo.ListTimeline(ctx, task.ID)
	if err != nil {
		return nil, fmt.Errorf("could not get task timeline: %w", err)
	}

	resp := &Response{Task: *task, Timeline: timeline}
	if task.Type == model.TaskTypeAnalysis && task.Status == model.TaskStatusSucceeded {
		a, err := s.repo.GetApproval(ctx, task.ID)
		switch {
		case errors.Is(err, model.ErrNotFound):
			a = &model.Approval{TaskID: task.ID, Decision: model.DecisionUndecided}
		case err != nil:
			return nil, fmt.Errorf("could not get task approval: %w", err)
		}
		resp.Approval = a
	}

	return resp, nil
}

// looksLikeULID checks if a string looks like a ULID (26 characters, alphanumeric uppercase).
func looksLikeULID(s string) bool {
	if len(s) != 26 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'A' || c > 'Z') {
			return false
		}
	}
	return true
}
