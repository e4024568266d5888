package approve

import (
	"context"
	"fmt"
	"os"

	"github.com/slok/printlink/internal/log"
	"github.com/slok/printlink/internal/model"
)

// Approver decides over analysis patches.
type Approver interface {
	Approve(ctx context.Context, taskID string) (*model.Approval, error)
	Reject(ctx context.Context, taskID string) (*model.Approval, error)
	Download(ctx context.Context, taskID string) ([]byte, error)
}

// ServiceConfig is the configuration for the approve service.
type ServiceConfig struct {
	Approver Approver
	Logger   log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Approver == nil {
		return fmt.Errorf("approver is required")
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}

	return nil
}

// Service records the user decision over the patch of an analysis task.
type Service struct {
	approver Approver
	logger   log.Logger
}

// NewService creates a new approve service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		approver: cfg.Approver,
		logger:   cfg.Logger,
	}, nil
}

// Request represents the approve request parameters.
type Request struct {
	TaskID string
	// Reject rejects the patch instead of approving it.
	Reject bool
	// OutputPath writes the approved patch to a file, optional.
	OutputPath string
}

// Run decides over the patch. Decisions are final.
func (s *Service) Run(ctx context.Context, req Request) (*model.Approval, error) {
	if req.Reject && req.OutputPath != "" {
		return nil, fmt.Errorf("a rejected patch can't be written: %w", model.ErrNotValid)
	}

	decide := s.approver.Approve
	if req.Reject {
		decide = s.approver.Reject
	}

	a, err := decide(ctx, req.TaskID)
	if err != nil {
		return nil, fmt.Errorf("could not decide on task %s: %w", req.TaskID, err)
	}
	s.logger.Debugf("task %s patch %s", req.TaskID, a.Decision)

	if req.OutputPath == "" {
		return a, nil
	}

	data, err := s.approver.Download(ctx, req.TaskID)
	if err != nil {
		return nil, fmt.Errorf("could not download patch: %w", err)
	}
	if err := os.WriteFile(req.OutputPath, data, 0o644); err != nil {
		return nil, fmt.Errorf("could not write patch: %w", err)
	}

	return a, nil
}
