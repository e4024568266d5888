// Package approval implements the user decision over the patch proposed by a
// succeeded analysis task. A decision is made once and never changes.
package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/slok/printlink/internal/log"
	"github.com/slok/printlink/internal/model"
	"github.com/slok/printlink/internal/storage"
)

// ArtifactReader reads stored artifacts.
type ArtifactReader interface {
	Get(ctx context.Context, ref string) ([]byte, error)
}

// Repository is the storage the service needs.
type Repository interface {
	GetTask(ctx context.Context, id string) (*model.Task, error)
	storage.ApprovalRepository
}

// ServiceConfig is the configuration for the approval service.
type ServiceConfig struct {
	Repository Repository
	Artifacts  ArtifactReader
	Now        func() time.Time
	Logger     log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}
	if c.Artifacts == nil {
		return fmt.Errorf("artifact reader is required")
	}
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "approval.Service"})
	return nil
}

// Service manages patch approvals.
type Service struct {
	repo      Repository
	artifacts ArtifactReader
	now       func() time.Time
	logger    log.Logger
}

// NewService returns a new approval service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		repo:      cfg.Repository,
		artifacts: cfg.Artifacts,
		now:       cfg.Now,
		logger:    cfg.Logger,
	}, nil
}

// Decision returns the approval of a task, undecided if nobody decided yet.
func (s *Service) Decision(ctx context.Context, taskID string) (*model.Approval, error) {
	if _, err := s.patchTask(ctx, taskID); err != nil {
		return nil, err
	}

	a, err := s.repo.GetApproval(ctx, taskID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return &model.Approval{TaskID: taskID, Decision: model.DecisionUndecided}, nil
		}
		return nil, fmt.Errorf("could not get approval: %w", err)
	}

	return a, nil
}

// Approve accepts the patch of a task.
func (s *Service) Approve(ctx context.Context, taskID string) (*model.Approval, error) {
	return s.decide(ctx, taskID, model.DecisionApproved)
}

// Reject discards the patch of a task.
func (s *Service) Reject(ctx context.Context, taskID string) (*model.Approval, error) {
	return s.decide(ctx, taskID, model.DecisionRejected)
}

func (s *Service) decide(ctx context.Context, taskID string, d model.Decision) (*model.Approval, error) {
	if _, err := s.patchTask(ctx, taskID); err != nil {
		return nil, err
	}

	now := s.now()
	a := model.Approval{TaskID: taskID, Decision: d, DecidedAt: &now}
	if err := s.repo.DecideApproval(ctx, a); err != nil {
		if errors.Is(err, model.ErrAlreadyDecided) {
			return nil, err
		}
		return nil, fmt.Errorf("could not store decision: %w", err)
	}

	s.logger.Infof("Patch of task %s %s", taskID, d)
	return &a, nil
}

// Download returns the patched artifact of an approved task.
func (s *Service) Download(ctx context.Context, taskID string) ([]byte, error) {
	t, err := s.patchTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	a, err := s.repo.GetApproval(ctx, taskID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("could not get approval: %w", err)
	}
	if a == nil || a.Decision != model.DecisionApproved {
		return nil, fmt.Errorf("task %s patch: %w", taskID, model.ErrNotApproved)
	}

	data, err := s.artifacts.Get(ctx, t.OutputRef)
	if err != nil {
		return nil, fmt.Errorf("could not read patch: %w", err)
	}

	return data, nil
}

// patchTask returns the task if it is a succeeded analysis, the only tasks
// that propose a patch.
func (s *Service) patchTask(ctx context.Context, taskID string) (*model.Task, error) {
	t, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("could not get task: %w", err)
	}
	if t.Type != model.TaskTypeAnalysis {
		return nil, fmt.Errorf("task %s is %s, only analysis tasks have patches: %w", taskID, t.Type, model.ErrNotValid)
	}
	if t.Status != model.TaskStatusSucceeded {
		return nil, fmt.Errorf("task %s is %s, patch not ready: %w", taskID, t.Status, model.ErrNotValid)
	}
	return t, nil
}
