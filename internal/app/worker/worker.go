package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/slok/printlink/internal/log"
	"github.com/slok/printlink/internal/model"
)

// Orchestrator recovers and processes tasks.
type Orchestrator interface {
	Resume(ctx context.Context) ([]model.Task, error)
	Process(ctx context.Context, taskID string) (*model.Task, error)
}

// ServiceConfig is the configuration for the worker service.
type ServiceConfig struct {
	Orchestrator Orchestrator
	Logger       log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Orchestrator == nil {
		return fmt.Errorf("orchestrator is required")
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}

	return nil
}

// Service runs the pending tasks in the background.
type Service struct {
	orch   Orchestrator
	logger log.Logger
}

// NewService creates a new worker service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		orch:   cfg.Orchestrator,
		logger: cfg.Logger,
	}, nil
}

// Request represents the worker parameters.
type Request struct {
	// Concurrency is the number of tasks processed at the same time.
	Concurrency int
	// PollInterval is the wait between rounds.
	PollInterval time.Duration
	// Once runs a single round.
	Once bool
}

// Run processes the due tasks round after round until the context ends.
// Every round first recovers tasks abandoned by a stopped worker.
func (s *Service) Run(ctx context.Context, req Request) error {
	if req.Concurrency <= 0 {
		req.Concurrency = 1
	}
	if req.PollInterval <= 0 {
		req.PollInterval = 2 * time.Second
	}

	s.logger.Infof("worker started with concurrency %d", req.Concurrency)
	for {
		n, err := s.round(ctx, req.Concurrency)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if n > 0 {
			s.logger.Debugf("processed %d tasks", n)
		}

		if req.Once {
			return nil
		}

		select {
		case <-ctx.Done():
			s.logger.Infof("worker stopped")
			return nil
		case <-time.After(req.PollInterval):
		}
	}
}

func (s *Service) round(ctx context.Context, concurrency int) (int, error) {
	tasks, err := s.orch.Resume(ctx)
	if err != nil {
		return 0, fmt.Errorf("could not resume tasks: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, t := range tasks {
		g.Go(func() error {
			got, err := s.orch.Process(gctx, t.ID)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				s.logger.Errorf("could not process task %s: %s", t.ID, err)
				return nil
			}
			s.logger.Debugf("task %s is %s", got.ID, got.Status)
			return nil
		})
	}

	return len(tasks), g.Wait()
}
