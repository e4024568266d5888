package slice

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/slok/printlink/internal/artifact"
	"github.com/slok/printlink/internal/log"
	"github.com/slok/printlink/internal/model"
)

// Orchestrator creates and runs tasks.
type Orchestrator interface {
	Create(ctx context.Context, req model.TaskRequest) (*model.Task, error)
	Run(ctx context.Context, taskID string) (*model.Task, error)
}

// ServiceConfig is the configuration for the slice service.
type ServiceConfig struct {
	Orchestrator Orchestrator
	// DigestFile returns the content digest of the model, by default BLAKE3.
	DigestFile func(path string) (string, error)
	Logger     log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Orchestrator == nil {
		return fmt.Errorf("orchestrator is required")
	}

	if c.DigestFile == nil {
		c.DigestFile = artifact.DigestFile
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}

	return nil
}

// Service submits slicing tasks.
type Service struct {
	orch   Orchestrator
	digest func(path string) (string, error)
	logger log.Logger
}

// NewService creates a new slice service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		orch:   cfg.Orchestrator,
		digest: cfg.DigestFile,
		logger: cfg.Logger,
	}, nil
}

// Request represents the slice request parameters.
type Request struct {
	// ModelPath is the 3D model file to slice.
	ModelPath   string
	DeviceModel string
	Params      map[string]string
	MaxRetries  int
	// Wait runs the task here until it ends instead of leaving it to a worker.
	Wait bool
	// OnCreated is called with the task before waiting on it, optional.
	OnCreated func(task model.Task)
}

// Run creates the slicing task, a previous slicing of the same model content
// with the same params is reused.
func (s *Service) Run(ctx context.Context, req Request) (*model.Task, error) {
	if req.ModelPath == "" {
		return nil, fmt.Errorf("model path is required: %w", model.ErrNotValid)
	}
	path, err := filepath.Abs(req.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("invalid model path: %w", err)
	}
	digest, err := s.digest(path)
	if err != nil {
		return nil, fmt.Errorf("could not read model: %w", err)
	}

	task, err := s.orch.Create(ctx, model.TaskRequest{
		Type:        model.TaskTypeSlicing,
		InputRef:    path,
		InputDigest: digest,
		InputParams: req.Params,
		DeviceModel: req.DeviceModel,
		MaxRetries:  req.MaxRetries,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create slicing task: %w", err)
	}
	s.logger.Debugf("slicing task %s is %s", task.ID, task.Status)

	if !req.Wait || task.Status.IsTerminal() {
		return task, nil
	}
	if req.OnCreated != nil {
		req.OnCreated(*task)
	}

	task, err = s.orch.Run(ctx, task.ID)
	if err != nil {
		return nil, fmt.Errorf("could not run slicing task: %w", err)
	}

	return task, nil
}
