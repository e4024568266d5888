package analyze

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/slok/printlink/internal/artifact"
	"github.com/slok/printlink/internal/log"
	"github.com/slok/printlink/internal/model"
)

// Orchestrator creates and runs tasks.
type Orchestrator interface {
	Create(ctx context.Context, req model.TaskRequest) (*model.Task, error)
	Poll(ctx context.Context, taskID string) (*model.Task, error)
	Run(ctx context.Context, taskID string) (*model.Task, error)
}

// ServiceConfig is the configuration for the analyze service.
type ServiceConfig struct {
	Orchestrator Orchestrator
	// DigestFile returns the content digest of a G-code file, by default BLAKE3.
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

// Service submits analysis tasks.
type Service struct {
	orch   Orchestrator
	digest func(path string) (string, error)
	logger log.Logger
}

// NewService creates a new analyze service.
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

// Request represents the analyze request parameters. One of SliceTaskID or
// FilePath is required.
type Request struct {
	// SliceTaskID analyzes the artifact of a succeeded slicing task.
	SliceTaskID string
	// FilePath analyzes a G-code file.
	FilePath    string
	DeviceModel string
	Params      map[string]string
	MaxRetries  int
	// Wait runs the task here until it ends instead of leaving it to a worker.
	Wait bool
	// OnCreated is called with the task before waiting on it, optional.
	OnCreated func(task model.Task)
}

// Run creates the analysis task, a previous identical analysis is reused.
func (s *Service) Run(ctx context.Context, req Request) (*model.Task, error) {
	input, digest, err := s.input(ctx, req)
	if err != nil {
		return nil, err
	}

	task, err := s.orch.Create(ctx, model.TaskRequest{
		Type:        model.TaskTypeAnalysis,
		InputRef:    input,
		InputDigest: digest,
		InputParams: req.Params,
		DeviceModel: req.DeviceModel,
		MaxRetries:  req.MaxRetries,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create analysis task: %w", err)
	}
	s.logger.Debugf("analysis task %s is %s", task.ID, task.Status)

	if !req.Wait || task.Status.IsTerminal() {
		return task, nil
	}
	if req.OnCreated != nil {
		req.OnCreated(*task)
	}

	task, err = s.orch.Run(ctx, task.ID)
	if err != nil {
		return nil, fmt.Errorf("could not run analysis task: %w", err)
	}

	return task, nil
}

// input returns the input reference and, for files, its content digest.
// Slicing artifacts are already content addressed.
func (s *Service) input(ctx context.Context, req Request) (ref, digest string, err error) {
	switch {
	case req.SliceTaskID != "" && req.FilePath != "":
		return "", "", fmt.Errorf("slice task and file are exclusive: %w", model.ErrNotValid)
	case req.FilePath != "":
		path, err := filepath.Abs(req.FilePath)
		if err != nil {
			return "", "", fmt.Errorf("invalid file path: %w", err)
		}
		digest, err := s.digest(path)
		if err != nil {
			return "", "", fmt.Errorf("could not read G-code file: %w", err)
		}
		return path, digest, nil
	case req.SliceTaskID == "":
		return "", "", fmt.Errorf("slice task or file is required: %w", model.ErrNotValid)
	}

	t, err := s.orch.Poll(ctx, req.SliceTaskID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return "", "", fmt.Errorf("slice task not found: %s: %w", req.SliceTaskID, model.ErrNotFound)
		}
		return "", "", fmt.Errorf("could not get slice task: %w", err)
	}
	if t.Type != model.TaskTypeSlicing {
		return "", "", fmt.Errorf("task %s is not a slicing task: %w", t.ID, model.ErrNotValid)
	}
	if t.Status != model.TaskStatusSucceeded {
		return "", "", fmt.Errorf("slice task %s is %s: %w", t.ID, t.Status, model.ErrNotValid)
	}

	return t.OutputRef, "", nil
}
