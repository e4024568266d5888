package send

import (
	"context"
	"fmt"
	"time"

	"github.com/slok/printlink/internal/log"
	"github.com/slok/printlink/internal/model"
	"github.com/slok/printlink/internal/transfer"
)

// CommandPrintStart is the device command that starts printing a stored file.
const CommandPrintStart = "print_start"

// TaskGetter gets tasks.
type TaskGetter interface {
	GetTask(ctx context.Context, id string) (*model.Task, error)
}

// ArtifactReader reads stored artifacts.
type ArtifactReader interface {
	Get(ctx context.Context, ref string) ([]byte, error)
}

// PatchDownloader returns approved analysis patches.
type PatchDownloader interface {
	Download(ctx context.Context, taskID string) ([]byte, error)
}

// Uploader uploads artifacts to devices.
type Uploader interface {
	Upload(ctx context.Context, req transfer.UploadRequest) (*transfer.UploadResult, error)
}

// Commander sends device commands.
type Commander interface {
	SendCommand(ctx context.Context, deviceID, name string, args map[string]string, timeout time.Duration) (model.Result, error)
}

// ServiceConfig is the configuration for the send service.
type ServiceConfig struct {
	Tasks          TaskGetter
	Artifacts      ArtifactReader
	Patches        PatchDownloader
	Uploader       Uploader
	Commander      Commander
	CommandTimeout time.Duration
	Logger         log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Tasks == nil {
		return fmt.Errorf("task getter is required")
	}
	if c.Artifacts == nil {
		return fmt.Errorf("artifact reader is required")
	}
	if c.Patches == nil {
		return fmt.Errorf("patch downloader is required")
	}
	if c.Uploader == nil {
		return fmt.Errorf("uploader is required")
	}
	if c.Commander == nil {
		return fmt.Errorf("commander is required")
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 10 * time.Second
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}

	return nil
}

// Service sends task artifacts to devices.
type Service struct {
	tasks      TaskGetter
	artifacts  ArtifactReader
	patches    PatchDownloader
	uploader   Uploader
	commander  Commander
	cmdTimeout time.Duration
	logger     log.Logger
}

// NewService creates a new send service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		tasks:      cfg.Tasks,
		artifacts:  cfg.Artifacts,
		patches:    cfg.Patches,
		uploader:   cfg.Uploader,
		commander:  cfg.Commander,
		cmdTimeout: cfg.CommandTimeout,
		logger:     cfg.Logger,
	}, nil
}

// Request represents the send request parameters.
type Request struct {
	TaskID   string
	DeviceID string
	Target   model.Target
	// Name is the file name on the device, by default the task ID.
	Name string
	// StartPrint starts printing the file once the device stored it.
	StartPrint bool
	OnProgress func(percent int)
}

// Response is the outcome of a send.
type Response struct {
	Upload transfer.UploadResult
	// Size is the number of bytes sent.
	Size int64
	// Print is the print start result, only set when requested and the
	// upload was not rejected.
	Print *model.Result
}

// Run uploads the artifact of a succeeded task. Analysis artifacts are only
// sent once their patch is approved.
func (s *Service) Run(ctx context.Context, req Request) (*Response, error) {
	if req.DeviceID == "" {
		return nil, fmt.Errorf("device id is required: %w", model.ErrNotValid)
	}
	if err := req.Target.Validate(); err != nil {
		return nil, err
	}

	task, err := s.tasks.GetTask(ctx, req.TaskID)
	if err != nil {
		return nil, fmt.Errorf("could not get task: %w", err)
	}
	if task.Status != model.TaskStatusSucceeded {
		return nil, fmt.Errorf("task %s is %s, only succeeded tasks can be sent: %w", task.ID, task.Status, model.ErrNotValid)
	}

	var data []byte
	switch task.Type {
	case model.TaskTypeAnalysis:
		data, err = s.patches.Download(ctx, task.ID)
	default:
		data, err = s.artifacts.Get(ctx, task.OutputRef)
	}
	if err != nil {
		return nil, fmt.Errorf("could not read artifact: %w", err)
	}

	name := req.Name
	if name == "" {
		name = task.ID + ".gcode"
	}

	logger := s.logger.WithValues(log.Kv{"device": req.DeviceID, "task": task.ID})
	logger.Debugf("sending %d bytes as %s", len(data), name)
	up, err := s.uploader.Upload(ctx, transfer.UploadRequest{
		DeviceID:   req.DeviceID,
		Target:     req.Target,
		Name:       name,
		Data:       data,
		OnProgress: req.OnProgress,
	})
	if err != nil {
		return nil, fmt.Errorf("could not upload artifact: %w", err)
	}
	resp := &Response{Upload: *up, Size: int64(len(data))}

	if !req.StartPrint || !up.Result.Succeeded() {
		return resp, nil
	}

	filename := name
	if up.Result.Filename != "" {
		filename = up.Result.Filename
	}
	res, err := s.commander.SendCommand(ctx, req.DeviceID, CommandPrintStart, map[string]string{
		"filename": filename,
		"target":   string(req.Target),
	}, s.cmdTimeout)
	if err != nil {
		return nil, fmt.Errorf("could not start print: %w", err)
	}
	resp.Print = &res

	return resp, nil
}
