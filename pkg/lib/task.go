package lib

import (
	"context"
	"fmt"
	"sync"

	"github.com/slok/printlink/internal/app/analyze"
	"github.com/slok/printlink/internal/app/list"
	"github.com/slok/printlink/internal/app/slice"
	"github.com/slok/printlink/internal/app/status"
	"github.com/slok/printlink/internal/app/worker"
	"github.com/slok/printlink/internal/model"
)

// SliceOpts configures [Client.Slice].
type SliceOpts struct {
	// ModelPath is the 3D model file, required. Its content, not its path,
	// identifies the job for artifact reuse.
	ModelPath   string
	DeviceModel string
	Params      map[string]string
	// MaxRetries overrides the configured attempts, 0 uses the default.
	MaxRetries int
	// Wait runs the task in the caller until it ends.
	Wait bool
}

// Slice creates a slicing task. A previous slicing of the same model content
// with the same options returns a new succeeded task reusing its artifact.
func (c *Client) Slice(ctx context.Context, opts SliceOpts) (*Task, error) {
	svc, err := slice.NewService(slice.ServiceConfig{Orchestrator: c.orch, Logger: c.logger})
	if err != nil {
		return nil, fmt.Errorf("could not create service: %w", err)
	}

	t, err := svc.Run(ctx, slice.Request{
		ModelPath:   opts.ModelPath,
		DeviceModel: opts.DeviceModel,
		Params:      opts.Params,
		MaxRetries:  opts.MaxRetries,
		Wait:        opts.Wait,
	})
	if err != nil {
		return nil, mapError(err)
	}

	result := fromInternalTask(*t)
	return &result, nil
}

// AnalyzeOpts configures [Client.Analyze]. Exactly one of SliceTaskID and
// FilePath is required.
type AnalyzeOpts struct {
	// SliceTaskID analyzes the G-code of a succeeded slicing task.
	SliceTaskID string
	// FilePath analyzes a G-code file.
	FilePath    string
	DeviceModel string
	Params      map[string]string
	MaxRetries  int
	Wait        bool
}

// Analyze creates an analysis task. Its patch needs an approval before it
// can be sent.
func (c *Client) Analyze(ctx context.Context, opts AnalyzeOpts) (*Task, error) {
	svc, err := analyze.NewService(analyze.ServiceConfig{Orchestrator: c.orch, Logger: c.logger})
	if err != nil {
		return nil, fmt.Errorf("could not create service: %w", err)
	}

	t, err := svc.Run(ctx, analyze.Request{
		SliceTaskID: opts.SliceTaskID,
		FilePath:    opts.FilePath,
		DeviceModel: opts.DeviceModel,
		Params:      opts.Params,
		MaxRetries:  opts.MaxRetries,
		Wait:        opts.Wait,
	})
	if err != nil {
		return nil, mapError(err)
	}

	result := fromInternalTask(*t)
	return &result, nil
}

// GetTask returns a task with its timeline and, for succeeded analysis
// tasks, its approval.
func (c *Client) GetTask(ctx context.Context, id string) (*Task, error) {
	svc, err := status.NewService(status.ServiceConfig{Repository: c.repo, Logger: c.logger})
	if err != nil {
		return nil, fmt.Errorf("could not create service: %w", err)
	}

	resp, err := svc.Run(ctx, status.Request{TaskID: id})
	if err != nil {
		return nil, mapError(err)
	}

	t := fromInternalTask(resp.Task)
	t.Timeline = fromInternalTimeline(resp.Timeline)
	if resp.Approval != nil {
		a := fromInternalApproval(*resp.Approval)
		t.Approval = &a
	}

	return &t, nil
}

// ListTasksOpts filters [Client.ListTasks]. Nil fields don't filter.
type ListTasksOpts struct {
	Status *TaskStatus
	Type   *TaskType
	Limit  int
}

// ListTasks returns tasks, newest first. Pass nil opts to list all.
func (c *Client) ListTasks(ctx context.Context, opts *ListTasksOpts) ([]Task, error) {
	svc, err := list.NewService(list.ServiceConfig{Repository: c.repo, Logger: c.logger})
	if err != nil {
		return nil, fmt.Errorf("could not create service: %w", err)
	}

	req := list.Request{}
	if opts != nil {
		if opts.Status != nil {
			s := model.TaskStatus(*opts.Status)
			req.StatusFilter = &s
		}
		if opts.Type != nil {
			t := model.TaskType(*opts.Type)
			req.TypeFilter = &t
		}
		req.Limit = opts.Limit
	}

	tasks, err := svc.Run(ctx, req)
	if err != nil {
		return nil, mapError(err)
	}

	return fromInternalTaskList(tasks), nil
}

// WaitTask runs a task in the caller until it ends and returns it.
func (c *Client) WaitTask(ctx context.Context, id string) (*Task, error) {
	t, err := c.orch.Run(ctx, id)
	if err != nil {
		return nil, mapError(err)
	}

	result := fromInternalTask(*t)
	return &result, nil
}

// ProcessPending runs every due task once, recovering tasks abandoned by
// a stopped worker first. concurrency <= 0 processes one task at a time.
func (c *Client) ProcessPending(ctx context.Context, concurrency int) error {
	svc, err := worker.NewService(worker.ServiceConfig{Orchestrator: c.orch, Logger: c.logger})
	if err != nil {
		return fmt.Errorf("could not create service: %w", err)
	}

	return mapError(svc.Run(ctx, worker.Request{Concurrency: concurrency, Once: true}))
}

// Watch streams the progress of a task run by this client from now on. The
// channel is closed after a complete or error event or when cancel is called.
// Callers must call cancel once they stop reading.
func (c *Client) Watch(taskID string) (events <-chan ProgressEvent, cancel func()) {
	in, stop := c.streamer.Subscribe(taskID)
	out := make(chan ProgressEvent)
	done := make(chan struct{})

	go func() {
		defer close(out)
		for ev := range in {
			select {
			case out <- fromInternalProgressEvent(ev):
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return out, func() {
		once.Do(func() {
			close(done)
			stop()
		})
	}
}
