package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/printlink/internal/app/list"
	"github.com/slok/printlink/internal/app/status"
	"github.com/slok/printlink/internal/model"
	"github.com/slok/printlink/internal/storage/sqlite"
)

// NewTaskCommand returns the task parent command.
func NewTaskCommand(app *kingpin.Application) *kingpin.CmdClause {
	return app.Command("task", "Inspect background tasks.")
}

type TaskStatusCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	taskID string
	format string
}

// NewTaskStatusCommand returns the task status command.
func NewTaskStatusCommand(rootCmd *RootCommand, parent *kingpin.CmdClause) *TaskStatusCommand {
	c := &TaskStatusCommand{rootCmd: rootCmd}

	c.Cmd = parent.Command("status", "Show a task with its timeline.")
	c.Cmd.Arg("task-id", "Task ID.").Required().StringVar(&c.taskID)
	c.Cmd.Flag("format", "Output format (table, json).").Default("table").EnumVar(&c.format, "table", "json")

	return c
}

func (c TaskStatusCommand) Name() string { return c.Cmd.FullCommand() }

func (c TaskStatusCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	repo, err := sqlite.NewRepository(ctx, sqlite.RepositoryConfig{
		DBPath: c.rootCmd.dbPath(),
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("could not create repository: %w", err)
	}
	defer repo.Close()

	svc, err := status.NewService(status.ServiceConfig{
		Repository: repo,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("could not create service: %w", err)
	}

	resp, err := svc.Run(ctx, status.Request{TaskID: c.taskID})
	if err != nil {
		return fmt.Errorf("could not get task status: %w", err)
	}

	if err := c.rootCmd.printer(c.format).PrintTaskStatus(resp.Task, resp.Timeline, resp.Approval); err != nil {
		return fmt.Errorf("could not print status: %w", err)
	}

	return nil
}

type TaskListCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	statusFilter string
	typeFilter   string
	limit        int
	format       string
}

// NewTaskListCommand returns the task list command.
func NewTaskListCommand(rootCmd *RootCommand, parent *kingpin.CmdClause) *TaskListCommand {
	c := &TaskListCommand{rootCmd: rootCmd}

	c.Cmd = parent.Command("list", "List tasks, newest first.")
	c.Cmd.Flag("status", "Filter by status (pending, running, succeeded, failed).").StringVar(&c.statusFilter)
	c.Cmd.Flag("type", "Filter by type (slicing, analysis).").StringVar(&c.typeFilter)
	c.Cmd.Flag("limit", "Maximum number of tasks (0 is unlimited).").IntVar(&c.limit)
	c.Cmd.Flag("format", "Output format (table, json).").Default("table").EnumVar(&c.format, "table", "json")

	return c
}

func (c TaskListCommand) Name() string { return c.Cmd.FullCommand() }

func (c TaskListCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	statusFilter, err := parseStatusFilter(c.statusFilter)
	if err != nil {
		return err
	}
	typeFilter, err := parseTypeFilter(c.typeFilter)
	if err != nil {
		return err
	}

	repo, err := sqlite.NewRepository(ctx, sqlite.RepositoryConfig{
		DBPath: c.rootCmd.dbPath(),
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("could not create repository: %w", err)
	}
	defer repo.Close()

	svc, err := list.NewService(list.ServiceConfig{
		Repository: repo,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("could not create service: %w", err)
	}

	tasks, err := svc.Run(ctx, list.Request{
		StatusFilter: statusFilter,
		TypeFilter:   typeFilter,
		Limit:        c.limit,
	})
	if err != nil {
		return fmt.Errorf("could not list tasks: %w", err)
	}

	if err := c.rootCmd.printer(c.format).PrintTaskList(tasks); err != nil {
		return fmt.Errorf("could not print list: %w", err)
	}

	return nil
}

func parseStatusFilter(s string) (*model.TaskStatus, error) {
	if s == "" {
		return nil, nil
	}

	status := model.TaskStatus(strings.ToLower(s))
	switch status {
	case model.TaskStatusPending, model.TaskStatusRunning, model.TaskStatusSucceeded, model.TaskStatusFailed:
		return &status, nil
	default:
		return nil, fmt.Errorf("invalid status filter: %s (must be: pending, running, succeeded, failed)", s)
	}
}

func parseTypeFilter(s string) (*model.TaskType, error) {
	if s == "" {
		return nil, nil
	}

	tt := model.TaskType(strings.ToLower(s))
	switch tt {
	case model.TaskTypeSlicing, model.TaskTypeAnalysis:
		return &tt, nil
	default:
		return nil, fmt.Errorf("invalid type filter: %s (must be: slicing, analysis)", s)
	}
}
