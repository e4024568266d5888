package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/printlink/internal/app/worker"
)

type WorkerCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	concurrency  int
	pollInterval time.Duration
	once         bool
}

// NewWorkerCommand returns the worker command.
func NewWorkerCommand(rootCmd *RootCommand, app *kingpin.Application) *WorkerCommand {
	c := &WorkerCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("worker", "Process pending tasks until stopped.")
	c.Cmd.Flag("concurrency", "Tasks processed at the same time.").Default("2").IntVar(&c.concurrency)
	c.Cmd.Flag("poll-interval", "Wait between rounds (0 uses the configured one).").DurationVar(&c.pollInterval)
	c.Cmd.Flag("once", "Process the due tasks once and exit.").BoolVar(&c.once)

	return c
}

func (c WorkerCommand) Name() string { return c.Cmd.FullCommand() }

func (c WorkerCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	rt, err := c.rootCmd.newTaskRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	svc, err := worker.NewService(worker.ServiceConfig{
		Orchestrator: rt.orch,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("could not create service: %w", err)
	}

	pollInterval := c.pollInterval
	if pollInterval == 0 {
		pollInterval = rt.cfg.Tasks.PollInterval
	}

	err = svc.Run(ctx, worker.Request{
		Concurrency:  c.concurrency,
		PollInterval: pollInterval,
		Once:         c.once,
	})
	if err != nil {
		return fmt.Errorf("worker failed: %w", err)
	}

	return nil
}
