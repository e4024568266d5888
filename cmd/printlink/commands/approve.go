package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/printlink/internal/app/approve"
)

type ApproveCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	reject     bool
	taskID     string
	outputPath string
	format     string
}

// NewApproveCommand returns the approve command.
func NewApproveCommand(rootCmd *RootCommand, app *kingpin.Application) *ApproveCommand {
	c := &ApproveCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("approve", "Approve the patch of a succeeded analysis.")
	c.Cmd.Arg("task-id", "Analysis task ID.").Required().StringVar(&c.taskID)
	c.Cmd.Flag("output", "Write the approved patch to this file.").Short('o').StringVar(&c.outputPath)
	c.Cmd.Flag("format", "Output format (table, json).").Default("table").EnumVar(&c.format, "table", "json")

	return c
}

// NewRejectCommand returns the reject command.
func NewRejectCommand(rootCmd *RootCommand, app *kingpin.Application) *ApproveCommand {
	c := &ApproveCommand{rootCmd: rootCmd, reject: true}

	c.Cmd = app.Command("reject", "Reject the patch of a succeeded analysis.")
	c.Cmd.Arg("task-id", "Analysis task ID.").Required().StringVar(&c.taskID)
	c.Cmd.Flag("format", "Output format (table, json).").Default("table").EnumVar(&c.format, "table", "json")

	return c
}

func (c ApproveCommand) Name() string { return c.Cmd.FullCommand() }

func (c ApproveCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	rt, err := c.rootCmd.newTaskRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	svc, err := approve.NewService(approve.ServiceConfig{
		Approver: rt.approvals,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("could not create service: %w", err)
	}

	a, err := svc.Run(ctx, approve.Request{
		TaskID:     c.taskID,
		Reject:     c.reject,
		OutputPath: c.outputPath,
	})
	if err != nil {
		return fmt.Errorf("could not decide on patch: %w", err)
	}

	if err := c.rootCmd.printer(c.format).PrintApproval(*a); err != nil {
		return fmt.Errorf("could not print approval: %w", err)
	}

	return nil
}
