package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/printlink/internal/app/send"
	"github.com/slok/printlink/internal/conventions"
	"github.com/slok/printlink/internal/model"
	"github.com/slok/printlink/internal/printer"
)

type SendCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	taskID         string
	deviceID       string
	target         string
	name           string
	startPrint     bool
	commandTimeout time.Duration
	format         string
}

// NewSendCommand returns the send command.
func NewSendCommand(rootCmd *RootCommand, app *kingpin.Application) *SendCommand {
	c := &SendCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("send", "Upload the artifact of a succeeded task to a printer.")
	c.Cmd.Arg("task-id", "Task ID whose artifact is sent.").Required().StringVar(&c.taskID)
	c.Cmd.Flag("device", "Device ID (default: the configured one).").Short('d').StringVar(&c.deviceID)
	c.Cmd.Flag("target", "Device storage (local, removable).").Default(string(model.TargetLocal)).EnumVar(&c.target, string(model.TargetLocal), string(model.TargetRemovable))
	c.Cmd.Flag("name", "File name on the device (default: <task-id>.gcode).").StringVar(&c.name)
	c.Cmd.Flag("start-print", "Start printing once the device stored the file.").BoolVar(&c.startPrint)
	c.Cmd.Flag("command-timeout", "Wait for the print start answer.").Default("10s").DurationVar(&c.commandTimeout)
	c.Cmd.Flag("format", "Output format (table, json).").Default("table").EnumVar(&c.format, "table", "json")

	return c
}

func (c SendCommand) Name() string { return c.Cmd.FullCommand() }

func (c SendCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	rt, err := c.rootCmd.newTaskRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	deviceID := c.deviceID
	if deviceID == "" {
		deviceID = rt.cfg.DeviceID
	}
	if deviceID == "" {
		deviceID = conventions.DefaultDeviceID
	}

	dev, err := c.rootCmd.newDeviceRuntime(ctx, rt.cfg, deviceID)
	if err != nil {
		return err
	}
	defer dev.Close()

	svc, err := send.NewService(send.ServiceConfig{
		Tasks:          rt.repo,
		Artifacts:      rt.artifacts,
		Patches:        rt.approvals,
		Uploader:       dev.uploader,
		Commander:      dev.correlator,
		CommandTimeout: c.commandTimeout,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("could not create service: %w", err)
	}

	resp, err := svc.Run(ctx, send.Request{
		TaskID:     c.taskID,
		DeviceID:   deviceID,
		Target:     model.Target(c.target),
		Name:       c.name,
		StartPrint: c.startPrint,
		OnProgress: func(percent int) {
			logger.Infof("Device %s stored %d%%", deviceID, percent)
		},
	})
	if err != nil {
		return fmt.Errorf("could not send task %s: %w", c.taskID, err)
	}

	name := c.name
	if name == "" {
		name = c.taskID + ".gcode"
	}
	err = c.rootCmd.printer(c.format).PrintUpload(printer.Upload{
		UploadID: resp.Upload.UploadID,
		DeviceID: deviceID,
		Target:   model.Target(c.target),
		Name:     name,
		Size:     resp.Size,
		Chunks:   resp.Upload.Chunks,
		Result:   resp.Upload.Result,
		Print:    resp.Print,
	})
	if err != nil {
		return fmt.Errorf("could not print upload: %w", err)
	}

	return nil
}
