package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/printlink/internal/app/slice"
	"github.com/slok/printlink/internal/model"
)

type SliceCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	modelPath   string
	deviceModel string
	params      map[string]string
	maxRetries  int
	wait        bool
	format      string
}

// NewSliceCommand returns the slice command.
func NewSliceCommand(rootCmd *RootCommand, app *kingpin.Application) *SliceCommand {
	c := &SliceCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("slice", "Slice a 3D model into G-code.")
	c.Cmd.Arg("model", "3D model file.").Required().StringVar(&c.modelPath)
	c.Cmd.Flag("device-model", "Printer model the G-code is sliced for.").StringVar(&c.deviceModel)
	c.Cmd.Flag("param", "Slicer parameter (key=value), repeatable.").Short('p').StringMapVar(&c.params)
	c.Cmd.Flag("max-retries", "Attempts before the task fails (0 uses the configured default).").IntVar(&c.maxRetries)
	c.Cmd.Flag("wait", "Run the task here and wait for its end.").BoolVar(&c.wait)
	c.Cmd.Flag("format", "Output format (table, json).").Default("table").EnumVar(&c.format, "table", "json")

	return c
}

func (c SliceCommand) Name() string { return c.Cmd.FullCommand() }

func (c SliceCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	rt, err := c.rootCmd.newTaskRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	svc, err := slice.NewService(slice.ServiceConfig{
		Orchestrator: rt.orch,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("could not create service: %w", err)
	}

	stop := func() {}
	defer func() { stop() }()
	task, err := svc.Run(ctx, slice.Request{
		ModelPath:   c.modelPath,
		DeviceModel: c.deviceModel,
		Params:      c.params,
		MaxRetries:  c.maxRetries,
		Wait:        c.wait,
		OnCreated: func(t model.Task) {
			stop = watchProgress(ctx, rt.streamer, t.ID, c.rootCmd.Stderr)
		},
	})
	if err != nil {
		return fmt.Errorf("could not slice model: %w", err)
	}
	stop()
	stop = func() {}

	return c.rootCmd.printTask(ctx, rt, c.format, *task)
}
