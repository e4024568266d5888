package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/printlink/internal/app/analyze"
	"github.com/slok/printlink/internal/model"
)

type AnalyzeCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	sliceTaskID string
	filePath    string
	deviceModel string
	params      map[string]string
	maxRetries  int
	wait        bool
	format      string
}

// NewAnalyzeCommand returns the analyze command.
func NewAnalyzeCommand(rootCmd *RootCommand, app *kingpin.Application) *AnalyzeCommand {
	c := &AnalyzeCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("analyze", "Analyze G-code and propose a patch.")
	c.Cmd.Flag("slice-task", "Succeeded slicing task whose G-code is analyzed.").StringVar(&c.sliceTaskID)
	c.Cmd.Flag("file", "G-code file to analyze.").Short('f').StringVar(&c.filePath)
	c.Cmd.Flag("device-model", "Printer model the G-code runs on.").StringVar(&c.deviceModel)
	c.Cmd.Flag("param", "Analyzer parameter (key=value), repeatable.").Short('p').StringMapVar(&c.params)
	c.Cmd.Flag("max-retries", "Attempts before the task fails (0 uses the configured default).").IntVar(&c.maxRetries)
	c.Cmd.Flag("wait", "Run the task here and wait for its end.").BoolVar(&c.wait)
	c.Cmd.Flag("format", "Output format (table, json).").Default("table").EnumVar(&c.format, "table", "json")

	return c
}

func (c AnalyzeCommand) Name() string { return c.Cmd.FullCommand() }

func (c AnalyzeCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	rt, err := c.rootCmd.newTaskRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	svc, err := analyze.NewService(analyze.ServiceConfig{
		Orchestrator: rt.orch,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("could not create service: %w", err)
	}

	stop := func() {}
	defer func() { stop() }()
	task, err := svc.Run(ctx, analyze.Request{
		SliceTaskID: c.sliceTaskID,
		FilePath:    c.filePath,
		DeviceModel: c.deviceModel,
		Params:      c.params,
		MaxRetries:  c.maxRetries,
		Wait:        c.wait,
		OnCreated: func(t model.Task) {
			stop = watchProgress(ctx, rt.streamer, t.ID, c.rootCmd.Stderr)
		},
	})
	if err != nil {
		return fmt.Errorf("could not analyze G-code: %w", err)
	}
	stop()
	stop = func() {}

	return c.rootCmd.printTask(ctx, rt, c.format, *task)
}
