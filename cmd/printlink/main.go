package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/oklog/run"
	"github.com/sirupsen/logrus"

	"github.com/slok/printlink/cmd/printlink/commands"
	"github.com/slok/printlink/internal/log"
	loglogrus "github.com/slok/printlink/internal/log/logrus"
	"github.com/slok/printlink/internal/model"
)

const (
	// Version is the application version (set via ldflags).
	Version = "dev"
)

var errUsage = errors.New("invalid usage")

// cliCommand is a registered command. Printer commands write their result to
// stdout, so they don't log unless debugging.
type cliCommand struct {
	cmd     commands.Command
	printer bool
	// longRunning commands are drained on the first termination signal.
	longRunning bool
}

func registerCommands(rootCmd *commands.RootCommand, app *kingpin.Application) map[string]cliCommand {
	taskCmd := commands.NewTaskCommand(app)

	registered := []cliCommand{
		{cmd: commands.NewSliceCommand(rootCmd, app)},
		{cmd: commands.NewAnalyzeCommand(rootCmd, app)},
		{cmd: commands.NewApproveCommand(rootCmd, app)},
		{cmd: commands.NewRejectCommand(rootCmd, app)},
		{cmd: commands.NewSendCommand(rootCmd, app)},
		{cmd: commands.NewWorkerCommand(rootCmd, app), longRunning: true},
		{cmd: commands.NewTaskStatusCommand(rootCmd, taskCmd), printer: true},
		{cmd: commands.NewTaskListCommand(rootCmd, taskCmd), printer: true},
	}

	cmds := make(map[string]cliCommand, len(registered))
	for _, c := range registered {
		cmds[c.cmd.Name()] = c
	}
	return cmds
}

// Run runs the main application.
func Run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) (err error) {
	app := kingpin.New("printlink", "3D printing job pipeline: slice models, analyze and approve G-code patches, and upload them to devices.")
	app.Version(Version)
	app.DefaultEnvars()
	rootCmd := commands.NewRootCommand(app)
	cmds := registerCommands(rootCmd, app)

	cmdName, err := app.Parse(args[1:])
	if err != nil {
		return fmt.Errorf("%w: %w", errUsage, err)
	}
	selected := cmds[cmdName]

	rootCmd.Stdin = stdin
	rootCmd.Stdout = stdout
	rootCmd.Stderr = stderr
	if selected.printer && !rootCmd.Debug {
		rootCmd.NoLog = true
	}
	rootCmd.Logger = newLogger(*rootCmd, cmdName)

	var g run.Group

	// OS signals.
	{
		signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
		defer signalCancel()

		g.Add(
			func() error {
				<-signalCtx.Done()
				if selected.longRunning {
					rootCmd.Logger.Infof("Termination signal received, waiting for running tasks (signal again to force exit)")
				} else {
					rootCmd.Logger.Debugf("Termination signal received")
				}
				return nil
			},
			func(_ error) {
				// Restores the default handlers, a second signal kills the process.
				signalCancel()
			},
		)
	}

	// Execute command.
	{
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		g.Add(
			func() error {
				if err := selected.cmd.Run(ctx); err != nil {
					return fmt.Errorf("%q command failed: %w", cmdName, err)
				}
				return nil
			},
			func(_ error) {
				cancel()
			},
		)
	}

	return g.Run()
}

// newLogger returns the application logger. Logs go to stderr so stdout only
// carries the printed results.
func newLogger(config commands.RootCommand, cmdName string) log.Logger {
	if config.NoLog {
		return log.Noop
	}

	l := logrus.New()
	l.Out = config.Stderr
	if config.Debug {
		l.SetLevel(logrus.DebugLevel)
	}

	switch config.LoggerType {
	case commands.LoggerTypeJSON:
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		l.SetFormatter(&logrus.TextFormatter{
			ForceColors:   !config.NoColor,
			DisableColors: config.NoColor,
		})
	}

	logger := loglogrus.NewLogrus(logrus.NewEntry(l)).WithValues(log.Kv{
		"version": Version,
		"cmd":     cmdName,
	})
	logger.Debugf("Debug level is enabled, data dir %s", config.DataDir)

	return logger
}

// exitCode maps a failed run to the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errUsage), errors.Is(err, model.ErrNotValid):
		return 2
	case errors.Is(err, model.ErrNotFound):
		return 3
	case errors.Is(err, model.ErrNotApproved), errors.Is(err, model.ErrAlreadyDecided):
		return 4
	case errors.Is(err, model.ErrConnection):
		return 5
	default:
		return 1
	}
}

func main() {
	err := Run(context.Background(), os.Args, os.Stdin, os.Stdout, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
	}
	os.Exit(exitCode(err))
}
