package commands

import (
	"context"
	"io"
	"path/filepath"

	"github.com/alecthomas/kingpin/v2"
	"k8s.io/client-go/util/homedir"

	"github.com/slok/printlink/internal/conventions"
	"github.com/slok/printlink/internal/log"
	"github.com/slok/printlink/internal/printer"
)

const (
	// LoggerTypeDefault is the logger default type.
	LoggerTypeDefault = "default"
	// LoggerTypeJSON is the logger json type.
	LoggerTypeJSON = "json"
)

// Command represents an application command, all commands that want to be executed
// should implement and setup on main.
type Command interface {
	Name() string
	Run(ctx context.Context) error
}

// RootCommand represents the root command configuration and global configuration
// for all the commands.
type RootCommand struct {
	// Global flags.
	Debug      bool
	NoLog      bool
	NoColor    bool
	LoggerType string
	DataDir    string
	DBPath     string
	ConfigPath string
	BrokerURL  string

	// Global instances.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	Logger log.Logger
}

// NewRootCommand initializes the main root configuration.
func NewRootCommand(app *kingpin.Application) *RootCommand {
	c := &RootCommand{}

	app.Flag("debug", "Enable debug mode.").BoolVar(&c.Debug)
	app.Flag("no-log", "Disable logger.").BoolVar(&c.NoLog)
	app.Flag("no-color", "Disable logger color.").BoolVar(&c.NoColor)
	app.Flag("logger", "Selects the logger type.").Default(LoggerTypeDefault).EnumVar(&c.LoggerType, LoggerTypeDefault, LoggerTypeJSON)

	dataDir := filepath.Join(homedir.HomeDir(), conventions.DefaultDataDir)
	app.Flag("data-dir", "Directory for printlink state.").Envar("PRINTLINK_DATA_DIR").Default(dataDir).StringVar(&c.DataDir)
	app.Flag("db-path", "Path to the SQLite database file (default: <data-dir>/printlink.db).").Envar("PRINTLINK_DB_PATH").StringVar(&c.DBPath)
	app.Flag("config", "Path to the YAML config file (default: <data-dir>/config.yaml).").Envar("PRINTLINK_CONFIG").StringVar(&c.ConfigPath)
	app.Flag("broker", "Device broker websocket URL, empty simulates a device in process.").Envar("PRINTLINK_BROKER").StringVar(&c.BrokerURL)

	return c
}

func (r *RootCommand) dbPath() string {
	if r.DBPath != "" {
		return r.DBPath
	}
	return conventions.DBPath(r.DataDir)
}

func (r *RootCommand) printer(format string) printer.Printer {
	switch format {
	case "json":
		return printer.NewJSONPrinter(r.Stdout)
	default: // table
		return printer.NewTablePrinter(r.Stdout)
	}
}
