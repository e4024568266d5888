package lib

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/slok/printlink/internal/approval"
	"github.com/slok/printlink/internal/artifact"
	"github.com/slok/printlink/internal/conventions"
	"github.com/slok/printlink/internal/log"
	"github.com/slok/printlink/internal/model"
	"github.com/slok/printlink/internal/orchestrator"
	"github.com/slok/printlink/internal/producer"
	"github.com/slok/printlink/internal/producer/command"
	fakeproducer "github.com/slok/printlink/internal/producer/fake"
	"github.com/slok/printlink/internal/progress"
	"github.com/slok/printlink/internal/storage/sqlite"
)

// ProducerCommand is an external command that runs a task type. Args may use
// the {input}, {output} and {task} placeholders.
type ProducerCommand struct {
	Command string
	Args    []string
}

// Config configures the SDK client.
//
// All fields are optional. An empty Config{} uses ~/.printlink for state,
// simulated producers and a simulated printer.
type Config struct {
	// DataDir is the base directory for printlink state.
	// Default: ~/.printlink.
	DataDir string

	// DBPath is the SQLite database path.
	// Default: <DataDir>/printlink.db.
	DBPath string

	// ArtifactsDir is where produced artifacts are stored.
	// Default: <DataDir>/artifacts.
	ArtifactsDir string

	// Producers are the commands that run each task type.
	Producers map[TaskType]ProducerCommand

	// MaxRetries is the default number of attempts of a task.
	// Default: 3.
	MaxRetries int

	// CacheTTL is how long produced artifacts are reused, 0 never expires.
	CacheTTL time.Duration

	// BrokerURL is the websocket broker printers are reachable through.
	BrokerURL string

	// DeviceID is the default printer of [Client.Send].
	// Default: printer-1.
	DeviceID string

	// ChunkSize is the maximum upload chunk size in bytes.
	ChunkSize int

	// ResultTimeout is how long an upload waits for the printer answer.
	ResultTimeout time.Duration

	// Logger receives structured log output from the SDK.
	// Default: noop (silent). See the log sub-package for the interface.
	Logger log.Logger
}

func (c *Config) defaults() error {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("could not get user home dir: %w", err)
		}
		c.DataDir = filepath.Join(home, conventions.DefaultDataDir)
	}

	if c.DBPath == "" {
		c.DBPath = conventions.DBPath(c.DataDir)
	}

	if c.ArtifactsDir == "" {
		c.ArtifactsDir = conventions.ArtifactsPath(c.DataDir)
	}

	if c.DeviceID == "" {
		c.DeviceID = conventions.DefaultDeviceID
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries can't be negative: %w", ErrNotValid)
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}

	return nil
}

// Client is the main SDK entry point.
//
// Create a Client with [New] and release its resources with [Client.Close].
// A Client is safe for concurrent use.
type Client struct {
	cfg       Config
	repo      *sqlite.Repository
	artifacts *artifact.Store
	streamer  *progress.Streamer
	orch      *orchestrator.Orchestrator
	approvals *approval.Service
	logger    log.Logger
}

// New creates a new SDK client backed by a SQLite database.
//
// The caller must call [Client.Close] when done to release the database
// connection.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	repo, err := sqlite.NewRepository(ctx, sqlite.RepositoryConfig{
		DBPath: cfg.DBPath,
		Logger: cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create repository: %w", err)
	}

	c, err := newClient(cfg, repo)
	if err != nil {
		repo.Close()
		return nil, err
	}

	return c, nil
}

func newClient(cfg Config, repo *sqlite.Repository) (*Client, error) {
	store, err := artifact.NewStore(artifact.StoreConfig{Dir: cfg.ArtifactsDir, Logger: cfg.Logger})
	if err != nil {
		return nil, fmt.Errorf("could not create artifact store: %w", err)
	}

	producers, err := newProducers(cfg, store)
	if err != nil {
		return nil, err
	}

	streamer, err := progress.NewStreamer(progress.StreamerConfig{Timeline: repo, Logger: cfg.Logger})
	if err != nil {
		return nil, fmt.Errorf("could not create progress streamer: %w", err)
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Repository:        repo,
		Producers:         producers,
		Artifacts:         store,
		Streamer:          streamer,
		CacheTTL:          cfg.CacheTTL,
		DefaultMaxRetries: cfg.MaxRetries,
		Logger:            cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create orchestrator: %w", err)
	}

	approvals, err := approval.NewService(approval.ServiceConfig{Repository: repo, Artifacts: store, Logger: cfg.Logger})
	if err != nil {
		return nil, fmt.Errorf("could not create approval service: %w", err)
	}

	return &Client{
		cfg:       cfg,
		repo:      repo,
		artifacts: store,
		streamer:  streamer,
		orch:      orch,
		approvals: approvals,
		logger:    cfg.Logger,
	}, nil
}

func newProducers(cfg Config, store *artifact.Store) (map[model.TaskType]producer.Producer, error) {
	producers := map[model.TaskType]producer.Producer{}
	for _, tt := range []TaskType{TaskTypeSlicing, TaskTypeAnalysis} {
		pc, ok := cfg.Producers[tt]
		if !ok {
			p, err := fakeproducer.NewProducer(fakeproducer.ProducerConfig{Logger: cfg.Logger})
			if err != nil {
				return nil, fmt.Errorf("could not create simulated %s producer: %w", tt, err)
			}
			producers[model.TaskType(tt)] = p
			continue
		}

		workDir := conventions.WorkPath(cfg.DataDir)
		if err := os.MkdirAll(workDir, 0755); err != nil {
			return nil, fmt.Errorf("could not create work directory: %w", err)
		}
		p, err := command.NewProducer(command.ProducerConfig{
			Command:   pc.Command,
			Args:      pc.Args,
			WorkDir:   workDir,
			Artifacts: store,
			Logger:    cfg.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("could not create %s producer: %w", tt, err)
		}
		producers[model.TaskType(tt)] = p
	}

	return producers, nil
}

// Close releases resources held by the client, including the database connection.
// After Close returns, the client must not be used.
func (c *Client) Close() error {
	return c.repo.Close()
}
