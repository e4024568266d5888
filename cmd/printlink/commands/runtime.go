package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/slok/printlink/internal/app/status"
	"github.com/slok/printlink/internal/approval"
	"github.com/slok/printlink/internal/artifact"
	"github.com/slok/printlink/internal/channel"
	"github.com/slok/printlink/internal/channel/memory"
	"github.com/slok/printlink/internal/channel/websocket"
	"github.com/slok/printlink/internal/conventions"
	"github.com/slok/printlink/internal/correlator"
	"github.com/slok/printlink/internal/device/fake"
	"github.com/slok/printlink/internal/model"
	"github.com/slok/printlink/internal/orchestrator"
	"github.com/slok/printlink/internal/producer"
	"github.com/slok/printlink/internal/producer/command"
	fakeproducer "github.com/slok/printlink/internal/producer/fake"
	"github.com/slok/printlink/internal/progress"
	storageio "github.com/slok/printlink/internal/storage/io"
	"github.com/slok/printlink/internal/storage/sqlite"
	"github.com/slok/printlink/internal/transfer"
)

// loadConfig reads the config file. A missing file at the default location
// means an all defaults config.
func (r *RootCommand) loadConfig(ctx context.Context) (model.Config, error) {
	path := r.ConfigPath
	explicit := path != ""
	if !explicit {
		path = conventions.ConfigPath(r.DataDir)
	}

	path, err := filepath.Abs(path)
	if err != nil {
		return model.Config{}, fmt.Errorf("invalid config path: %w", err)
	}

	repo := storageio.NewConfigYAMLRepository(os.DirFS(filepath.Dir(path)))
	cfg, err := repo.GetConfig(ctx, filepath.Base(path))
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			r.Logger.Debugf("No config file at %s, using defaults", path)
			return model.Config{}, nil
		}
		return model.Config{}, fmt.Errorf("could not load config: %w", err)
	}
	r.Logger.Debugf("Config loaded from %s", path)

	return cfg, nil
}

// taskRuntime is everything needed to create and run tasks.
type taskRuntime struct {
	cfg       model.Config
	repo      *sqlite.Repository
	artifacts *artifact.Store
	streamer  *progress.Streamer
	orch      *orchestrator.Orchestrator
	approvals *approval.Service
}

func (r *RootCommand) newTaskRuntime(ctx context.Context) (*taskRuntime, error) {
	cfg, err := r.loadConfig(ctx)
	if err != nil {
		return nil, err
	}

	repo, err := sqlite.NewRepository(ctx, sqlite.RepositoryConfig{
		DBPath: r.dbPath(),
		Logger: r.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create repository: %w", err)
	}

	artifactsDir := cfg.ArtifactsDir
	if artifactsDir == "" {
		artifactsDir = conventions.ArtifactsPath(r.DataDir)
	}
	store, err := artifact.NewStore(artifact.StoreConfig{Dir: artifactsDir, Logger: r.Logger})
	if err != nil {
		repo.Close()
		return nil, fmt.Errorf("could not create artifact store: %w", err)
	}

	producers, err := r.newProducers(cfg, store)
	if err != nil {
		repo.Close()
		return nil, err
	}

	streamer, err := progress.NewStreamer(progress.StreamerConfig{Timeline: repo, Logger: r.Logger})
	if err != nil {
		repo.Close()
		return nil, fmt.Errorf("could not create progress streamer: %w", err)
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Repository:        repo,
		Producers:         producers,
		Artifacts:         store,
		Streamer:          streamer,
		CacheTTL:          cfg.Tasks.CacheTTL,
		DefaultMaxRetries: cfg.Tasks.MaxRetries,
		StaleAfter:        cfg.Tasks.StaleAfter,
		Logger:            r.Logger,
	})
	if err != nil {
		repo.Close()
		return nil, fmt.Errorf("could not create orchestrator: %w", err)
	}

	approvals, err := approval.NewService(approval.ServiceConfig{Repository: repo, Artifacts: store, Logger: r.Logger})
	if err != nil {
		repo.Close()
		return nil, fmt.Errorf("could not create approval service: %w", err)
	}

	return &taskRuntime{
		cfg:       cfg,
		repo:      repo,
		artifacts: store,
		streamer:  streamer,
		orch:      orch,
		approvals: approvals,
	}, nil
}

func (t *taskRuntime) Close() { t.repo.Close() }

// printTask prints the stored status of a task.
func (r *RootCommand) printTask(ctx context.Context, rt *taskRuntime, format string, task model.Task) error {
	svc, err := status.NewService(status.ServiceConfig{Repository: rt.repo, Logger: r.Logger})
	if err != nil {
		return fmt.Errorf("could not create status service: %w", err)
	}

	resp, err := svc.Run(ctx, status.Request{TaskID: task.ID})
	if err != nil {
		return fmt.Errorf("could not get task %s status: %w", task.ID, err)
	}

	if err := r.printer(format).PrintTaskStatus(resp.Task, resp.Timeline, resp.Approval); err != nil {
		return fmt.Errorf("could not print task: %w", err)
	}

	return nil
}

// newProducers returns the configured producer commands, task types without
// one use the simulated producer.
func (r *RootCommand) newProducers(cfg model.Config, store *artifact.Store) (map[model.TaskType]producer.Producer, error) {
	if err := os.MkdirAll(conventions.WorkPath(r.DataDir), 0755); err != nil {
		return nil, fmt.Errorf("could not create work directory: %w", err)
	}

	producers := map[model.TaskType]producer.Producer{}
	for _, tt := range []model.TaskType{model.TaskTypeSlicing, model.TaskTypeAnalysis} {
		pc, ok := cfg.Producers[tt]
		if !ok {
			r.Logger.Warningf("No %s producer configured, using the simulated one", tt)
			p, err := fakeproducer.NewProducer(fakeproducer.ProducerConfig{Logger: r.Logger})
			if err != nil {
				return nil, fmt.Errorf("could not create simulated %s producer: %w", tt, err)
			}
			producers[tt] = p
			continue
		}

		p, err := command.NewProducer(command.ProducerConfig{
			Command:   pc.Command,
			Args:      pc.Args,
			WorkDir:   conventions.WorkPath(r.DataDir),
			Artifacts: store,
			Logger:    r.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("could not create %s producer: %w", tt, err)
		}
		producers[tt] = p
	}

	return producers, nil
}

// deviceRuntime is everything needed to talk to devices.
type deviceRuntime struct {
	channel    channel.Channel
	correlator *correlator.Correlator
	uploader   *transfer.Uploader
	closers    []func()
}

// newDeviceRuntime connects to the broker. Without a broker URL an in process
// broker with a simulated device is used.
func (r *RootCommand) newDeviceRuntime(ctx context.Context, cfg model.Config, deviceID string) (*deviceRuntime, error) {
	rt := &deviceRuntime{}

	brokerURL := r.BrokerURL
	if brokerURL == "" {
		brokerURL = cfg.BrokerURL
	}

	if brokerURL == "" {
		r.Logger.Warningf("No broker configured, simulating device %s", deviceID)
		broker, err := memory.NewBroker(memory.BrokerConfig{Logger: r.Logger})
		if err != nil {
			return nil, fmt.Errorf("could not create memory broker: %w", err)
		}
		dev, err := fake.NewDevice(ctx, fake.DeviceConfig{
			DeviceID:      deviceID,
			Channel:       broker,
			ProgressSteps: []int{25, 50, 75, 100},
			Logger:        r.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("could not create simulated device: %w", err)
		}
		rt.channel = broker
		rt.closers = append(rt.closers, dev.Close)
	} else {
		client, err := websocket.Dial(ctx, websocket.ClientConfig{URL: brokerURL, Logger: r.Logger})
		if err != nil {
			return nil, fmt.Errorf("could not connect to broker: %w", err)
		}
		rt.channel = client
		rt.closers = append(rt.closers, func() { _ = client.Close() })
	}

	corr, err := correlator.New(correlator.Config{Channel: rt.channel, Logger: r.Logger})
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("could not create correlator: %w", err)
	}
	rt.correlator = corr
	rt.closers = append(rt.closers, corr.Close)

	up, err := transfer.NewUploader(transfer.UploaderConfig{
		Channel:       rt.channel,
		Correlator:    corr,
		MaxChunkSize:  cfg.ChunkSize,
		ResultTimeout: cfg.ResultTimeout,
		Logger:        r.Logger,
	})
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("could not create uploader: %w", err)
	}
	rt.uploader = up

	return rt, nil
}

// Close releases in reverse creation order.
func (d *deviceRuntime) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

// watchProgress prints the progress events of a task until its stream ends or
// the context is done.
func watchProgress(ctx context.Context, s *progress.Streamer, taskID string, w io.Writer) func() {
	events, cancel := s.Subscribe(taskID)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				switch ev.Kind {
				case model.ProgressEventTimeline:
					fmt.Fprintf(w, "[%d] %s: %s\n", ev.Timeline.Step, ev.Timeline.Label, ev.Timeline.Status)
				case model.ProgressEventProgress:
					fmt.Fprintf(w, "%3.0f%%\n", ev.Fraction*100)
				case model.ProgressEventError:
					fmt.Fprintf(w, "error: %s\n", ev.Message)
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
