package transfer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/slok/printlink/internal/channel"
	"github.com/slok/printlink/internal/correlator"
	"github.com/slok/printlink/internal/log"
	"github.com/slok/printlink/internal/model"
	"github.com/slok/printlink/internal/protocol"
)

// UploaderConfig is the configuration for the uploader.
type UploaderConfig struct {
	Channel       channel.Channel
	Correlator    *correlator.Correlator
	Registry      *Registry
	MaxChunkSize  int
	ResultTimeout time.Duration
	Logger        log.Logger
}

func (c *UploaderConfig) defaults() error {
	if c.Channel == nil {
		return fmt.Errorf("channel is required")
	}
	if c.Correlator == nil {
		return fmt.Errorf("correlator is required")
	}
	if c.Registry == nil {
		c.Registry = NewRegistry()
	}
	if c.MaxChunkSize == 0 {
		c.MaxChunkSize = protocol.DefaultMaxChunkSize
	}
	if c.ResultTimeout < 0 {
		return fmt.Errorf("result timeout can't be negative")
	}
	if c.ResultTimeout == 0 {
		c.ResultTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	return nil
}

// Uploader runs complete uploads: begin, chunks, commit and the device result.
type Uploader struct {
	ch            channel.Channel
	correlator    *correlator.Correlator
	registry      *Registry
	maxChunk      int
	resultTimeout time.Duration
	logger        log.Logger
}

// NewUploader creates a new uploader.
func NewUploader(cfg UploaderConfig) (*Uploader, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Uploader{
		ch:            cfg.Channel,
		correlator:    cfg.Correlator,
		registry:      cfg.Registry,
		maxChunk:      cfg.MaxChunkSize,
		resultTimeout: cfg.ResultTimeout,
		logger:        cfg.Logger.WithValues(log.Kv{"svc": "transfer.Uploader"}),
	}, nil
}

// UploadRequest is an artifact upload to a device.
type UploadRequest struct {
	DeviceID string
	Target   model.Target
	Name     string
	Data     []byte
	// OnProgress receives the merged send and device percentage, it only
	// reaches 100 once the device confirmed the upload.
	OnProgress func(percent int)
}

// UploadResult is the outcome of an upload.
type UploadResult struct {
	UploadID string
	Chunks   int
	Result   model.Result
}

// Upload sends the data and waits for the device answer. The result wait is
// registered before the first chunk is published. Chunks are sent strictly
// one after the other.
func (u *Uploader) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	sess, err := NewSession(SessionConfig{
		Channel:      u.ch,
		Registry:     u.registry,
		MaxChunkSize: u.maxChunk,
		Logger:       u.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create session: %w", err)
	}

	uploadID, err := sess.Begin(req.DeviceID, req.Target, int64(len(req.Data)), req.Name)
	if err != nil {
		return nil, fmt.Errorf("could not begin upload: %w", err)
	}
	defer sess.Close()

	logger := u.logger.WithValues(log.Kv{"device": req.DeviceID, "upload": uploadID})
	progress := newProgressMerger(req.OnProgress)

	wait, err := u.correlator.Register(ctx, correlator.Key{DeviceID: req.DeviceID, ID: uploadID}, progress.setDevice)
	if err != nil {
		sess.Abort()
		return nil, fmt.Errorf("could not register result wait: %w", err)
	}
	defer wait.Cancel()

	chunks := Split(req.Data, u.maxChunk)
	var sent int64
	for i, chunk := range chunks {
		if err := sess.SendChunk(ctx, i, chunk); err != nil {
			return nil, err
		}
		sent += int64(len(chunk))
		progress.setLocal(int(sent * 100 / int64(len(req.Data))))
	}

	if err := sess.Commit(ctx, req.Target); err != nil {
		return nil, err
	}
	logger.Debugf("Sent %d chunks, waiting device result", len(chunks))

	res, err := wait.Await(ctx, u.resultTimeout)
	if err != nil {
		return nil, fmt.Errorf("could not wait upload result: %w", err)
	}

	switch {
	case res.Unconfirmed():
		logger.Warningf("Upload of %s unconfirmed by the device", req.Name)
	case res.OK:
		progress.done()
		logger.Infof("Upload of %s confirmed by the device", req.Name)
	default:
		logger.Errorf("Upload of %s rejected by the device: %s", req.Name, res.Message)
	}

	return &UploadResult{UploadID: uploadID, Chunks: len(chunks), Result: res}, nil
}

// progressMerger merges the locally computed send percentage with the device
// reported one. Values never decrease and stay under 100 until done.
type progressMerger struct {
	mu     sync.Mutex
	local  int
	device int
	last   int
	fn     func(int)
}

func newProgressMerger(fn func(int)) *progressMerger {
	return &progressMerger{fn: fn, last: -1}
}

func (p *progressMerger) setLocal(v int) {
	p.mu.Lock()
	p.local = v
	p.mu.Unlock()
	p.report()
}

func (p *progressMerger) setDevice(v int) {
	p.mu.Lock()
	p.device = v
	p.mu.Unlock()
	p.report()
}

func (p *progressMerger) report() {
	if p.fn == nil {
		return
	}

	p.mu.Lock()
	v := min(max(p.local, p.device), 99)
	if v <= p.last {
		p.mu.Unlock()
		return
	}
	p.last = v
	p.mu.Unlock()

	p.fn(v)
}

func (p *progressMerger) done() {
	if p.fn == nil {
		return
	}
	p.mu.Lock()
	p.last = 100
	p.mu.Unlock()
	p.fn(100)
}
