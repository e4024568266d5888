// Package fake implements a configurable producer for tests and local runs.
package fake

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/slok/printlink/internal/log"
	"github.com/slok/printlink/internal/model"
	"github.com/slok/printlink/internal/producer"
)

// ProducerConfig is the configuration for the fake producer.
type ProducerConfig struct {
	// FailTimes is the number of first calls that fail.
	FailTimes int
	// AlwaysFail makes every call fail.
	AlwaysFail bool
	// Delay is how long every call takes, honoring the context.
	Delay time.Duration
	// Output returns the produced data, by default a deterministic G-code
	// like text derived from the job.
	Output func(job producer.Job) []byte
	Logger log.Logger
}

func (c *ProducerConfig) defaults() error {
	if c.FailTimes < 0 {
		return fmt.Errorf("fail times can't be negative")
	}
	if c.Output == nil {
		c.Output = defaultOutput
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "producer.Fake"})
	return nil
}

func defaultOutput(job producer.Job) []byte {
	return fmt.Appendf(nil, "; %s of %s\nG28\nG1 X10 Y10 Z0.2\nM84\n", job.Type, job.InputRef)
}

// Producer is a fake producer.
type Producer struct {
	cfg    ProducerConfig
	calls  atomic.Int64
	logger log.Logger
}

// NewProducer returns a new fake producer.
func NewProducer(cfg ProducerConfig) (*Producer, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Producer{cfg: cfg, logger: cfg.Logger}, nil
}

// Calls returns the number of Produce calls.
func (p *Producer) Calls() int { return int(p.calls.Load()) }

// Produce simulates a job with three timeline steps.
func (p *Producer) Produce(ctx context.Context, job producer.Job, r producer.Reporter) (*producer.Output, error) {
	call := int(p.calls.Add(1))

	r.Timeline(ctx, 1, "load", "done")
	r.Progress(ctx, 0.1)

	if p.cfg.Delay > 0 {
		select {
		case <-time.After(p.cfg.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if p.cfg.AlwaysFail || call <= p.cfg.FailTimes {
		r.Timeline(ctx, 2, string(job.Type), "failed")
		return nil, fmt.Errorf("fake %s failed on call %d: %w", job.Type, call, model.ErrProducer)
	}

	r.Timeline(ctx, 2, string(job.Type), "done")
	r.Progress(ctx, 0.9)
	r.Timeline(ctx, 3, "export", "done")
	r.Progress(ctx, 1)

	data := p.cfg.Output(job)
	p.logger.Debugf("Produced %d bytes for task %s", len(data), job.TaskID)

	return &producer.Output{
		Data:     data,
		Metadata: map[string]string{"producer": "fake", "attempt": fmt.Sprint(job.Attempt)},
	}, nil
}
