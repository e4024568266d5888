// Package producer defines the external jobs (slicers, analyzers) that
// produce task artifacts.
package producer

import (
	"context"

	"github.com/slok/printlink/internal/model"
)

// Job is a single producer invocation.
type Job struct {
	TaskID   string
	Type     model.TaskType
	InputRef string
	Params   map[string]string
	// Attempt starts at 1.
	Attempt int
}

// Output is what a job produced.
type Output struct {
	Data     []byte
	Metadata map[string]string
}

// Reporter receives the progress of a running job.
type Reporter interface {
	Timeline(ctx context.Context, step int, label, status string)
	Progress(ctx context.Context, fraction float64)
}

// Producer runs jobs. Failures should wrap model.ErrProducer.
type Producer interface {
	Produce(ctx context.Context, job Job, r Reporter) (*Output, error)
}

// ProducerFunc is a helper to use functions as producers.
type ProducerFunc func(ctx context.Context, job Job, r Reporter) (*Output, error)

func (f ProducerFunc) Produce(ctx context.Context, job Job, r Reporter) (*Output, error) {
	return f(ctx, job, r)
}

// NoopReporter discards the progress.
const NoopReporter = noopReporter(0)

type noopReporter int

func (noopReporter) Timeline(context.Context, int, string, string) {}
func (noopReporter) Progress(context.Context, float64)             {}
