// Package progress fans out task progress events to any number of
// subscribers. Every task stream ends with exactly one terminal event.
package progress

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/slok/printlink/internal/log"
	"github.com/slok/printlink/internal/model"
	"github.com/slok/printlink/internal/storage"
)

// StreamerConfig is the configuration for the streamer.
type StreamerConfig struct {
	// Timeline persists the timeline steps, optional.
	Timeline storage.TimelineRepository
	// KeepEnded is the number of ended streams kept in memory to answer late
	// subscribers, older ones are forgotten.
	KeepEnded int
	Logger    log.Logger
}

func (c *StreamerConfig) defaults() error {
	if c.KeepEnded < 0 {
		return fmt.Errorf("keep ended can't be negative")
	}
	if c.KeepEnded == 0 {
		c.KeepEnded = defaultKeepEnded
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "progress.Streamer"})
	return nil
}

const defaultKeepEnded = 1024

type stream struct {
	subs        map[int]*subscriber
	fraction    float64
	hasFraction bool
	timeline    []model.TimelineStep
	terminal    *model.ProgressEvent
}

func (st *stream) empty() bool {
	return len(st.subs) == 0 && !st.hasFraction && len(st.timeline) == 0 && st.terminal == nil
}

// Streamer is a per task progress event bus.
type Streamer struct {
	mu      sync.Mutex
	streams map[string]*stream
	nextID  int
	// ended holds the ended task IDs oldest first.
	ended     []string
	keepEnded int
	repo      storage.TimelineRepository
	logger    log.Logger
}

// NewStreamer returns a new streamer.
func NewStreamer(cfg StreamerConfig) (*Streamer, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Streamer{
		streams:   make(map[string]*stream),
		keepEnded: cfg.KeepEnded,
		repo:      cfg.Timeline,
		logger:    cfg.Logger,
	}, nil
}

func (s *Streamer) get(taskID string) *stream {
	st, ok := s.streams[taskID]
	if !ok {
		st = &stream{subs: make(map[int]*subscriber)}
		s.streams[taskID] = st
	}
	return st
}

// Subscribe returns the events of a task published from now on. The channel
// is closed after the terminal event or when cancel is called. Subscribing to
// a terminated task yields its terminal event and closes.
//
// Callers must call cancel once they stop reading, or the subscription is
// kept until the task ends.
func (s *Streamer) Subscribe(taskID string) (<-chan model.ProgressEvent, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.get(taskID)
	if st.terminal != nil {
		ch := make(chan model.ProgressEvent, 1)
		ch <- *st.terminal
		close(ch)
		return ch, func() {}
	}

	id := s.nextID
	s.nextID++
	sub := newSubscriber()
	st.subs[id] = sub
	go sub.run()

	cancel := func() {
		s.mu.Lock()
		delete(st.subs, id)
		if st.empty() && s.streams[taskID] == st {
			delete(s.streams, taskID)
		}
		s.mu.Unlock()
		sub.cancel()
	}

	return sub.out, cancel
}

// Publish sends an event to the current subscribers of a task. Publishing
// after the terminal event fails with model.ErrStreamClosed and a fraction
// lower than the last published one fails with model.ErrNotValid.
func (s *Streamer) Publish(ctx context.Context, taskID string, ev model.ProgressEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	st := s.get(taskID)
	if st.terminal != nil {
		s.mu.Unlock()
		return fmt.Errorf("task %s stream already ended: %w", taskID, model.ErrStreamClosed)
	}

	switch ev.Kind {
	case model.ProgressEventProgress:
		if st.hasFraction && ev.Fraction < st.fraction {
			s.mu.Unlock()
			return fmt.Errorf("fraction %v lower than %v: %w", ev.Fraction, st.fraction, model.ErrNotValid)
		}
		st.fraction = ev.Fraction
		st.hasFraction = true
	case model.ProgressEventTimeline:
		st.timeline = upsertStep(st.timeline, *ev.Timeline)
	}

	terminal := ev.IsTerminal()
	if terminal {
		e := ev
		st.terminal = &e
	}

	for _, sub := range st.subs {
		sub.push(ev, terminal)
	}
	if terminal {
		st.subs = make(map[int]*subscriber)
		s.markEnded(taskID)
	}
	s.mu.Unlock()

	if ev.Kind == model.ProgressEventTimeline && s.repo != nil {
		if err := s.repo.SaveTimelineStep(ctx, taskID, *ev.Timeline); err != nil {
			return fmt.Errorf("could not persist timeline step: %w", err)
		}
	}

	return nil
}

// Timeline returns the timeline steps of a task ordered by step, so late
// subscribers can render the stages already reached.
func (s *Streamer) Timeline(ctx context.Context, taskID string) ([]model.TimelineStep, error) {
	if s.repo != nil {
		steps, err := s.repo.ListTimeline(ctx, taskID)
		if err != nil {
			return nil, fmt.Errorf("could not list timeline: %w", err)
		}
		return steps, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[taskID]
	if !ok {
		return nil, nil
	}
	return slices.Clone(st.timeline), nil
}

// Fraction returns the highest fraction published on a task, 0 if none.
func (s *Streamer) Fraction(taskID string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.streams[taskID]; ok {
		return st.fraction
	}
	return 0
}

// markEnded records an ended stream and forgets the oldest ones over the
// limit. Must be called with the lock held.
func (s *Streamer) markEnded(taskID string) {
	s.ended = append(s.ended, taskID)
	for len(s.ended) > s.keepEnded {
		delete(s.streams, s.ended[0])
		s.ended = s.ended[1:]
	}
}

func upsertStep(steps []model.TimelineStep, step model.TimelineStep) []model.TimelineStep {
	i, found := slices.BinarySearchFunc(steps, step.Step, func(s model.TimelineStep, n int) int { return s.Step - n })
	if found {
		steps[i] = step
		return steps
	}
	return slices.Insert(steps, i, step)
}

// subscriber queues events without bound so publishers never block on slow
// consumers.
type subscriber struct {
	mu     sync.Mutex
	queue  []model.ProgressEvent
	ended  bool
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
	out    chan model.ProgressEvent
}

func newSubscriber() *subscriber {
	return &subscriber{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan model.ProgressEvent),
	}
}

func (s *subscriber) push(ev model.ProgressEvent, last bool) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	if last {
		s.ended = true
	}
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber) cancel() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscriber) run() {
	defer close(s.out)

	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.ended {
			s.mu.Unlock()
			select {
			case <-s.notify:
			case <-s.done:
				return
			}
			s.mu.Lock()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}
