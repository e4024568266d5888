// Package correlator matches asynchronous device answers with the in-flight
// operation that triggered them.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/slok/printlink/internal/channel"
	"github.com/slok/printlink/internal/log"
	"github.com/slok/printlink/internal/model"
	"github.com/slok/printlink/internal/protocol"
)

// Key identifies a correlated operation: a device and an upload or command ID.
type Key struct {
	DeviceID string
	ID       string
}

func (k Key) String() string { return k.DeviceID + "/" + k.ID }

// ProgressFunc receives the device reported completion percentage.
type ProgressFunc func(percent int)

// Config is the configuration for the correlator.
type Config struct {
	Channel channel.Channel
	Logger  log.Logger
}

func (c *Config) defaults() error {
	if c.Channel == nil {
		return fmt.Errorf("channel is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "correlator.Correlator"})
	return nil
}

// Correlator routes device results and progress reports to registered waits.
type Correlator struct {
	ch     channel.Channel
	mu     sync.Mutex
	waits  map[Key]*Wait
	subs   map[string]func()
	logger log.Logger
}

// New creates a new correlator.
func New(cfg Config) (*Correlator, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Correlator{
		ch:     cfg.Channel,
		waits:  make(map[Key]*Wait),
		subs:   make(map[string]func()),
		logger: cfg.Logger,
	}, nil
}

// Wait is a one-shot registration for the terminal answer of an operation.
type Wait struct {
	key        Key
	onProgress ProgressFunc
	result     chan model.Result
	c          *Correlator
	once       sync.Once

	// mu serializes progress callbacks with Cancel.
	mu   sync.Mutex
	done bool
}

// Key returns the correlation key of the wait.
func (w *Wait) Key() Key { return w.key }

// Register creates the wait for a key. It must be called before publishing
// the message that triggers the device answer. Only one wait per key can be
// outstanding.
func (c *Correlator) Register(ctx context.Context, key Key, onProgress ProgressFunc) (*Wait, error) {
	if key.DeviceID == "" || key.ID == "" {
		return nil, fmt.Errorf("device and correlation ID are required: %w", model.ErrNotValid)
	}

	if err := c.ensureSubscribed(ctx, key.DeviceID); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.waits[key]; ok {
		return nil, fmt.Errorf("wait for %s: %w", key, model.ErrAlreadyExists)
	}

	w := &Wait{
		key:        key,
		onProgress: onProgress,
		result:     make(chan model.Result, 1),
		c:          c,
	}
	c.waits[key] = w

	return w, nil
}

// Await blocks until the device answers, the timeout elapses or the context
// is done. A timeout resolves with model.OutcomeTimedOut instead of an error,
// only a context cancellation returns an error. The wait is released on return.
func (w *Wait) Await(ctx context.Context, timeout time.Duration) (model.Result, error) {
	defer w.Cancel()

	// An answer that is already there wins over an expired deadline.
	select {
	case r := <-w.result:
		return r, nil
	default:
	}

	if timeout <= 0 {
		return model.Result{Outcome: model.OutcomeTimedOut}, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-w.result:
		return r, nil
	case <-timer.C:
		w.c.logger.Warningf("No result for %s after %s, assuming unconfirmed success", w.key, timeout)
		return model.Result{Outcome: model.OutcomeTimedOut}, nil
	case <-ctx.Done():
		return model.Result{}, ctx.Err()
	}
}

// Cancel releases the wait, later answers for its key are dropped. Once it
// returns the progress callback is not running and is never called again.
func (w *Wait) Cancel() {
	w.once.Do(func() {
		w.mu.Lock()
		w.done = true
		w.mu.Unlock()

		w.c.mu.Lock()
		defer w.c.mu.Unlock()
		if cur, ok := w.c.waits[w.key]; ok && cur == w {
			delete(w.c.waits, w.key)
		}
	})
}

func (w *Wait) progress(percent int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done || w.onProgress == nil {
		return
	}
	w.onProgress(percent)
}

// Wait registers a wait and blocks for its answer. Use it only when the
// triggering message has not been published yet by someone else; otherwise
// use Dispatch or Register.
func (c *Correlator) Wait(ctx context.Context, key Key, onProgress ProgressFunc, timeout time.Duration) (model.Result, error) {
	w, err := c.Register(ctx, key, onProgress)
	if err != nil {
		return model.Result{}, err
	}
	return w.Await(ctx, timeout)
}

// Dispatch registers the wait, runs publish and then awaits the answer, so
// the answer can never arrive before the wait exists.
func (c *Correlator) Dispatch(ctx context.Context, key Key, onProgress ProgressFunc, timeout time.Duration, publish func(ctx context.Context) error) (model.Result, error) {
	w, err := c.Register(ctx, key, onProgress)
	if err != nil {
		return model.Result{}, err
	}

	if err := publish(ctx); err != nil {
		w.Cancel()
		return model.Result{}, err
	}

	return w.Await(ctx, timeout)
}

// SendCommand publishes a generic command to a device and waits for its result.
func (c *Correlator) SendCommand(ctx context.Context, deviceID, name string, args map[string]string, timeout time.Duration) (model.Result, error) {
	if !c.ch.Connected() {
		return model.Result{}, fmt.Errorf("channel not available: %w", model.ErrConnection)
	}

	cmd := protocol.Command{CommandID: uuid.NewString(), Name: name, Args: args}
	payload, err := protocol.Encode(cmd)
	if err != nil {
		return model.Result{}, err
	}

	key := Key{DeviceID: deviceID, ID: cmd.CommandID}
	return c.Dispatch(ctx, key, nil, timeout, func(ctx context.Context) error {
		if err := c.ch.Publish(ctx, protocol.RequestTopic(deviceID), payload); err != nil {
			return fmt.Errorf("could not publish command %s: %w", name, err)
		}
		return nil
	})
}

// Close removes every device subscription.
func (c *Correlator) Close() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]func())
	c.mu.Unlock()

	for _, unsub := range subs {
		unsub()
	}
}

func (c *Correlator) ensureSubscribed(ctx context.Context, deviceID string) error {
	c.mu.Lock()
	_, ok := c.subs[deviceID]
	c.mu.Unlock()
	if ok {
		return nil
	}

	unsub, err := c.ch.Subscribe(ctx, protocol.ReportTopic(deviceID), func(ctx context.Context, _ string, payload []byte) {
		c.handle(deviceID, payload)
	})
	if err != nil {
		if errors.Is(err, model.ErrConnection) {
			return err
		}
		return fmt.Errorf("could not subscribe to device %s reports: %w", deviceID, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[deviceID]; ok {
		// Lost a concurrent subscribe race.
		go unsub()
		return nil
	}
	c.subs[deviceID] = unsub

	return nil
}

func (c *Correlator) handle(deviceID string, payload []byte) {
	msg, err := protocol.Decode(payload)
	if err != nil {
		c.logger.Warningf("Dropping invalid message from device %s: %s", deviceID, err)
		return
	}

	switch m := msg.(type) {
	case protocol.Progress:
		c.mu.Lock()
		w, ok := c.waits[Key{DeviceID: deviceID, ID: m.UploadID}]
		c.mu.Unlock()
		if ok {
			w.progress(m.Percent)
		}

	case protocol.Result:
		key := Key{DeviceID: deviceID, ID: m.CorrelationID()}
		c.mu.Lock()
		w, ok := c.waits[key]
		if ok {
			delete(c.waits, key)
		}
		c.mu.Unlock()
		if !ok {
			c.logger.Debugf("Dropping result without wait for %s", key)
			return
		}

		w.result <- model.Result{
			Outcome:  model.OutcomeConfirmed,
			OK:       m.OK,
			Message:  m.Message,
			Filename: m.Filename,
		}

	default:
		c.logger.Debugf("Ignoring %s message on device %s report topic", msg.MessageType(), deviceID)
	}
}
