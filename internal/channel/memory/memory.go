package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/slok/printlink/internal/channel"
	"github.com/slok/printlink/internal/log"
	"github.com/slok/printlink/internal/model"
)

// BrokerConfig is the configuration for the memory broker.
type BrokerConfig struct {
	Logger log.Logger
}

func (c *BrokerConfig) defaults() error {
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "channel.Memory"})
	return nil
}

// Message is a message published on the broker.
type Message struct {
	Topic   string
	Payload []byte
}

type subscription struct {
	id      int
	handler channel.Handler
}

// Broker is an in-process implementation of channel.Channel. Handlers are
// called synchronously from Publish, outside any broker lock.
type Broker struct {
	mu        sync.Mutex
	subs      map[string][]subscription
	nextID    int
	published []Message
	connected bool
	failNext  error
	logger    log.Logger
}

// NewBroker creates a new memory broker.
func NewBroker(cfg BrokerConfig) (*Broker, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Broker{
		subs:      make(map[string][]subscription),
		connected: true,
		logger:    cfg.Logger,
	}, nil
}

// Publish stores the message and delivers it to the topic subscribers.
func (b *Broker) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return fmt.Errorf("broker is disconnected: %w", model.ErrConnection)
	}
	if b.failNext != nil {
		err := b.failNext
		b.failNext = nil
		b.mu.Unlock()
		return err
	}

	msg := Message{Topic: topic, Payload: append([]byte(nil), payload...)}
	b.published = append(b.published, msg)
	subs := make([]subscription, len(b.subs[topic]))
	copy(subs, b.subs[topic])
	b.mu.Unlock()

	for _, s := range subs {
		s.handler(ctx, topic, msg.Payload)
	}

	return nil
}

// Subscribe registers a handler for a topic.
func (b *Broker) Subscribe(ctx context.Context, topic string, h channel.Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return nil, fmt.Errorf("broker is disconnected: %w", model.ErrConnection)
	}

	b.nextID++
	id := b.nextID
	b.subs[topic] = append(b.subs[topic], subscription{id: id, handler: h})
	b.logger.Debugf("Subscribed to %s", topic)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[topic]
		for i, s := range subs {
			if s.id == id {
				b.subs[topic] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}, nil
}

// Connected returns the simulated connection state.
func (b *Broker) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// SetConnected simulates a connection loss or recovery.
func (b *Broker) SetConnected(connected bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = connected
}

// FailNextPublish makes the next Publish call return err.
func (b *Broker) FailNextPublish(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failNext = err
}

// Published returns the messages published on a topic in publish order.
func (b *Broker) Published(topic string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	var msgs []Message
	for _, m := range b.published {
		if m.Topic == topic {
			msgs = append(msgs, m)
		}
	}
	return msgs
}
